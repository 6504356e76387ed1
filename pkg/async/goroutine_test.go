package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/observability"
)

func TestSafeGo_Runs(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), nil, time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return errors.New("logged, not raised")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	assert.NotPanics(t, func() {
		SafeGo(context.Background(), observability.NewNopLogger(), time.Second, "panicky", func(ctx context.Context) error {
			defer close(done)
			panic("boom")
		})
		<-done
	})
}

func TestSafeGo_OutlivesParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	SafeGo(parent, nil, time.Second, "detached", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		result <- ctx.Err()
		return nil
	})
	cancel()

	assert.NoError(t, <-result)
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 4, "count", time.Second)

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	pool.Close()

	assert.Equal(t, int32(20), count.Load())
	assert.Error(t, pool.Submit(func(ctx context.Context) error { return nil }))
}

func TestWorkerPool_CollectsErrorsAndPanics(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 2, "failing", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error { return errors.New("bad") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("worse") }))
	require.NoError(t, pool.Shutdown(time.Second))

	var errs []error
	for len(errs) < 2 {
		select {
		case err := <-pool.Errors():
			errs = append(errs, err)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 errors, got %d", len(errs))
		}
	}
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 1, "slow", time.Minute)
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	time.Sleep(10 * time.Millisecond)
	assert.Error(t, pool.Shutdown(10*time.Millisecond))
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum atomic.Int64

	errs := Batch(context.Background(), nil, items, 2, "sum", time.Second, func(ctx context.Context, n int) error {
		sum.Add(int64(n))
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	assert.Equal(t, int64(15), sum.Load())
	assert.Len(t, errs, 2)
}
