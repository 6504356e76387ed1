package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: start, Count: 7}

	tests := []struct {
		name string
		now  time.Time
		want Window
	}{
		{name: "same window", now: start.Add(500 * time.Millisecond), want: w},
		{name: "next window", now: start.Add(time.Second), want: Window{Start: start.Add(time.Second)}},
		{name: "skips idle windows", now: start.Add(3500 * time.Millisecond), want: Window{Start: start.Add(3 * time.Second)}},
		{name: "clock went backwards", now: start.Add(-time.Second), want: Window{Start: start.Add(-time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Advance(w, tt.now, time.Second))
		})
	}

	assert.Equal(t, Window{Start: start}, Advance(Window{}, start, time.Second))
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(3, time.Second)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.Equal(t, 1, l.Remaining())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	now = now.Add(time.Second)
	assert.True(t, l.Allow())
	assert.Equal(t, 2, l.Remaining())
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow())
	}
}

func TestLimiter_Wait(t *testing.T) {
	l := NewLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, l.Wait(cancelled), context.Canceled)
}

func TestKeyed(t *testing.T) {
	k := NewKeyed(1, time.Minute)
	ctx := context.Background()

	ok, err := k.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = k.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _ = k.Allow(ctx, "b")
	assert.True(t, ok)

	k.Reset("a")
	ok, _ = k.Allow(ctx, "a")
	assert.True(t, ok)
}
