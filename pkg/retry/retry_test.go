package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(Config{})

	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, time.Second, p.config.InitialDelay)
	assert.Equal(t, 5*time.Minute, p.config.MaxDelay)
	assert.Equal(t, 2.0, p.config.BackoffMultiplier)
}

func TestNextDelay_Doubles(t *testing.T) {
	p := NewPolicy(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3})
	boom := errors.New("boom")

	assert.False(t, p.ShouldRetry(1, nil))
	assert.True(t, p.ShouldRetry(1, boom))
	assert.True(t, p.ShouldRetry(2, boom))
	assert.False(t, p.ShouldRetry(3, boom))
	assert.False(t, p.ShouldRetry(1, Permanent(boom)))

	classified := NewPolicy(Config{MaxAttempts: 3, Retryable: func(err error) bool { return false }})
	assert.False(t, classified.ShouldRetry(1, boom))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})

	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: time.Millisecond})
	bad := errors.New("bad payload")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(bad)
	})

	assert.ErrorIs(t, err, bad)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(ctx context.Context) error {
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
