// Package retry provides exponential backoff shared by the event workers and the
// session heartbeat path.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// Retryable classifies errors; nil treats every non-permanent error as retryable
	Retryable func(error) bool `json:"-" yaml:"-"`
}

// DefaultConfig matches the ingestion queue defaults: three attempts, one second doubling
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff
type Policy struct {
	config Config
}

// NewPolicy creates a policy, filling zero fields with defaults
func NewPolicy(config Config) *Policy {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Policy{config: config}
}

// MaxAttempts returns the attempt limit
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// ShouldRetry reports whether another attempt should follow attempt number `attempts`
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if attempts >= p.config.MaxAttempts {
		return false
	}
	if p.config.Retryable != nil {
		return p.config.Retryable(err)
	}
	return true
}

// NextDelay returns the delay after attempt number `attempts`:
// initialDelay * multiplier^(attempts-1), capped at MaxDelay
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts are exhausted.
// The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if !p.ShouldRetry(attempt, err) {
			return unwrapPermanent(err)
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*permanentError); ok {
		return pe.err
	}
	return err
}
