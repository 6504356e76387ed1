package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one fixed counting window
type Window struct {
	Start time.Time
	Count int
}

// Advance returns the window that is current at now. When now has moved past the end of w,
// the start jumps forward by whole window sizes and the count resets.
func Advance(w Window, now time.Time, size time.Duration) Window {
	if w.Start.IsZero() || now.Before(w.Start) {
		return Window{Start: now}
	}
	elapsed := now.Sub(w.Start)
	if elapsed < size {
		return w
	}
	periods := elapsed / size
	return Window{Start: w.Start.Add(periods * size)}
}

// Limiter admits at most Limit operations per window
type Limiter struct {
	mu     sync.Mutex
	limit  int
	size   time.Duration
	window Window
	now    func() time.Time
}

// NewLimiter creates a limiter admitting limit operations per window size.
// A limit <= 0 disables limiting.
func NewLimiter(limit int, size time.Duration) *Limiter {
	if size <= 0 {
		size = time.Second
	}
	return &Limiter{limit: limit, size: size, now: time.Now}
}

// PerSecond creates a limiter admitting rate operations per second
func PerSecond(rate int) *Limiter {
	return NewLimiter(rate, time.Second)
}

// Allow takes one slot from the current window if one is free
func (l *Limiter) Allow() bool {
	ok, _ := l.reserve()
	return ok
}

// Wait blocks until a slot is free or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, retryIn := l.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the free slots in the current window
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return 0
	}
	l.window = Advance(l.window, l.now(), l.size)
	return l.limit - l.window.Count
}

// Reset discards the current window
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = Window{}
}

func (l *Limiter) reserve() (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.window = Advance(l.window, now, l.size)
	if l.window.Count < l.limit {
		l.window.Count++
		return true, 0
	}
	return false, l.window.Start.Add(l.size).Sub(now)
}

// Keyed holds one Limiter per key
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	limit    int
	size     time.Duration
}

// NewKeyed creates a per-key limiter
func NewKeyed(limit int, size time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		limit:    limit,
		size:     size,
	}
}

// Allow takes a slot from key's window. It never returns an error; the signature matches Distributed.
func (k *Keyed) Allow(ctx context.Context, key string) (bool, error) {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = NewLimiter(k.limit, k.size)
		k.limiters[key] = l
	}
	k.mu.Unlock()

	return l.Allow(), nil
}

// Reset forgets key
func (k *Keyed) Reset(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}
