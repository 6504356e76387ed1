package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	ready     []string
	delayed   map[string]time.Time
	active    map[string]time.Time
	dead      []string
	completed map[string]time.Time
	wake      chan struct{}
	closed    bool
	now       func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:      make(map[string]*Job),
		delayed:   make(map[string]time.Time),
		active:    make(map[string]time.Time),
		completed: make(map[string]time.Time),
		wake:      make(chan struct{}),
		now:       time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrUnavailable
	}
	c := *job
	c.Status = StatusPending
	q.jobs[c.ID] = &c
	q.ready = append(q.ready, c.ID)
	q.signal()
	return nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, wait, wake, err := q.tryReserve()
		if err != nil || job != nil {
			return job, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if wait <= 0 || wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryReserve promotes due retries and pops the oldest ready job. wait is the time until the
// next delayed job becomes due, or zero when none is delayed. wake is closed on the next
// signal.
func (q *MemoryQueue) tryReserve() (*Job, time.Duration, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, nil, ErrUnavailable
	}

	now := q.now()
	var due []string
	var wait time.Duration
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
			continue
		}
		if d := at.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
	}

	if len(q.ready) == 0 {
		return nil, wait, q.wake, nil
	}

	id := q.ready[0]
	q.ready = q.ready[1:]
	job := q.jobs[id]
	job.Attempts++
	job.Status = StatusActive
	q.active[id] = now

	c := *job
	return &c, 0, nil, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	now := q.now()
	delete(q.active, job.ID)
	stored.Status = StatusCompleted
	stored.CompletedAt = &now
	q.completed[job.ID] = now
	job.Status = StatusCompleted
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job *Job, delay time.Duration, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, job.ID)
	stored.Status = StatusPending
	stored.LastError = errString(err)
	stored.RunAt = q.now().Add(delay)
	q.delayed[job.ID] = stored.RunAt
	job.Status, job.LastError, job.RunAt = stored.Status, stored.LastError, stored.RunAt
	q.signal()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, job.ID)
	stored.Status = StatusFailed
	stored.LastError = errString(err)
	q.dead = append([]string{job.ID}, q.dead...)
	job.Status, job.LastError = stored.Status, stored.LastError
	return nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, id := range q.dead {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *q.jobs[id]
		out = append(out, &c)
	}
	return out, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, id := range q.dead {
		if id == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrJobNotFound
	}
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)

	job := q.jobs[jobID]
	job.Attempts = 0
	job.Status = StatusPending
	job.RunAt = q.now()
	q.ready = append(q.ready, jobID)
	q.signal()
	return nil
}

func (q *MemoryQueue) ReclaimCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	n := 0
	for id, at := range q.completed {
		if at.Before(cutoff) {
			delete(q.completed, id)
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) RequeueStalled(ctx context.Context, after time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-after)
	n := 0
	for id, at := range q.active {
		if at.After(cutoff) {
			continue
		}
		delete(q.active, id)
		q.jobs[id].Status = StatusPending
		q.ready = append(q.ready, id)
		n++
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:   int64(len(q.ready)),
		Active:    int64(len(q.active)),
		Delayed:   int64(len(q.delayed)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.dead)),
	}, nil
}

// Close makes further calls fail with ErrUnavailable
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

// signal wakes every waiting consumer; those that find nothing ready wait again
func (q *MemoryQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}
