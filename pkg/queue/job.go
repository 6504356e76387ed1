package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned when the queue cannot accept or hand out work
	ErrUnavailable = errors.New("queue unavailable")

	// ErrJobNotFound is returned when requeueing an id that is not dead-lettered
	ErrJobNotFound = errors.New("job not found")
)

// DefaultMaxAttempts is the attempt budget of an event job
const DefaultMaxAttempts = 3

// KindTrackEvent is the job kind carrying one validated event
const KindTrackEvent = "track_event"

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a unit of queued work
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RunAt       time.Time       `json:"runAt"`
	LastError   string          `json:"lastError,omitempty"`
	Status      Status          `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// NewJob marshals payload into a pending job
func NewJob(kind string, payload interface{}, maxAttempts int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     data,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		RunAt:       now,
		Status:      StatusPending,
	}, nil
}

// Exhausted reports whether the job has used its attempt budget
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stats is a snapshot of queue depth per state
type Stats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is an at-least-once job queue
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Reserve hands out the next ready job, waiting up to timeout. It returns (nil, nil) when
	// nothing became ready. The returned job has Attempts incremented and Status active.
	Reserve(ctx context.Context, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Retry makes the job ready again after delay, recording err
	Retry(ctx context.Context, job *Job, delay time.Duration, err error) error
	// Fail moves the job to the dead-letter list
	Fail(ctx context.Context, job *Job, err error) error
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)
	// Requeue moves a dead-lettered job back to ready with a fresh attempt budget
	Requeue(ctx context.Context, jobID string) error
	// ReclaimCompleted deletes completed jobs older than olderThan and returns how many
	ReclaimCompleted(ctx context.Context, olderThan time.Duration) (int, error)
	// RequeueStalled makes jobs reserved longer than after ready again and returns how many
	RequeueStalled(ctx context.Context, after time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
