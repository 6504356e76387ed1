package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/pulse/pkg/events"
)

// Producer enqueues validated events as KindTrackEvent jobs
type Producer struct {
	queue     Queue
	validator *events.Validator
}

// NewProducer creates a producer on q
func NewProducer(q Queue) *Producer {
	return &Producer{queue: q, validator: events.NewValidator()}
}

// Enqueue validates e, assigns its id and queues it with the given attempt budget
// (DefaultMaxAttempts when attempts <= 0). Validation failures are returned as
// *events.ValidationError and nothing is queued; queue failures wrap ErrUnavailable.
func (p *Producer) Enqueue(ctx context.Context, e *events.Event, attempts int) (*Job, error) {
	if err := p.validator.Validate(e); err != nil {
		return nil, err
	}
	e.EnsureID()

	job, err := NewJob(KindTrackEvent, e, attempts)
	if err != nil {
		return nil, err
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return job, nil
}

// EnqueueBatch validates and queues every event of batch with the given attempt budget. errs[i]
// is the outcome of batch[i]: nil once queued, otherwise the error Enqueue would return. A
// failing item does not stop the rest.
func (p *Producer) EnqueueBatch(ctx context.Context, batch []*events.Event, attempts int) []error {
	errs := make([]error, len(batch))
	for i, e := range batch {
		_, errs[i] = p.Enqueue(ctx, e, attempts)
	}
	return errs
}

// DecodeEvent unmarshals a KindTrackEvent payload
func DecodeEvent(job *Job) (*events.Event, error) {
	if job.Kind != KindTrackEvent {
		return nil, fmt.Errorf("unexpected job kind %q", job.Kind)
	}
	var e events.Event
	if err := json.Unmarshal(job.Payload, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return &e, nil
}
