// Package ingest is the client-facing event boundary. Events are validated and
// enriched synchronously, then queued for the worker pool; persistence happens
// asynchronously and at least once.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
)

// MaxBatchSize bounds a single trackEvents call
const MaxBatchSize = 500

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// ItemResult is the outcome of one event in a batch
type ItemResult struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchResult reports per-item outcomes; the call as a whole succeeds even when items fail
type BatchResult struct {
	Results []ItemResult `json:"results"`
}

// Succeeded counts successful items
func (r BatchResult) Succeeded() int {
	n := 0
	for _, item := range r.Results {
		if item.Success {
			n++
		}
	}
	return n
}

// Service accepts events from clients
type Service struct {
	producer  *queue.Producer
	validator *events.Validator
	enricher  *events.Enricher
	attempts  int
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewService creates an ingestion service. attempts <= 0 uses queue.DefaultMaxAttempts.
func NewService(q queue.Queue, enricher *events.Enricher, attempts int, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if enricher == nil {
		enricher = events.NewEnricher(nil)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		producer:  queue.NewProducer(q),
		validator: events.NewValidator(),
		enricher:  enricher,
		attempts:  attempts,
		logger:    logger.WithField("component", "ingest"),
		metrics:   metrics,
	}
}

// TrackEvent validates, enriches and queues one event and returns its id. Validation
// failures are *events.ValidationError; a queue outage wraps queue.ErrUnavailable.
func (s *Service) TrackEvent(ctx context.Context, e *events.Event) (string, error) {
	if err := s.prepare(ctx, e); err != nil {
		return "", err
	}
	return s.enqueue(ctx, e)
}

// TrackEvents handles a batch. Invalid events get a per-item failure and the valid
// remainder is queued. Enrichment runs concurrently since geo lookups dominate latency.
func (s *Service) TrackEvents(ctx context.Context, batch []*events.Event) (BatchResult, error) {
	if len(batch) > MaxBatchSize {
		return BatchResult{}, ErrBatchTooLarge
	}

	results := make([]ItemResult, len(batch))
	valid := make([]int, 0, len(batch))
	for i, e := range batch {
		if err := s.validate(e); err != nil {
			results[i] = ItemResult{Error: err.Error()}
			continue
		}
		valid = append(valid, i)
	}

	async.Batch(ctx, s.logger, valid, 8, "enrich_event", time.Second, func(ctx context.Context, i int) error {
		s.enrich(ctx, batch[i])
		return nil
	})

	queued := make([]*events.Event, len(valid))
	for k, i := range valid {
		queued[k] = batch[i]
	}
	for k, err := range s.producer.EnqueueBatch(ctx, queued, s.attempts) {
		i := valid[k]
		if err != nil {
			s.enqueueFailed(batch[i], err)
			results[i] = ItemResult{Error: err.Error()}
			continue
		}
		results[i] = ItemResult{Success: true, EventID: batch[i].ID}
	}

	result := BatchResult{Results: results}
	if failed := len(batch) - result.Succeeded(); failed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"total":  len(batch),
			"failed": failed,
		}).Info("Batch partially accepted")
	}
	return result, nil
}

func (s *Service) prepare(ctx context.Context, e *events.Event) error {
	if err := s.validate(e); err != nil {
		return err
	}
	s.enrich(ctx, e)
	return nil
}

func (s *Service) validate(e *events.Event) error {
	if err := s.validator.Validate(e); err != nil {
		s.metrics.EventRejected("validation")
		return err
	}
	return nil
}

func (s *Service) enrich(ctx context.Context, e *events.Event) {
	en, ok := s.enricher.Enrich(ctx, e)
	if !ok {
		s.metrics.EnrichmentFailed()
	}
	en.Apply(e)
}

func (s *Service) enqueue(ctx context.Context, e *events.Event) (string, error) {
	if _, err := s.producer.Enqueue(ctx, e, s.attempts); err != nil {
		s.enqueueFailed(e, err)
		return "", err
	}
	return e.ID, nil
}

func (s *Service) enqueueFailed(e *events.Event, err error) {
	if errors.Is(err, queue.ErrUnavailable) {
		s.metrics.EventRejected("queue_unavailable")
		s.logger.WithError(err).WithTenant(e.TenantID).Error("Failed to enqueue event")
	}
}
