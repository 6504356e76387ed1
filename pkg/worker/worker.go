package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/export"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/ratelimit"
	"github.com/platinummonkey/pulse/pkg/retry"
)

// EventWriter persists events; InsertEvent must be idempotent on event id
type EventWriter interface {
	InsertEvent(ctx context.Context, e *events.Event) error
}

// Broadcaster announces persisted events to live subscribers
type Broadcaster interface {
	BroadcastEvent(tenantID string, payload interface{}) error
}

// TerminalFailure is recorded on a dead-lettered job
type TerminalFailure struct {
	JobID    string
	Attempts int
	Err      error
}

func (f *TerminalFailure) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", f.JobID, f.Attempts, f.Err)
}

func (f *TerminalFailure) Unwrap() error {
	return f.Err
}

// Config tunes the pool
type Config struct {
	Concurrency        int           `yaml:"concurrency"`
	RatePerSecond      int           `yaml:"rate_per_second"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	StalledAfter       time.Duration `yaml:"stalled_after"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	Backoff            retry.Config  `yaml:"backoff"`
}

// DefaultConfig returns the production defaults: 10 consumers, 1000 events/s
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		RatePerSecond:      1000,
		PollTimeout:        time.Second,
		JobTimeout:         30 * time.Second,
		CompletedRetention: time.Hour,
		StalledAfter:       5 * time.Minute,
		ReclaimInterval:    time.Minute,
		Backoff:            retry.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.RatePerSecond < 0 {
		c.RatePerSecond = 0
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = def.CompletedRetention
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = def.StalledAfter
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = def.ReclaimInterval
	}
	return c
}

// Option configures optional collaborators
type Option func(*Pool)

func WithLogger(logger *observability.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(p *Pool) { p.otel = m }
}

func WithPublisher(pub export.Publisher) Option {
	return func(p *Pool) { p.publisher = pub }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(p *Pool) { p.broadcaster = b }
}

// Pool consumes event jobs with bounded concurrency
type Pool struct {
	cfg         Config
	queue       queue.Queue
	store       EventWriter
	limiter     *ratelimit.Limiter
	validator   *events.Validator
	backoff     *retry.Policy
	publisher   export.Publisher
	broadcaster Broadcaster
	logger      *observability.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
}

// NewPool creates a pool; call Run to start consuming
func NewPool(q queue.Queue, store EventWriter, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		queue:     q,
		store:     store,
		limiter:   ratelimit.PerSecond(cfg.RatePerSecond),
		validator: events.NewValidator(),
		backoff:   retry.NewPolicy(cfg.Backoff),
		publisher: export.Noop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = observability.NewNopLogger()
	}
	p.logger = p.logger.WithField("component", "event_worker")
	return p
}

// Run blocks until ctx is cancelled. In-flight jobs finish before it returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithFields(map[string]interface{}{
		"concurrency":     p.cfg.Concurrency,
		"rate_per_second": p.cfg.RatePerSecond,
	}).Info("Event worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	wg.Wait()
	p.logger.Info("Event worker pool stopped")
	return nil
}

func (p *Pool) consume(ctx context.Context, id int) {
	logger := p.logger.WithField("consumer", id)
	for ctx.Err() == nil {
		job, err := p.queue.Reserve(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Failed to reserve job")
			p.sleep(ctx, p.cfg.PollTimeout)
			continue
		}
		if job == nil {
			continue
		}
		// on shutdown Wait returns early; the reserved job is still processed
		_ = p.limiter.Wait(ctx)
		// a reserved job is finished even when shutdown starts mid-flight
		p.Process(context.WithoutCancel(ctx), job)
	}
}

// ProcessNext reserves one ready job without waiting and processes it. It reports whether
// a job was found.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Reserve(ctx, 0)
	if err != nil || job == nil {
		return false, err
	}
	p.Process(ctx, job)
	return true, nil
}

// Process runs one reserved job to a resolution: completed, retried or dead-lettered
func (p *Pool) Process(ctx context.Context, job *queue.Job) string {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "worker.process_job",
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	)

	logger := p.logger.WithJob(job.ID, job.Attempts)

	e, err := p.handle(ctx, job)
	outcome, resolveErr := p.resolve(ctx, job, err)
	if resolveErr != nil {
		// stays reserved until RequeueStalled hands it out again
		logger.WithError(resolveErr).Error("Failed to resolve job")
	}

	switch outcome {
	case observability.OutcomeCompleted:
		p.metrics.EventIngested(string(e.EventType))
		p.afterPersist(ctx, logger, e)
	case observability.OutcomeRetried:
		logger.WithError(err).Warn("Event persistence failed, retrying")
	case observability.OutcomeDeadLettered:
		logger.WithError(err).Error("Event job dead-lettered")
	}

	d := time.Since(start)
	p.metrics.JobProcessed(outcome, d)
	p.otel.RecordJob(ctx, outcome, d)
	observability.EndSpan(span, err)
	return outcome
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) (e *events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = observability.AsError(r)
		}
	}()

	e, err = queue.DecodeEvent(job)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if e.ID == "" {
		return nil, retry.Permanent(errors.New("event has no id"))
	}
	if err := p.validator.Validate(e); err != nil {
		return nil, retry.Permanent(err)
	}

	start := time.Now()
	err = p.store.InsertEvent(ctx, e)
	p.metrics.StorageOperation("insert_event", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to persist event %s: %w", e.ID, err)
	}
	return e, nil
}

func (p *Pool) resolve(ctx context.Context, job *queue.Job, err error) (string, error) {
	if err == nil {
		return observability.OutcomeCompleted, p.queue.Complete(ctx, job)
	}
	if retry.IsPermanent(err) || job.Exhausted() {
		failure := &TerminalFailure{JobID: job.ID, Attempts: job.Attempts, Err: err}
		return observability.OutcomeDeadLettered, p.queue.Fail(ctx, job, failure)
	}
	return observability.OutcomeRetried, p.queue.Retry(ctx, job, p.backoff.NextDelay(job.Attempts), err)
}

func (p *Pool) afterPersist(ctx context.Context, logger *observability.Logger, e *events.Event) {
	err := p.publisher.Publish(ctx, e)
	p.metrics.ExportResult(err)
	if err != nil {
		logger.WithError(err).Warn("Failed to mirror event")
	}
	if p.broadcaster != nil {
		if err := p.broadcaster.BroadcastEvent(e.TenantID, e); err != nil {
			logger.WithError(err).Warn("Failed to broadcast event")
		}
	}
}

// maintain requeues stalled jobs, reclaims completed jobs past retention and samples queue depth
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reclaim(ctx)
		}
	}
}

// Reclaim requeues jobs reserved longer than StalledAfter, deletes completed jobs older than
// the retention window and records queue depth
func (p *Pool) Reclaim(ctx context.Context) {
	if n, err := p.queue.RequeueStalled(ctx, p.cfg.StalledAfter); err != nil {
		p.logger.WithError(err).Warn("Failed to requeue stalled jobs")
	} else if n > 0 {
		p.logger.WithField("requeued", n).Warn("Requeued stalled jobs")
	}

	n, err := p.queue.ReclaimCompleted(ctx, p.cfg.CompletedRetention)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to reclaim completed jobs")
	} else if n > 0 {
		p.logger.WithField("reclaimed", n).Debug("Reclaimed completed jobs")
	}

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to read queue stats")
		return
	}
	p.metrics.SetQueueDepth(stats.Pending, stats.Active, stats.Delayed, stats.Completed, stats.Failed)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
