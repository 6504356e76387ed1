// Package reports assembles named result sets from the analytics, funnel and cohort
// layers and keeps them for later export.
//
// A report moves through one state transition: generating -> completed | failed. Builder
// failures are recorded on the report itself, so callers always get back either complete
// results or an explicit failure status.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const (
	// DefaultTTL is how long a generated report is kept before external cleanup
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultListLimit bounds List when no limit is given
	DefaultListLimit = 50
)

// ErrTerminal is returned when a resolved report would change state again
var ErrTerminal = storage.ErrReportTerminal

// Request names a report to generate
type Request struct {
	Name       string                 `json:"reportName"`
	Type       string                 `json:"reportType"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Builder produces the results of one report type
type Builder func(ctx context.Context, tenantID string, params Params) (interface{}, error)

// Archiver copies completed results to long-term storage and returns where they went
type Archiver interface {
	Archive(ctx context.Context, r *storage.Report) (uri string, err error)
}

// Engine generates and serves reports
type Engine struct {
	store    storage.ReportStore
	builders map[string]Builder
	archiver Archiver
	ttl      time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures the engine
type Option func(*Engine)

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBuilder registers or replaces the builder of a report type
func WithBuilder(reportType string, b Builder) Option {
	return func(e *Engine) { e.builders[reportType] = b }
}

// NewEngine creates a report engine. Sources provides the standard builders.
func NewEngine(store storage.ReportStore, sources Sources, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		builders: sources.builders(),
		ttl:      DefaultTTL,
		logger:   observability.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Types lists the registered report types
func (e *Engine) Types() []string {
	out := make([]string, 0, len(e.builders))
	for t := range e.builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Generate records a generating report, runs its builder and resolves it. The returned
// error covers invalid requests and storage failures only; builder failures produce a
// report with status failed.
func (e *Engine) Generate(ctx context.Context, tenantID string, req Request) (*storage.Report, error) {
	if tenantID == "" {
		return nil, &events.ValidationError{Field: "tenantId", Reason: "is required"}
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, &events.ValidationError{Field: "reportName", Reason: "is required"}
	}
	build, ok := e.builders[req.Type]
	if !ok {
		return nil, &events.ValidationError{
			Field:  "reportType",
			Reason: fmt.Sprintf("unknown report type %q, expected one of %s", req.Type, strings.Join(e.Types(), ", ")),
		}
	}

	r := &storage.Report{
		TenantID:   tenantID,
		ReportName: req.Name,
		ReportType: req.Type,
		Parameters: req.Parameters,
		Status:     storage.ReportGenerating,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	log := e.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"report_id":   r.ID,
		"report_type": r.ReportType,
	})

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "reports.generate")
	results, buildErr := e.build(ctx, build, tenantID, Params(req.Parameters))
	observability.EndSpan(span, buildErr)

	generated := e.now().UTC()
	expires := generated.Add(e.ttl)
	r.GeneratedAt = &generated
	r.ExpiresAt = &expires
	if buildErr != nil {
		r.Status = storage.ReportFailed
		r.Error = buildErr.Error()
		log.WithError(buildErr).Warn("report failed")
	} else {
		r.Status = storage.ReportCompleted
		r.Results = results
		e.archive(ctx, r, log)
	}

	if err := e.store.UpdateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to resolve report %s: %w", r.ID, err)
	}
	e.metrics.StorageOperation("report_"+string(r.Status), time.Since(started), buildErr)
	log.WithField("status", string(r.Status)).Info("report resolved")
	return r, nil
}

// build runs b, converting a panic into a failure so the report never stays generating
func (e *Engine) build(ctx context.Context, b Builder, tenantID string, params Params) (results interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("report builder panicked: %v", rec)
		}
	}()
	return b(ctx, tenantID, params)
}

// archive stores completed results; a failed upload leaves the report without an archive URI
func (e *Engine) archive(ctx context.Context, r *storage.Report, log *observability.Logger) {
	if e.archiver == nil {
		return
	}
	uri, err := e.archiver.Archive(ctx, r)
	if err != nil {
		log.WithError(err).Warn("report archive failed")
		return
	}
	r.ArchiveURI = uri
}

// Get returns a report of the tenant
func (e *Engine) Get(ctx context.Context, tenantID, reportID string) (*storage.Report, error) {
	return e.store.GetReport(ctx, tenantID, reportID)
}

// List returns the newest reports of the tenant first
func (e *Engine) List(ctx context.Context, tenantID string, limit int) ([]*storage.Report, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return e.store.ListReports(ctx, tenantID, limit)
}

// IsTerminal reports whether err means the report had already resolved
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}
