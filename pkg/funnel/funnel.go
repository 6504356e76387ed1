// Package funnel measures how many distinct users reach each ordered step of a conversion
// path. Each step counts distinct (userId, deviceId) pairs with an event of the step's type
// in the range; steps are not required to happen in order or within one session.
package funnel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// MaxSteps bounds a funnel definition
const MaxSteps = 20

// Store is the persistence the analyzer needs
type Store interface {
	CountDistinctUsers(ctx context.Context, tenantID string, eventType events.EventType, r *storage.DateRange) (int64, error)
	SaveFunnel(ctx context.Context, f *storage.Funnel) error
	GetFunnel(ctx context.Context, tenantID, funnelID string) (*storage.Funnel, error)
	ListFunnels(ctx context.Context, tenantID string) ([]*storage.Funnel, error)
}

// Analyzer computes and stores funnels
type Analyzer struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAnalyzer creates a funnel analyzer
func NewAnalyzer(store Store, logger *observability.Logger, metrics *observability.Metrics) *Analyzer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Analyzer{store: store, logger: logger, metrics: metrics}
}

// ValidateSteps rejects empty or oversized step lists and unknown event types.
// Steps without a name are named after their event type.
func ValidateSteps(steps []storage.FunnelStep) error {
	if len(steps) == 0 {
		return &events.ValidationError{Field: "funnelSteps", Reason: "at least one step is required"}
	}
	if len(steps) > MaxSteps {
		return &events.ValidationError{Field: "funnelSteps", Reason: fmt.Sprintf("at most %d steps are allowed", MaxSteps)}
	}
	for i := range steps {
		if !steps[i].EventType.Valid() {
			return &events.ValidationError{
				Field:  fmt.Sprintf("funnelSteps[%d].eventType", i),
				Reason: fmt.Sprintf("unknown event type %q", steps[i].EventType),
			}
		}
		steps[i].Name = strings.TrimSpace(steps[i].Name)
		if steps[i].Name == "" {
			steps[i].Name = string(steps[i].EventType)
		}
	}
	return nil
}

func validateRange(r *storage.DateRange) error {
	if r != nil && !r.End.After(r.Start) {
		return &events.ValidationError{Field: "dateRange", Reason: "end must be after start"}
	}
	return nil
}

// Analyze counts each step and derives conversion and drop-off. A nil range covers all time.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, steps []storage.FunnelStep, r *storage.DateRange) ([]storage.FunnelStepResult, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	if err := validateRange(r); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "funnel.analyze")
	counts, err := a.count(ctx, tenantID, steps, r)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return Results(steps, counts), nil
}

func (a *Analyzer) count(ctx context.Context, tenantID string, steps []storage.FunnelStep, r *storage.DateRange) ([]int64, error) {
	counts := make([]int64, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		g.Go(func() error {
			started := time.Now()
			n, err := a.store.CountDistinctUsers(gctx, tenantID, step.EventType, r)
			a.metrics.StorageOperation("count_distinct_users", time.Since(started), err)
			if err != nil {
				return fmt.Errorf("failed to count step %d (%s): %w", i, step.EventType, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Results applies the step rules to raw counts: step 0 converts at 100, later steps at
// count/previous*100 (100 when the previous count is 0), and drop-off is previous-count.
func Results(steps []storage.FunnelStep, counts []int64) []storage.FunnelStepResult {
	out := make([]storage.FunnelStepResult, len(steps))
	for i, step := range steps {
		res := storage.FunnelStepResult{
			Step:           i,
			StepName:       step.Name,
			EventType:      step.EventType,
			Count:          counts[i],
			ConversionRate: 100,
		}
		if i > 0 {
			prev := counts[i-1]
			if prev > 0 {
				res.ConversionRate = analytics.Percent(counts[i], prev)
			}
			res.DropOff = prev - counts[i]
		}
		out[i] = res
	}
	return out
}

// Summary is the whole-funnel view of a result set
type Summary struct {
	TotalUsers     int64                  `json:"totalUsers"`
	Conversions    int64                  `json:"conversions"`
	ConversionRate float64                `json:"conversionRate"`
	DropOffPoints  []storage.DropOffPoint `json:"dropOffPoints"`
}

// Summarize flattens results into overall conversion and per-transition drop-off
func Summarize(results []storage.FunnelStepResult) Summary {
	var s Summary
	if len(results) == 0 {
		return s
	}
	s.TotalUsers = results[0].Count
	s.Conversions = results[len(results)-1].Count
	s.ConversionRate = analytics.Percent(s.Conversions, s.TotalUsers)
	s.DropOffPoints = make([]storage.DropOffPoint, 0, len(results)-1)
	for i := 1; i < len(results); i++ {
		prev := results[i-1]
		s.DropOffPoints = append(s.DropOffPoints, storage.DropOffPoint{
			FromStep: prev.StepName,
			ToStep:   results[i].StepName,
			DropOff:  results[i].DropOff,
			Rate:     analytics.Percent(results[i].DropOff, prev.Count),
		})
	}
	return s
}

// CreateFunnel analyzes steps and persists the definition with its analysis
func (a *Analyzer) CreateFunnel(ctx context.Context, tenantID, name string, steps []storage.FunnelStep, r *storage.DateRange) (*storage.Funnel, error) {
	if tenantID == "" {
		return nil, &events.ValidationError{Field: "tenantId", Reason: "is required"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &events.ValidationError{Field: "funnelName", Reason: "is required"}
	}

	f := &storage.Funnel{
		TenantID:    tenantID,
		FunnelName:  name,
		FunnelSteps: append([]storage.FunnelStep(nil), steps...),
		DateRange:   r,
	}
	if err := a.analyzeInto(ctx, f); err != nil {
		return nil, err
	}
	a.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"funnel_id": f.ID,
		"steps":     len(f.FunnelSteps),
	}).Info("funnel created")
	return f, nil
}

// Reanalyze recomputes a stored funnel, replacing its counters. A nil range reuses the stored one.
func (a *Analyzer) Reanalyze(ctx context.Context, tenantID, funnelID string, r *storage.DateRange) (*storage.Funnel, error) {
	f, err := a.store.GetFunnel(ctx, tenantID, funnelID)
	if err != nil {
		return nil, err
	}
	if r != nil {
		f.DateRange = r
	}
	if err := a.analyzeInto(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (a *Analyzer) analyzeInto(ctx context.Context, f *storage.Funnel) error {
	results, err := a.Analyze(ctx, f.TenantID, f.FunnelSteps, f.DateRange)
	if err != nil {
		return err
	}
	sum := Summarize(results)
	f.Results = results
	f.TotalUsers = sum.TotalUsers
	f.Conversions = sum.Conversions
	f.ConversionRate = sum.ConversionRate
	f.DropOffPoints = sum.DropOffPoints

	started := time.Now()
	err = a.store.SaveFunnel(ctx, f)
	a.metrics.StorageOperation("save_funnel", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to store funnel: %w", err)
	}
	return nil
}

func (a *Analyzer) GetFunnel(ctx context.Context, tenantID, funnelID string) (*storage.Funnel, error) {
	return a.store.GetFunnel(ctx, tenantID, funnelID)
}

func (a *Analyzer) ListFunnels(ctx context.Context, tenantID string) ([]*storage.Funnel, error) {
	return a.store.ListFunnels(ctx, tenantID)
}
