package analytics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// bounceThreshold is the session duration below which a single-screen session bounces
const bounceThreshold = 30

// AggregationStore is the persistence the aggregator reads and writes
type AggregationStore interface {
	SessionsInRange(ctx context.Context, tenantID string, from, to time.Time) ([]*storage.Session, error)
	UsersSeenBefore(ctx context.Context, tenantID string, userKeys []string, before time.Time) (map[string]bool, error)
	CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (map[events.EventType]int64, error)
	SumRevenue(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	AvgPerformanceMetric(ctx context.Context, tenantID, metric string, from, to time.Time) (*float64, error)
	UpsertAggregate(ctx context.Context, a *storage.Aggregate) error
}

// MetricsBroadcaster receives freshly computed aggregates
type MetricsBroadcaster interface {
	BroadcastMetrics(tenantID string, payload interface{}) error
}

// Aggregator computes daily/weekly/monthly rollups
type Aggregator struct {
	store       AggregationStore
	logger      *observability.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	broadcaster MetricsBroadcaster
	alerter     *Alerter
	now         func() time.Time
}

// AggregatorOption configures optional collaborators
type AggregatorOption func(*Aggregator)

func WithAggregatorLogger(logger *observability.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = logger }
}

func WithAggregatorMetrics(m *observability.Metrics, om *observability.OTelMetrics) AggregatorOption {
	return func(a *Aggregator) {
		a.metrics = m
		a.otel = om
	}
}

// WithMetricsBroadcaster pushes every daily rollup (and any alerts it raised) to realtime subscribers
func WithMetricsBroadcaster(b MetricsBroadcaster) AggregatorOption {
	return func(a *Aggregator) { a.broadcaster = b }
}

func WithAlerter(al *Alerter) AggregatorOption {
	return func(a *Aggregator) { a.alerter = al }
}

// NewAggregator creates a new aggregator
func NewAggregator(store AggregationStore, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:  store,
		logger: observability.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MetricsUpdate is the realtime payload sent after a daily rollup
type MetricsUpdate struct {
	Aggregate *storage.Aggregate `json:"aggregate"`
	Alerts    []Alert            `json:"alerts,omitempty"`
}

// AggregateDaily computes the rollup of the UTC day containing date
func (a *Aggregator) AggregateDaily(ctx context.Context, tenantID string, date time.Time) (*storage.Aggregate, error) {
	agg, err := a.Aggregate(ctx, tenantID, DayPeriod(date))
	if err != nil {
		return nil, err
	}
	a.afterDaily(ctx, agg)
	return agg, nil
}

// AggregateWeekly computes the rollup of the ISO week containing date
func (a *Aggregator) AggregateWeekly(ctx context.Context, tenantID string, date time.Time) (*storage.Aggregate, error) {
	return a.Aggregate(ctx, tenantID, WeekPeriod(date))
}

// AggregateMonthly computes the rollup of the calendar month containing date
func (a *Aggregator) AggregateMonthly(ctx context.Context, tenantID string, date time.Time) (*storage.Aggregate, error) {
	return a.Aggregate(ctx, tenantID, MonthPeriod(date))
}

// AggregateAll runs the daily rollup for date, plus the weekly one when date closes
// an ISO week (Sunday) and the monthly one when date is the last day of its month.
func (a *Aggregator) AggregateAll(ctx context.Context, tenantID string, date time.Time) error {
	day := StartOfDay(date)
	if _, err := a.AggregateDaily(ctx, tenantID, day); err != nil {
		return err
	}

	if day.Weekday() == time.Sunday {
		if _, err := a.AggregateWeekly(ctx, tenantID, day); err != nil {
			return err
		}
	}

	if day.AddDate(0, 0, 1).Day() == 1 {
		if _, err := a.AggregateMonthly(ctx, tenantID, day); err != nil {
			return err
		}
	}

	return nil
}

// Aggregate computes every component of the period and upserts the row only when all of
// them succeeded. Recomputing a period overwrites the previous row.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID string, p Period) (agg *storage.Aggregate, err error) {
	if tenantID == "" {
		return nil, &events.ValidationError{Field: "tenantId", Reason: "is required"}
	}

	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "analytics.aggregate",
		attribute.String("tenant.id", tenantID),
		attribute.String("aggregate.type", string(p.Type)),
		attribute.String("aggregate.date", p.Start.Format(DateLayout)),
	)
	defer func() {
		observability.EndSpan(span, err)
		a.metrics.AggregationRun(string(p.Type), time.Since(started), err)
		a.otel.RecordAggregation(ctx, string(p.Type), time.Since(started), err)
	}()

	agg = &storage.Aggregate{
		TenantID:      tenantID,
		AggregateDate: p.Start,
		AggregateType: p.Type,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sessionComponents(gctx, tenantID, p, agg)
	})

	var counts map[events.EventType]int64
	g.Go(func() error {
		var err error
		counts, err = a.store.CountEventsByType(gctx, tenantID, p.Start, p.End)
		if err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		revenue, err := a.store.SumRevenue(gctx, tenantID, p.Start, p.End)
		if err != nil {
			return fmt.Errorf("failed to sum revenue: %w", err)
		}
		agg.TotalRevenue = Round(revenue, 2)
		return nil
	})

	g.Go(func() error {
		avg, err := a.store.AvgPerformanceMetric(gctx, tenantID, events.MetricLoadTime, p.Start, p.End)
		if err != nil {
			return fmt.Errorf("failed to average load time: %w", err)
		}
		if avg != nil {
			agg.AvgLoadTime = Round(*avg, 2)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		a.logger.WithTenant(tenantID).
			WithField("period", p.String()).
			WithError(err).
			Error("aggregation aborted")
		return nil, err
	}

	for _, n := range counts {
		agg.TotalEvents += n
	}
	agg.ProductViews = counts[events.EventProductView]
	agg.AddToCart = counts[events.EventAddToCart]
	agg.CheckoutStart = counts[events.EventCheckoutStart]
	agg.Purchases = counts[events.EventPurchase]
	if agg.TotalEvents > 0 {
		agg.ErrorRate = Round(float64(counts[events.EventError])/float64(agg.TotalEvents), 4)
	}

	switch p.Type {
	case storage.AggregateDaily:
		agg.DAU = agg.TotalUsers
	case storage.AggregateWeekly:
		agg.WAU = agg.TotalUsers
	case storage.AggregateMonthly:
		agg.MAU = agg.TotalUsers
	}

	agg.UpdatedAt = a.now().UTC()

	storeStart := time.Now()
	err = a.store.UpsertAggregate(ctx, agg)
	a.metrics.StorageOperation("upsert_aggregate", time.Since(storeStart), err)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s aggregate: %w", p.Type, err)
	}

	a.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"period":   p.String(),
		"users":    agg.TotalUsers,
		"sessions": agg.TotalSessions,
		"events":   agg.TotalEvents,
	}).Info("aggregate updated")

	return agg, nil
}

// sessionComponents fills the user, session, duration and bounce fields
func (a *Aggregator) sessionComponents(ctx context.Context, tenantID string, p Period, agg *storage.Aggregate) error {
	sessions, err := a.store.SessionsInRange(ctx, tenantID, p.Start, p.End)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	users := make(map[string]struct{})
	active := make(map[string]struct{})
	var (
		durationSum   int64
		durationCount int64
		bounces       int64
	)
	for _, s := range sessions {
		key := s.UserKey()
		users[key] = struct{}{}
		if s.IsActive {
			active[key] = struct{}{}
		}
		if s.Duration != nil {
			durationSum += *s.Duration
			durationCount++
			if s.PageViews == 1 && *s.Duration < bounceThreshold {
				bounces++
			}
		}
	}

	agg.TotalUsers = int64(len(users))
	agg.ActiveUsers = int64(len(active))
	agg.TotalSessions = int64(len(sessions))
	if durationCount > 0 {
		agg.AvgSessionDuration = Round(float64(durationSum)/float64(durationCount), 2)
	}
	if agg.TotalSessions > 0 {
		agg.BounceRate = Round(float64(bounces)/float64(agg.TotalSessions)*100, 2)
	}

	if len(users) == 0 {
		return nil
	}
	keys := make([]string, 0, len(users))
	for k := range users {
		keys = append(keys, k)
	}
	seen, err := a.store.UsersSeenBefore(ctx, tenantID, keys, p.Start)
	if err != nil {
		return fmt.Errorf("failed to resolve returning users: %w", err)
	}
	for _, k := range keys {
		if !seen[k] {
			agg.NewUsers++
		}
	}
	agg.ReturningUsers = agg.TotalUsers - agg.NewUsers
	return nil
}

func (a *Aggregator) afterDaily(ctx context.Context, agg *storage.Aggregate) {
	var alerts []Alert
	if a.alerter != nil {
		alerts = a.alerter.Evaluate(agg)
		for _, al := range alerts {
			a.logger.WithTenant(agg.TenantID).WithFields(map[string]interface{}{
				"alert":    al.Type,
				"severity": al.Severity,
			}).Warn(al.Message)
		}
	}

	if a.broadcaster == nil {
		return
	}
	update := MetricsUpdate{Aggregate: agg, Alerts: alerts}
	async.SafeGo(ctx, a.logger, 5*time.Second, "broadcast_metrics", func(context.Context) error {
		return a.broadcaster.BroadcastMetrics(agg.TenantID, update)
	})
}
