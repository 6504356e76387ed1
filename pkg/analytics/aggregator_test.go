package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
)

var (
	day     = date(2026, 4, 7)
	fixedAt = time.Date(2026, 4, 8, 1, 0, 0, 0, time.UTC)
)

func newAggregator(store AggregationStore, opts ...AggregatorOption) *Aggregator {
	a := NewAggregator(store, opts...)
	a.now = func() time.Time { return fixedAt }
	return a
}

func amount(v float64) *float64 { return &v }

func addEvent(t *testing.T, s *memory.Store, e *events.Event) {
	t.Helper()
	if e.TenantID == "" {
		e.TenantID = "t1"
	}
	if e.DeviceID == "" {
		e.DeviceID = "d1"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = day.Add(time.Hour)
	}
	e.EnsureID()
	require.NoError(t, s.InsertEvent(context.Background(), e))
}

// addSession stores a session; a nil duration leaves it active
func addSession(t *testing.T, s *memory.Store, id, userID, deviceID string, start time.Time, duration *int64, pageViews int64) {
	t.Helper()
	ctx := context.Background()
	sess := &storage.Session{
		TenantID:     "t1",
		SessionID:    id,
		UserID:       userID,
		DeviceID:     deviceID,
		SessionStart: start,
		LastActivity: start,
	}
	stored, _, err := s.UpsertSessionStart(ctx, sess)
	require.NoError(t, err)
	if duration == nil {
		return
	}
	end := start.Add(time.Duration(*duration) * time.Second)
	stored.IsActive = false
	stored.SessionEnd = &end
	stored.Duration = duration
	stored.PageViews = pageViews
	require.NoError(t, s.FinalizeSession(ctx, stored))
}

func seconds(v int64) *int64 { return &v }

func TestAggregateDaily_PurchaseSession(t *testing.T) {
	store := memory.New()
	addSession(t, store, "S1", "", "d1", day.Add(time.Hour), seconds(120), 0)
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventProductView, ProductID: "p1"})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventAddToCart, ProductID: "p1"})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventPurchase, ProductID: "p1", Amount: amount(150)})

	agg, err := newAggregator(store).AggregateDaily(context.Background(), "t1", day)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, agg.TotalEvents, int64(3))
	assert.GreaterOrEqual(t, agg.TotalRevenue, 150.0)
	assert.GreaterOrEqual(t, agg.Purchases, int64(1))
	assert.Equal(t, int64(1), agg.ProductViews)
	assert.Equal(t, int64(1), agg.AddToCart)

	stored, err := store.GetAggregate(context.Background(), "t1", day, storage.AggregateDaily)
	require.NoError(t, err)
	assert.Equal(t, agg.TotalRevenue, stored.TotalRevenue)
}

func TestAggregate_SessionComponents(t *testing.T) {
	store := memory.New()
	addSession(t, store, "old", "u3", "d3", day.AddDate(0, 0, -2), seconds(60), 2)

	addSession(t, store, "A", "u1", "d1", day.Add(1*time.Hour), seconds(10), 1)  // bounce
	addSession(t, store, "B", "u1", "d1", day.Add(2*time.Hour), seconds(100), 3) // same user
	addSession(t, store, "C", "u2", "d2", day.Add(3*time.Hour), nil, 0)          // still active
	addSession(t, store, "D", "u3", "d3", day.Add(4*time.Hour), seconds(40), 1)  // returning, not a bounce
	addSession(t, store, "next", "u4", "d4", day.AddDate(0, 0, 1), seconds(5), 1)

	agg, err := newAggregator(store).AggregateDaily(context.Background(), "t1", day)
	require.NoError(t, err)

	assert.Equal(t, int64(3), agg.TotalUsers)
	assert.Equal(t, int64(1), agg.ActiveUsers)
	assert.Equal(t, int64(4), agg.TotalSessions)
	assert.Equal(t, 50.0, agg.AvgSessionDuration)
	assert.Equal(t, 25.0, agg.BounceRate)
	assert.Equal(t, int64(2), agg.NewUsers)
	assert.Equal(t, int64(1), agg.ReturningUsers)
	assert.Equal(t, int64(3), agg.DAU)
	assert.Zero(t, agg.WAU)
	assert.Zero(t, agg.MAU)
	assert.Nil(t, agg.RetentionRate)
	assert.Nil(t, agg.CrashRate)
	assert.Equal(t, fixedAt, agg.UpdatedAt)
}

func TestAggregate_EventComponents(t *testing.T) {
	store := memory.New()
	for i := 0; i < 5; i++ {
		addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventScreenView, ScreenName: "home"})
	}
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventError, ErrorMessage: "boom"})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventPerformance, PerformanceMetrics: map[string]float64{events.MetricLoadTime: 1200}})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventPerformance, PerformanceMetrics: map[string]float64{events.MetricLoadTime: 800, "fps": 60}})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventCheckoutStart, Timestamp: day.AddDate(0, 0, 1)})

	agg, err := newAggregator(store).AggregateDaily(context.Background(), "t1", day)
	require.NoError(t, err)

	assert.Equal(t, int64(8), agg.TotalEvents)
	assert.Equal(t, 0.125, agg.ErrorRate)
	assert.Equal(t, 1000.0, agg.AvgLoadTime)
	assert.Zero(t, agg.CheckoutStart)
	assert.Zero(t, agg.BounceRate)
}

func TestAggregate_EmptyPeriod(t *testing.T) {
	agg, err := newAggregator(memory.New()).AggregateDaily(context.Background(), "t1", day)
	require.NoError(t, err)
	assert.Zero(t, agg.TotalUsers)
	assert.Zero(t, agg.BounceRate)
	assert.Zero(t, agg.ErrorRate)
	assert.Zero(t, agg.AvgSessionDuration)
}

func TestAggregate_Idempotent(t *testing.T) {
	store := memory.New()
	addSession(t, store, "S1", "u1", "d1", day.Add(time.Hour), seconds(45), 2)
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventPurchase, Amount: amount(20)})

	a := newAggregator(store)
	ctx := context.Background()

	first, err := a.AggregateDaily(ctx, "t1", day)
	require.NoError(t, err)
	second, err := a.AggregateDaily(ctx, "t1", day)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rows, err := store.ListAggregates(ctx, "t1", storage.AggregateDaily, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, *first, *rows[0])

	// new data lands in the same row on recompute
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventPurchase, Amount: amount(5)})
	third, err := a.AggregateDaily(ctx, "t1", day)
	require.NoError(t, err)
	assert.Equal(t, 25.0, third.TotalRevenue)

	rows, err = store.ListAggregates(ctx, "t1", storage.AggregateDaily, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 25.0, rows[0].TotalRevenue)
}

func TestAggregate_WeeklyAndMonthly(t *testing.T) {
	store := memory.New()
	addSession(t, store, "mon", "u1", "d1", date(2026, 5, 25).Add(time.Hour), seconds(60), 2)
	addSession(t, store, "sun", "u2", "d2", date(2026, 5, 31).Add(time.Hour), seconds(60), 2)
	addSession(t, store, "early", "u3", "d3", date(2026, 5, 2).Add(time.Hour), seconds(60), 2)

	a := newAggregator(store)
	ctx := context.Background()

	weekly, err := a.AggregateWeekly(ctx, "t1", date(2026, 5, 27))
	require.NoError(t, err)
	assert.Equal(t, date(2026, 5, 25), weekly.AggregateDate)
	assert.Equal(t, int64(2), weekly.WAU)
	assert.Zero(t, weekly.DAU)

	monthly, err := a.AggregateMonthly(ctx, "t1", date(2026, 5, 27))
	require.NoError(t, err)
	assert.Equal(t, date(2026, 5, 1), monthly.AggregateDate)
	assert.Equal(t, int64(3), monthly.MAU)
}

func TestAggregateAll_ClosesWeekAndMonth(t *testing.T) {
	store := memory.New()
	a := newAggregator(store)
	ctx := context.Background()

	// 2026-05-31 is a Sunday and the last day of May
	require.NoError(t, a.AggregateAll(ctx, "t1", date(2026, 5, 31)))

	_, err := store.GetAggregate(ctx, "t1", date(2026, 5, 31), storage.AggregateDaily)
	assert.NoError(t, err)
	_, err = store.GetAggregate(ctx, "t1", date(2026, 5, 25), storage.AggregateWeekly)
	assert.NoError(t, err)
	_, err = store.GetAggregate(ctx, "t1", date(2026, 5, 1), storage.AggregateMonthly)
	assert.NoError(t, err)

	// a mid-week, mid-month day only writes its daily row
	require.NoError(t, a.AggregateAll(ctx, "t1", date(2026, 6, 3)))
	_, err = store.GetAggregate(ctx, "t1", date(2026, 6, 1), storage.AggregateWeekly)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetAggregate(ctx, "t1", date(2026, 6, 1), storage.AggregateMonthly)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingStore struct {
	*memory.Store
	err error
}

func (f *failingStore) CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (map[events.EventType]int64, error) {
	return nil, f.err
}

func TestAggregate_ComponentFailureSkipsUpsert(t *testing.T) {
	store := memory.New()
	addSession(t, store, "S1", "u1", "d1", day.Add(time.Hour), seconds(45), 2)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	a := newAggregator(&failingStore{Store: store, err: errors.New("connection reset")},
		WithAggregatorMetrics(metrics, nil))

	_, err := a.AggregateDaily(context.Background(), "t1", day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	_, err = store.GetAggregate(context.Background(), "t1", day, storage.AggregateDaily)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AggregationRunsTotal.WithLabelValues("daily", "error")))
}

func TestAggregate_RequiresTenant(t *testing.T) {
	_, err := newAggregator(memory.New()).AggregateDaily(context.Background(), "", day)
	var verr *events.ValidationError
	assert.ErrorAs(t, err, &verr)
}

type recordingMetrics struct {
	ch chan MetricsUpdate
}

func (r *recordingMetrics) BroadcastMetrics(tenantID string, payload interface{}) error {
	r.ch <- payload.(MetricsUpdate)
	return nil
}

func TestAggregateDaily_BroadcastsWithAlerts(t *testing.T) {
	store := memory.New()
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventScreenView})
	addEvent(t, store, &events.Event{SessionID: "S1", EventType: events.EventError})

	rec := &recordingMetrics{ch: make(chan MetricsUpdate, 1)}
	a := newAggregator(store,
		WithMetricsBroadcaster(rec),
		WithAlerter(NewAlerter(DefaultAlertThresholds())),
	)

	_, err := a.AggregateDaily(context.Background(), "t1", day)
	require.NoError(t, err)

	select {
	case update := <-rec.ch:
		assert.Equal(t, "t1", update.Aggregate.TenantID)
		require.Len(t, update.Alerts, 1)
		assert.Equal(t, AlertErrorRate, update.Alerts[0].Type)
		assert.Equal(t, SeverityCritical, update.Alerts[0].Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics update was not broadcast")
	}
}
