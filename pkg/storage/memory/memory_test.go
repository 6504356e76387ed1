package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

var day = time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)

func amount(v float64) *float64 { return &v }

func insert(t *testing.T, s *Store, e *events.Event) {
	t.Helper()
	if e.TenantID == "" {
		e.TenantID = "t1"
	}
	e.EnsureID()
	require.NoError(t, s.InsertEvent(context.Background(), e))
}

func TestInsertEvent_IdempotentOnID(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := &events.Event{ID: "e1", TenantID: "t1", DeviceID: "d1", SessionID: "S1", EventType: events.EventPurchase, Amount: amount(10), Timestamp: day}
	require.NoError(t, s.InsertEvent(ctx, e))
	require.NoError(t, s.InsertEvent(ctx, e))

	revenue, err := s.SumRevenue(ctx, "t1", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 10.0, revenue)

	got, err := s.GetEvent(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.SessionID)

	_, err = s.GetEvent(ctx, "t2", "e1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListEvents_Filters(t *testing.T) {
	s := New()
	ctx := context.Background()

	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S1", EventType: events.EventClick, Timestamp: day.Add(time.Hour)})
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S1", EventType: events.EventScreenView, Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d2", SessionID: "S2", EventType: events.EventClick, Timestamp: day.Add(2 * time.Hour)})

	all, err := s.ListEvents(ctx, storage.EventFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.EventScreenView, all[0].EventType)

	clicks, err := s.ListEvents(ctx, storage.EventFilter{TenantID: "t1", Types: []events.EventType{events.EventClick}, Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, clicks, 1)
	assert.Equal(t, "S2", clicks[0].SessionID)

	s1, err := s.ListEvents(ctx, storage.EventFilter{TenantID: "t1", SessionIDs: []string{"S1"}})
	require.NoError(t, err)
	assert.Len(t, s1, 2)
}

func TestSessionEventSummary(t *testing.T) {
	s := New()
	for _, screen := range []string{"home", "home", "cart"} {
		insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S1", EventType: events.EventScreenView, ScreenName: screen, Timestamp: day})
	}
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S1", EventType: events.EventClick, ScreenName: "other", Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S2", EventType: events.EventScreenView, ScreenName: "x", Timestamp: day})

	count, screens, err := s.SessionEventSummary(context.Background(), "t1", "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.Equal(t, int64(2), screens)
}

func TestFirstEventUsers(t *testing.T) {
	s := New()
	insert(t, s, &events.Event{UserID: "u1", DeviceID: "d", SessionID: "S", EventType: events.EventPurchase, Timestamp: day.AddDate(0, 0, -1)})
	insert(t, s, &events.Event{UserID: "u1", DeviceID: "d", SessionID: "S", EventType: events.EventPurchase, Timestamp: day.Add(time.Hour)})
	insert(t, s, &events.Event{UserID: "u2", DeviceID: "d", SessionID: "S", EventType: events.EventPurchase, Timestamp: day.Add(2 * time.Hour)})
	insert(t, s, &events.Event{DeviceID: "anon", SessionID: "S", EventType: events.EventPurchase, Timestamp: day})

	users, err := s.FirstEventUsers(context.Background(), "t1", events.EventPurchase, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)
}

func TestTopProductsAndScreens(t *testing.T) {
	s := New()
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S", EventType: events.EventProductView, ProductID: "p1", Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d2", SessionID: "S", EventType: events.EventProductView, ProductID: "p1", Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S", EventType: events.EventPurchase, ProductID: "p1", Amount: amount(20), Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S", EventType: events.EventProductView, ProductID: "p2", Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d1", SessionID: "S", EventType: events.EventScreenView, ScreenName: "home", Properties: map[string]interface{}{"duration": 10.0}, Timestamp: day})
	insert(t, s, &events.Event{DeviceID: "d2", SessionID: "S", EventType: events.EventScreenView, ScreenName: "home", Properties: map[string]interface{}{"duration": 20.0}, Timestamp: day})

	ctx := context.Background()
	products, err := s.TopProducts(ctx, "t1", day, day.AddDate(0, 0, 1), 10)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, storage.ProductStats{ProductID: "p1", Views: 2, Purchases: 1, Revenue: 20}, products[0])

	screens, err := s.ScreenStats(ctx, "t1", day, day.AddDate(0, 0, 1), 10)
	require.NoError(t, err)
	require.Len(t, screens, 1)
	assert.Equal(t, int64(2), screens[0].UniqueUsers)
	assert.Equal(t, 15.0, screens[0].AvgDuration)
}

func TestSessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &storage.Session{TenantID: "t1", SessionID: "S1", DeviceID: "d1", SessionStart: day, LastActivity: day}
	stored, created, err := s.UpsertSessionStart(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, stored.IsActive)

	second := &storage.Session{TenantID: "t1", SessionID: "S1", DeviceID: "d1", UserID: "u1", SessionStart: day.Add(time.Minute), LastActivity: day.Add(time.Minute)}
	stored, created, err = s.UpsertSessionStart(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, day, stored.SessionStart)
	assert.Equal(t, day.Add(time.Minute), stored.LastActivity)
	assert.Equal(t, "u1", stored.UserID)

	ok, err := s.TouchSession(ctx, "t1", "S1", day.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.GetSession(ctx, "t1", "S1")
	assert.Equal(t, day.Add(time.Minute), got.LastActivity, "lastActivity never moves backwards")

	got.IsActive = false
	require.NoError(t, s.FinalizeSession(ctx, got))
	ok, err = s.TouchSession(ctx, "t1", "S1", day.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TouchSession(ctx, "t1", "missing", day)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.FinalizeSession(ctx, &storage.Session{TenantID: "t1", SessionID: "missing"}), storage.ErrNotFound)
}

func TestUsersSeenBeforeAndActiveMembers(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, _ = s.UpsertSessionStart(ctx, &storage.Session{TenantID: "t1", SessionID: "a", UserID: "u1", DeviceID: "d1", SessionStart: day.AddDate(0, 0, -3)})
	_, _, _ = s.UpsertSessionStart(ctx, &storage.Session{TenantID: "t1", SessionID: "b", UserID: "u1", DeviceID: "d1", SessionStart: day})
	_, _, _ = s.UpsertSessionStart(ctx, &storage.Session{TenantID: "t1", SessionID: "c", UserID: "u2", DeviceID: "d2", SessionStart: day})

	seen, err := s.UsersSeenBefore(ctx, "t1", []string{"u1|d1", "u2|d2"}, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1|d1": true}, seen)

	active, err := s.CountActiveMembers(ctx, "t1", []string{"u1", "u2", "u3"}, day, day.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestAggregateUpsertOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertAggregate(ctx, &storage.Aggregate{TenantID: "t1", AggregateDate: day, AggregateType: storage.AggregateDaily, TotalEvents: 5}))
	require.NoError(t, s.UpsertAggregate(ctx, &storage.Aggregate{TenantID: "t1", AggregateDate: day, AggregateType: storage.AggregateDaily, TotalEvents: 3}))

	got, err := s.GetAggregate(ctx, "t1", day, storage.AggregateDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalEvents)

	list, err := s.ListAggregates(ctx, "t1", storage.AggregateDaily, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetAggregate(ctx, "t1", day, storage.AggregateWeekly)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCohortUpsertKeepsIdentity(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertCohort(ctx, &storage.Cohort{TenantID: "t1", CohortType: storage.CohortRegistration, CohortDate: day, TotalUsers: 2})
	require.NoError(t, err)
	second, err := s.UpsertCohort(ctx, &storage.Cohort{TenantID: "t1", CohortType: storage.CohortRegistration, CohortDate: day, TotalUsers: 3})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	got, err := s.GetCohort(ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalUsers)

	list, err := s.ListCohorts(ctx, "t1", "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReportTerminalStates(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := &storage.Report{TenantID: "t1", ReportName: "weekly", Status: storage.ReportGenerating}
	require.NoError(t, s.CreateReport(ctx, r))
	require.NotEmpty(t, r.ID)

	r.Status = storage.ReportCompleted
	require.NoError(t, s.UpdateReport(ctx, r))

	r.Status = storage.ReportFailed
	assert.ErrorIs(t, s.UpdateReport(ctx, r), storage.ErrReportTerminal)

	got, err := s.GetReport(ctx, "t1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ReportCompleted, got.Status)
}

func TestUsersRegisteredBetween(t *testing.T) {
	s := New()
	s.AddUser(storage.User{TenantID: "t1", UserID: "u2", CreatedAt: day.Add(time.Hour)})
	s.AddUser(storage.User{TenantID: "t1", UserID: "u1", CreatedAt: day})
	s.AddUser(storage.User{TenantID: "t1", UserID: "u3", CreatedAt: day.AddDate(0, 0, 1)})

	users, err := s.UsersRegisteredBetween(context.Background(), "t1", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
}
