package cohort

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func amount(v float64) *float64 { return &v }

func session(t *testing.T, s *memory.Store, id, userID string, start time.Time) {
	t.Helper()
	_, _, err := s.UpsertSessionStart(context.Background(), &storage.Session{
		TenantID: "t1", SessionID: id, UserID: userID, DeviceID: "dev-" + userID, SessionStart: start,
	})
	require.NoError(t, err)
}

func purchase(t *testing.T, s *memory.Store, userID string, at time.Time, value float64) {
	t.Helper()
	e := &events.Event{TenantID: "t1", UserID: userID, DeviceID: "dev-" + userID, SessionID: "s-" + userID, EventType: events.EventPurchase, Amount: amount(value), Timestamp: at}
	e.EnsureID()
	require.NoError(t, s.InsertEvent(context.Background(), e))
}

func TestCreateCohort_EmptyCohortIsZeroed(t *testing.T) {
	a := NewAnalyzer(memory.New(), nil, nil)

	c, err := a.CreateCohort(context.Background(), "t1", Definition{Type: storage.CohortRegistration, Date: day})
	require.NoError(t, err)

	assert.Equal(t, int64(0), c.TotalUsers)
	assert.Len(t, c.RetentionData, Weeks+1)
	assert.Len(t, c.RevenueData.RevenueByWeek, Weeks+1)
	for w := 0; w <= Weeks; w++ {
		assert.Equal(t, storage.WeekRetention{}, c.RetentionData[WeekKey(w)])
		assert.Contains(t, c.RevenueData.RevenueByWeek, WeekKey(w))
	}
	assert.Zero(t, c.RevenueData.TotalRevenue)
	assert.Zero(t, c.RevenueData.AverageRevenue)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "registration 2026-03-02", c.CohortName)
}

func TestCreateCohort_Registration(t *testing.T) {
	store := memory.New()
	store.AddUser(storage.User{TenantID: "t1", UserID: "u1", CreatedAt: day.Add(2 * time.Hour)})
	store.AddUser(storage.User{TenantID: "t1", UserID: "u2", CreatedAt: day.Add(20 * time.Hour)})
	store.AddUser(storage.User{TenantID: "t1", UserID: "u3", CreatedAt: day.Add(10 * time.Hour)})
	store.AddUser(storage.User{TenantID: "t1", UserID: "u4", CreatedAt: day.Add(10 * time.Hour)})
	store.AddUser(storage.User{TenantID: "t1", UserID: "late", CreatedAt: day.AddDate(0, 0, 1)})

	session(t, store, "a", "u1", day.Add(3*time.Hour))
	session(t, store, "b", "u2", day.Add(21*time.Hour))
	session(t, store, "c", "u1", day.AddDate(0, 0, 8))
	session(t, store, "d", "late", day.AddDate(0, 0, 9))
	session(t, store, "e", "u3", day.AddDate(0, 0, 7*Weeks+1))
	session(t, store, "f", "u4", day.AddDate(0, 0, 7*(Weeks+1)))

	purchase(t, store, "u1", day.Add(4*time.Hour), 30)
	purchase(t, store, "u2", day.AddDate(0, 0, 10), 10.5)
	purchase(t, store, "late", day.AddDate(0, 0, 2), 999)

	c, err := NewAnalyzer(store, nil, nil).CreateCohort(context.Background(), "t1", Definition{
		Name: "March 2nd signups",
		Type: storage.CohortRegistration,
		Date: day.Add(13 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, day, c.CohortDate)
	assert.Equal(t, int64(4), c.TotalUsers)
	assert.Equal(t, storage.WeekRetention{Active: 2, RetentionRate: 50}, c.RetentionData["week_0"])
	assert.Equal(t, storage.WeekRetention{Active: 1, RetentionRate: 25}, c.RetentionData["week_1"])
	assert.Equal(t, storage.WeekRetention{Active: 1, RetentionRate: 25}, c.RetentionData["week_12"])
	assert.Equal(t, storage.WeekRetention{}, c.RetentionData["week_5"])
	assert.NotContains(t, c.RetentionData, "week_13")

	assert.Equal(t, 30.0, c.RevenueData.RevenueByWeek["week_0"])
	assert.Equal(t, 10.5, c.RevenueData.RevenueByWeek["week_1"])
	assert.Equal(t, 40.5, c.RevenueData.TotalRevenue)
	assert.Equal(t, 10.13, c.RevenueData.AverageRevenue)
}

func TestCreateCohort_FirstPurchaseSkipsAnonymousAndRepeatBuyers(t *testing.T) {
	store := memory.New()
	purchase(t, store, "u1", day.Add(time.Hour), 10)
	purchase(t, store, "u2", day.AddDate(0, 0, -3), 10) // first purchase earlier
	purchase(t, store, "u2", day.Add(2*time.Hour), 10)
	purchase(t, store, "", day.Add(3*time.Hour), 10)

	c, err := NewAnalyzer(store, nil, nil).CreateCohort(context.Background(), "t1", Definition{Type: storage.CohortFirstPurchase, Date: day})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TotalUsers)
	assert.Equal(t, 10.0, c.RevenueData.TotalRevenue)
}

func TestCreateCohort_Custom(t *testing.T) {
	store := memory.New()
	e := &events.Event{TenantID: "t1", UserID: "u9", DeviceID: "d9", SessionID: "s9", EventType: events.EventSearch, Timestamp: day.Add(time.Hour)}
	e.EnsureID()
	require.NoError(t, store.InsertEvent(context.Background(), e))
	session(t, store, "s9", "u9", day.Add(time.Hour))

	a := NewAnalyzer(store, nil, nil)
	c, err := a.CreateCohort(context.Background(), "t1", Definition{Type: storage.CohortCustom, CustomEvent: events.EventSearch, Date: day})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TotalUsers)
	assert.Equal(t, 100.0, c.RetentionData["week_0"].RetentionRate)
	assert.Equal(t, events.EventSearch, c.CustomEvent)
}

func TestCreateCohort_RerunReplaces(t *testing.T) {
	store := memory.New()
	a := NewAnalyzer(store, nil, nil)
	ctx := context.Background()
	def := Definition{Type: storage.CohortRegistration, Date: day}

	first, err := a.CreateCohort(ctx, "t1", def)
	require.NoError(t, err)

	store.AddUser(storage.User{TenantID: "t1", UserID: "u1", CreatedAt: day})
	second, err := a.CreateCohort(ctx, "t1", def)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), second.TotalUsers)

	all, err := a.ListCohorts(ctx, "t1", storage.CohortRegistration)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got, err := a.GetCohort(ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalUsers)
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name  string
		def   Definition
		field string
	}{
		{name: "unknown type", def: Definition{Type: "signup", Date: day}, field: "cohortType"},
		{name: "missing date", def: Definition{Type: storage.CohortRegistration}, field: "cohortDate"},
		{name: "custom without event", def: Definition{Type: storage.CohortCustom, Date: day}, field: "customEvent"},
		{name: "custom with unknown event", def: Definition{Type: storage.CohortCustom, Date: day, CustomEvent: "login"}, field: "customEvent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			err := def.Validate()
			var verr *events.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	def := Definition{Type: storage.CohortFirstPurchase, Date: day, CustomEvent: events.EventSearch}
	require.NoError(t, def.Validate())
	assert.Empty(t, def.CustomEvent, "custom event only applies to custom cohorts")
}

func TestAnalyzeCohorts(t *testing.T) {
	store := memory.New()
	store.AddUser(storage.User{TenantID: "t1", UserID: "u1", CreatedAt: day.AddDate(0, 0, 1)})
	a := NewAnalyzer(store, nil, nil)

	out, err := a.AnalyzeCohorts(context.Background(), "t1", storage.CohortRegistration, "", day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(0), out[0].TotalUsers)
	assert.Equal(t, int64(1), out[1].TotalUsers)

	_, err = a.AnalyzeCohorts(context.Background(), "t1", storage.CohortRegistration, "", day, day.AddDate(0, 0, -1))
	assert.Error(t, err)
	_, err = a.AnalyzeCohorts(context.Background(), "t1", storage.CohortRegistration, "", day, day.AddDate(1, 0, 0))
	assert.Error(t, err)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) CountActiveMembers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (int64, error) {
	return 0, errors.New("statement timeout")
}

func TestCreateCohort_FailureIsNotStored(t *testing.T) {
	store := memory.New()
	store.AddUser(storage.User{TenantID: "t1", UserID: "u1", CreatedAt: day})

	_, err := NewAnalyzer(brokenStore{store}, nil, nil).CreateCohort(context.Background(), "t1", Definition{Type: storage.CohortRegistration, Date: day})
	require.Error(t, err)

	all, err := store.ListCohorts(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
