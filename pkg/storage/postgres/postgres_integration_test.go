//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// setupPostgres starts a disposable PostgreSQL and returns a migrated store
func setupPostgres(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("pulse_test"),
		tcpostgres.WithUsername("pulse"),
		tcpostgres.WithPassword("pulse_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.Type = "postgres"
	cfg.PostgresURL = connStr

	store, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// a second run must be a no-op
	require.NoError(t, Migrate(ctx, store.Connections().Primary()))

	return store, store.Connections().Primary()
}

func TestStore_Integration(t *testing.T) {
	store, db := setupPostgres(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	amount := func(v float64) *float64 { return &v }

	insert := func(e *events.Event) {
		t.Helper()
		e.TenantID = "t1"
		e.EnsureID()
		require.NoError(t, store.InsertEvent(ctx, e))
	}

	t.Run("events are idempotent and aggregate correctly", func(t *testing.T) {
		purchase := &events.Event{ID: "e-buy", UserID: "u1", DeviceID: "d1", SessionID: "S1",
			EventType: events.EventPurchase, ProductID: "p1", Amount: amount(25.5), Timestamp: day.Add(time.Hour)}
		insert(purchase)
		insert(purchase)
		insert(&events.Event{UserID: "u1", DeviceID: "d1", SessionID: "S1", EventType: events.EventScreenView,
			ScreenName: "home", Properties: map[string]interface{}{"duration": 4.0}, Timestamp: day.Add(30 * time.Minute)})
		insert(&events.Event{DeviceID: "d2", SessionID: "S2", EventType: events.EventPerformance,
			PerformanceMetrics: map[string]float64{events.MetricLoadTime: 800}, Timestamp: day.Add(2 * time.Hour)})

		counts, err := store.CountEventsByType(ctx, "t1", day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[events.EventPurchase])

		revenue, err := store.SumRevenue(ctx, "t1", day, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 25.5, revenue)

		avg, err := store.AvgPerformanceMetric(ctx, "t1", events.MetricLoadTime, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.NotNil(t, avg)
		assert.Equal(t, 800.0, *avg)

		n, screens, err := store.SessionEventSummary(ctx, "t1", "S1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, int64(1), screens)

		buyers, err := store.FirstEventUsers(ctx, "t1", events.EventPurchase, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, buyers)

		screenStats, err := store.ScreenStats(ctx, "t1", day, day.AddDate(0, 0, 1), 10)
		require.NoError(t, err)
		require.Len(t, screenStats, 1)
		assert.Equal(t, 4.0, screenStats[0].AvgDuration)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		start := day.Add(time.Hour)
		_, created, err := store.UpsertSessionStart(ctx, &storage.Session{
			TenantID: "t1", SessionID: "S1", DeviceID: "d1", SessionStart: start,
		})
		require.NoError(t, err)
		assert.True(t, created)

		stored, created, err := store.UpsertSessionStart(ctx, &storage.Session{
			TenantID: "t1", SessionID: "S1", UserID: "u1", DeviceID: "d1", SessionStart: start,
			LastActivity: start.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "u1", stored.UserID)

		ok, err := store.TouchSession(ctx, "t1", "S1", start.Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetSession(ctx, "t1", "S1")
		require.NoError(t, err)
		assert.Equal(t, start.Add(time.Minute), got.LastActivity, "touch never moves lastActivity back")

		end := start.Add(2 * time.Minute)
		d := int64(120)
		got.SessionEnd, got.Duration, got.IsActive = &end, &d, false
		require.NoError(t, store.FinalizeSession(ctx, got))

		ok, err = store.TouchSession(ctx, "t1", "S1", end.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "closed sessions are not touched")
	})

	t.Run("daily aggregation end to end", func(t *testing.T) {
		agg := analytics.NewAggregator(store)
		row, err := agg.AggregateDaily(ctx, "t1", day)
		require.NoError(t, err)
		assert.Equal(t, int64(1), row.TotalSessions)
		assert.Equal(t, 25.5, row.TotalRevenue)

		_, err = agg.AggregateDaily(ctx, "t1", day)
		require.NoError(t, err)

		rows, err := store.ListAggregates(ctx, "t1", storage.AggregateDaily, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Len(t, rows, 1, "rerun overwrites")
	})

	t.Run("cohort upsert keeps identity", func(t *testing.T) {
		c := &storage.Cohort{TenantID: "t1", CohortName: "first", CohortType: storage.CohortRegistration, CohortDate: day,
			RetentionData: map[string]storage.WeekRetention{"week_0": {Active: 1, RetentionRate: 100}}}
		first, err := store.UpsertCohort(ctx, c)
		require.NoError(t, err)

		c.CohortName = "second"
		second, err := store.UpsertCohort(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "second", second.CohortName)
	})

	t.Run("report state machine", func(t *testing.T) {
		r := &storage.Report{TenantID: "t1", ReportName: "weekly", ReportType: "overview", Status: storage.ReportGenerating}
		require.NoError(t, store.CreateReport(ctx, r))

		now := time.Now().UTC()
		r.Status, r.GeneratedAt, r.Results = storage.ReportCompleted, &now, map[string]interface{}{"ok": true}
		require.NoError(t, store.UpdateReport(ctx, r))

		r.Status = storage.ReportFailed
		assert.ErrorIs(t, store.UpdateReport(ctx, r), storage.ErrReportTerminal)

		got, err := store.GetReport(ctx, "t1", r.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.ReportCompleted, got.Status)
	})

	t.Run("registered users", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `INSERT INTO users (tenant_id, user_id, created_at) VALUES ('t1', 'u1', $1), ('t1', 'u2', $2)`,
			day.Add(time.Hour), day.AddDate(0, 0, 3))
		require.NoError(t, err)

		users, err := store.UsersRegisteredBetween(ctx, "t1", day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, users)
	})
}
