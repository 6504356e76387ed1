package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const eventColumns = `id, tenant_id, user_id, device_id, session_id, event_type, screen_name, properties,
		       product_id, category_id, order_id, amount, search_query, error_message, performance_metrics,
		       ip_address, user_agent, device_type, browser, os, country, city, "timestamp"`

// InsertEvent is idempotent: a second insert of the same (tenant, id) is a no-op
func (s *Store) InsertEvent(ctx context.Context, e *events.Event) (err error) {
	defer s.observe("insert_event", time.Now(), &err)

	if e == nil || e.ID == "" {
		return fmt.Errorf("insert event: missing id")
	}

	props, err := marshalJSON(e.Properties)
	if err != nil {
		return err
	}
	perf, err := marshalJSON(e.PerformanceMetrics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`
	_, err = s.primary().ExecContext(ctx, query,
		e.ID, e.TenantID, e.UserID, e.DeviceID, e.SessionID, string(e.EventType), e.ScreenName, props,
		e.ProductID, e.CategoryID, e.OrderID, nullFloat(e.Amount), e.SearchQuery, e.ErrorMessage, perf,
		e.IPAddress, e.UserAgent, e.DeviceType, e.Browser, e.OS, e.Country, e.City, e.Timestamp.UTC(),
	)
	return wrapErr("insert event", err)
}

func (s *Store) GetEvent(ctx context.Context, tenantID, eventID string) (*events.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id = $1 AND id = $2`

	e, err := scanEvent(s.replica().QueryRowContext(ctx, query, tenantID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get event", err)
	}
	return e, nil
}

// ListEvents builds its WHERE clause from the non-empty filter fields
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) (result []*events.Event, err error) {
	defer s.observe("list_events", time.Now(), &err)

	conds := []string{"tenant_id = $1"}
	args := []interface{}{filter.TenantID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.SessionIDs) > 0 {
		add("session_id = ANY($%d)", pq.Array(filter.SessionIDs))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if !filter.From.IsZero() {
		add(`"timestamp" >= $%d`, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add(`"timestamp" < $%d`, filter.To.UTC())
	}

	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY "timestamp" ` + order + `, id ` + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		result = append(result, e)
	}
	return result, wrapErr("list events", rows.Err())
}

func (s *Store) CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (counts map[events.EventType]int64, err error) {
	defer s.observe("count_events", time.Now(), &err)

	query := `
		SELECT event_type, COUNT(*)
		FROM events
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR "timestamp" >= $2)
		  AND ($3::timestamptz IS NULL OR "timestamp" < $3)
		GROUP BY event_type
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, bound(from), bound(to))
	if err != nil {
		return nil, wrapErr("count events", err)
	}
	defer rows.Close()

	counts = make(map[events.EventType]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[events.EventType(t)] = n
	}
	return counts, wrapErr("count events", rows.Err())
}

func (s *Store) SumRevenue(ctx context.Context, tenantID string, from, to time.Time) (total float64, err error) {
	defer s.observe("sum_revenue", time.Now(), &err)

	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM events
		WHERE tenant_id = $1 AND event_type = 'purchase'
		  AND ($2::timestamptz IS NULL OR "timestamp" >= $2)
		  AND ($3::timestamptz IS NULL OR "timestamp" < $3)
	`
	err = s.replica().QueryRowContext(ctx, query, tenantID, bound(from), bound(to)).Scan(&total)
	return total, wrapErr("sum revenue", err)
}

func (s *Store) AvgPerformanceMetric(ctx context.Context, tenantID, metric string, from, to time.Time) (*float64, error) {
	query := `
		SELECT AVG((performance_metrics->>$2::text)::double precision)
		FROM events
		WHERE tenant_id = $1
		  AND jsonb_typeof(performance_metrics->$2::text) = 'number'
		  AND "timestamp" >= $3 AND "timestamp" < $4
	`
	var avg sql.NullFloat64
	if err := s.replica().QueryRowContext(ctx, query, tenantID, metric, from.UTC(), to.UTC()).Scan(&avg); err != nil {
		return nil, wrapErr("average performance metric", err)
	}
	return floatPtr(avg), nil
}

func (s *Store) CountDistinctUsers(ctx context.Context, tenantID string, eventType events.EventType, r *storage.DateRange) (n int64, err error) {
	defer s.observe("count_distinct_users", time.Now(), &err)

	var from, to time.Time
	if r != nil {
		from, to = r.Start, r.End
	}
	query := `
		SELECT COUNT(DISTINCT (user_id, device_id))
		FROM events
		WHERE tenant_id = $1 AND event_type = $2
		  AND ($3::timestamptz IS NULL OR "timestamp" >= $3)
		  AND ($4::timestamptz IS NULL OR "timestamp" < $4)
	`
	err = s.replica().QueryRowContext(ctx, query, tenantID, string(eventType), bound(from), bound(to)).Scan(&n)
	return n, wrapErr("count distinct users", err)
}

// SessionEventSummary reads from the primary so a session closed right after its last
// event sees that event
func (s *Store) SessionEventSummary(ctx context.Context, tenantID, sessionID string) (count, screens int64, err error) {
	query := `
		SELECT COUNT(*),
		       COUNT(DISTINCT screen_name) FILTER (WHERE event_type = 'screen_view' AND screen_name <> '')
		FROM events
		WHERE tenant_id = $1 AND session_id = $2
	`
	err = s.primary().QueryRowContext(ctx, query, tenantID, sessionID).Scan(&count, &screens)
	return count, screens, wrapErr("summarize session events", err)
}

func (s *Store) FirstEventUsers(ctx context.Context, tenantID string, eventType events.EventType, from, to time.Time) ([]string, error) {
	query := `
		SELECT user_id
		FROM events
		WHERE tenant_id = $1 AND event_type = $2 AND user_id <> ''
		GROUP BY user_id
		HAVING MIN("timestamp") >= $3 AND MIN("timestamp") < $4
		ORDER BY user_id
	`
	return s.queryStrings(ctx, "first event users", query, tenantID, string(eventType), from.UTC(), to.UTC())
}

func (s *Store) RevenueByUsers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (float64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM events
		WHERE tenant_id = $1 AND event_type = 'purchase'
		  AND user_id = ANY($2)
		  AND "timestamp" >= $3 AND "timestamp" < $4
	`
	var total float64
	err := s.replica().QueryRowContext(ctx, query, tenantID, pq.Array(userIDs), from.UTC(), to.UTC()).Scan(&total)
	return total, wrapErr("sum cohort revenue", err)
}

func (s *Store) TopProducts(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ProductStats, error) {
	query := `
		SELECT product_id,
		       COUNT(*) FILTER (WHERE event_type = 'product_view') AS views,
		       COUNT(*) FILTER (WHERE event_type = 'add_to_cart') AS add_to_cart,
		       COUNT(*) FILTER (WHERE event_type = 'purchase') AS purchases,
		       COALESCE(SUM(amount) FILTER (WHERE event_type = 'purchase'), 0) AS revenue
		FROM events
		WHERE tenant_id = $1 AND product_id <> ''
		  AND "timestamp" >= $2 AND "timestamp" < $3
		GROUP BY product_id
		ORDER BY views DESC, purchases DESC, product_id
		LIMIT NULLIF($4, 0)
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, wrapErr("list top products", err)
	}
	defer rows.Close()

	out := []storage.ProductStats{}
	for rows.Next() {
		var p storage.ProductStats
		if err := rows.Scan(&p.ProductID, &p.Views, &p.AddToCart, &p.Purchases, &p.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan product stats: %w", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("list top products", rows.Err())
}

func (s *Store) ScreenStats(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ScreenStats, error) {
	query := `
		SELECT screen_name,
		       COUNT(*) AS views,
		       COUNT(DISTINCT (user_id, device_id)) AS unique_users,
		       COALESCE(AVG(CASE WHEN jsonb_typeof(properties->'duration') = 'number'
		                         THEN (properties->>'duration')::double precision END), 0) AS avg_duration
		FROM events
		WHERE tenant_id = $1 AND event_type = 'screen_view' AND screen_name <> ''
		  AND "timestamp" >= $2 AND "timestamp" < $3
		GROUP BY screen_name
		ORDER BY views DESC, screen_name
		LIMIT NULLIF($4, 0)
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, wrapErr("list screen stats", err)
	}
	defer rows.Close()

	out := []storage.ScreenStats{}
	for rows.Next() {
		var st storage.ScreenStats
		if err := rows.Scan(&st.ScreenName, &st.Views, &st.UniqueUsers, &st.AvgDuration); err != nil {
			return nil, fmt.Errorf("failed to scan screen stats: %w", err)
		}
		out = append(out, st)
	}
	return out, wrapErr("list screen stats", rows.Err())
}

func (s *Store) queryStrings(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := s.replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", op, err)
		}
		out = append(out, v)
	}
	return out, wrapErr(op, rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*events.Event, error) {
	var (
		e          events.Event
		eventType  string
		props      []byte
		perf       []byte
		amount     sql.NullFloat64
		occurredAt time.Time
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.UserID, &e.DeviceID, &e.SessionID, &eventType, &e.ScreenName, &props,
		&e.ProductID, &e.CategoryID, &e.OrderID, &amount, &e.SearchQuery, &e.ErrorMessage, &perf,
		&e.IPAddress, &e.UserAgent, &e.DeviceType, &e.Browser, &e.OS, &e.Country, &e.City, &occurredAt,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = events.EventType(eventType)
	e.Amount = floatPtr(amount)
	e.Timestamp = occurredAt.UTC()
	if err := unmarshalJSON(props, &e.Properties); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(perf, &e.PerformanceMetrics); err != nil {
		return nil, err
	}
	return &e, nil
}
