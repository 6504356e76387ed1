package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const aggregateColumns = `tenant_id, aggregate_date, aggregate_type, total_users, active_users, total_sessions,
		       total_events, total_revenue, avg_session_duration, bounce_rate, dau, wau, mau, new_users,
		       returning_users, product_views, add_to_cart, checkout_start, purchases, avg_load_time,
		       error_rate, retention_rate, crash_rate, metadata, updated_at`

// UpsertAggregate overwrites every column of the (tenant, date, type) row
func (s *Store) UpsertAggregate(ctx context.Context, a *storage.Aggregate) (err error) {
	defer s.observe("upsert_aggregate", time.Now(), &err)

	metadata, err := marshalJSON(a.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO aggregates (` + aggregateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (tenant_id, aggregate_date, aggregate_type) DO UPDATE SET
			total_users = EXCLUDED.total_users,
			active_users = EXCLUDED.active_users,
			total_sessions = EXCLUDED.total_sessions,
			total_events = EXCLUDED.total_events,
			total_revenue = EXCLUDED.total_revenue,
			avg_session_duration = EXCLUDED.avg_session_duration,
			bounce_rate = EXCLUDED.bounce_rate,
			dau = EXCLUDED.dau,
			wau = EXCLUDED.wau,
			mau = EXCLUDED.mau,
			new_users = EXCLUDED.new_users,
			returning_users = EXCLUDED.returning_users,
			product_views = EXCLUDED.product_views,
			add_to_cart = EXCLUDED.add_to_cart,
			checkout_start = EXCLUDED.checkout_start,
			purchases = EXCLUDED.purchases,
			avg_load_time = EXCLUDED.avg_load_time,
			error_rate = EXCLUDED.error_rate,
			retention_rate = EXCLUDED.retention_rate,
			crash_rate = EXCLUDED.crash_rate,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.primary().ExecContext(ctx, query,
		a.TenantID, a.AggregateDate.UTC(), string(a.AggregateType), a.TotalUsers, a.ActiveUsers, a.TotalSessions,
		a.TotalEvents, a.TotalRevenue, a.AvgSessionDuration, a.BounceRate, a.DAU, a.WAU, a.MAU, a.NewUsers,
		a.ReturningUsers, a.ProductViews, a.AddToCart, a.CheckoutStart, a.Purchases, a.AvgLoadTime,
		a.ErrorRate, nullFloat(a.RetentionRate), nullFloat(a.CrashRate), metadata, a.UpdatedAt.UTC(),
	)
	return wrapErr("upsert aggregate", err)
}

func (s *Store) GetAggregate(ctx context.Context, tenantID string, date time.Time, t storage.AggregateType) (*storage.Aggregate, error) {
	query := `
		SELECT ` + aggregateColumns + `
		FROM aggregates
		WHERE tenant_id = $1 AND aggregate_date = $2 AND aggregate_type = $3
	`
	a, err := scanAggregate(s.replica().QueryRowContext(ctx, query, tenantID, date.UTC(), string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get aggregate", err)
	}
	return a, nil
}

func (s *Store) ListAggregates(ctx context.Context, tenantID string, t storage.AggregateType, from, to time.Time) (out []*storage.Aggregate, err error) {
	defer s.observe("list_aggregates", time.Now(), &err)

	query := `
		SELECT ` + aggregateColumns + `
		FROM aggregates
		WHERE tenant_id = $1 AND aggregate_type = $2
		  AND ($3::timestamptz IS NULL OR aggregate_date >= $3)
		  AND ($4::timestamptz IS NULL OR aggregate_date < $4)
		ORDER BY aggregate_date
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, string(t), bound(from), bound(to))
	if err != nil {
		return nil, wrapErr("list aggregates", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list aggregates", rows.Err())
}

func scanAggregate(row rowScanner) (*storage.Aggregate, error) {
	var (
		a             storage.Aggregate
		aggType       string
		retentionRate sql.NullFloat64
		crashRate     sql.NullFloat64
		metadata      []byte
	)
	err := row.Scan(
		&a.TenantID, &a.AggregateDate, &aggType, &a.TotalUsers, &a.ActiveUsers, &a.TotalSessions,
		&a.TotalEvents, &a.TotalRevenue, &a.AvgSessionDuration, &a.BounceRate, &a.DAU, &a.WAU, &a.MAU, &a.NewUsers,
		&a.ReturningUsers, &a.ProductViews, &a.AddToCart, &a.CheckoutStart, &a.Purchases, &a.AvgLoadTime,
		&a.ErrorRate, &retentionRate, &crashRate, &metadata, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.AggregateType = storage.AggregateType(aggType)
	a.AggregateDate = a.AggregateDate.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.RetentionRate = floatPtr(retentionRate)
	a.CrashRate = floatPtr(crashRate)
	if err := unmarshalJSON(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

const cohortColumns = `id, tenant_id, cohort_name, cohort_type, cohort_date, custom_event, total_users,
		       retention_data, revenue_data, created_at, updated_at`

// UpsertCohort keeps the id and created_at of an existing (tenant, type, date) row
func (s *Store) UpsertCohort(ctx context.Context, c *storage.Cohort) (stored *storage.Cohort, err error) {
	defer s.observe("upsert_cohort", time.Now(), &err)

	retention, err := marshalJSON(c.RetentionData)
	if err != nil {
		return nil, err
	}
	revenue, err := marshalJSON(c.RevenueData)
	if err != nil {
		return nil, err
	}

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()

	query := `
		INSERT INTO cohorts (` + cohortColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, cohort_type, cohort_date) DO UPDATE SET
			cohort_name = EXCLUDED.cohort_name,
			custom_event = EXCLUDED.custom_event,
			total_users = EXCLUDED.total_users,
			retention_data = EXCLUDED.retention_data,
			revenue_data = EXCLUDED.revenue_data,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + cohortColumns + `
	`
	stored, err = scanCohort(s.primary().QueryRowContext(ctx, query,
		id, c.TenantID, c.CohortName, string(c.CohortType), c.CohortDate.UTC(), string(c.CustomEvent),
		c.TotalUsers, retention, revenue, now,
	))
	if err != nil {
		return nil, wrapErr("upsert cohort", err)
	}
	return stored, nil
}

func (s *Store) GetCohort(ctx context.Context, tenantID, cohortID string) (*storage.Cohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM cohorts WHERE tenant_id = $1 AND id = $2`

	c, err := scanCohort(s.replica().QueryRowContext(ctx, query, tenantID, cohortID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get cohort", err)
	}
	return c, nil
}

// ListCohorts returns every cohort of the tenant when t is empty
func (s *Store) ListCohorts(ctx context.Context, tenantID string, t storage.CohortType) ([]*storage.Cohort, error) {
	query := `
		SELECT ` + cohortColumns + `
		FROM cohorts
		WHERE tenant_id = $1 AND ($2 = '' OR cohort_type = $2)
		ORDER BY cohort_date DESC
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, string(t))
	if err != nil {
		return nil, wrapErr("list cohorts", err)
	}
	defer rows.Close()

	var out []*storage.Cohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cohort: %w", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("list cohorts", rows.Err())
}

func scanCohort(row rowScanner) (*storage.Cohort, error) {
	var (
		c           storage.Cohort
		cohortType  string
		customEvent string
		retention   []byte
		revenue     []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.CohortName, &cohortType, &c.CohortDate, &customEvent, &c.TotalUsers,
		&retention, &revenue, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.CohortType = storage.CohortType(cohortType)
	c.CustomEvent = events.EventType(customEvent)
	c.CohortDate = c.CohortDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if err := unmarshalJSON(retention, &c.RetentionData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(revenue, &c.RevenueData); err != nil {
		return nil, err
	}
	return &c, nil
}

const funnelColumns = `id, tenant_id, funnel_name, funnel_steps, results, total_users, conversions,
		       conversion_rate, drop_off_points, range_start, range_end, created_at, updated_at`

// SaveFunnel inserts or replaces a funnel, assigning ID and timestamps on f
func (s *Store) SaveFunnel(ctx context.Context, f *storage.Funnel) (err error) {
	defer s.observe("save_funnel", time.Now(), &err)

	steps, err := marshalJSON(nonNil(f.FunnelSteps))
	if err != nil {
		return err
	}
	results, err := marshalJSON(nonNil(f.Results))
	if err != nil {
		return err
	}
	dropOffs, err := marshalJSON(nonNil(f.DropOffPoints))
	if err != nil {
		return err
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	var rangeStart, rangeEnd interface{}
	if f.DateRange != nil {
		rangeStart, rangeEnd = f.DateRange.Start.UTC(), f.DateRange.End.UTC()
	}

	query := `
		INSERT INTO funnels (` + funnelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			funnel_name = EXCLUDED.funnel_name,
			funnel_steps = EXCLUDED.funnel_steps,
			results = EXCLUDED.results,
			total_users = EXCLUDED.total_users,
			conversions = EXCLUDED.conversions,
			conversion_rate = EXCLUDED.conversion_rate,
			drop_off_points = EXCLUDED.drop_off_points,
			range_start = EXCLUDED.range_start,
			range_end = EXCLUDED.range_end,
			updated_at = EXCLUDED.updated_at
		WHERE funnels.tenant_id = EXCLUDED.tenant_id
		RETURNING created_at
	`
	var createdAt time.Time
	err = s.primary().QueryRowContext(ctx, query,
		f.ID, f.TenantID, f.FunnelName, steps, results, f.TotalUsers, f.Conversions,
		f.ConversionRate, dropOffs, rangeStart, rangeEnd, f.CreatedAt, f.UpdatedAt,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// id taken by another tenant
		return storage.ErrNotFound
	} else if err != nil {
		return wrapErr("save funnel", err)
	}
	f.CreatedAt = createdAt.UTC()
	return nil
}

func (s *Store) GetFunnel(ctx context.Context, tenantID, funnelID string) (*storage.Funnel, error) {
	query := `SELECT ` + funnelColumns + ` FROM funnels WHERE tenant_id = $1 AND id = $2`

	f, err := scanFunnel(s.replica().QueryRowContext(ctx, query, tenantID, funnelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get funnel", err)
	}
	return f, nil
}

func (s *Store) ListFunnels(ctx context.Context, tenantID string) ([]*storage.Funnel, error) {
	query := `SELECT ` + funnelColumns + ` FROM funnels WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := s.replica().QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, wrapErr("list funnels", err)
	}
	defer rows.Close()

	var out []*storage.Funnel
	for rows.Next() {
		f, err := scanFunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funnel: %w", err)
		}
		out = append(out, f)
	}
	return out, wrapErr("list funnels", rows.Err())
}

func scanFunnel(row rowScanner) (*storage.Funnel, error) {
	var (
		f                    storage.Funnel
		steps, results, drop []byte
		rangeStart, rangeEnd sql.NullTime
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.FunnelName, &steps, &results, &f.TotalUsers, &f.Conversions,
		&f.ConversionRate, &drop, &rangeStart, &rangeEnd, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	if rangeStart.Valid && rangeEnd.Valid {
		f.DateRange = &storage.DateRange{Start: rangeStart.Time.UTC(), End: rangeEnd.Time.UTC()}
	}
	for _, col := range []struct {
		raw []byte
		dst interface{}
	}{{steps, &f.FunnelSteps}, {results, &f.Results}, {drop, &f.DropOffPoints}} {
		if err := unmarshalJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

const reportColumns = `id, tenant_id, report_name, report_type, parameters, status, results, error,
		       archive_uri, created_at, generated_at, expires_at`

func (s *Store) CreateReport(ctx context.Context, r *storage.Report) (err error) {
	defer s.observe("create_report", time.Now(), &err)

	params, err := marshalJSON(r.Parameters)
	if err != nil {
		return err
	}
	results, err := marshalJSON(r.Results)
	if err != nil {
		return err
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	query := `
		INSERT INTO reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.primary().ExecContext(ctx, query,
		r.ID, r.TenantID, r.ReportName, r.ReportType, params, string(r.Status), results, r.Error,
		r.ArchiveURI, r.CreatedAt.UTC(), nullTime(r.GeneratedAt), nullTime(r.ExpiresAt),
	)
	return wrapErr("create report", err)
}

// UpdateReport only touches rows still generating. When nothing matched it looks the
// row up to tell a missing report from a resolved one.
func (s *Store) UpdateReport(ctx context.Context, r *storage.Report) (err error) {
	defer s.observe("update_report", time.Now(), &err)

	results, err := marshalJSON(r.Results)
	if err != nil {
		return err
	}

	query := `
		UPDATE reports SET
			status = $3,
			results = $4,
			error = $5,
			archive_uri = $6,
			generated_at = $7,
			expires_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status = 'generating'
	`
	res, err := s.primary().ExecContext(ctx, query,
		r.TenantID, r.ID, string(r.Status), results, r.Error, r.ArchiveURI, nullTime(r.GeneratedAt), nullTime(r.ExpiresAt),
	)
	if err != nil {
		return wrapErr("update report", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update report", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.primary().QueryRowContext(ctx, `SELECT status FROM reports WHERE tenant_id = $1 AND id = $2`,
		r.TenantID, r.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	} else if err != nil {
		return wrapErr("update report", err)
	}
	return storage.ErrReportTerminal
}

func (s *Store) GetReport(ctx context.Context, tenantID, reportID string) (*storage.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE tenant_id = $1 AND id = $2`

	r, err := scanReport(s.primary().QueryRowContext(ctx, query, tenantID, reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get report", err)
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, tenantID string, limit int) ([]*storage.Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`
	rows, err := s.replica().QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, wrapErr("list reports", err)
	}
	defer rows.Close()

	var out []*storage.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("list reports", rows.Err())
}

func scanReport(row rowScanner) (*storage.Report, error) {
	var (
		r                      storage.Report
		status                 string
		params, results        []byte
		generatedAt, expiresAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.ReportName, &r.ReportType, &params, &status, &results, &r.Error,
		&r.ArchiveURI, &r.CreatedAt, &generatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	r.Status = storage.ReportStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.GeneratedAt = timePtr(generatedAt)
	r.ExpiresAt = timePtr(expiresAt)
	if err := unmarshalJSON(params, &r.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(results, &r.Results); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UsersRegisteredBetween(ctx context.Context, tenantID string, from, to time.Time) ([]string, error) {
	query := `
		SELECT user_id
		FROM users
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY user_id
	`
	return s.queryStrings(ctx, "list registered users", query, tenantID, from.UTC(), to.UTC())
}

// nonNil turns a nil slice into an empty one so NOT NULL json columns store []
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
