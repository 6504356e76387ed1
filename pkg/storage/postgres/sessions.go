package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/pulse/pkg/storage"
)

const sessionColumns = `tenant_id, session_id, user_id, device_id, session_start, session_end, duration,
		       page_views, events_count, conversion, conversion_value, conversion_type, is_active,
		       last_activity, device_info, country, city`

// UpsertSessionStart relies on xmax = 0 to tell a fresh insert from a conflict update
func (s *Store) UpsertSessionStart(ctx context.Context, in *storage.Session) (stored *storage.Session, created bool, err error) {
	defer s.observe("upsert_session", time.Now(), &err)

	if in == nil || in.TenantID == "" || in.SessionID == "" {
		return nil, false, fmt.Errorf("upsert session: missing tenant or session id")
	}

	lastActivity := in.LastActivity
	if lastActivity.IsZero() {
		lastActivity = in.SessionStart
	}
	deviceInfo, err := marshalJSON(in.DeviceInfo)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO sessions (tenant_id, session_id, user_id, device_id, session_start, is_active,
		                      last_activity, device_info, country, city)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			last_activity = GREATEST(sessions.last_activity, EXCLUDED.last_activity),
			user_id = CASE WHEN sessions.user_id = '' THEN EXCLUDED.user_id ELSE sessions.user_id END,
			device_info = COALESCE(EXCLUDED.device_info, sessions.device_info)
		RETURNING ` + sessionColumns + `, (xmax = 0) AS inserted
	`
	row := s.primary().QueryRowContext(ctx, query,
		in.TenantID, in.SessionID, in.UserID, in.DeviceID, in.SessionStart.UTC(),
		lastActivity.UTC(), deviceInfo, in.Country, in.City,
	)
	stored, err = scanSession(row, &created)
	if err != nil {
		return nil, false, wrapErr("upsert session", err)
	}
	return stored, created, nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*storage.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = $1 AND session_id = $2`

	sess, err := scanSession(s.primary().QueryRowContext(ctx, query, tenantID, sessionID), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, wrapErr("get session", err)
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) (updated bool, err error) {
	defer s.observe("touch_session", time.Now(), &err)

	query := `
		UPDATE sessions
		SET last_activity = GREATEST(last_activity, $3)
		WHERE tenant_id = $1 AND session_id = $2 AND is_active
	`
	res, err := s.primary().ExecContext(ctx, query, tenantID, sessionID, at.UTC())
	if err != nil {
		return false, wrapErr("touch session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("touch session", err)
	}
	return n > 0, nil
}

func (s *Store) FinalizeSession(ctx context.Context, in *storage.Session) (err error) {
	defer s.observe("finalize_session", time.Now(), &err)

	query := `
		UPDATE sessions SET
			session_end = $3,
			duration = $4,
			page_views = $5,
			events_count = $6,
			conversion = $7,
			conversion_value = $8,
			conversion_type = $9,
			is_active = $10,
			last_activity = GREATEST(last_activity, $11)
		WHERE tenant_id = $1 AND session_id = $2
	`
	var duration interface{}
	if in.Duration != nil {
		duration = *in.Duration
	}
	res, err := s.primary().ExecContext(ctx, query,
		in.TenantID, in.SessionID, nullTime(in.SessionEnd), duration, in.PageViews, in.EventsCount,
		in.Conversion, nullFloat(in.ConversionValue), in.ConversionType, in.IsActive, in.LastActivity.UTC(),
	)
	if err != nil {
		return wrapErr("finalize session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("finalize session", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SessionsInRange(ctx context.Context, tenantID string, from, to time.Time) ([]*storage.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR session_start >= $2)
		  AND ($3::timestamptz IS NULL OR session_start < $3)
		ORDER BY session_start, session_id
	`
	return s.querySessions(ctx, "list sessions", s.replica(), query, tenantID, bound(from), bound(to))
}

func (s *Store) UsersSeenBefore(ctx context.Context, tenantID string, userKeys []string, before time.Time) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(userKeys) == 0 {
		return seen, nil
	}

	query := `
		SELECT DISTINCT user_id || '|' || device_id
		FROM sessions
		WHERE tenant_id = $1 AND session_start < $2
		  AND user_id || '|' || device_id = ANY($3)
	`
	keys, err := s.queryStrings(ctx, "resolve returning users", query, tenantID, before.UTC(), pq.Array(userKeys))
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		seen[k] = true
	}
	return seen, nil
}

func (s *Store) CountActiveMembers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM sessions
		WHERE tenant_id = $1 AND user_id <> '' AND user_id = ANY($2)
		  AND session_start >= $3 AND session_start < $4
	`
	var n int64
	err := s.replica().QueryRowContext(ctx, query, tenantID, pq.Array(userIDs), from.UTC(), to.UTC()).Scan(&n)
	return n, wrapErr("count active members", err)
}

// ListLiveSessions reads from the primary; replica lag would hide fresh heartbeats
func (s *Store) ListLiveSessions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*storage.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1 AND is_active AND last_activity >= $2
		ORDER BY last_activity DESC
		LIMIT NULLIF($3, 0)
	`
	return s.querySessions(ctx, "list live sessions", s.primary(), query, tenantID, since.UTC(), limit)
}

func (s *Store) querySessions(ctx context.Context, op string, db *sql.DB, query string, args ...interface{}) ([]*storage.Session, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, wrapErr(op, rows.Err())
}

// scanSession reads sessionColumns, plus the trailing inserted flag when inserted is non-nil
func scanSession(row rowScanner, inserted *bool) (*storage.Session, error) {
	var (
		sess            storage.Session
		sessionEnd      sql.NullTime
		duration        sql.NullInt64
		conversionValue sql.NullFloat64
		deviceInfo      []byte
	)
	dest := []interface{}{
		&sess.TenantID, &sess.SessionID, &sess.UserID, &sess.DeviceID, &sess.SessionStart, &sessionEnd, &duration,
		&sess.PageViews, &sess.EventsCount, &sess.Conversion, &conversionValue, &sess.ConversionType, &sess.IsActive,
		&sess.LastActivity, &deviceInfo, &sess.Country, &sess.City,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	sess.SessionStart = sess.SessionStart.UTC()
	sess.LastActivity = sess.LastActivity.UTC()
	sess.SessionEnd = timePtr(sessionEnd)
	if duration.Valid {
		d := duration.Int64
		sess.Duration = &d
	}
	sess.ConversionValue = floatPtr(conversionValue)
	if err := unmarshalJSON(deviceInfo, &sess.DeviceInfo); err != nil {
		return nil, err
	}
	return &sess, nil
}
