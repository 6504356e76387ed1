package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// Store implements storage.Store on PostgreSQL. Writes go to the primary, range
// queries to a replica when one is configured.
type Store struct {
	conn    *ConnectionManager
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

func WithLogger(logger *observability.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) { s.metrics = metrics }
}

// New connects to the configured primary and replicas and applies the schema
func New(ctx context.Context, cfg storage.Config, opts ...Option) (*Store, error) {
	s := newStore(opts...)

	conn, err := NewConnectionManager(ctx, ConnectionConfigFrom(cfg), s.logger)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	if err := Migrate(ctx, conn.Primary()); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle as a primary-only store. The schema is not applied.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := newStore(opts...)
	s.conn = newConnectionManagerWithDB(db, s.logger)
	return s
}

func newStore(opts ...Option) *Store {
	s := &Store{
		logger: observability.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections exposes the pool, e.g. to start its health routine
func (s *Store) Connections() *ConnectionManager {
	return s.conn
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// observe records the duration and outcome of one store call
func (s *Store) observe(op string, started time.Time, err *error) {
	s.metrics.StorageOperation(op, time.Since(started), *err)
}

func (s *Store) primary() *sql.DB {
	return s.conn.Primary()
}

func (s *Store) replica() *sql.DB {
	return s.conn.Replica()
}

// bound maps the zero time to NULL so a range edge can be left open
func bound(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// marshalJSON encodes v for a JSONB column; nil maps become SQL NULL
func marshalJSON(v interface{}) (interface{}, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if m == nil {
			return nil, nil
		}
	case map[string]float64:
		if m == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSONB column into dst
func unmarshalJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
