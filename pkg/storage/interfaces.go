package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
)

// EventFilter selects raw events. From/To form a half-open range; zero values are unbounded.
type EventFilter struct {
	TenantID   string
	SessionIDs []string
	Types      []events.EventType
	From       time.Time
	To         time.Time
	Limit      int
	// Descending orders newest first; the default is oldest first
	Descending bool
}

// EventStore persists the immutable event log
type EventStore interface {
	// InsertEvent is idempotent on event id so redelivered jobs do not double count
	InsertEvent(ctx context.Context, e *events.Event) error
	GetEvent(ctx context.Context, tenantID, eventID string) (*events.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*events.Event, error)

	// CountEventsByType returns per-type counts in [from, to)
	CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (map[events.EventType]int64, error)
	// SumRevenue sums purchase amounts in [from, to)
	SumRevenue(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	// AvgPerformanceMetric averages a performance metric over events that report it; nil when none do
	AvgPerformanceMetric(ctx context.Context, tenantID, metric string, from, to time.Time) (*float64, error)
	// CountDistinctUsers counts distinct (userId, deviceId) pairs with an event of the given type.
	// A nil range means all time.
	CountDistinctUsers(ctx context.Context, tenantID string, eventType events.EventType, r *DateRange) (int64, error)
	// SessionEventSummary counts all events and distinct screen_view screen names in a session
	SessionEventSummary(ctx context.Context, tenantID, sessionID string) (eventsCount, distinctScreens int64, err error)
	// FirstEventUsers returns users whose earliest event of the type falls in [from, to)
	FirstEventUsers(ctx context.Context, tenantID string, eventType events.EventType, from, to time.Time) ([]string, error)
	// RevenueByUsers sums purchase amounts of the given users in [from, to)
	RevenueByUsers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (float64, error)
	TopProducts(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]ProductStats, error)
	ScreenStats(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]ScreenStats, error)
}

// SessionStore persists session records
type SessionStore interface {
	// UpsertSessionStart inserts a new active session or, when one exists, refreshes its liveness
	// fields only. created reports whether a row was inserted.
	UpsertSessionStart(ctx context.Context, s *Session) (stored *Session, created bool, err error)
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	// TouchSession advances lastActivity of an active session; it never moves it backwards.
	// updated is false when the session is missing or closed.
	TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) (updated bool, err error)
	// FinalizeSession writes the derived metrics computed at close time
	FinalizeSession(ctx context.Context, s *Session) error
	// SessionsInRange returns sessions started in [from, to)
	SessionsInRange(ctx context.Context, tenantID string, from, to time.Time) ([]*Session, error)
	// UsersSeenBefore returns the subset of user keys with a session started before the cutoff
	UsersSeenBefore(ctx context.Context, tenantID string, userKeys []string, before time.Time) (map[string]bool, error)
	// CountActiveMembers counts distinct users among userIDs with a session started in [from, to)
	CountActiveMembers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (int64, error)
	// ListLiveSessions returns active sessions with lastActivity at or after since
	ListLiveSessions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Session, error)
}

// AggregateStore persists rollups
type AggregateStore interface {
	// UpsertAggregate overwrites every field of the row keyed by (tenant, date, type)
	UpsertAggregate(ctx context.Context, a *Aggregate) error
	GetAggregate(ctx context.Context, tenantID string, date time.Time, t AggregateType) (*Aggregate, error)
	ListAggregates(ctx context.Context, tenantID string, t AggregateType, from, to time.Time) ([]*Aggregate, error)
}

// CohortStore persists cohort analyses
type CohortStore interface {
	// UpsertCohort replaces the row keyed by (tenant, type, date) and returns the stored record
	UpsertCohort(ctx context.Context, c *Cohort) (*Cohort, error)
	GetCohort(ctx context.Context, tenantID, cohortID string) (*Cohort, error)
	ListCohorts(ctx context.Context, tenantID string, t CohortType) ([]*Cohort, error)
}

// FunnelStore persists funnel definitions and analyses
type FunnelStore interface {
	SaveFunnel(ctx context.Context, f *Funnel) error
	GetFunnel(ctx context.Context, tenantID, funnelID string) (*Funnel, error)
	ListFunnels(ctx context.Context, tenantID string) ([]*Funnel, error)
}

// ReportStore persists report records
type ReportStore interface {
	CreateReport(ctx context.Context, r *Report) error
	// UpdateReport persists a status transition; it fails with ErrReportTerminal when the stored
	// report has already resolved
	UpdateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, tenantID, reportID string) (*Report, error)
	ListReports(ctx context.Context, tenantID string, limit int) ([]*Report, error)
}

// UserStore exposes account creation dates owned by the external account system
type UserStore interface {
	UsersRegisteredBetween(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)
}

// Store is the full persistence contract
type Store interface {
	EventStore
	SessionStore
	AggregateStore
	CohortStore
	FunnelStore
	ReportStore
	UserStore

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for storage backends
type Config struct {
	Type string `yaml:"type"` // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs string        `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`

	// S3 config, used for report archives
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`

	// Query cache config
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		S3Region:         "us-east-1",
		CacheEnabled:     true,
		CacheTTL:         time.Minute,
		CacheSize:        1024,
	}
}
