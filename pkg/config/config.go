package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/export"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/realtime"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/worker"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        worker.Config       `yaml:"worker"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Reports       ReportsConfig       `yaml:"reports"`
	Export        ExportConfig        `yaml:"export"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// QueueConfig selects the ingestion queue backend
type QueueConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "redis"
	Prefix      string `yaml:"prefix"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// IngestConfig bounds the ingestion endpoints
type IngestConfig struct {
	// RateLimit is the number of ingestion requests one client IP may make per RateWindow; 0 disables it
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// RealtimeConfig tunes the realtime fan-out
type RealtimeConfig struct {
	LiveWindow  time.Duration `yaml:"live_window"`
	BufferSize  int           `yaml:"buffer_size"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	RedisBridge bool          `yaml:"redis_bridge"`
	Channel     string        `yaml:"channel"`
}

// AggregatorConfig drives the scheduled recomputation binary
type AggregatorConfig struct {
	DailySchedule  string `yaml:"daily_schedule"`
	CohortSchedule string `yaml:"cohort_schedule"`
	FunnelSchedule string `yaml:"funnel_schedule"`

	// JobFile lists tenants and their cohort/funnel jobs; it is watched for changes
	JobFile string `yaml:"job_file"`
	// Tenants are aggregated when no job file is configured
	Tenants []string `yaml:"tenants"`

	Alerts analytics.AlertThresholds `yaml:"alerts"`
}

// ReportsConfig tunes report generation
type ReportsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ExportConfig configures the Kafka event mirror
type ExportConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables, then overlays the YAML
// file named by PULSE_CONFIG_FILE when it is set.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Queue:         loadQueueConfig(),
		Worker:        loadWorkerConfig(),
		Ingest:        loadIngestConfig(),
		Realtime:      loadRealtimeConfig(),
		Aggregator:    loadAggregatorConfig(),
		Reports:       ReportsConfig{TTL: getEnvDuration("PULSE_REPORT_TTL", 7*24*time.Hour)},
		Export:        loadExportConfig(),
		Observability: loadObservabilityConfig(),
	}

	if path := getEnv("PULSE_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// overlayFile decodes path over the current values; keys absent from the file keep their value
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PULSE_HOST", "0.0.0.0"),
		Port:            getEnv("PULSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PULSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PULSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PULSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PULSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PULSE_HEALTH_PORT", "9090"),
		CORSOrigins:     getEnvList("PULSE_CORS_ORIGINS"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("PULSE_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	cfg.PostgresURL = getEnv("PULSE_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("PULSE_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("PULSE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("PULSE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("PULSE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3 config
	cfg.S3Endpoint = getEnv("PULSE_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("PULSE_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("PULSE_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("PULSE_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("PULSE_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("PULSE_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	cfg.RedisURL = getEnv("PULSE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("PULSE_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("PULSE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("PULSE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("PULSE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Cache config
	cfg.CacheEnabled = getEnvBool("PULSE_CACHE_ENABLED", cfg.CacheEnabled)
	if ttl := getEnvDuration("PULSE_CACHE_TTL", 0); ttl > 0 {
		cfg.CacheTTL = ttl
	}
	if size := getEnvInt("PULSE_CACHE_SIZE", 0); size > 0 {
		cfg.CacheSize = size
	}

	return cfg
}

func loadQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:     getEnv("PULSE_QUEUE_BACKEND", "memory"),
		Prefix:      getEnv("PULSE_QUEUE_PREFIX", "pulse:queue"),
		MaxAttempts: getEnvInt("PULSE_QUEUE_MAX_ATTEMPTS", queue.DefaultMaxAttempts),
	}
}

// loadWorkerConfig reads the pool settings; retry delay and completed-job retention are
// queue settings from an operator's point of view and keep their PULSE_QUEUE_ names.
func loadWorkerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Concurrency = getEnvInt("PULSE_WORKER_CONCURRENCY", cfg.Concurrency)
	cfg.RatePerSecond = getEnvInt("PULSE_WORKER_RATE", cfg.RatePerSecond)
	cfg.PollTimeout = getEnvDuration("PULSE_WORKER_POLL_TIMEOUT", cfg.PollTimeout)
	cfg.JobTimeout = getEnvDuration("PULSE_WORKER_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.ReclaimInterval = getEnvDuration("PULSE_WORKER_RECLAIM_INTERVAL", cfg.ReclaimInterval)
	cfg.CompletedRetention = getEnvDuration("PULSE_QUEUE_COMPLETED_RETENTION", cfg.CompletedRetention)
	cfg.StalledAfter = getEnvDuration("PULSE_QUEUE_STALLED_AFTER", cfg.StalledAfter)
	cfg.Backoff.InitialDelay = getEnvDuration("PULSE_QUEUE_RETRY_DELAY", cfg.Backoff.InitialDelay)
	cfg.Backoff.MaxDelay = getEnvDuration("PULSE_QUEUE_RETRY_MAX_DELAY", cfg.Backoff.MaxDelay)
	return cfg
}

func loadIngestConfig() IngestConfig {
	return IngestConfig{
		RateLimit:  getEnvInt("PULSE_INGEST_RATE_LIMIT", 600),
		RateWindow: getEnvDuration("PULSE_INGEST_RATE_WINDOW", time.Minute),
	}
}

func loadRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		LiveWindow:  getEnvDuration("PULSE_REALTIME_LIVE_WINDOW", realtime.DefaultLiveWindow),
		BufferSize:  getEnvInt("PULSE_REALTIME_BUFFER_SIZE", realtime.DefaultBufferSize),
		KeepAlive:   getEnvDuration("PULSE_REALTIME_KEEPALIVE", 15*time.Second),
		RedisBridge: getEnvBool("PULSE_REALTIME_REDIS_BRIDGE", false),
		Channel:     getEnv("PULSE_REALTIME_CHANNEL", realtime.DefaultChannel),
	}
}

func loadAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		DailySchedule:  getEnv("PULSE_AGGREGATOR_DAILY_SCHEDULE", "5 0 * * *"),
		CohortSchedule: getEnv("PULSE_AGGREGATOR_COHORT_SCHEDULE", "30 0 * * *"),
		FunnelSchedule: getEnv("PULSE_AGGREGATOR_FUNNEL_SCHEDULE", "0 * * * *"),
		JobFile:        getEnv("PULSE_AGGREGATOR_JOB_FILE", ""),
		Tenants:        getEnvList("PULSE_AGGREGATOR_TENANTS"),
		Alerts:         analytics.DefaultAlertThresholds(),
	}
}

func loadExportConfig() ExportConfig {
	return ExportConfig{
		Enabled: getEnvBool("PULSE_EXPORT_ENABLED", false),
		Brokers: getEnvList("PULSE_EXPORT_KAFKA_BROKERS"),
		Topic:   getEnv("PULSE_EXPORT_KAFKA_TOPIC", export.DefaultTopic),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("PULSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PULSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PULSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PULSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PULSE_OTEL_SERVICE_NAME", "pulse"),
		OTelServiceVersion: getEnv("PULSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PULSE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PULSE_OTEL_SAMPLE_RATIO", 0.1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}
	if c.Storage.S3Bucket == "" && c.Storage.S3Endpoint != "" {
		return fmt.Errorf("S3 bucket is required when an S3 endpoint is set")
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis queue")
		}
	default:
		return fmt.Errorf("invalid queue backend: %s (must be memory or redis)", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.Worker.RatePerSecond < 0 {
		return fmt.Errorf("worker rate must not be negative")
	}
	if c.Worker.StalledAfter <= c.Worker.JobTimeout {
		return fmt.Errorf("stalled-job timeout must exceed the job timeout")
	}

	if c.Ingest.RateLimit > 0 && c.Ingest.RateWindow <= 0 {
		return fmt.Errorf("ingest rate window must be positive when a rate limit is set")
	}

	if c.Realtime.RedisBridge && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for the realtime redis bridge")
	}
	if c.Realtime.LiveWindow <= 0 {
		return fmt.Errorf("realtime live window must be positive")
	}

	for name, spec := range map[string]string{
		"daily":  c.Aggregator.DailySchedule,
		"cohort": c.Aggregator.CohortSchedule,
		"funnel": c.Aggregator.FunnelSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	if c.Export.Enabled {
		if len(c.Export.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when export is enabled")
		}
		if c.Export.Topic == "" {
			return fmt.Errorf("kafka topic is required when export is enabled")
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
