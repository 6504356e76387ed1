package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL_TRUE", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_OTHER", "yes")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_BAD", "soon")
	t.Setenv("TEST_LIST", " a, ,b ,c")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))

	assert.True(t, getEnvBool("TEST_BOOL_TRUE", false))
	assert.True(t, getEnvBool("TEST_BOOL_ONE", false))
	assert.False(t, getEnvBool("TEST_BOOL_OTHER", true))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))

	assert.Equal(t, 42, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_INT_BAD", 1))
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION_BAD", time.Second))

	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("TEST_LIST_UNSET"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 1000, cfg.Worker.RatePerSecond)
	assert.Equal(t, time.Second, cfg.Worker.Backoff.InitialDelay)
	assert.Equal(t, time.Hour, cfg.Worker.CompletedRetention)
	assert.Equal(t, 5*time.Minute, cfg.Worker.StalledAfter)
	assert.Equal(t, 5*time.Minute, cfg.Realtime.LiveWindow)
	assert.False(t, cfg.Realtime.RedisBridge)
	assert.Equal(t, 7*24*time.Hour, cfg.Reports.TTL)
	assert.Equal(t, "pulse.events", cfg.Export.Topic)
	assert.Equal(t, 0.05, cfg.Aggregator.Alerts.ErrorRate)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.Level())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("PULSE_PORT", "8000")
	t.Setenv("PULSE_STORAGE_TYPE", "postgres")
	t.Setenv("PULSE_POSTGRES_URL", "postgres://localhost/pulse")
	t.Setenv("PULSE_REDIS_URL", "redis://localhost:6379")
	t.Setenv("PULSE_QUEUE_BACKEND", "redis")
	t.Setenv("PULSE_QUEUE_RETRY_DELAY", "250ms")
	t.Setenv("PULSE_WORKER_CONCURRENCY", "4")
	t.Setenv("PULSE_AGGREGATOR_TENANTS", "acme,globex")
	t.Setenv("PULSE_EXPORT_ENABLED", "true")
	t.Setenv("PULSE_EXPORT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PULSE_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/pulse", cfg.Storage.PostgresURL)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.Backoff.InitialDelay)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Aggregator.Tenants)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Export.Brokers)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
storage:
  redis_url: redis://cache:6379
  cache_ttl: 30s
worker:
  concurrency: 2
  backoff:
    initial_delay: 2s
realtime:
  redis_bridge: true
aggregator:
  tenants: [from-file]
  alerts:
    bounce_rate: 55
`), 0o600))

	t.Setenv("PULSE_CONFIG_FILE", path)
	t.Setenv("PULSE_HOST", "127.0.0.1")
	t.Setenv("PULSE_PORT", "8000")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port, "file wins over env")
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "keys absent from the file keep env values")
	assert.Equal(t, "redis://cache:6379", cfg.Storage.RedisURL)
	assert.Equal(t, 30*time.Second, cfg.Storage.CacheTTL)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 1000, cfg.Worker.RatePerSecond)
	assert.Equal(t, 2*time.Second, cfg.Worker.Backoff.InitialDelay)
	assert.True(t, cfg.Realtime.RedisBridge)
	assert.Equal(t, []string{"from-file"}, cfg.Aggregator.Tenants)
	assert.Equal(t, 55.0, cfg.Aggregator.Alerts.BounceRate)
	assert.Equal(t, 3000.0, cfg.Aggregator.Alerts.AvgLoadTimeMs)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("PULSE_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
		t.Setenv("PULSE_CONFIG_FILE", path)
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "failed to parse config file")
	})
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"shared ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "filesystem" }, "invalid storage type"},
		{"postgres without url", func(c *Config) { c.Storage.Type = "postgres" }, "postgres URL is required"},
		{"s3 endpoint without bucket", func(c *Config) { c.Storage.S3Endpoint = "http://minio:9000" }, "S3 bucket is required"},
		{"redis queue without redis", func(c *Config) { c.Queue.Backend = "redis" }, "redis URL is required for the redis queue"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "sqs" }, "invalid queue backend"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "max attempts"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "concurrency"},
		{"negative rate", func(c *Config) { c.Worker.RatePerSecond = -1 }, "rate must not be negative"},
		{"stall timeout below job timeout", func(c *Config) { c.Worker.StalledAfter = c.Worker.JobTimeout }, "stalled-job timeout"},
		{"rate limit without window", func(c *Config) { c.Ingest.RateWindow = 0 }, "rate window"},
		{"bridge without redis", func(c *Config) { c.Realtime.RedisBridge = true }, "realtime redis bridge"},
		{"zero live window", func(c *Config) { c.Realtime.LiveWindow = 0 }, "live window"},
		{"bad schedule", func(c *Config) { c.Aggregator.DailySchedule = "every day" }, "invalid daily schedule"},
		{"export without brokers", func(c *Config) { c.Export.Enabled = true }, "kafka brokers"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
		{"postgres with redis queue", func(c *Config) {
			c.Storage.Type = "postgres"
			c.Storage.PostgresURL = "postgres://db/pulse"
			c.Storage.RedisURL = "redis://cache:6379"
			c.Queue.Backend = "redis"
			c.Realtime.RedisBridge = true
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestObservabilityConfig_OTel(t *testing.T) {
	o := ObservabilityConfig{OTelEnabled: true, OTelEndpoint: "collector:4317", OTelServiceName: "pulse", OTelSampleRatio: 0.5}
	otel := o.OTel()
	assert.True(t, otel.Enabled)
	assert.Equal(t, "collector:4317", otel.Endpoint)
	assert.Equal(t, 0.5, otel.SampleRatio)
}
