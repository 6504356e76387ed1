// Package config provides application configuration management from environment variables.
//
// # Overview
//
// LoadConfig reads PULSE_* environment variables with defaults for every setting. When
// PULSE_CONFIG_FILE names a YAML file, its keys are decoded over the environment values.
// The result is validated before it is returned.
//
// # Configuration Structure
//
// Server settings:
//
//	PULSE_HOST="0.0.0.0"
//	PULSE_PORT="8080"
//	PULSE_HEALTH_PORT="9090"
//	PULSE_READ_TIMEOUT="15s"
//	PULSE_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	PULSE_STORAGE_TYPE="postgres"  # memory, postgres
//	PULSE_POSTGRES_URL="postgres://localhost/pulse?sslmode=disable"
//	PULSE_POSTGRES_REPLICA_URLS="postgres://replica1/pulse,postgres://replica2/pulse"
//	PULSE_POSTGRES_MAX_CONNS="20"
//	PULSE_S3_BUCKET="pulse-reports"  # report archives, optional
//	PULSE_S3_ENDPOINT="http://localhost:9000"
//
// Redis and cache settings:
//
//	PULSE_REDIS_URL="redis://localhost:6379"
//	PULSE_REDIS_POOL_SIZE="10"
//	PULSE_CACHE_ENABLED="true"
//	PULSE_CACHE_TTL="1m"
//
// Queue and worker settings:
//
//	PULSE_QUEUE_BACKEND="redis"  # memory, redis
//	PULSE_QUEUE_MAX_ATTEMPTS="3"
//	PULSE_QUEUE_RETRY_DELAY="1s"
//	PULSE_QUEUE_COMPLETED_RETENTION="1h"
//	PULSE_WORKER_CONCURRENCY="10"
//	PULSE_WORKER_RATE="1000"  # events per second, 0 for unlimited
//
// Ingestion, realtime and reports:
//
//	PULSE_INGEST_RATE_LIMIT="600"  # requests per client IP per window, 0 disables
//	PULSE_INGEST_RATE_WINDOW="1m"
//	PULSE_REALTIME_LIVE_WINDOW="5m"
//	PULSE_REALTIME_REDIS_BRIDGE="true"
//	PULSE_REPORT_TTL="168h"
//
// Aggregator settings:
//
//	PULSE_AGGREGATOR_DAILY_SCHEDULE="5 0 * * *"
//	PULSE_AGGREGATOR_COHORT_SCHEDULE="30 0 * * *"
//	PULSE_AGGREGATOR_FUNNEL_SCHEDULE="0 * * * *"
//	PULSE_AGGREGATOR_JOB_FILE="/etc/pulse/jobs.yaml"
//	PULSE_AGGREGATOR_TENANTS="acme,globex"  # used when no job file is set
//
// Export settings:
//
//	PULSE_EXPORT_ENABLED="true"
//	PULSE_EXPORT_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	PULSE_EXPORT_KAFKA_TOPIC="pulse.events"
//
// Observability settings:
//
//	PULSE_LOG_LEVEL="info"  # debug, info, warn, error
//	PULSE_METRICS_ENABLED="true"
//	PULSE_OTEL_ENABLED="true"
//	PULSE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
//
// The aggregator job file is loaded with LoadJobFile and kept current with Watch.
package config
