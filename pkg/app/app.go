// Package app assembles the shared runtime of the pulse binaries from configuration:
// storage, the ingestion queue, Redis, the realtime hub, the event mirror and the
// observability stack. Each binary builds the services it serves on top of it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cohort"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/export"
	"github.com/platinummonkey/pulse/pkg/funnel"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/realtime"
	"github.com/platinummonkey/pulse/pkg/reports"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
	"github.com/platinummonkey/pulse/pkg/storage/postgres"
	"github.com/platinummonkey/pulse/pkg/worker"
)

// dbHealthInterval is how often pool health and size are sampled
const dbHealthInterval = 30 * time.Second

// Runtime holds the components shared by every binary
type Runtime struct {
	Config      *config.Config
	Logger      *observability.Logger
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	Health      *observability.HealthChecker

	Store       storage.Store
	Redis       *redis.Client
	Queue       queue.Queue
	Hub         *realtime.Hub
	Broadcaster *realtime.Broadcaster
	Publisher   export.Publisher
	Archiver    reports.Archiver

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New connects everything cfg names. On error the components opened so far are closed.
func New(ctx context.Context, cfg *config.Config, version string, logger *observability.Logger) (*Runtime, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(version),
	}
	opened := false
	defer func() {
		if !opened {
			rt.Close(context.Background())
		}
	}()

	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Observability.MetricsEnabled {
		rt.Metrics = observability.NewMetrics(rt.Registry)
	}

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers != nil {
		rt.closers = append(rt.closers, closer{"otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		}})
		if om, err := observability.NewOTelMetrics(); err == nil {
			rt.OTelMetrics = om
		} else {
			logger.WithError(err).Warn("OpenTelemetry instruments unavailable")
		}
	}

	if cfg.Storage.RedisURL != "" {
		client, err := postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.Redis = client
		rt.closers = append(rt.closers, closer{"redis", func(context.Context) error { return client.Close() }})
		rt.Health.RegisterRedis(client)
	}

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}
	if err := rt.openQueue(); err != nil {
		return nil, err
	}

	if cfg.Storage.S3Bucket != "" {
		objects, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.Archiver = reports.NewS3Archiver(objects)
		rt.Health.Register("s3", false, objects.HealthCheck)
	}

	rt.Hub = realtime.NewHub(cfg.Realtime.BufferSize, rt.Metrics)
	rt.Broadcaster = realtime.NewBroadcaster(rt.Hub)

	rt.Publisher = export.Noop{}
	if cfg.Export.Enabled {
		rt.Publisher = export.NewKafka(cfg.Export.Brokers, cfg.Export.Topic)
		rt.closers = append(rt.closers, closer{"export", func(context.Context) error { return rt.Publisher.Close() }})
	}

	opened = true
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	cfg := rt.Config.Storage
	switch cfg.Type {
	case "postgres":
		store, err := postgres.New(ctx, cfg, postgres.WithLogger(rt.Logger), postgres.WithMetrics(rt.Metrics))
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		rt.closers = append(rt.closers, closer{"store", func(context.Context) error { return store.Close() }})
		rt.Health.RegisterDatabase(store.Connections().Primary())
		store.Connections().StartHealthCheckRoutine(ctx, dbHealthInterval, rt.Metrics)
		rt.Store = store
	default:
		rt.Store = memory.New()
		rt.Health.Register("store", true, rt.Store.HealthCheck)
	}

	if cfg.CacheEnabled && rt.Redis != nil {
		rt.Store = postgres.NewRedisCache(rt.Store, rt.Redis, cfg.CacheTTL, rt.Logger, rt.Metrics)
	}
	return nil
}

func (rt *Runtime) openQueue() error {
	switch rt.Config.Queue.Backend {
	case "redis":
		if rt.Redis == nil {
			return fmt.Errorf("redis queue requires a redis url")
		}
		// the queue shares the runtime's client, which closes it
		rt.Queue = queue.NewRedisQueue(rt.Redis, rt.Config.Queue.Prefix)
	default:
		q := queue.NewMemoryQueue()
		rt.Queue = q
		rt.closers = append(rt.closers, closer{"queue", func(context.Context) error { return q.Close() }})
	}
	return nil
}

// Analytics builds the dashboard query service
func (rt *Runtime) Analytics() *analytics.Service {
	return analytics.NewService(rt.Store, analytics.CacheConfig{
		Size: rt.Config.Storage.CacheSize,
		TTL:  rt.Config.Storage.CacheTTL,
	}, rt.Metrics)
}

// Aggregator builds the rollup engine with alerting and live metric broadcasts
func (rt *Runtime) Aggregator() *analytics.Aggregator {
	return analytics.NewAggregator(rt.Store,
		analytics.WithAggregatorLogger(rt.Logger),
		analytics.WithAggregatorMetrics(rt.Metrics, rt.OTelMetrics),
		analytics.WithMetricsBroadcaster(rt.Broadcaster),
		analytics.WithAlerter(analytics.NewAlerter(rt.Config.Aggregator.Alerts)),
	)
}

// Funnels builds the funnel analyzer
func (rt *Runtime) Funnels() *funnel.Analyzer {
	return funnel.NewAnalyzer(rt.Store, rt.Logger, rt.Metrics)
}

// Cohorts builds the cohort analyzer
func (rt *Runtime) Cohorts() *cohort.Analyzer {
	return cohort.NewAnalyzer(rt.Store, rt.Logger, rt.Metrics)
}

// Reports builds the report engine over the given read services
func (rt *Runtime) Reports(sources reports.Sources) *reports.Engine {
	opts := []reports.Option{
		reports.WithTTL(rt.Config.Reports.TTL),
		reports.WithLogger(rt.Logger),
		reports.WithMetrics(rt.Metrics),
	}
	if rt.Archiver != nil {
		opts = append(opts, reports.WithArchiver(rt.Archiver))
	}
	return reports.NewEngine(rt.Store, sources, opts...)
}

// WorkerPool builds the ingestion consumer pool
func (rt *Runtime) WorkerPool() *worker.Pool {
	return worker.NewPool(rt.Queue, rt.Store, rt.Config.Worker,
		worker.WithLogger(rt.Logger),
		worker.WithMetrics(rt.Metrics),
		worker.WithOTelMetrics(rt.OTelMetrics),
		worker.WithPublisher(rt.Publisher),
		worker.WithBroadcaster(rt.Broadcaster),
	)
}

// Bridge returns the Redis fan-out bridge, or nil when it is disabled
func (rt *Runtime) Bridge() *realtime.RedisBridge {
	if !rt.Config.Realtime.RedisBridge || rt.Redis == nil {
		return nil
	}
	return realtime.NewRedisBridge(rt.Redis, rt.Hub, rt.Config.Realtime.Channel, rt.Logger, rt.Metrics)
}

// RegisterShutdown hands every open component to sm, so they close after whatever the
// caller registers later
func (rt *Runtime) RegisterShutdown(sm *observability.ShutdownManager) {
	for _, c := range rt.closers {
		sm.Register(c.name, c.fn)
	}
	rt.closers = nil
}

// Close releases every component in reverse order of opening
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].fn(ctx); err != nil {
			rt.Logger.WithError(err).WithField("component", rt.closers[i].name).Warn("Failed to close component")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	rt.closers = nil
	return firstErr
}
