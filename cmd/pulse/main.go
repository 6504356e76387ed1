package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/api"
	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/ingest"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/ratelimit"
	"github.com/platinummonkey/pulse/pkg/realtime"
	"github.com/platinummonkey/pulse/pkg/reports"
	"github.com/platinummonkey/pulse/pkg/sessions"
)

var version = "dev"

var embeddedWorker = flag.String("worker", "auto", "Consume the ingestion queue in this process: auto (only for the memory queue), always or never")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("service", "pulse")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Pulse stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.New(ctx, cfg, version, logger)
	if err != nil {
		return err
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	rt.RegisterShutdown(shutdown)

	analyticsService := rt.Analytics()
	funnels := rt.Funnels()
	cohorts := rt.Cohorts()

	deps := api.Dependencies{
		Ingest:     ingest.NewService(rt.Queue, events.NewEnricher(nil), cfg.Queue.MaxAttempts, logger, rt.Metrics),
		Sessions:   sessions.NewTracker(rt.Store, rt.Broadcaster, logger, rt.Metrics),
		Analytics:  analyticsService,
		Aggregator: rt.Aggregator(),
		Funnels:    funnels,
		Cohorts:    cohorts,
		Reports:    rt.Reports(reports.Sources{Analytics: analyticsService, Funnels: funnels, Cohorts: cohorts}),
		Live:       realtime.NewLiveView(rt.Store, cfg.Realtime.LiveWindow),
		Stream:     realtime.NewSSEHandler(rt.Hub, cfg.Realtime.KeepAlive, logger),
		Queue:      rt.Queue,
		Health:     rt.Health,
		Metrics:    rt.Metrics,
		Registry:   rt.Registry,
		RateWindow: cfg.Ingest.RateWindow,
		Logger:     logger,

		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if cfg.Ingest.RateLimit > 0 {
		if rt.Redis != nil {
			deps.Limiter = ratelimit.NewDistributed(rt.Redis, cfg.Ingest.RateLimit, cfg.Ingest.RateWindow, "pulse:ratelimit:ingest")
		} else {
			deps.Limiter = ratelimit.NewKeyed(cfg.Ingest.RateLimit, cfg.Ingest.RateWindow)
		}
	}

	// Background loops stop on cancel; the shutdown step waits for them after the
	// servers have drained.
	var background sync.WaitGroup
	shutdown.Register("background", func(context.Context) error {
		cancel()
		background.Wait()
		return nil
	})

	if runWorker(cfg) {
		pool := rt.WorkerPool()
		background.Add(1)
		go func() {
			defer background.Done()
			defer observability.RecoverPanic(logger, "event worker pool")
			pool.Run(ctx)
		}()
	}

	if bridge := rt.Bridge(); bridge != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			defer observability.RecoverPanic(logger, "realtime bridge")
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Realtime bridge stopped")
			}
		}()
	}

	srv := api.NewServer(deps)
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.RegisterServer("http", httpServer)

	serveErr := make(chan error, 2)
	go serve(httpServer, "API", logger, serveErr)

	if cfg.Server.HealthPort != "" && cfg.Server.HealthPort != cfg.Server.Port {
		healthServer := newHealthServer(rt, net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort))
		shutdown.RegisterServer("health", healthServer)
		go serve(healthServer, "health", logger, serveErr)
	}

	logger.WithFields(map[string]interface{}{
		"version":       version,
		"storage":       cfg.Storage.Type,
		"queue":         cfg.Queue.Backend,
		"worker":        runWorker(cfg),
		"export":        cfg.Export.Enabled,
		"redis_bridge":  cfg.Realtime.RedisBridge,
		"s3_archive":    cfg.Storage.S3Bucket != "",
		"metrics":       cfg.Observability.MetricsEnabled,
		"opentelemetry": cfg.Observability.OTelEnabled,
	}).Info("Pulse started")

	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("Server failed")
			stopWait()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

func runWorker(cfg *config.Config) bool {
	switch *embeddedWorker {
	case "always":
		return true
	case "never":
		return false
	default:
		return cfg.Queue.Backend == "memory"
	}
}

// newHealthServer serves probes and metrics on their own port
func newHealthServer(rt *app.Runtime, addr string) *http.Server {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, rt.Health)
	router.Handle("/metrics", observability.MetricsHandler(rt.Registry)).Methods(http.MethodGet)
	return &http.Server{
		Addr:    addr,
		Handler: httputil.RecoveryMiddleware(rt.Logger)(router),
	}
}

func serve(server *http.Server, name string, logger *observability.Logger, errs chan<- error) {
	logger.WithField("addr", server.Addr).Infof("Starting %s server", name)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}
