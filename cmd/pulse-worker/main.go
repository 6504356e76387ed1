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

	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
)

var version = "dev"

var recoverJobs = flag.Bool("recover", false, "Move jobs left in processing by a crashed worker back to ready before consuming, without waiting for the stalled-job timeout. Only safe when no other worker is running.")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("service", "pulse-worker")

	if cfg.Queue.Backend != "redis" {
		logger.Error("pulse-worker needs the redis queue backend; the memory queue is consumed inside pulse")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Worker stopped with an error")
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

	if *recoverJobs {
		if rq, ok := rt.Queue.(*queue.RedisQueue); ok {
			n, err := rq.Recover(ctx)
			if err != nil {
				rt.Close(ctx)
				return fmt.Errorf("failed to recover jobs: %w", err)
			}
			logger.WithField("jobs", n).Info("Recovered in-flight jobs")
		}
	}

	var background sync.WaitGroup
	shutdown.Register("workers", func(context.Context) error {
		cancel()
		background.Wait()
		return nil
	})

	pool := rt.WorkerPool()
	background.Add(1)
	go func() {
		defer background.Done()
		defer observability.RecoverPanic(logger, "event worker pool")
		pool.Run(ctx)
	}()

	// events persisted here reach API replicas' SSE subscribers through the bridge
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

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, rt.Health)
	router.Handle("/metrics", observability.MetricsHandler(rt.Registry)).Methods(http.MethodGet)
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: httputil.RecoveryMiddleware(logger)(router),
	}
	shutdown.RegisterServer("health", healthServer)

	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Health server failed")
			stopWait()
		}
	}()

	logger.WithFields(map[string]interface{}{
		"version":     version,
		"concurrency": cfg.Worker.Concurrency,
		"rate":        cfg.Worker.RatePerSecond,
		"export":      cfg.Export.Enabled,
	}).Info("Pulse worker started")

	return shutdown.WaitForShutdown(waitCtx)
}
