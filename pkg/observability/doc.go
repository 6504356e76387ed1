// Package observability carries the ambient operational concerns shared by the pulse
// binaries: structured JSON logging, Prometheus metrics, OpenTelemetry export, health
// probes and ordered shutdown.
//
// # Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)
//	logger.WithSession(tenantID, sid).Info("Session started")
//
// Request-scoped loggers travel in the context; FromContext adds request_id and
// tenant_id when present.
//
// # Metrics
//
// NewMetrics registers every pulse_* collector on the given registry. All helper
// methods accept a nil receiver so components can run without metrics in tests.
//
//	metrics := observability.NewMetrics(registry)
//	metrics.EventIngested("purchase")
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Tracing
//
// InitOTel wires OTLP/gRPC trace and metric exporters when enabled. StartSpan and
// EndSpan wrap the global tracer for the worker and aggregation paths.
//
// # Health
//
//	checker := observability.NewHealthChecker(version)
//	checker.RegisterDatabase(db)
//	checker.RegisterRedis(redisClient)
//	observability.RegisterHealthRoutes(router, checker)
//
// Liveness never touches dependencies. Readiness returns 503 only when a critical
// dependency fails; a failing optional dependency reports "degraded" with 200.
//
// # Shutdown
//
// ShutdownManager runs registered steps in reverse order under one deadline, so an
// HTTP server registered last stops accepting work before the store it uses closes.
package observability
