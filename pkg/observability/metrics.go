package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recording helper is safe on a nil *Metrics so
// components can run uninstrumented in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	EventsRejectedTotal *prometheus.CounterVec
	EnrichmentFailures  prometheus.Counter

	// Queue metrics
	QueueDepth         *prometheus.GaugeVec
	JobsProcessedTotal *prometheus.CounterVec
	JobDuration        prometheus.Histogram

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Analytics metrics
	AggregationRunsTotal *prometheus.CounterVec
	AggregationDuration  *prometheus.HistogramVec
	HeartbeatFailures    prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Realtime metrics
	RealtimeSubscribers  prometheus.Gauge
	RealtimeMessages     *prometheus.CounterVec
	RealtimeDroppedTotal prometheus.Counter

	// Export metrics
	ExportPublishedTotal prometheus.Counter
	ExportFailuresTotal  prometheus.Counter

	// Database metrics
	DBConnectionsOpen prometheus.Gauge
	DBConnectionsIdle prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_ingested_total",
				Help: "Events accepted onto the ingestion queue",
			},
			[]string{"event_type"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_rejected_total",
				Help: "Events rejected at ingestion",
			},
			[]string{"reason"},
		),
		EnrichmentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_enrichment_failures_total",
				Help: "Events whose best-effort enrichment failed",
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulse_queue_depth",
				Help: "Jobs in the ingestion queue by state",
			},
			[]string{"state"},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_jobs_processed_total",
				Help: "Jobs resolved by the event workers",
			},
			[]string{"outcome"},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_job_duration_seconds",
				Help:    "Time spent processing one job",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		AggregationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_aggregation_runs_total",
				Help: "Aggregation runs by period and status",
			},
			[]string{"period", "status"},
		),
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_aggregation_duration_seconds",
				Help:    "Aggregation duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"period"},
		),
		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_heartbeat_failures_total",
				Help: "Heartbeats that failed after exhausting retries",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		RealtimeSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_realtime_subscribers",
				Help: "Connected realtime subscribers",
			},
		),
		RealtimeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_realtime_messages_total",
				Help: "Realtime messages published by topic",
			},
			[]string{"type"},
		),
		RealtimeDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_realtime_dropped_total",
				Help: "Realtime messages dropped for slow subscribers",
			},
		),

		ExportPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_export_published_total",
				Help: "Events mirrored to the export stream",
			},
		),
		ExportFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_export_failures_total",
				Help: "Events that failed to mirror to the export stream",
			},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.EventsIngestedTotal,
		m.EventsRejectedTotal,
		m.EnrichmentFailures,
		m.QueueDepth,
		m.JobsProcessedTotal,
		m.JobDuration,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.AggregationRunsTotal,
		m.AggregationDuration,
		m.HeartbeatFailures,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RealtimeSubscribers,
		m.RealtimeMessages,
		m.RealtimeDroppedTotal,
		m.ExportPublishedTotal,
		m.ExportFailuresTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
	)

	return m
}

// Job outcomes recorded in pulse_jobs_processed_total
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

func (m *Metrics) EventIngested(eventType string) {
	if m != nil {
		m.EventsIngestedTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) EventRejected(reason string) {
	if m != nil {
		m.EventsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) EnrichmentFailed() {
	if m != nil {
		m.EnrichmentFailures.Inc()
	}
}

func (m *Metrics) JobProcessed(outcome string, d time.Duration) {
	if m != nil {
		m.JobsProcessedTotal.WithLabelValues(outcome).Inc()
		m.JobDuration.Observe(d.Seconds())
	}
}

// SetQueueDepth records one gauge sample per queue state
func (m *Metrics) SetQueueDepth(pending, active, delayed, completed, failed int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues("completed").Set(float64(completed))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) StorageOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(op, status).Inc()
	m.StorageOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) AggregationRun(period string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AggregationRunsTotal.WithLabelValues(period, status).Inc()
	m.AggregationDuration.WithLabelValues(period).Observe(d.Seconds())
}

func (m *Metrics) HeartbeatFailed() {
	if m != nil {
		m.HeartbeatFailures.Inc()
	}
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

func (m *Metrics) SubscriberDelta(delta int) {
	if m != nil {
		m.RealtimeSubscribers.Add(float64(delta))
	}
}

func (m *Metrics) RealtimePublished(msgType string) {
	if m != nil {
		m.RealtimeMessages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) RealtimeDropped() {
	if m != nil {
		m.RealtimeDroppedTotal.Inc()
	}
}

func (m *Metrics) ExportResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ExportFailuresTotal.Inc()
	} else {
		m.ExportPublishedTotal.Inc()
	}
}

func (m *Metrics) DBPool(open, idle int) {
	if m != nil {
		m.DBConnectionsOpen.Set(float64(open))
		m.DBConnectionsIdle.Set(float64(idle))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush lets streaming handlers (SSE) flush through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by their mux path
// template so tenant and session ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
