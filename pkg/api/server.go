package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cohort"
	"github.com/platinummonkey/pulse/pkg/funnel"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/ingest"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/realtime"
	"github.com/platinummonkey/pulse/pkg/reports"
	"github.com/platinummonkey/pulse/pkg/sessions"
)

// DefaultMaxBodyBytes bounds request bodies; a full batch of large events fits comfortably
const DefaultMaxBodyBytes = 4 << 20

// Dependencies are the services the API exposes. Nil services leave their routes unregistered.
type Dependencies struct {
	Ingest     *ingest.Service
	Sessions   *sessions.Tracker
	Analytics  *analytics.Service
	Aggregator *analytics.Aggregator
	Funnels    *funnel.Analyzer
	Cohorts    *cohort.Analyzer
	Reports    *reports.Engine
	Live       *realtime.LiveView
	Stream     http.Handler
	Queue      queue.Queue

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Limiter rate limits ingestion per client IP when set
	Limiter    httputil.KeyLimiter
	RateWindow time.Duration

	Logger       *observability.Logger
	CORSOrigins  []string
	MaxBodyBytes int64
}

// RouteRegistrar is implemented by handler groups that own a set of routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server is the HTTP API of the analytics core
type Server struct {
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
}

// NewServer wires every configured handler group into one router
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.RateWindow <= 0 {
		deps.RateWindow = time.Minute
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	s.handler = s.wrap(s.router)
	return s
}

func (s *Server) setupRoutes() {
	if s.deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.deps.Health)
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.deps.Metrics != nil {
		// per-route labels need the matched route, so this runs inside the router
		v1.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}

	ingestion := v1.NewRoute().Subrouter()
	if s.deps.Limiter != nil {
		ingestion.Use(httputil.RateLimitMiddleware(s.deps.Limiter, s.deps.RateWindow, s.deps.Logger))
	}

	var registrars []RouteRegistrar
	if s.deps.Ingest != nil {
		registrars = append(registrars, NewEventHandlers(s.deps.Ingest))
	}
	if s.deps.Sessions != nil {
		registrars = append(registrars, NewSessionHandlers(s.deps.Sessions))
	}
	for _, reg := range registrars {
		reg.RegisterRoutes(ingestion)
	}

	tenant := v1.PathPrefix("/tenants/{tenant}").Subrouter()
	registrars = registrars[:0]
	if s.deps.Analytics != nil {
		registrars = append(registrars, NewRealtimeHandlers(s.deps.Analytics, s.deps.Live, s.deps.Stream))
		registrars = append(registrars, NewAnalyticsHandlers(s.deps.Analytics, s.deps.Aggregator))
	}
	if s.deps.Funnels != nil {
		registrars = append(registrars, NewFunnelHandlers(s.deps.Funnels))
	}
	if s.deps.Cohorts != nil {
		registrars = append(registrars, NewCohortHandlers(s.deps.Cohorts))
	}
	if s.deps.Reports != nil {
		registrars = append(registrars, NewReportHandlers(s.deps.Reports))
	}
	for _, reg := range registrars {
		reg.RegisterRoutes(tenant)
	}

	if s.deps.Queue != nil {
		NewAdminHandlers(s.deps.Queue).RegisterRoutes(v1.PathPrefix("/admin").Subrouter())
	}
}

// wrap applies the middleware every request passes through, outermost first
func (s *Server) wrap(h http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware(s.deps.Logger),
		httputil.RequestIDMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware(s.deps.Logger),
	}
	if len(s.deps.CORSOrigins) > 0 {
		chain = append(chain, httputil.CORSMiddleware(s.deps.CORSOrigins))
	}
	chain = append(chain, httputil.MaxBytesMiddleware(s.deps.MaxBodyBytes))
	return otelhttp.NewHandler(httputil.Chain(chain...)(h), "pulse-api")
}

// Router exposes the underlying router for tests and extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the fully wrapped handler to serve
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
