package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	check    CheckFunc
	critical bool
}

// HealthChecker aggregates dependency probes into liveness and readiness endpoints.
// A failing critical dependency makes the service unhealthy, any other failure degrades it.
type HealthChecker struct {
	version string
	timeout time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	deps []dependency
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHealthChecker creates a checker with no dependencies registered
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version: version,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Register adds a named probe
func (h *HealthChecker) Register(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, dependency{name: name, check: check, critical: critical})
}

// RegisterDatabase adds a critical probe for the primary database
func (h *HealthChecker) RegisterDatabase(db *sql.DB) {
	if db == nil {
		return
	}
	h.Register("database", true, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// RegisterRedis adds a non-critical probe; without redis the realtime bridge and rate limits degrade
func (h *HealthChecker) RegisterRedis(client *redis.Client) {
	if client == nil {
		return
	}
	h.Register("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Check runs every probe concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := make([]dependency, len(h.deps))
	copy(deps, h.deps)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    h.now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			results[i] = h.probe(ctx, dep)
		}(i, dep)
	}
	wg.Wait()

	for i, dep := range deps {
		res := results[i]
		status.Dependencies[dep.name] = res
		if res.Status != StatusUnhealthy {
			continue
		}
		if dep.critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) probe(ctx context.Context, dep dependency) (res DependencyStatus) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	res = DependencyStatus{Status: StatusHealthy, Timestamp: h.now()}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusUnhealthy
			res.Message = AsError(r).Error()
		}
		res.LatencyMS = time.Since(start).Milliseconds()
	}()

	if err := dep.check(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// Liveness reports that the process is serving; it never touches dependencies
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: h.now(), Version: h.version})
}

// Readiness returns 503 only when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
