// Package memory implements storage.Store with maps guarded by a single mutex.
// It is the development backend and the fixture every analyzer test runs against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// Store is an in-process storage.Store
type Store struct {
	mu sync.RWMutex

	events     map[string]*events.Event // keyed by tenant|id
	eventOrder []*events.Event
	sessions   map[string]*storage.Session
	aggregates map[string]*storage.Aggregate
	cohorts    map[string]*storage.Cohort // keyed by tenant|type|date
	funnels    map[string]*storage.Funnel
	reports    map[string]*storage.Report
	users      map[string][]storage.User

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		events:     make(map[string]*events.Event),
		sessions:   make(map[string]*storage.Session),
		aggregates: make(map[string]*storage.Aggregate),
		cohorts:    make(map[string]*storage.Cohort),
		funnels:    make(map[string]*storage.Funnel),
		reports:    make(map[string]*storage.Report),
		users:      make(map[string][]storage.User),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for created/updated stamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '|')
		}
		b = append(b, p...)
	}
	return string(b)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func stringSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}
