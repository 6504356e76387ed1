package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// InsertEvent stores a copy of e. A second insert with the same id is ignored.
func (s *Store) InsertEvent(ctx context.Context, e *events.Event) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("insert event: missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(e.TenantID, e.ID)
	if _, exists := s.events[k]; exists {
		return nil
	}

	stored := copyEvent(e)
	s.events[k] = stored
	s.eventOrder = append(s.eventOrder, stored)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, tenantID, eventID string) (*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[key(tenantID, eventID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyEvent(e), nil
}

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := stringSet(filter.SessionIDs)
	types := make(map[events.EventType]struct{}, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = struct{}{}
	}

	var out []*events.Event
	for _, e := range s.eventOrder {
		if e.TenantID != filter.TenantID || !inRange(e.Timestamp, filter.From, filter.To) {
			continue
		}
		if len(sessions) > 0 {
			if _, ok := sessions[e.SessionID]; !ok {
				continue
			}
		}
		if len(types) > 0 {
			if _, ok := types[e.EventType]; !ok {
				continue
			}
		}
		out = append(out, copyEvent(e))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if filter.Descending {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (map[events.EventType]int64, error) {
	counts := make(map[events.EventType]int64)
	s.each(tenantID, from, to, func(e *events.Event) {
		counts[e.EventType]++
	})
	return counts, nil
}

func (s *Store) SumRevenue(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	var total float64
	s.each(tenantID, from, to, func(e *events.Event) {
		if e.EventType == events.EventPurchase {
			total += e.AmountValue()
		}
	})
	return total, nil
}

func (s *Store) AvgPerformanceMetric(ctx context.Context, tenantID, metric string, from, to time.Time) (*float64, error) {
	var sum float64
	var n int
	s.each(tenantID, from, to, func(e *events.Event) {
		if v, ok := e.PerformanceMetrics[metric]; ok {
			sum += v
			n++
		}
	})
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}

func (s *Store) CountDistinctUsers(ctx context.Context, tenantID string, eventType events.EventType, r *storage.DateRange) (int64, error) {
	var from, to time.Time
	if r != nil {
		from, to = r.Start, r.End
	}
	seen := make(map[string]struct{})
	s.each(tenantID, from, to, func(e *events.Event) {
		if e.EventType == eventType {
			seen[e.UserKey()] = struct{}{}
		}
	})
	return int64(len(seen)), nil
}

func (s *Store) SessionEventSummary(ctx context.Context, tenantID, sessionID string) (int64, int64, error) {
	var count int64
	screens := make(map[string]struct{})
	s.each(tenantID, time.Time{}, time.Time{}, func(e *events.Event) {
		if e.SessionID != sessionID {
			return
		}
		count++
		if e.EventType == events.EventScreenView && e.ScreenName != "" {
			screens[e.ScreenName] = struct{}{}
		}
	})
	return count, int64(len(screens)), nil
}

func (s *Store) FirstEventUsers(ctx context.Context, tenantID string, eventType events.EventType, from, to time.Time) ([]string, error) {
	first := make(map[string]time.Time)
	s.each(tenantID, time.Time{}, time.Time{}, func(e *events.Event) {
		if e.EventType != eventType || e.UserID == "" {
			return
		}
		if t, ok := first[e.UserID]; !ok || e.Timestamp.Before(t) {
			first[e.UserID] = e.Timestamp
		}
	})

	var users []string
	for u, t := range first {
		if inRange(t, from, to) {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) RevenueByUsers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (float64, error) {
	members := stringSet(userIDs)
	var total float64
	s.each(tenantID, from, to, func(e *events.Event) {
		if e.EventType != events.EventPurchase {
			return
		}
		if _, ok := members[e.UserID]; ok && e.UserID != "" {
			total += e.AmountValue()
		}
	})
	return total, nil
}

func (s *Store) TopProducts(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ProductStats, error) {
	byProduct := make(map[string]*storage.ProductStats)
	s.each(tenantID, from, to, func(e *events.Event) {
		if e.ProductID == "" {
			return
		}
		ps, ok := byProduct[e.ProductID]
		if !ok {
			ps = &storage.ProductStats{ProductID: e.ProductID}
			byProduct[e.ProductID] = ps
		}
		switch e.EventType {
		case events.EventProductView:
			ps.Views++
		case events.EventAddToCart:
			ps.AddToCart++
		case events.EventPurchase:
			ps.Purchases++
			ps.Revenue += e.AmountValue()
		}
	})

	out := make([]storage.ProductStats, 0, len(byProduct))
	for _, ps := range byProduct {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Views != out[j].Views {
			return out[i].Views > out[j].Views
		}
		if out[i].Purchases != out[j].Purchases {
			return out[i].Purchases > out[j].Purchases
		}
		return out[i].ProductID < out[j].ProductID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ScreenStats(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ScreenStats, error) {
	type acc struct {
		views     int64
		users     map[string]struct{}
		durations float64
		timed     int64
	}
	byScreen := make(map[string]*acc)
	s.each(tenantID, from, to, func(e *events.Event) {
		if e.EventType != events.EventScreenView || e.ScreenName == "" {
			return
		}
		a, ok := byScreen[e.ScreenName]
		if !ok {
			a = &acc{users: make(map[string]struct{})}
			byScreen[e.ScreenName] = a
		}
		a.views++
		a.users[e.UserKey()] = struct{}{}
		if d, ok := e.DurationProperty(); ok {
			a.durations += d
			a.timed++
		}
	})

	out := make([]storage.ScreenStats, 0, len(byScreen))
	for name, a := range byScreen {
		st := storage.ScreenStats{ScreenName: name, Views: a.views, UniqueUsers: int64(len(a.users))}
		if a.timed > 0 {
			st.AvgDuration = a.durations / float64(a.timed)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Views != out[j].Views {
			return out[i].Views > out[j].Views
		}
		return out[i].ScreenName < out[j].ScreenName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// each calls fn for every tenant event in [from, to) while holding the read lock
func (s *Store) each(tenantID string, from, to time.Time, fn func(e *events.Event)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.eventOrder {
		if e.TenantID == tenantID && inRange(e.Timestamp, from, to) {
			fn(e)
		}
	}
}

func copyEvent(e *events.Event) *events.Event {
	c := *e
	if e.Amount != nil {
		v := *e.Amount
		c.Amount = &v
	}
	if e.Properties != nil {
		c.Properties = make(map[string]interface{}, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	if e.PerformanceMetrics != nil {
		c.PerformanceMetrics = make(map[string]float64, len(e.PerformanceMetrics))
		for k, v := range e.PerformanceMetrics {
			c.PerformanceMetrics[k] = v
		}
	}
	return &c
}
