package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const (
	// DefaultRealtimeMinutes is the realtime overview window when none is given
	DefaultRealtimeMinutes = 30
	// MaxRealtimeMinutes bounds the realtime overview window
	MaxRealtimeMinutes = 24 * 60
	// DefaultListLimit bounds list queries that do not name a limit
	DefaultListLimit = 50
	// MaxListLimit is the largest limit a list query accepts
	MaxListLimit = 500
)

// QueryStore is the read side the query service needs
type QueryStore interface {
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]*events.Event, error)
	CountEventsByType(ctx context.Context, tenantID string, from, to time.Time) (map[events.EventType]int64, error)
	SumRevenue(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	TopProducts(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ProductStats, error)
	ScreenStats(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]storage.ScreenStats, error)
	SessionsInRange(ctx context.Context, tenantID string, from, to time.Time) ([]*storage.Session, error)
	ListLiveSessions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*storage.Session, error)
	ListAggregates(ctx context.Context, tenantID string, t storage.AggregateType, from, to time.Time) ([]*storage.Aggregate, error)
}

// Service answers the dashboard queries
type Service struct {
	store   QueryStore
	cache   *queryCache
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a new analytics service. Range queries are cached per CacheConfig;
// realtime queries never are.
func NewService(store QueryStore, cacheCfg CacheConfig, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		cache:   newQueryCache(cacheCfg, metrics),
		metrics: metrics,
		now:     time.Now,
	}
}

// InvalidateCache drops every cached result, e.g. after a manual re-aggregation
func (s *Service) InvalidateCache() {
	s.cache.purge()
}

// RealtimeOverview contains activity of the trailing window
type RealtimeOverview struct {
	Minutes        int                        `json:"minutes"`
	ActiveSessions int64                      `json:"activeSessions"`
	ActiveUsers    int64                      `json:"activeUsers"`
	TotalEvents    int64                      `json:"totalEvents"`
	EventsByType   map[events.EventType]int64 `json:"eventsByType"`
	Revenue        float64                    `json:"revenue"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// RealtimeOverview summarizes the last minutes minutes of activity
func (s *Service) RealtimeOverview(ctx context.Context, tenantID string, minutes int) (*RealtimeOverview, error) {
	if minutes == 0 {
		minutes = DefaultRealtimeMinutes
	}
	if minutes < 0 || minutes > MaxRealtimeMinutes {
		return nil, &events.ValidationError{Field: "minutes", Reason: fmt.Sprintf("must be between 1 and %d", MaxRealtimeMinutes)}
	}

	now := s.now().UTC()
	since := now.Add(-time.Duration(minutes) * time.Minute)

	counts, err := s.store.CountEventsByType(ctx, tenantID, since, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to count recent events: %w", err)
	}
	revenue, err := s.store.SumRevenue(ctx, tenantID, since, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to sum recent revenue: %w", err)
	}
	sessions, err := s.store.ListLiveSessions(ctx, tenantID, since, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list live sessions: %w", err)
	}

	out := &RealtimeOverview{
		Minutes:        minutes,
		ActiveSessions: int64(len(sessions)),
		EventsByType:   counts,
		Revenue:        Round(revenue, 2),
		Timestamp:      now,
	}
	for _, n := range counts {
		out.TotalEvents += n
	}
	users := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		users[sess.UserKey()] = struct{}{}
	}
	out.ActiveUsers = int64(len(users))
	return out, nil
}

// RecentEvents returns the newest events first
func (s *Service) RecentEvents(ctx context.Context, tenantID string, limit int) ([]*events.Event, error) {
	return s.store.ListEvents(ctx, storage.EventFilter{
		TenantID:   tenantID,
		Limit:      clampLimit(limit),
		Descending: true,
	})
}

// Overview contains the headline KPIs of a date range
type Overview struct {
	Range              storage.DateRange `json:"range"`
	TotalUsers         int64             `json:"totalUsers"`
	NewUsers           int64             `json:"newUsers"`
	TotalSessions      int64             `json:"totalSessions"`
	TotalEvents        int64             `json:"totalEvents"`
	TotalRevenue       float64           `json:"totalRevenue"`
	Purchases          int64             `json:"purchases"`
	ProductViews       int64             `json:"productViews"`
	ConversionRate     float64           `json:"conversionRate"`
	AvgSessionDuration float64           `json:"avgSessionDuration"`
	BounceRate         float64           `json:"bounceRate"`
	ErrorRate          float64           `json:"errorRate"`
	AvgDAU             float64           `json:"avgDau"`
}

// Overview combines the daily rollups in r with a distinct user count over the whole range
func (s *Service) Overview(ctx context.Context, tenantID string, r storage.DateRange) (*Overview, error) {
	return cached(s.cache, cacheKey(tenantID, "overview", r), func() (*Overview, error) {
		aggs, err := s.store.ListAggregates(ctx, tenantID, storage.AggregateDaily, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("failed to list aggregates: %w", err)
		}
		sessions, err := s.store.SessionsInRange(ctx, tenantID, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load sessions: %w", err)
		}

		out := &Overview{Range: r}
		users := make(map[string]struct{})
		for _, sess := range sessions {
			users[sess.UserKey()] = struct{}{}
		}
		out.TotalUsers = int64(len(users))

		var durationWeighted, bounceWeighted, errorsWeighted float64
		var dau int64
		for _, a := range aggs {
			out.NewUsers += a.NewUsers
			out.TotalSessions += a.TotalSessions
			out.TotalEvents += a.TotalEvents
			out.TotalRevenue += a.TotalRevenue
			out.Purchases += a.Purchases
			out.ProductViews += a.ProductViews
			durationWeighted += a.AvgSessionDuration * float64(a.TotalSessions)
			bounceWeighted += a.BounceRate * float64(a.TotalSessions)
			errorsWeighted += a.ErrorRate * float64(a.TotalEvents)
			dau += a.DAU
		}

		out.TotalRevenue = Round(out.TotalRevenue, 2)
		out.ConversionRate = Percent(out.Purchases, out.ProductViews)
		if out.TotalSessions > 0 {
			out.AvgSessionDuration = Round(durationWeighted/float64(out.TotalSessions), 2)
			out.BounceRate = Round(bounceWeighted/float64(out.TotalSessions), 2)
		}
		if out.TotalEvents > 0 {
			out.ErrorRate = Round(errorsWeighted/float64(out.TotalEvents), 4)
		}
		if len(aggs) > 0 {
			out.AvgDAU = Round(float64(dau)/float64(len(aggs)), 2)
		}
		return out, nil
	})
}

// RevenuePoint is one day of the revenue series
type RevenuePoint struct {
	Date          string  `json:"date"`
	Revenue       float64 `json:"revenue"`
	Purchases     int64   `json:"purchases"`
	AvgOrderValue float64 `json:"avgOrderValue"`
}

// RevenueReport is the per-day revenue series of a range
type RevenueReport struct {
	Range          storage.DateRange `json:"range"`
	TotalRevenue   float64           `json:"totalRevenue"`
	TotalPurchases int64             `json:"totalPurchases"`
	AvgOrderValue  float64           `json:"avgOrderValue"`
	Series         []RevenuePoint    `json:"series"`
}

// Revenue returns one point per daily rollup in r
func (s *Service) Revenue(ctx context.Context, tenantID string, r storage.DateRange) (*RevenueReport, error) {
	return cached(s.cache, cacheKey(tenantID, "revenue", r), func() (*RevenueReport, error) {
		aggs, err := s.store.ListAggregates(ctx, tenantID, storage.AggregateDaily, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("failed to list aggregates: %w", err)
		}

		out := &RevenueReport{Range: r, Series: make([]RevenuePoint, 0, len(aggs))}
		for _, a := range aggs {
			p := RevenuePoint{
				Date:      a.AggregateDate.Format(DateLayout),
				Revenue:   a.TotalRevenue,
				Purchases: a.Purchases,
			}
			if a.Purchases > 0 {
				p.AvgOrderValue = Round(a.TotalRevenue/float64(a.Purchases), 2)
			}
			out.Series = append(out.Series, p)
			out.TotalRevenue += a.TotalRevenue
			out.TotalPurchases += a.Purchases
		}
		out.TotalRevenue = Round(out.TotalRevenue, 2)
		if out.TotalPurchases > 0 {
			out.AvgOrderValue = Round(out.TotalRevenue/float64(out.TotalPurchases), 2)
		}
		return out, nil
	})
}

// Products returns the most viewed products of r
func (s *Service) Products(ctx context.Context, tenantID string, r storage.DateRange, limit int) ([]storage.ProductStats, error) {
	limit = clampLimit(limit)
	return cached(s.cache, cacheKey(tenantID, "products", r, limit), func() ([]storage.ProductStats, error) {
		return s.store.TopProducts(ctx, tenantID, r.Start, r.End, limit)
	})
}

// SessionPoint is one day of the session series
type SessionPoint struct {
	Date        string  `json:"date"`
	Sessions    int64   `json:"sessions"`
	Users       int64   `json:"users"`
	AvgDuration float64 `json:"avgDuration"`
	BounceRate  float64 `json:"bounceRate"`
}

// SessionsReport summarizes sessions of a range from its daily rollups
type SessionsReport struct {
	Range         storage.DateRange `json:"range"`
	TotalSessions int64             `json:"totalSessions"`
	AvgDuration   float64           `json:"avgDuration"`
	BounceRate    float64           `json:"bounceRate"`
	Series        []SessionPoint    `json:"series"`
}

func (s *Service) Sessions(ctx context.Context, tenantID string, r storage.DateRange) (*SessionsReport, error) {
	return cached(s.cache, cacheKey(tenantID, "sessions", r), func() (*SessionsReport, error) {
		aggs, err := s.store.ListAggregates(ctx, tenantID, storage.AggregateDaily, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("failed to list aggregates: %w", err)
		}

		out := &SessionsReport{Range: r, Series: make([]SessionPoint, 0, len(aggs))}
		var durationWeighted, bounceWeighted float64
		for _, a := range aggs {
			out.Series = append(out.Series, SessionPoint{
				Date:        a.AggregateDate.Format(DateLayout),
				Sessions:    a.TotalSessions,
				Users:       a.TotalUsers,
				AvgDuration: a.AvgSessionDuration,
				BounceRate:  a.BounceRate,
			})
			out.TotalSessions += a.TotalSessions
			durationWeighted += a.AvgSessionDuration * float64(a.TotalSessions)
			bounceWeighted += a.BounceRate * float64(a.TotalSessions)
		}
		if out.TotalSessions > 0 {
			out.AvgDuration = Round(durationWeighted/float64(out.TotalSessions), 2)
			out.BounceRate = Round(bounceWeighted/float64(out.TotalSessions), 2)
		}
		return out, nil
	})
}

// Screens returns the most viewed screens of r
func (s *Service) Screens(ctx context.Context, tenantID string, r storage.DateRange, limit int) ([]storage.ScreenStats, error) {
	limit = clampLimit(limit)
	return cached(s.cache, cacheKey(tenantID, "screens", r, limit), func() ([]storage.ScreenStats, error) {
		return s.store.ScreenStats(ctx, tenantID, r.Start, r.End, limit)
	})
}

// Transition counts sessions moving from one screen straight to another
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int64  `json:"count"`
}

// Navigation returns the most frequent screen-to-screen transitions of r. Transitions
// follow screen_view timestamps within a session; repeated views of one screen are skipped.
func (s *Service) Navigation(ctx context.Context, tenantID string, r storage.DateRange, limit int) ([]Transition, error) {
	limit = clampLimit(limit)
	return cached(s.cache, cacheKey(tenantID, "navigation", r, limit), func() ([]Transition, error) {
		views, err := s.store.ListEvents(ctx, storage.EventFilter{
			TenantID: tenantID,
			Types:    []events.EventType{events.EventScreenView},
			From:     r.Start,
			To:       r.End,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list screen views: %w", err)
		}

		last := make(map[string]string)
		counts := make(map[[2]string]int64)
		for _, e := range views {
			if e.ScreenName == "" {
				continue
			}
			prev, ok := last[e.SessionID]
			last[e.SessionID] = e.ScreenName
			if !ok || prev == e.ScreenName {
				continue
			}
			counts[[2]string{prev, e.ScreenName}]++
		}

		out := make([]Transition, 0, len(counts))
		for k, n := range counts {
			out = append(out, Transition{From: k[0], To: k[1], Count: n})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			if out[i].From != out[j].From {
				return out[i].From < out[j].From
			}
			return out[i].To < out[j].To
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
