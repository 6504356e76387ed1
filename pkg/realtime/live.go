package realtime

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// DefaultLiveWindow is how long after its last activity a session still counts as live
const DefaultLiveWindow = 5 * time.Minute

// LiveStore is the read side LiveView needs
type LiveStore interface {
	ListLiveSessions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*storage.Session, error)
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]*events.Event, error)
}

// ScreenActivity is what live users are looking at
type ScreenActivity struct {
	ScreenName string  `json:"screenName"`
	Views      int64   `json:"views"`
	TotalTime  float64 `json:"totalTime"`
	AvgTime    float64 `json:"avgTime"`
}

// LiveView derives live sessions and users from recency of activity
type LiveView struct {
	store  LiveStore
	window time.Duration
	now    func() time.Time
}

// NewLiveView creates a view; window <= 0 uses DefaultLiveWindow
func NewLiveView(store LiveStore, window time.Duration) *LiveView {
	if window <= 0 {
		window = DefaultLiveWindow
	}
	return &LiveView{store: store, window: window, now: time.Now}
}

// Window returns the trailing liveness window
func (v *LiveView) Window() time.Duration {
	return v.window
}

// ActiveSessions returns live sessions, most recently active first
func (v *LiveView) ActiveSessions(ctx context.Context, tenantID string, limit int) ([]*storage.Session, error) {
	return v.store.ListLiveSessions(ctx, tenantID, v.now().Add(-v.window), limit)
}

// ActiveUsers counts distinct (userId, deviceId) pairs across live sessions
func (v *LiveView) ActiveUsers(ctx context.Context, tenantID string) (int64, error) {
	sessions, err := v.ActiveSessions(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}
	users := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		users[s.UserKey()] = struct{}{}
	}
	return int64(len(users)), nil
}

// ScreenActivity aggregates screen_view events of live sessions. Time on screen comes from
// the client-reported duration property; views without it count toward Views only.
func (v *LiveView) ScreenActivity(ctx context.Context, tenantID string) ([]ScreenActivity, error) {
	sessions, err := v.ActiveSessions(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []ScreenActivity{}, nil
	}

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	views, err := v.store.ListEvents(ctx, storage.EventFilter{
		TenantID:   tenantID,
		SessionIDs: ids,
		Types:      []events.EventType{events.EventScreenView},
	})
	if err != nil {
		return nil, err
	}

	type acc struct {
		views, timed int64
		total        float64
	}
	byScreen := make(map[string]*acc)
	for _, e := range views {
		if e.ScreenName == "" {
			continue
		}
		a := byScreen[e.ScreenName]
		if a == nil {
			a = &acc{}
			byScreen[e.ScreenName] = a
		}
		a.views++
		if d, ok := e.DurationProperty(); ok {
			a.timed++
			a.total += d
		}
	}

	out := make([]ScreenActivity, 0, len(byScreen))
	for name, a := range byScreen {
		sa := ScreenActivity{ScreenName: name, Views: a.views, TotalTime: a.total}
		if a.timed > 0 {
			sa.AvgTime = math.Round(a.total/float64(a.timed)*100) / 100
		}
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Views != out[j].Views {
			return out[i].Views > out[j].Views
		}
		return out[i].ScreenName < out[j].ScreenName
	})
	return out, nil
}
