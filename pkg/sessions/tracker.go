// Package sessions tracks the client session lifecycle: start, heartbeat and end.
//
// Starts are idempotent upserts keyed by (tenant, session id). Heartbeats are the
// one non-critical request-path operation: they retry transient store errors a few
// times with a short backoff and then report a soft failure instead of an error.
// EndSession is where derived session metrics are finalized.
package sessions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/retry"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const (
	// HeartbeatAttempts bounds how long a heartbeat may stall the caller
	HeartbeatAttempts = 3
	// HeartbeatBackoff is the first retry delay; it doubles per attempt
	HeartbeatBackoff = 50 * time.Millisecond
)

// Store is the persistence the tracker needs
type Store interface {
	UpsertSessionStart(ctx context.Context, s *storage.Session) (*storage.Session, bool, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (*storage.Session, error)
	TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) (bool, error)
	FinalizeSession(ctx context.Context, s *storage.Session) error
	SessionEventSummary(ctx context.Context, tenantID, sessionID string) (eventsCount, distinctScreens int64, err error)
}

// Broadcaster publishes session deltas
type Broadcaster interface {
	BroadcastSession(tenantID string, payload interface{}) error
}

// StartRequest opens or refreshes a session
type StartRequest struct {
	TenantID   string                 `json:"tenantId"`
	DeviceID   string                 `json:"deviceId"`
	SessionID  string                 `json:"sessionId"`
	UserID     string                 `json:"userId,omitempty"`
	DeviceInfo map[string]interface{} `json:"deviceInfo,omitempty"`
	Country    string                 `json:"country,omitempty"`
	City       string                 `json:"city,omitempty"`
}

// StartResult is returned by StartSession
type StartResult struct {
	Success      bool      `json:"success"`
	SessionID    string    `json:"sessionId"`
	SessionStart time.Time `json:"sessionStart"`
	Created      bool      `json:"created"`
}

// HeartbeatResult is a soft success flag; heartbeats never return errors
type HeartbeatResult struct {
	Success bool `json:"success"`
}

// Conversion is the optional outcome reported at session end
type Conversion struct {
	Value *float64 `json:"conversionValue,omitempty"`
	Type  string   `json:"conversionType,omitempty"`
}

// EndResult carries the finalized session metrics
type EndResult struct {
	Success     bool  `json:"success"`
	Duration    int64 `json:"duration"`
	EventsCount int64 `json:"eventsCount"`
	PageViews   int64 `json:"pageViews"`
}

// SessionDelta is broadcast on the session topic
type SessionDelta struct {
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId,omitempty"`
	DeviceID     string    `json:"deviceId"`
	IsActive     bool      `json:"isActive"`
	LastActivity time.Time `json:"lastActivity"`
	Duration     *int64    `json:"duration,omitempty"`
	EventsCount  int64     `json:"eventsCount"`
	PageViews    int64     `json:"pageViews"`
	Conversion   bool      `json:"conversion"`
}

// Tracker implements the session lifecycle
type Tracker struct {
	store       Store
	broadcaster Broadcaster
	heartbeat   *retry.Policy
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewTracker creates a tracker; broadcaster may be nil
func NewTracker(store Store, broadcaster Broadcaster, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Tracker{
		store:       store,
		broadcaster: broadcaster,
		heartbeat: retry.NewPolicy(retry.Config{
			MaxAttempts:       HeartbeatAttempts,
			InitialDelay:      HeartbeatBackoff,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2,
			Retryable:         storage.IsTransient,
		}),
		logger:  logger.WithField("component", "sessions"),
		metrics: metrics,
		now:     time.Now,
	}
}

// StartSession creates the session or, on a duplicate start, refreshes its liveness fields
func (t *Tracker) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}

	now := t.now().UTC()
	stored, created, err := t.store.UpsertSessionStart(ctx, &storage.Session{
		TenantID:     req.TenantID,
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		SessionStart: now,
		LastActivity: now,
		IsActive:     true,
		DeviceInfo:   req.DeviceInfo,
		Country:      req.Country,
		City:         req.City,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session %s: %w", req.SessionID, err)
	}

	if created {
		t.logger.WithSession(req.TenantID, req.SessionID).Debug("Session started")
	}
	t.publish(stored, 0, 0)

	return &StartResult{
		Success:      true,
		SessionID:    stored.SessionID,
		SessionStart: stored.SessionStart,
		Created:      created,
	}, nil
}

func validateStart(req StartRequest) error {
	for _, f := range []struct{ name, value string }{
		{"tenantId", req.TenantID},
		{"deviceId", req.DeviceID},
		{"sessionId", req.SessionID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &events.ValidationError{Field: f.name, Reason: "is required"}
		}
	}
	return nil
}

// Heartbeat advances lastActivity of an active session. It never fails the caller: store
// errors are retried briefly and then reported as Success=false.
func (t *Tracker) Heartbeat(ctx context.Context, tenantID, sessionID string) HeartbeatResult {
	var updated bool
	err := t.heartbeat.Do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = t.store.TouchSession(ctx, tenantID, sessionID, t.now().UTC())
		return err
	})
	if err != nil {
		t.metrics.HeartbeatFailed()
		t.logger.WithSession(tenantID, sessionID).WithError(err).Warn("Heartbeat dropped")
		return HeartbeatResult{Success: false}
	}
	return HeartbeatResult{Success: updated}
}

// EndSession finalizes derived metrics and closes the session. Calling it again on a closed
// session keeps the original end time and duration but recounts events, so events that were
// still queued at the first close are included.
func (t *Tracker) EndSession(ctx context.Context, tenantID, sessionID string, conv *Conversion) (*EndResult, error) {
	sess, err := t.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	eventsCount, pageViews, err := t.store.SessionEventSummary(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}

	if sess.SessionEnd == nil || sess.Duration == nil {
		end := t.now().UTC()
		duration := int64(math.Round(end.Sub(sess.SessionStart).Seconds()))
		if duration < 0 {
			duration = 0
		}
		sess.SessionEnd = &end
		sess.Duration = &duration
		if end.After(sess.LastActivity) {
			sess.LastActivity = end
		}
	}
	sess.IsActive = false
	sess.EventsCount = eventsCount
	sess.PageViews = pageViews
	if conv != nil {
		sess.Conversion = true
		sess.ConversionValue = conv.Value
		sess.ConversionType = conv.Type
	}

	if err := t.store.FinalizeSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to finalize session %s: %w", sessionID, err)
	}
	t.publish(sess, eventsCount, pageViews)

	return &EndResult{
		Success:     true,
		Duration:    *sess.Duration,
		EventsCount: eventsCount,
		PageViews:   pageViews,
	}, nil
}

func (t *Tracker) publish(s *storage.Session, eventsCount, pageViews int64) {
	if t.broadcaster == nil {
		return
	}
	delta := SessionDelta{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		DeviceID:     s.DeviceID,
		IsActive:     s.IsActive,
		LastActivity: s.LastActivity,
		Duration:     s.Duration,
		EventsCount:  eventsCount,
		PageViews:    pageViews,
		Conversion:   s.Conversion,
	}
	if err := t.broadcaster.BroadcastSession(s.TenantID, delta); err != nil {
		t.logger.WithError(err).Warn("Failed to broadcast session delta")
	}
}
