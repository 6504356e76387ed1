package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/storage"
)

func (s *Store) UpsertSessionStart(ctx context.Context, in *storage.Session) (*storage.Session, bool, error) {
	if in == nil || in.TenantID == "" || in.SessionID == "" {
		return nil, false, fmt.Errorf("upsert session: missing tenant or session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(in.TenantID, in.SessionID)
	existing, ok := s.sessions[k]
	if !ok {
		stored := copySession(in)
		stored.IsActive = true
		if stored.LastActivity.IsZero() {
			stored.LastActivity = stored.SessionStart
		}
		s.sessions[k] = stored
		return copySession(stored), true, nil
	}

	// Duplicate start: liveness only
	if in.LastActivity.After(existing.LastActivity) {
		existing.LastActivity = in.LastActivity
	}
	if existing.UserID == "" && in.UserID != "" {
		existing.UserID = in.UserID
	}
	if len(in.DeviceInfo) > 0 {
		existing.DeviceInfo = copyMap(in.DeviceInfo)
	}
	return copySession(existing), false, nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key(tenantID, sessionID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *Store) TouchSession(ctx context.Context, tenantID, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key(tenantID, sessionID)]
	if !ok || !sess.IsActive {
		return false, nil
	}
	if at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	return true, nil
}

func (s *Store) FinalizeSession(ctx context.Context, in *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(in.TenantID, in.SessionID)
	existing, ok := s.sessions[k]
	if !ok {
		return storage.ErrNotFound
	}

	stored := copySession(in)
	if existing.LastActivity.After(stored.LastActivity) {
		stored.LastActivity = existing.LastActivity
	}
	s.sessions[k] = stored
	return nil
}

func (s *Store) SessionsInRange(ctx context.Context, tenantID string, from, to time.Time) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && inRange(sess.SessionStart, from, to) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SessionStart.Equal(out[j].SessionStart) {
			return out[i].SessionStart.Before(out[j].SessionStart)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *Store) UsersSeenBefore(ctx context.Context, tenantID string, userKeys []string, before time.Time) (map[string]bool, error) {
	wanted := stringSet(userKeys)

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || !sess.SessionStart.Before(before) {
			continue
		}
		k := sess.UserKey()
		if _, ok := wanted[k]; ok {
			seen[k] = true
		}
	}
	return seen, nil
}

func (s *Store) CountActiveMembers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (int64, error) {
	members := stringSet(userIDs)

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make(map[string]struct{})
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.UserID == "" || !inRange(sess.SessionStart, from, to) {
			continue
		}
		if _, ok := members[sess.UserID]; ok {
			active[sess.UserID] = struct{}{}
		}
	}
	return int64(len(active)), nil
}

func (s *Store) ListLiveSessions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && sess.IsActive && !sess.LastActivity.Before(since) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copySession(in *storage.Session) *storage.Session {
	c := *in
	if in.SessionEnd != nil {
		t := *in.SessionEnd
		c.SessionEnd = &t
	}
	if in.Duration != nil {
		d := *in.Duration
		c.Duration = &d
	}
	if in.ConversionValue != nil {
		v := *in.ConversionValue
		c.ConversionValue = &v
	}
	c.DeviceInfo = copyMap(in.DeviceInfo)
	return &c
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
