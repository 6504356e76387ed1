package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/realtime"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// RealtimeHandlers serves the live dashboard
type RealtimeHandlers struct {
	service *analytics.Service
	live    *realtime.LiveView
	stream  http.Handler
}

// NewRealtimeHandlers creates realtime handlers. live and stream are optional.
func NewRealtimeHandlers(service *analytics.Service, live *realtime.LiveView, stream http.Handler) *RealtimeHandlers {
	return &RealtimeHandlers{service: service, live: live, stream: stream}
}

// RegisterRoutes registers realtime routes under /tenants/{tenant}
func (h *RealtimeHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/realtime", h.getOverview).Methods(http.MethodGet)
	r.HandleFunc("/realtime/events", h.getRecentEvents).Methods(http.MethodGet)
	if h.live != nil {
		r.HandleFunc("/realtime/sessions", h.getActiveSessions).Methods(http.MethodGet)
		r.HandleFunc("/realtime/screens", h.getScreenActivity).Methods(http.MethodGet)
	}
	if h.stream != nil {
		r.Handle("/realtime/stream", h.stream).Methods(http.MethodGet)
	}
}

type activeSessionsResponse struct {
	ActiveUsers int64              `json:"activeUsers"`
	Sessions    []*storage.Session `json:"sessions"`
	Timestamp   time.Time          `json:"timestamp"`
}

// getOverview handles GET /v1/tenants/{tenant}/realtime
// Query params:
//   - minutes: trailing window, default 30
func (h *RealtimeHandlers) getOverview(w http.ResponseWriter, r *http.Request) {
	minutes, ok := httputil.ParseQueryIntOrError(w, r, "minutes", analytics.DefaultRealtimeMinutes)
	if !ok {
		return
	}
	overview, err := h.service.RealtimeOverview(r.Context(), mux.Vars(r)["tenant"], minutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, overview)
}

// getRecentEvents handles GET /v1/tenants/{tenant}/realtime/events
func (h *RealtimeHandlers) getRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", analytics.DefaultListLimit)
	if !ok {
		return
	}
	recent, err := h.service.RecentEvents(r.Context(), mux.Vars(r)["tenant"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, recent)
}

// getActiveSessions handles GET /v1/tenants/{tenant}/realtime/sessions
func (h *RealtimeHandlers) getActiveSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", analytics.DefaultListLimit)
	if !ok {
		return
	}
	tenantID := mux.Vars(r)["tenant"]

	sessions, err := h.live.ActiveSessions(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	users, err := h.live.ActiveUsers(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, activeSessionsResponse{
		ActiveUsers: users,
		Sessions:    sessions,
		Timestamp:   time.Now().UTC(),
	})
}

// getScreenActivity handles GET /v1/tenants/{tenant}/realtime/screens
func (h *RealtimeHandlers) getScreenActivity(w http.ResponseWriter, r *http.Request) {
	screens, err := h.live.ScreenActivity(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, screens)
}
