package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/sessions"
)

// SessionHandlers drives the session lifecycle
type SessionHandlers struct {
	tracker *sessions.Tracker
}

// NewSessionHandlers creates session lifecycle handlers
func NewSessionHandlers(tracker *sessions.Tracker) *SessionHandlers {
	return &SessionHandlers{tracker: tracker}
}

// RegisterRoutes registers session routes
func (h *SessionHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions/start", h.startSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", h.endSession).Methods(http.MethodPost)
}

type heartbeatRequest struct {
	TenantID string `json:"tenantId"`
}

type endSessionRequest struct {
	TenantID        string   `json:"tenantId"`
	ConversionValue *float64 `json:"conversionValue,omitempty"`
	ConversionType  string   `json:"conversionType,omitempty"`
}

// startSession handles POST /v1/sessions/start
func (h *SessionHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.StartRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.tracker.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// heartbeat handles POST /v1/sessions/{id}/heartbeat. It always replies 200; failures
// surface only as success=false.
func (h *SessionHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req heartbeatRequest
	if r.ContentLength != 0 {
		// a malformed body still gets a soft failure, never an error status
		if err := httputil.ParseJSON(r, &req); err != nil {
			httputil.WriteSuccess(w, sessions.HeartbeatResult{})
			return
		}
	}
	httputil.WriteSuccess(w, h.tracker.Heartbeat(r.Context(), tenantOf(r, req.TenantID), sessionID))
}

// endSession handles POST /v1/sessions/{id}/end
func (h *SessionHandlers) endSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req endSessionRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	var conv *sessions.Conversion
	if req.ConversionValue != nil || req.ConversionType != "" {
		conv = &sessions.Conversion{Value: req.ConversionValue, Type: req.ConversionType}
	}

	result, err := h.tracker.EndSession(r.Context(), tenantOf(r, req.TenantID), sessionID, conv)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// tenantOf prefers the body's tenantId and falls back to the tenantId query parameter
func tenantOf(r *http.Request, fromBody string) string {
	if tenantID := strings.TrimSpace(fromBody); tenantID != "" {
		return tenantID
	}
	return strings.TrimSpace(httputil.ParseQueryString(r, "tenantId", ""))
}
