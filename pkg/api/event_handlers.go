package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/ingest"
)

// EventHandlers accepts tracked events
type EventHandlers struct {
	service *ingest.Service
}

// NewEventHandlers creates event ingestion handlers
func NewEventHandlers(service *ingest.Service) *EventHandlers {
	return &EventHandlers{service: service}
}

// RegisterRoutes registers event ingestion routes
func (h *EventHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events", h.trackEvent).Methods(http.MethodPost)
	r.HandleFunc("/events/batch", h.trackEvents).Methods(http.MethodPost)
}

type trackEventResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId"`
}

// batchRequest accepts {"events":[...]}; a bare array is handled separately
type batchRequest struct {
	Events []*events.Event `json:"events"`
}

// trackEvent handles POST /v1/events
func (h *EventHandlers) trackEvent(w http.ResponseWriter, r *http.Request) {
	var e events.Event
	if !httputil.ParseJSONOrError(w, r, &e) {
		return
	}
	fillClient(r, &e)

	id, err := h.service.TrackEvent(r.Context(), &e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteAccepted(w, trackEventResponse{Success: true, EventID: id})
}

// trackEvents handles POST /v1/events/batch. Items fail independently; the reply is 200
// unless the batch as a whole is rejected.
func (h *EventHandlers) trackEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !httputil.ParseJSONOrError(w, r, &raw) {
		return
	}

	var batch []*events.Event
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			httputil.WriteBadRequest(w, "invalid JSON: "+err.Error())
			return
		}
	} else {
		var req batchRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			httputil.WriteBadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		batch = req.Events
	}
	if len(batch) == 0 {
		httputil.WriteValidationError(w, "events", "at least one event is required")
		return
	}

	for _, e := range batch {
		if e != nil {
			fillClient(r, e)
		}
	}

	result, err := h.service.TrackEvents(r.Context(), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// fillClient defaults the network fields of an event to the request's own
func fillClient(r *http.Request, e *events.Event) {
	if e.IPAddress == "" {
		e.IPAddress = httputil.ClientIP(r)
	}
	if e.UserAgent == "" {
		e.UserAgent = httputil.UserAgent(r)
	}
}
