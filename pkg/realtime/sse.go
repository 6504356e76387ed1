package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// SSEHandler streams hub messages as server-sent events. The tenant comes from the
// {tenant} route variable and topics from a comma separated "topics" query parameter.
type SSEHandler struct {
	hub       *Hub
	keepAlive time.Duration
	logger    *observability.Logger
}

// NewSSEHandler creates a handler; keepAlive <= 0 uses 15s
func NewSSEHandler(hub *Hub, keepAlive time.Duration, logger *observability.Logger) *SSEHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &SSEHandler{hub: hub, keepAlive: keepAlive, logger: logger}
}

// ParseTopics turns "event,session" into topics; empty input selects all
func ParseTopics(raw string) ([]Topic, error) {
	if strings.TrimSpace(raw) == "" {
		return AllTopics(), nil
	}
	var topics []Topic
	for _, part := range strings.Split(raw, ",") {
		t, ok := ParseTopic(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", part)
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	topics, err := ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// streams outlive the server's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Subscribe(tenantID, topics...)
	defer sub.Close()

	logger := h.logger.WithTenant(tenantID)
	logger.Debug("Realtime stream opened")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.WithField("dropped", sub.Dropped()).Debug("Realtime stream closed")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, body)
	return err
}
