package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
)

// maxDeadLetters bounds one dead-letter listing
const maxDeadLetters = 500

// AdminHandlers exposes queue operations to operators
type AdminHandlers struct {
	queue queue.Queue
}

// NewAdminHandlers creates queue admin handlers
func NewAdminHandlers(q queue.Queue) *AdminHandlers {
	return &AdminHandlers{queue: q}
}

// RegisterRoutes registers admin routes under /admin
func (h *AdminHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/queue/stats", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/queue/dead-letters", h.listDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/queue/dead-letters/{id}/requeue", h.requeue).Methods(http.MethodPost)
}

// getStats handles GET /v1/admin/queue/stats
func (h *AdminHandlers) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// listDeadLetters handles GET /v1/admin/queue/dead-letters
// Query params:
//   - limit: default 50, at most 500
func (h *AdminHandlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 50)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxDeadLetters {
		httputil.WriteValidationError(w, "limit", "must be between 1 and 500")
		return
	}

	jobs, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	httputil.WriteSuccess(w, jobs)
}

// requeue handles POST /v1/admin/queue/dead-letters/{id}/requeue
func (h *AdminHandlers) requeue(w http.ResponseWriter, r *http.Request) {
	jobID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.queue.Requeue(r.Context(), jobID); err != nil {
		writeError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("job_id", jobID).Info("dead-lettered job requeued")
	httputil.WriteSuccess(w, map[string]interface{}{"success": true, "jobId": jobID})
}
