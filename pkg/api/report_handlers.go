package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/reports"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// ReportHandlers generates and serves reports
type ReportHandlers struct {
	engine *reports.Engine
}

// NewReportHandlers creates report handlers
func NewReportHandlers(engine *reports.Engine) *ReportHandlers {
	return &ReportHandlers{engine: engine}
}

// RegisterRoutes registers report routes under /tenants/{tenant}
func (h *ReportHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/reports", h.generateReport).Methods(http.MethodPost)
	r.HandleFunc("/reports", h.listReports).Methods(http.MethodGet)
	r.HandleFunc("/reports/{id}", h.getReport).Methods(http.MethodGet)
}

// generateReport handles POST /v1/tenants/{tenant}/reports. A report whose builder failed
// is still returned with 201 and status failed.
func (h *ReportHandlers) generateReport(w http.ResponseWriter, r *http.Request) {
	var req reports.Request
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	report, err := h.engine.Generate(r.Context(), mux.Vars(r)["tenant"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, report)
}

// listReports handles GET /v1/tenants/{tenant}/reports
func (h *ReportHandlers) listReports(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", reports.DefaultListLimit)
	if !ok {
		return
	}
	list, err := h.engine.List(r.Context(), mux.Vars(r)["tenant"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*storage.Report{}
	}
	httputil.WriteSuccess(w, list)
}

// getReport handles GET /v1/tenants/{tenant}/reports/{id}
func (h *ReportHandlers) getReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := h.engine.Get(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}
