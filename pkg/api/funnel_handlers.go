package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/funnel"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// FunnelHandlers defines and analyzes conversion funnels
type FunnelHandlers struct {
	analyzer *funnel.Analyzer
	now      func() time.Time
}

// NewFunnelHandlers creates funnel handlers
func NewFunnelHandlers(analyzer *funnel.Analyzer) *FunnelHandlers {
	return &FunnelHandlers{analyzer: analyzer, now: time.Now}
}

// RegisterRoutes registers funnel routes under /tenants/{tenant}
func (h *FunnelHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/funnels", h.createFunnel).Methods(http.MethodPost)
	r.HandleFunc("/funnels", h.listFunnels).Methods(http.MethodGet)
	r.HandleFunc("/funnels/analyze", h.analyze).Methods(http.MethodPost)
	r.HandleFunc("/funnels/{id}", h.getFunnel).Methods(http.MethodGet)
	r.HandleFunc("/funnels/{id}/analyze", h.reanalyze).Methods(http.MethodPost)
}

// rangeRequest is an optional inclusive day range; both empty means all time
type rangeRequest struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

func (rr rangeRequest) resolve(now time.Time) (*storage.DateRange, error) {
	if rr.StartDate == "" && rr.EndDate == "" {
		return nil, nil
	}
	dr, err := analytics.ParseDateRange(rr.StartDate, rr.EndDate, 0, now)
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

type funnelRequest struct {
	Name  string               `json:"funnelName"`
	Steps []storage.FunnelStep `json:"funnelSteps"`
	rangeRequest
}

type analyzeResponse struct {
	Results []storage.FunnelStepResult `json:"results"`
	funnel.Summary
}

// createFunnel handles POST /v1/tenants/{tenant}/funnels
func (h *FunnelHandlers) createFunnel(w http.ResponseWriter, r *http.Request) {
	var req funnelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	dr, err := req.resolve(h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	f, err := h.analyzer.CreateFunnel(r.Context(), mux.Vars(r)["tenant"], req.Name, req.Steps, dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, f)
}

// listFunnels handles GET /v1/tenants/{tenant}/funnels
func (h *FunnelHandlers) listFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, err := h.analyzer.ListFunnels(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if funnels == nil {
		funnels = []*storage.Funnel{}
	}
	httputil.WriteSuccess(w, funnels)
}

// getFunnel handles GET /v1/tenants/{tenant}/funnels/{id}
func (h *FunnelHandlers) getFunnel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, err := h.analyzer.GetFunnel(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, f)
}

// analyze handles POST /v1/tenants/{tenant}/funnels/analyze, an ad-hoc analysis that
// stores nothing
func (h *FunnelHandlers) analyze(w http.ResponseWriter, r *http.Request) {
	var req funnelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	dr, err := req.resolve(h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	results, err := h.analyzer.Analyze(r.Context(), mux.Vars(r)["tenant"], req.Steps, dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, analyzeResponse{Results: results, Summary: funnel.Summarize(results)})
}

// reanalyze handles POST /v1/tenants/{tenant}/funnels/{id}/analyze. An empty body keeps
// the stored range.
func (h *FunnelHandlers) reanalyze(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	dr, err := req.resolve(h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	f, err := h.analyzer.Reanalyze(r.Context(), vars["tenant"], vars["id"], dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, f)
}
