package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cohort"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// CohortHandlers computes and serves retention cohorts
type CohortHandlers struct {
	analyzer *cohort.Analyzer
}

// NewCohortHandlers creates cohort handlers
func NewCohortHandlers(analyzer *cohort.Analyzer) *CohortHandlers {
	return &CohortHandlers{analyzer: analyzer}
}

// RegisterRoutes registers cohort routes under /tenants/{tenant}
func (h *CohortHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cohorts", h.createCohort).Methods(http.MethodPost)
	r.HandleFunc("/cohorts", h.listCohorts).Methods(http.MethodGet)
	r.HandleFunc("/cohorts/analyze", h.analyzeCohorts).Methods(http.MethodPost)
	r.HandleFunc("/cohorts/{id}", h.getCohort).Methods(http.MethodGet)
}

type createCohortRequest struct {
	Name        string             `json:"cohortName"`
	Type        storage.CohortType `json:"cohortType"`
	Date        string             `json:"cohortDate"`
	CustomEvent events.EventType   `json:"customEvent,omitempty"`
}

type analyzeCohortsRequest struct {
	Type        storage.CohortType `json:"cohortType"`
	CustomEvent events.EventType   `json:"customEvent,omitempty"`
	StartDate   string             `json:"startDate"`
	EndDate     string             `json:"endDate"`
}

// createCohort handles POST /v1/tenants/{tenant}/cohorts
func (h *CohortHandlers) createCohort(w http.ResponseWriter, r *http.Request) {
	var req createCohortRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Date == "" {
		httputil.WriteValidationError(w, "cohortDate", "is required")
		return
	}
	date, err := analytics.ParseDate(req.Date)
	if err != nil {
		httputil.WriteValidationError(w, "cohortDate", err.Error())
		return
	}

	c, err := h.analyzer.CreateCohort(r.Context(), mux.Vars(r)["tenant"], cohort.Definition{
		Name:        req.Name,
		Type:        req.Type,
		Date:        date,
		CustomEvent: req.CustomEvent,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, c)
}

// listCohorts handles GET /v1/tenants/{tenant}/cohorts
// Query params:
//   - type: registration, first_purchase or custom; empty lists every type
func (h *CohortHandlers) listCohorts(w http.ResponseWriter, r *http.Request) {
	t := storage.CohortType(httputil.ParseQueryString(r, "type", ""))
	cohorts, err := h.analyzer.ListCohorts(r.Context(), mux.Vars(r)["tenant"], t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cohorts == nil {
		cohorts = []*storage.Cohort{}
	}
	httputil.WriteSuccess(w, cohorts)
}

// getCohort handles GET /v1/tenants/{tenant}/cohorts/{id}
func (h *CohortHandlers) getCohort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := h.analyzer.GetCohort(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// analyzeCohorts handles POST /v1/tenants/{tenant}/cohorts/analyze, recomputing one cohort
// per day of the inclusive range
func (h *CohortHandlers) analyzeCohorts(w http.ResponseWriter, r *http.Request) {
	var req analyzeCohortsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	from, err := analytics.ParseDate(req.StartDate)
	if err != nil {
		httputil.WriteValidationError(w, "startDate", err.Error())
		return
	}
	to, err := analytics.ParseDate(req.EndDate)
	if err != nil {
		httputil.WriteValidationError(w, "endDate", err.Error())
		return
	}

	cohorts, err := h.analyzer.AnalyzeCohorts(r.Context(), mux.Vars(r)["tenant"], req.Type, req.CustomEvent, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cohorts)
}
