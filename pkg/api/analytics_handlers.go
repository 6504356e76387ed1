package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// AnalyticsHandlers provides the historical dashboard queries and on-demand rollups
type AnalyticsHandlers struct {
	service    *analytics.Service
	aggregator *analytics.Aggregator
	now        func() time.Time
}

// NewAnalyticsHandlers creates analytics handlers. Without an aggregator the rollup routes
// are not registered.
func NewAnalyticsHandlers(service *analytics.Service, aggregator *analytics.Aggregator) *AnalyticsHandlers {
	return &AnalyticsHandlers{
		service:    service,
		aggregator: aggregator,
		now:        time.Now,
	}
}

// RegisterRoutes registers analytics routes under /tenants/{tenant}
func (h *AnalyticsHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/analytics/overview", h.getOverview).Methods(http.MethodGet)
	r.HandleFunc("/analytics/revenue", h.getRevenue).Methods(http.MethodGet)
	r.HandleFunc("/analytics/products", h.getProducts).Methods(http.MethodGet)
	r.HandleFunc("/analytics/sessions", h.getSessions).Methods(http.MethodGet)
	r.HandleFunc("/analytics/screens", h.getScreens).Methods(http.MethodGet)
	r.HandleFunc("/analytics/navigation", h.getNavigation).Methods(http.MethodGet)

	if h.aggregator != nil {
		r.HandleFunc("/aggregates/{period:daily|weekly|monthly}", h.runAggregation).Methods(http.MethodPost)
	}
}

// dateRange reads start/end or days from the query
func (h *AnalyticsHandlers) dateRange(w http.ResponseWriter, r *http.Request) (storage.DateRange, bool) {
	days, err := httputil.ParseQueryInt(r, "days", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return storage.DateRange{}, false
	}
	q := r.URL.Query()
	dr, err := analytics.ParseDateRange(q.Get("start"), q.Get("end"), days, h.now())
	if err != nil {
		writeError(w, r, err)
		return storage.DateRange{}, false
	}
	return dr, true
}

// getOverview handles GET /v1/tenants/{tenant}/analytics/overview
// Query params:
//   - start, end: inclusive YYYY-MM-DD days, given together
//   - days: trailing days including today when no dates are given, default 30
func (h *AnalyticsHandlers) getOverview(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	overview, err := h.service.Overview(r.Context(), mux.Vars(r)["tenant"], dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, overview)
}

// getRevenue handles GET /v1/tenants/{tenant}/analytics/revenue
func (h *AnalyticsHandlers) getRevenue(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	report, err := h.service.Revenue(r.Context(), mux.Vars(r)["tenant"], dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// getProducts handles GET /v1/tenants/{tenant}/analytics/products
func (h *AnalyticsHandlers) getProducts(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", analytics.DefaultListLimit)
	if !ok {
		return
	}
	products, err := h.service.Products(r.Context(), mux.Vars(r)["tenant"], dr, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, products)
}

// getSessions handles GET /v1/tenants/{tenant}/analytics/sessions
func (h *AnalyticsHandlers) getSessions(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	report, err := h.service.Sessions(r.Context(), mux.Vars(r)["tenant"], dr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// getScreens handles GET /v1/tenants/{tenant}/analytics/screens
func (h *AnalyticsHandlers) getScreens(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", analytics.DefaultListLimit)
	if !ok {
		return
	}
	screens, err := h.service.Screens(r.Context(), mux.Vars(r)["tenant"], dr, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, screens)
}

// getNavigation handles GET /v1/tenants/{tenant}/analytics/navigation
func (h *AnalyticsHandlers) getNavigation(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.dateRange(w, r)
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", analytics.DefaultListLimit)
	if !ok {
		return
	}
	transitions, err := h.service.Navigation(r.Context(), mux.Vars(r)["tenant"], dr, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, transitions)
}

// runAggregation handles POST /v1/tenants/{tenant}/aggregates/{period}
// Query params:
//   - date: any day inside the period, default yesterday (UTC)
func (h *AnalyticsHandlers) runAggregation(w http.ResponseWriter, r *http.Request) {
	date, ok, err := httputil.ParseQueryDate(r, "date")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !ok {
		date = analytics.StartOfDay(h.now()).AddDate(0, 0, -1)
	}

	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]

	var agg *storage.Aggregate
	switch mux.Vars(r)["period"] {
	case "daily":
		agg, err = h.aggregator.AggregateDaily(ctx, tenantID, date)
	case "weekly":
		agg, err = h.aggregator.AggregateWeekly(ctx, tenantID, date)
	default:
		agg, err = h.aggregator.AggregateMonthly(ctx, tenantID, date)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.service.InvalidateCache()
	httputil.WriteSuccess(w, agg)
}
