package reports

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cohort"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/funnel"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// Report types with a standard builder
const (
	TypeOverview = "overview"
	TypeRevenue  = "revenue"
	TypeProducts = "products"
	TypeSessions = "sessions"
	TypeFunnel   = "funnel"
	TypeCohort   = "cohort"
)

// Sources are the read services the standard builders assemble results from.
// A nil source leaves its report types unregistered.
type Sources struct {
	Analytics *analytics.Service
	Funnels   *funnel.Analyzer
	Cohorts   *cohort.Analyzer
	Now       func() time.Time
}

func (s Sources) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sources) builders() map[string]Builder {
	b := make(map[string]Builder)
	if s.Analytics != nil {
		b[TypeOverview] = s.overview
		b[TypeRevenue] = s.revenue
		b[TypeProducts] = s.products
		b[TypeSessions] = s.sessions
	}
	if s.Funnels != nil {
		b[TypeFunnel] = s.funnelReport
	}
	if s.Cohorts != nil {
		b[TypeCohort] = s.cohortReport
	}
	return b
}

func (s Sources) overview(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	r, err := p.DateRange(s.now())
	if err != nil {
		return nil, err
	}
	return s.Analytics.Overview(ctx, tenantID, r)
}

func (s Sources) revenue(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	r, err := p.DateRange(s.now())
	if err != nil {
		return nil, err
	}
	return s.Analytics.Revenue(ctx, tenantID, r)
}

func (s Sources) products(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	r, err := p.DateRange(s.now())
	if err != nil {
		return nil, err
	}
	limit, err := p.Int("limit")
	if err != nil {
		return nil, err
	}
	return s.Analytics.Products(ctx, tenantID, r, limit)
}

func (s Sources) sessions(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	r, err := p.DateRange(s.now())
	if err != nil {
		return nil, err
	}
	return s.Analytics.Sessions(ctx, tenantID, r)
}

// funnelReport reanalyzes a stored funnel named by funnelId, or analyzes ad-hoc steps
func (s Sources) funnelReport(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	var r *storage.DateRange
	if p.HasRange() {
		dr, err := p.DateRange(s.now())
		if err != nil {
			return nil, err
		}
		r = &dr
	}

	if id := p.String("funnelId"); id != "" {
		return s.Funnels.Reanalyze(ctx, tenantID, id, r)
	}

	types, err := p.Strings("steps")
	if err != nil {
		return nil, err
	}
	steps := make([]storage.FunnelStep, 0, len(types))
	for _, t := range types {
		steps = append(steps, storage.FunnelStep{EventType: events.EventType(t)})
	}
	results, err := s.Funnels.Analyze(ctx, tenantID, steps, r)
	if err != nil {
		return nil, err
	}
	sum := funnel.Summarize(results)
	return map[string]interface{}{
		"results":        results,
		"totalUsers":     sum.TotalUsers,
		"conversions":    sum.Conversions,
		"conversionRate": sum.ConversionRate,
		"dropOffPoints":  sum.DropOffPoints,
	}, nil
}

// cohortReport lists stored cohorts of cohortType whose date falls in the range
func (s Sources) cohortReport(ctx context.Context, tenantID string, p Params) (interface{}, error) {
	r, err := p.DateRange(s.now())
	if err != nil {
		return nil, err
	}
	all, err := s.Cohorts.ListCohorts(ctx, tenantID, storage.CohortType(p.String("cohortType")))
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Cohort, 0, len(all))
	for _, c := range all {
		if r.Contains(c.CohortDate) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Params are the decoded JSON parameters of a report request
type Params map[string]interface{}

// String returns a string parameter or "" when absent
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int accepts JSON numbers and numeric strings; absent parameters are 0
func (p Params) Int(key string) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, &events.ValidationError{Field: key, Reason: "must be an integer"}
		}
		return n, nil
	}
	return 0, &events.ValidationError{Field: key, Reason: "must be an integer"}
}

// Strings returns a list-of-strings parameter
func (p Params) Strings(key string) ([]string, error) {
	switch v := p[key].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &events.ValidationError{Field: fmt.Sprintf("%s[%d]", key, i), Reason: "must be a string"}
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, &events.ValidationError{Field: key, Reason: "must be a list of strings"}
}

// HasRange reports whether the parameters name a range explicitly
func (p Params) HasRange() bool {
	_, days := p["days"]
	return p.String("start") != "" || p.String("end") != "" || days
}

// DateRange resolves start/end or days the way the query endpoints do
func (p Params) DateRange(now time.Time) (storage.DateRange, error) {
	days, err := p.Int("days")
	if err != nil {
		return storage.DateRange{}, err
	}
	return analytics.ParseDateRange(p.String("start"), p.String("end"), days, now)
}
