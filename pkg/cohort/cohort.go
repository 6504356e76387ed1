// Package cohort computes week-over-week retention and revenue of user cohorts.
//
// A cohort is the set of users who did something on one UTC day: registered, made their
// first purchase, or first emitted a chosen event type. Activity is measured for weeks 0
// through 12 after that day. Only identified users (non-empty userId) can be cohort members.
package cohort

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const (
	// Weeks is the last week offset analyzed; weeks 0..Weeks are reported
	Weeks = 12
	// MaxRangeDays bounds AnalyzeCohorts
	MaxRangeDays = 92

	weekConcurrency = 4
)

// Store is the persistence the analyzer needs
type Store interface {
	UsersRegisteredBetween(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)
	FirstEventUsers(ctx context.Context, tenantID string, eventType events.EventType, from, to time.Time) ([]string, error)
	CountActiveMembers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (int64, error)
	RevenueByUsers(ctx context.Context, tenantID string, userIDs []string, from, to time.Time) (float64, error)
	UpsertCohort(ctx context.Context, c *storage.Cohort) (*storage.Cohort, error)
	GetCohort(ctx context.Context, tenantID, cohortID string) (*storage.Cohort, error)
	ListCohorts(ctx context.Context, tenantID string, t storage.CohortType) ([]*storage.Cohort, error)
}

// Definition names a cohort to compute
type Definition struct {
	Name string             `json:"cohortName"`
	Type storage.CohortType `json:"cohortType"`
	Date time.Time          `json:"cohortDate"`
	// CustomEvent selects members of a custom cohort by their first event of this type
	CustomEvent events.EventType `json:"customEvent,omitempty"`
}

// Validate checks the definition and normalizes Date to its UTC day
func (d *Definition) Validate() error {
	if !d.Type.Valid() {
		return &events.ValidationError{Field: "cohortType", Reason: fmt.Sprintf("unknown cohort type %q", d.Type)}
	}
	if d.Date.IsZero() {
		return &events.ValidationError{Field: "cohortDate", Reason: "is required"}
	}
	if d.Type == storage.CohortCustom {
		if !d.CustomEvent.Valid() {
			return &events.ValidationError{Field: "customEvent", Reason: "a known event type is required for custom cohorts"}
		}
	} else {
		d.CustomEvent = ""
	}
	d.Date = analytics.StartOfDay(d.Date)
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = fmt.Sprintf("%s %s", d.Type, d.Date.Format(analytics.DateLayout))
	}
	return nil
}

// WeekKey is the retention and revenue map key of a week offset
func WeekKey(week int) string {
	return fmt.Sprintf("week_%d", week)
}

// Analyzer computes and stores cohorts
type Analyzer struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAnalyzer creates a cohort analyzer
func NewAnalyzer(store Store, logger *observability.Logger, metrics *observability.Metrics) *Analyzer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Analyzer{store: store, logger: logger, metrics: metrics}
}

// CreateCohort resolves the members of def, measures them and upserts the cohort keyed by
// (tenant, type, date). An empty cohort is stored with zeroed series.
func (a *Analyzer) CreateCohort(ctx context.Context, tenantID string, def Definition) (*storage.Cohort, error) {
	if tenantID == "" {
		return nil, &events.ValidationError{Field: "tenantId", Reason: "is required"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "cohort.create")
	c, err := a.compute(ctx, tenantID, def)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	stored, err := a.store.UpsertCohort(ctx, c)
	a.metrics.StorageOperation("upsert_cohort", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to store cohort: %w", err)
	}

	a.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"cohort_type": string(def.Type),
		"cohort_date": def.Date.Format(analytics.DateLayout),
		"members":     c.TotalUsers,
	}).Info("cohort analyzed")
	return stored, nil
}

func (a *Analyzer) compute(ctx context.Context, tenantID string, def Definition) (*storage.Cohort, error) {
	members, err := a.members(ctx, tenantID, def)
	if err != nil {
		return nil, err
	}

	c := &storage.Cohort{
		TenantID:      tenantID,
		CohortName:    def.Name,
		CohortType:    def.Type,
		CohortDate:    def.Date,
		CustomEvent:   def.CustomEvent,
		TotalUsers:    int64(len(members)),
		RetentionData: make(map[string]storage.WeekRetention, Weeks+1),
		RevenueData: storage.CohortRevenue{
			RevenueByWeek: make(map[string]float64, Weeks+1),
		},
	}

	if len(members) == 0 {
		for w := 0; w <= Weeks; w++ {
			c.RetentionData[WeekKey(w)] = storage.WeekRetention{}
			c.RevenueData.RevenueByWeek[WeekKey(w)] = 0
		}
		return c, nil
	}

	retention := make([]storage.WeekRetention, Weeks+1)
	revenue := make([]float64, Weeks+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(weekConcurrency)
	for w := 0; w <= Weeks; w++ {
		from := def.Date.AddDate(0, 0, 7*w)
		to := from.AddDate(0, 0, 7)
		g.Go(func() error {
			active, err := a.store.CountActiveMembers(gctx, tenantID, members, from, to)
			if err != nil {
				return fmt.Errorf("failed to count active members in %s: %w", WeekKey(w), err)
			}
			rev, err := a.store.RevenueByUsers(gctx, tenantID, members, from, to)
			if err != nil {
				return fmt.Errorf("failed to sum revenue in %s: %w", WeekKey(w), err)
			}
			retention[w] = storage.WeekRetention{
				Active:        active,
				RetentionRate: analytics.Percent(active, c.TotalUsers),
			}
			revenue[w] = analytics.Round(rev, 2)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total float64
	for w := 0; w <= Weeks; w++ {
		c.RetentionData[WeekKey(w)] = retention[w]
		c.RevenueData.RevenueByWeek[WeekKey(w)] = revenue[w]
		total += revenue[w]
	}
	c.RevenueData.TotalRevenue = analytics.Round(total, 2)
	c.RevenueData.AverageRevenue = analytics.Round(total/float64(c.TotalUsers), 2)
	return c, nil
}

func (a *Analyzer) members(ctx context.Context, tenantID string, def Definition) ([]string, error) {
	from, to := def.Date, def.Date.AddDate(0, 0, 1)

	var (
		users []string
		err   error
	)
	switch def.Type {
	case storage.CohortRegistration:
		users, err = a.store.UsersRegisteredBetween(ctx, tenantID, from, to)
	case storage.CohortFirstPurchase:
		users, err = a.store.FirstEventUsers(ctx, tenantID, events.EventPurchase, from, to)
	case storage.CohortCustom:
		users, err = a.store.FirstEventUsers(ctx, tenantID, def.CustomEvent, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s cohort members: %w", def.Type, err)
	}

	out := users[:0:0]
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// AnalyzeCohorts recomputes one cohort per day in the inclusive range [from, to]
func (a *Analyzer) AnalyzeCohorts(ctx context.Context, tenantID string, t storage.CohortType, customEvent events.EventType, from, to time.Time) ([]*storage.Cohort, error) {
	from, to = analytics.StartOfDay(from), analytics.StartOfDay(to)
	if to.Before(from) {
		return nil, &events.ValidationError{Field: "to", Reason: "is before from"}
	}
	if to.Sub(from) >= MaxRangeDays*24*time.Hour {
		return nil, &events.ValidationError{Field: "to", Reason: fmt.Sprintf("range exceeds %d days", MaxRangeDays)}
	}

	var out []*storage.Cohort
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		c, err := a.CreateCohort(ctx, tenantID, Definition{Type: t, Date: d, CustomEvent: customEvent})
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Analyzer) GetCohort(ctx context.Context, tenantID, cohortID string) (*storage.Cohort, error) {
	return a.store.GetCohort(ctx, tenantID, cohortID)
}

// ListCohorts lists stored cohorts, newest first. An empty type lists every type.
func (a *Analyzer) ListCohorts(ctx context.Context, tenantID string, t storage.CohortType) ([]*storage.Cohort, error) {
	if t != "" && !t.Valid() {
		return nil, &events.ValidationError{Field: "cohortType", Reason: fmt.Sprintf("unknown cohort type %q", t)}
	}
	return a.store.ListCohorts(ctx, tenantID, t)
}
