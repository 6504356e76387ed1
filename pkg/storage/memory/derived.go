package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/pulse/pkg/storage"
)

const dateLayout = "2006-01-02"

func (s *Store) UpsertAggregate(ctx context.Context, a *storage.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *a
	c.Metadata = copyMap(a.Metadata)
	s.aggregates[key(a.TenantID, a.AggregateDate.UTC().Format(dateLayout), string(a.AggregateType))] = &c
	return nil
}

func (s *Store) GetAggregate(ctx context.Context, tenantID string, date time.Time, t storage.AggregateType) (*storage.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aggregates[key(tenantID, date.UTC().Format(dateLayout), string(t))]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *a
	c.Metadata = copyMap(a.Metadata)
	return &c, nil
}

func (s *Store) ListAggregates(ctx context.Context, tenantID string, t storage.AggregateType, from, to time.Time) ([]*storage.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Aggregate
	for _, a := range s.aggregates {
		if a.TenantID == tenantID && a.AggregateType == t && inRange(a.AggregateDate, from, to) {
			c := *a
			c.Metadata = copyMap(a.Metadata)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AggregateDate.Before(out[j].AggregateDate)
	})
	return out, nil
}

func (s *Store) UpsertCohort(ctx context.Context, in *storage.Cohort) (*storage.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	k := key(in.TenantID, string(in.CohortType), in.CohortDate.UTC().Format(dateLayout))
	stored := copyCohort(in)
	if existing, ok := s.cohorts[k]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.cohorts[k] = stored
	return copyCohort(stored), nil
}

func (s *Store) GetCohort(ctx context.Context, tenantID, cohortID string) (*storage.Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.cohorts {
		if c.TenantID == tenantID && c.ID == cohortID {
			return copyCohort(c), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListCohorts(ctx context.Context, tenantID string, t storage.CohortType) ([]*storage.Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Cohort
	for _, c := range s.cohorts {
		if c.TenantID == tenantID && (t == "" || c.CohortType == t) {
			out = append(out, copyCohort(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CohortDate.After(out[j].CohortDate)
	})
	return out, nil
}

func (s *Store) SaveFunnel(ctx context.Context, f *storage.Funnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if existing, ok := s.funnels[f.ID]; ok {
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.funnels[f.ID] = copyFunnel(f)
	return nil
}

func (s *Store) GetFunnel(ctx context.Context, tenantID, funnelID string) (*storage.Funnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funnels[funnelID]
	if !ok || f.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return copyFunnel(f), nil
}

func (s *Store) ListFunnels(ctx context.Context, tenantID string) ([]*storage.Funnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Funnel
	for _, f := range s.funnels {
		if f.TenantID == tenantID {
			out = append(out, copyFunnel(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateReport(ctx context.Context, r *storage.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	c := *r
	s.reports[r.ID] = &c
	return nil
}

func (s *Store) UpdateReport(ctx context.Context, r *storage.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.reports[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return storage.ErrNotFound
	}
	if existing.Status.Terminal() {
		return storage.ErrReportTerminal
	}
	c := *r
	s.reports[r.ID] = &c
	return nil
}

func (s *Store) GetReport(ctx context.Context, tenantID, reportID string) (*storage.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[reportID]
	if !ok || r.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) ListReports(ctx context.Context, tenantID string, limit int) ([]*storage.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Report
	for _, r := range s.reports {
		if r.TenantID == tenantID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddUser records an account. Accounts are owned by an external system; this seeds the
// registration cohort source in development and tests.
func (s *Store) AddUser(u storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.TenantID] = append(s.users[u.TenantID], u)
}

func (s *Store) UsersRegisteredBetween(ctx context.Context, tenantID string, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, u := range s.users[tenantID] {
		if inRange(u.CreatedAt, from, to) {
			out = append(out, u.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func copyCohort(in *storage.Cohort) *storage.Cohort {
	c := *in
	if in.RetentionData != nil {
		c.RetentionData = make(map[string]storage.WeekRetention, len(in.RetentionData))
		for k, v := range in.RetentionData {
			c.RetentionData[k] = v
		}
	}
	if in.RevenueData.RevenueByWeek != nil {
		c.RevenueData.RevenueByWeek = make(map[string]float64, len(in.RevenueData.RevenueByWeek))
		for k, v := range in.RevenueData.RevenueByWeek {
			c.RevenueData.RevenueByWeek[k] = v
		}
	}
	return &c
}

func copyFunnel(in *storage.Funnel) *storage.Funnel {
	c := *in
	c.FunnelSteps = append([]storage.FunnelStep(nil), in.FunnelSteps...)
	c.Results = append([]storage.FunnelStepResult(nil), in.Results...)
	c.DropOffPoints = append([]storage.DropOffPoint(nil), in.DropOffPoints...)
	if in.DateRange != nil {
		r := *in.DateRange
		c.DateRange = &r
	}
	return &c
}
