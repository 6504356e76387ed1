package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/cohort"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/funnel"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// jobRunner executes the scheduled recomputations for the tenants of the current job file
type jobRunner struct {
	aggregator *analytics.Aggregator
	cohorts    *cohort.Analyzer
	funnels    *funnel.Analyzer
	log        logrus.FieldLogger

	mu   sync.RWMutex
	jobs *config.JobFile
}

func newJobRunner(aggregator *analytics.Aggregator, cohorts *cohort.Analyzer, funnels *funnel.Analyzer, log logrus.FieldLogger, jobs *config.JobFile) *jobRunner {
	return &jobRunner{aggregator: aggregator, cohorts: cohorts, funnels: funnels, log: log, jobs: jobs}
}

// setJobs swaps the job file; runs already in progress keep the old one
func (j *jobRunner) setJobs(jobs *config.JobFile) {
	j.mu.Lock()
	j.jobs = jobs
	j.mu.Unlock()
	j.log.WithField("tenants", len(jobs.ActiveTenants())).Debug("Jobs swapped")
}

func (j *jobRunner) tenants() []config.TenantJobs {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jobs.ActiveTenants()
}

// aggregate runs the daily rollup (and the weekly and monthly ones it closes) for every
// tenant. One tenant failing does not stop the others.
func (j *jobRunner) aggregate(ctx context.Context, date time.Time) error {
	var errs []error
	for _, t := range j.tenants() {
		entry := j.log.WithFields(logrus.Fields{"tenant": t.ID, "date": date.Format(analytics.DateLayout)})
		if err := j.aggregator.AggregateAll(ctx, t.ID, date); err != nil {
			entry.WithError(err).Error("Aggregation failed")
			errs = append(errs, err)
			continue
		}
		entry.Info("✓ Aggregated")
	}
	return errors.Join(errs...)
}

// refreshCohorts creates the cohort of date and recomputes the cohorts started on the same
// weekday in each tracked week before it, whose retention week has just closed.
func (j *jobRunner) refreshCohorts(ctx context.Context, date time.Time) error {
	var errs []error
	for _, t := range j.tenants() {
		for _, def := range cohortDefinitions(t, date) {
			entry := j.log.WithFields(logrus.Fields{
				"tenant":      t.ID,
				"cohort_type": def.Type,
				"cohort_date": def.Date.Format(analytics.DateLayout),
			})
			if _, err := j.cohorts.CreateCohort(ctx, t.ID, def); err != nil {
				entry.WithError(err).Error("Cohort analysis failed")
				errs = append(errs, err)
				continue
			}
			entry.Debug("Cohort refreshed")
		}
	}
	return errors.Join(errs...)
}

func cohortDefinitions(t config.TenantJobs, date time.Time) []cohort.Definition {
	day := analytics.StartOfDay(date)
	var defs []cohort.Definition
	for week := 0; week <= cohort.Weeks; week++ {
		d := day.AddDate(0, 0, -7*week)
		for _, ct := range t.Cohorts {
			defs = append(defs, cohort.Definition{Type: ct, Date: d})
		}
		for _, et := range t.CustomCohortEvents {
			defs = append(defs, cohort.Definition{Type: storage.CohortCustom, Date: d, CustomEvent: et})
		}
	}
	return defs
}

// reanalyzeFunnels reruns every listed funnel over its stored range
func (j *jobRunner) reanalyzeFunnels(ctx context.Context) error {
	var errs []error
	for _, t := range j.tenants() {
		for _, id := range t.Funnels {
			entry := j.log.WithFields(logrus.Fields{"tenant": t.ID, "funnel": id})
			f, err := j.funnels.Reanalyze(ctx, t.ID, id, nil)
			if err != nil {
				entry.WithError(err).Error("Funnel analysis failed")
				errs = append(errs, err)
				continue
			}
			entry.WithField("steps", len(f.Results)).Debug("Funnel reanalyzed")
		}
	}
	return errors.Join(errs...)
}
