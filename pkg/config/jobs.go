package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// reloadDebounce collapses the burst of events an editor save produces
const reloadDebounce = 250 * time.Millisecond

// JobFile lists what the aggregator recomputes per tenant
//
//	tenants:
//	  - id: acme
//	    cohorts: [registration, first_purchase]
//	    custom_cohort_events: [checkout_start]
//	    funnels: [3f0c...]
type JobFile struct {
	Tenants []TenantJobs `yaml:"tenants"`
}

// TenantJobs are the jobs of one tenant. Daily aggregation always runs.
type TenantJobs struct {
	ID                 string               `yaml:"id"`
	Disabled           bool                 `yaml:"disabled"`
	Cohorts            []storage.CohortType `yaml:"cohorts"`
	CustomCohortEvents []events.EventType   `yaml:"custom_cohort_events"`
	Funnels            []string             `yaml:"funnels"`
}

// ActiveTenants returns the tenants that are not disabled
func (j *JobFile) ActiveTenants() []TenantJobs {
	out := make([]TenantJobs, 0, len(j.Tenants))
	for _, t := range j.Tenants {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

// Validate rejects duplicate tenants and unknown cohort or event types
func (j *JobFile) Validate() error {
	seen := make(map[string]bool, len(j.Tenants))
	for i, t := range j.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s: listed twice", t.ID)
		}
		seen[t.ID] = true

		for _, ct := range t.Cohorts {
			if !ct.Valid() || ct == storage.CohortCustom {
				return fmt.Errorf("tenant %s: invalid cohort type %q (custom cohorts use custom_cohort_events)", t.ID, ct)
			}
		}
		for _, et := range t.CustomCohortEvents {
			if !et.Valid() {
				return fmt.Errorf("tenant %s: unknown event type %q", t.ID, et)
			}
		}
	}
	return nil
}

// JobFileFromTenants builds a job file running the default cohorts for each tenant
func JobFileFromTenants(tenants []string) *JobFile {
	jf := &JobFile{}
	for _, id := range tenants {
		jf.Tenants = append(jf.Tenants, TenantJobs{
			ID:      id,
			Cohorts: []storage.CohortType{storage.CohortRegistration, storage.CohortFirstPurchase},
		})
	}
	return jf
}

// LoadJobFile reads and validates a job file
func LoadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	if err := jf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	return &jf, nil
}

// Watch calls onChange with the reloaded job file whenever path is written, created or
// renamed into place. A file that fails to load is logged and the previous jobs stay in
// effect. The watch stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *observability.Logger, onChange func(*JobFile)) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// editors replace files by rename, so watch the directory and filter by name
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := logger.WithField("job_file", abs)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		jf, err := LoadJobFile(abs)
		if err != nil {
			log.WithError(err).Error("Job file reload failed, keeping previous jobs")
			return
		}
		log.WithField("tenants", len(jf.Tenants)).Info("Job file reloaded")
		onChange(jf)
	}

	go func() {
		defer observability.RecoverPanic(logger, "job file watcher")
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Job file watcher error")
			}
		}
	}()

	return nil
}
