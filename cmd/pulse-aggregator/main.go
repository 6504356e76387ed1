package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/app"
	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/observability"
)

var version = "dev"

var (
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit (for backfills and testing)")
	aggregationDate = flag.String("date", "", "Date to aggregate (YYYY-MM-DD format). If empty, aggregates yesterday. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := setupLogger(cfg.Observability.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// library components log through the structured logger; the scheduler itself uses logrus
	rt, err := app.New(ctx, cfg, version, observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "pulse-aggregator"))
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer rt.Close(context.Background())

	jobs, err := loadJobs(cfg.Aggregator)
	if err != nil {
		log.Fatalf("Failed to load jobs: %v", err)
	}
	runner := newJobRunner(rt.Aggregator(), rt.Cohorts(), rt.Funnels(), log, jobs)

	if *runOnce {
		date := yesterday()
		if *aggregationDate != "" {
			date, err = analytics.ParseDate(*aggregationDate)
			if err != nil {
				log.Fatalf("Invalid date format: %v", err)
			}
		}

		log.Infof("Running jobs for date: %s", date.Format(analytics.DateLayout))
		failed := false
		if err := runner.aggregate(ctx, date); err != nil {
			failed = true
		}
		if err := runner.refreshCohorts(ctx, date); err != nil {
			failed = true
		}
		if err := runner.reanalyzeFunnels(ctx); err != nil {
			failed = true
		}
		if failed {
			log.Error("Some jobs failed")
			rt.Close(context.Background())
			os.Exit(1)
		}
		log.Info("Jobs completed successfully")
		return
	}

	if cfg.Aggregator.JobFile != "" {
		if err := config.Watch(ctx, cfg.Aggregator.JobFile, rt.Logger, runner.setJobs); err != nil {
			log.Fatalf("Failed to watch job file: %v", err)
		}
	}

	// Scheduled mode
	c := cron.New(cron.WithLocation(time.UTC))

	_, err = c.AddFunc(cfg.Aggregator.DailySchedule, func() {
		date := yesterday()
		log.Infof("Starting daily aggregation for %s", date.Format(analytics.DateLayout))
		if err := runner.aggregate(ctx, date); err != nil {
			log.Errorf("Daily aggregation finished with failures: %v", err)
		} else {
			log.Info("Daily aggregation completed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule daily aggregation: %v", err)
	}

	_, err = c.AddFunc(cfg.Aggregator.CohortSchedule, func() {
		date := yesterday()
		log.Infof("Refreshing cohorts for %s", date.Format(analytics.DateLayout))
		if err := runner.refreshCohorts(ctx, date); err != nil {
			log.Errorf("Cohort refresh finished with failures: %v", err)
		} else {
			log.Info("Cohorts refreshed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule cohort refresh: %v", err)
	}

	_, err = c.AddFunc(cfg.Aggregator.FunnelSchedule, func() {
		log.Info("Reanalyzing funnels")
		if err := runner.reanalyzeFunnels(ctx); err != nil {
			log.Errorf("Funnel analysis finished with failures: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule funnel analysis: %v", err)
	}

	c.Start()
	log.Info("Pulse Analytics Aggregator started")
	log.Infof("Daily aggregation schedule: %s", cfg.Aggregator.DailySchedule)
	log.Infof("Cohort refresh schedule: %s", cfg.Aggregator.CohortSchedule)
	log.Infof("Funnel analysis schedule: %s", cfg.Aggregator.FunnelSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutting down gracefully...")

	// let running jobs finish before cancelling their context
	<-c.Stop().Done()
	cancel()

	log.Info("Aggregator stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// loadJobs reads the job file, or builds default jobs from the configured tenant list
func loadJobs(cfg config.AggregatorConfig) (*config.JobFile, error) {
	if cfg.JobFile != "" {
		return config.LoadJobFile(cfg.JobFile)
	}
	return config.JobFileFromTenants(cfg.Tenants), nil
}

func yesterday() time.Time {
	return analytics.StartOfDay(time.Now().UTC()).AddDate(0, 0, -1)
}
