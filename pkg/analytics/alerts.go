package analytics

import (
	"fmt"
	"time"

	"github.com/platinummonkey/pulse/pkg/storage"
)

// Alert severities
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert types
const (
	AlertErrorRate  = "error_rate"
	AlertLoadTime   = "load_time"
	AlertBounceRate = "bounce_rate"
	AlertNoActivity = "no_activity"
)

// Alert represents a threshold breach found in a rollup
type Alert struct {
	Type        string                 `json:"type"`
	Severity    string                 `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	TriggeredAt time.Time              `json:"triggeredAt"`
}

// AlertThresholds holds the limits an aggregate is checked against. A zero limit disables its check.
type AlertThresholds struct {
	// ErrorRate is a ratio of error events to all events
	ErrorRate float64 `yaml:"error_rate"`
	// AvgLoadTimeMs is the mean reported load time
	AvgLoadTimeMs float64 `yaml:"avg_load_time_ms"`
	// BounceRate is a percentage
	BounceRate float64 `yaml:"bounce_rate"`
	// MinSessions is the session count below which bounce checks are skipped
	MinSessions int64 `yaml:"min_sessions"`
}

// DefaultAlertThresholds returns the thresholds used by the aggregator binary
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		ErrorRate:     0.05,
		AvgLoadTimeMs: 3000,
		BounceRate:    70,
		MinSessions:   20,
	}
}

// Alerter checks rollups against thresholds
type Alerter struct {
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlerter creates a new Alerter instance
func NewAlerter(thresholds AlertThresholds) *Alerter {
	return &Alerter{thresholds: thresholds, now: time.Now}
}

// Evaluate returns every alert raised by agg. Anything past twice a limit is critical.
func (a *Alerter) Evaluate(agg *storage.Aggregate) []Alert {
	if agg == nil {
		return nil
	}
	var alerts []Alert
	t := a.thresholds
	day := agg.AggregateDate.Format(DateLayout)

	if t.ErrorRate > 0 && agg.TotalEvents > 0 && agg.ErrorRate > t.ErrorRate {
		alerts = append(alerts, a.alert(AlertErrorRate, agg.ErrorRate, t.ErrorRate,
			"Elevated error rate",
			fmt.Sprintf("error rate %.2f%% on %s exceeds %.2f%%", agg.ErrorRate*100, day, t.ErrorRate*100)))
	}

	if t.AvgLoadTimeMs > 0 && agg.AvgLoadTime > t.AvgLoadTimeMs {
		alerts = append(alerts, a.alert(AlertLoadTime, agg.AvgLoadTime, t.AvgLoadTimeMs,
			"Slow load times",
			fmt.Sprintf("average load time %.0fms on %s exceeds %.0fms", agg.AvgLoadTime, day, t.AvgLoadTimeMs)))
	}

	if t.BounceRate > 0 && agg.TotalSessions >= t.MinSessions && agg.BounceRate > t.BounceRate {
		alerts = append(alerts, a.alert(AlertBounceRate, agg.BounceRate, t.BounceRate,
			"High bounce rate",
			fmt.Sprintf("bounce rate %.2f%% on %s exceeds %.2f%%", agg.BounceRate, day, t.BounceRate)))
	}

	if agg.AggregateType == storage.AggregateDaily && agg.TotalEvents == 0 && agg.TotalSessions == 0 {
		alerts = append(alerts, Alert{
			Type:        AlertNoActivity,
			Severity:    SeverityWarning,
			Title:       "No activity",
			Message:     fmt.Sprintf("no sessions or events recorded on %s", day),
			TriggeredAt: a.now().UTC(),
		})
	}

	return alerts
}

func (a *Alerter) alert(kind string, value, limit float64, title, message string) Alert {
	severity := SeverityWarning
	if value > 2*limit {
		severity = SeverityCritical
	}
	return Alert{
		Type:     kind,
		Severity: severity,
		Title:    title,
		Message:  message,
		Details: map[string]interface{}{
			"value":     value,
			"threshold": limit,
		},
		TriggeredAt: a.now().UTC(),
	}
}
