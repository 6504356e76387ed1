package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/storage"
)

func TestAlerter_Evaluate(t *testing.T) {
	base := storage.Aggregate{TenantID: "t1", AggregateDate: day, AggregateType: storage.AggregateDaily, TotalEvents: 100, TotalSessions: 50}

	tests := []struct {
		name     string
		mutate   func(a *storage.Aggregate)
		want     []string
		severity string
	}{
		{name: "healthy", mutate: func(a *storage.Aggregate) {}},
		{name: "error rate warning", mutate: func(a *storage.Aggregate) { a.ErrorRate = 0.08 }, want: []string{AlertErrorRate}, severity: SeverityWarning},
		{name: "error rate critical", mutate: func(a *storage.Aggregate) { a.ErrorRate = 0.2 }, want: []string{AlertErrorRate}, severity: SeverityCritical},
		{name: "slow loads", mutate: func(a *storage.Aggregate) { a.AvgLoadTime = 4000 }, want: []string{AlertLoadTime}, severity: SeverityWarning},
		{name: "bounce", mutate: func(a *storage.Aggregate) { a.BounceRate = 80 }, want: []string{AlertBounceRate}, severity: SeverityWarning},
		{name: "bounce below session floor", mutate: func(a *storage.Aggregate) { a.BounceRate = 90; a.TotalSessions = 3 }},
		{name: "no activity", mutate: func(a *storage.Aggregate) { a.TotalEvents = 0; a.TotalSessions = 0 }, want: []string{AlertNoActivity}, severity: SeverityWarning},
		{name: "weekly rows never report inactivity", mutate: func(a *storage.Aggregate) {
			a.AggregateType = storage.AggregateWeekly
			a.TotalEvents = 0
			a.TotalSessions = 0
		}},
	}

	al := NewAlerter(DefaultAlertThresholds())
	al.now = func() time.Time { return fixedAt }

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := base
			tt.mutate(&agg)

			alerts := al.Evaluate(&agg)
			var kinds []string
			for _, a := range alerts {
				kinds = append(kinds, a.Type)
			}
			assert.Equal(t, tt.want, kinds)
			if len(tt.want) > 0 {
				require.Len(t, alerts, 1)
				assert.Equal(t, tt.severity, alerts[0].Severity)
				assert.Equal(t, fixedAt, alerts[0].TriggeredAt)
			}
		})
	}
}

func TestAlerter_ZeroThresholdsDisableChecks(t *testing.T) {
	al := NewAlerter(AlertThresholds{})
	alerts := al.Evaluate(&storage.Aggregate{AggregateType: storage.AggregateWeekly, TotalEvents: 10, ErrorRate: 1, AvgLoadTime: 99999, BounceRate: 100, TotalSessions: 100})
	assert.Empty(t, alerts)
	assert.Nil(t, al.Evaluate(nil))
}
