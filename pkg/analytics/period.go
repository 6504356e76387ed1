package analytics

import (
	"fmt"
	"time"

	"github.com/platinummonkey/pulse/pkg/storage"
)

// DateLayout is the wire format of aggregate dates
const DateLayout = "2006-01-02"

// Period is a half-open [Start, End) aggregation window in UTC
type Period struct {
	Type  storage.AggregateType
	Start time.Time
	End   time.Time
}

func (p Period) String() string {
	return fmt.Sprintf("%s %s", p.Type, p.Start.Format(DateLayout))
}

// Range returns the period as a storage.DateRange
func (p Period) Range() storage.DateRange {
	return storage.DateRange{Start: p.Start, End: p.End}
}

// StartOfDay truncates t to midnight UTC
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayPeriod is the calendar day containing date
func DayPeriod(date time.Time) Period {
	start := StartOfDay(date)
	return Period{Type: storage.AggregateDaily, Start: start, End: start.AddDate(0, 0, 1)}
}

// WeekPeriod is the ISO week (Monday through Sunday) containing date
func WeekPeriod(date time.Time) Period {
	day := StartOfDay(date)
	offset := (int(day.Weekday()) + 6) % 7
	start := day.AddDate(0, 0, -offset)
	return Period{Type: storage.AggregateWeekly, Start: start, End: start.AddDate(0, 0, 7)}
}

// MonthPeriod is the calendar month containing date
func MonthPeriod(date time.Time) Period {
	d := date.UTC()
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Type: storage.AggregateMonthly, Start: start, End: start.AddDate(0, 1, 0)}
}

// PeriodFor returns the period of the given granularity containing date
func PeriodFor(t storage.AggregateType, date time.Time) (Period, error) {
	switch t {
	case storage.AggregateDaily:
		return DayPeriod(date), nil
	case storage.AggregateWeekly:
		return WeekPeriod(date), nil
	case storage.AggregateMonthly:
		return MonthPeriod(date), nil
	}
	return Period{}, fmt.Errorf("unknown aggregate type %q", t)
}
