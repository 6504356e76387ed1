package analytics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/platinummonkey/pulse/pkg/storage"
)

const (
	// DefaultRangeDays is used when a query names neither dates nor days
	DefaultRangeDays = 30
	// MaxRangeDays bounds every analytics query
	MaxRangeDays = 366
)

// ErrInvalidRange is returned for malformed or out-of-bounds date ranges
var ErrInvalidRange = errors.New("invalid date range")

// Round rounds v half away from zero to the given number of decimals
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Percent returns part/whole*100 rounded to two decimals, or 0 when whole is 0
func Percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return Round(float64(part)/float64(whole)*100, 2)
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the UTC day it names
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cannot parse date %q", ErrInvalidRange, s)
	}
	return StartOfDay(t), nil
}

// ParseDateRange resolves a query range. Explicit start and end dates are inclusive days;
// otherwise the range covers the last days days up to and including today.
func ParseDateRange(start, end string, days int, now time.Time) (storage.DateRange, error) {
	if start != "" || end != "" {
		if start == "" || end == "" {
			return storage.DateRange{}, fmt.Errorf("%w: start and end must be given together", ErrInvalidRange)
		}
		from, err := ParseDate(start)
		if err != nil {
			return storage.DateRange{}, err
		}
		to, err := ParseDate(end)
		if err != nil {
			return storage.DateRange{}, err
		}
		if to.Before(from) {
			return storage.DateRange{}, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end, start)
		}
		r := storage.DateRange{Start: from, End: to.AddDate(0, 0, 1)}
		if r.End.Sub(r.Start) > MaxRangeDays*24*time.Hour {
			return storage.DateRange{}, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, MaxRangeDays)
		}
		return r, nil
	}

	if days == 0 {
		days = DefaultRangeDays
	}
	if days < 0 || days > MaxRangeDays {
		return storage.DateRange{}, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidRange, MaxRangeDays)
	}
	endDay := StartOfDay(now).AddDate(0, 0, 1)
	return storage.DateRange{Start: endDay.AddDate(0, 0, -days), End: endDay}, nil
}
