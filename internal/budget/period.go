package budget

import (
	"time"

	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

// WindowFor returns the [start, end) window containing t for the given
// period, aligned to wall clock per spec.md §4.3: hourly windows start on
// the hour, daily at 00:00 UTC, weekly on Monday 00:00 UTC, monthly on
// the first of the month 00:00 UTC. The start is inclusive, the end
// exclusive.
func WindowFor(period policystore.Period, t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch period {
	case policystore.PeriodHourly:
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		end = start.Add(time.Hour)
	case policystore.PeriodDaily:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case policystore.PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday = 1 ... Sunday = 0 in time.Weekday (Sunday is 0)
		offset := int(day.Weekday()) - int(time.Monday)
		if offset < 0 {
			offset += 7
		}
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case policystore.PeriodMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start, end = t, t
	}
	return start, end
}

// InWindow reports whether t falls within [start, end).
func InWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
