// Package cycle computes monthly billing cycle boundaries for a day-of-month reset point.
//
// A reset day larger than the length of a month is clamped to that month's
// last day, so reset day 31 restarts the cycle on Feb 28 (or 29), Apr 30 and
// so on. The clamp applies to every month, including the current one.
package cycle

import "time"

// MinDay and MaxDay bound a valid reset day.
const (
	MinDay = 1
	MaxDay = 31
)

// Start returns midnight, in now's location, of the most recent reset date
// that is not after now.
func Start(now time.Time, resetDay int) time.Time {
	resetDay = clampDay(resetDay)
	year, month, day := now.Date()
	loc := now.Location()

	if thisMonth := resetIn(year, month, resetDay); day >= thisMonth {
		return time.Date(year, month, thisMonth, 0, 0, 0, 0, loc)
	}

	// time.Date normalizes month 0 to December of the previous year.
	prevYear, prevMonth, _ := time.Date(year, month-1, 1, 0, 0, 0, 0, loc).Date()
	return time.Date(prevYear, prevMonth, resetIn(prevYear, prevMonth, resetDay), 0, 0, 0, 0, loc)
}

// SecondsSince returns the whole seconds elapsed since the current cycle started.
func SecondsSince(now time.Time, resetDay int) int64 {
	elapsed := int64(now.Sub(Start(now, resetDay)) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func resetIn(year int, month time.Month, resetDay int) int {
	return min(resetDay, DaysIn(year, month))
}

func clampDay(d int) int {
	return max(MinDay, min(d, MaxDay))
}
