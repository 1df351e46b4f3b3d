// Package calendar provides business-day date arithmetic for call scheduling.
//
// All functions are pure and operate on calendar days only; callers are expected
// to pass dates already normalized to the campaign timezone. Weekends are
// Saturday and Sunday; holidays are intentionally not modeled (the record store
// is reviewed by humans who reschedule around them).
package calendar

import "time"

// IsWeekend reports whether d falls on a Saturday or Sunday.
func IsWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// CountBusinessDays counts weekdays in the half-open range [from, to).
// Returns 0 when to is not after from.
func CountBusinessDays(from, to time.Time) int {
	from = Midnight(from)
	to = Midnight(to)

	n := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		if !IsWeekend(d) {
			n++
		}
	}
	return n
}

// AddBusinessDays advances d by n weekdays, skipping weekends.
// The result is always a weekday when n > 0.
func AddBusinessDays(d time.Time, n int) time.Time {
	d = Midnight(d)
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if !IsWeekend(d) {
			added++
		}
	}
	return d
}

// PreviousBusinessDay walks backward from d to the nearest weekday.
// A weekday is returned unchanged.
func PreviousBusinessDay(d time.Time) time.Time {
	d = Midnight(d)
	for IsWeekend(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// DaysBetween returns the number of calendar days from 'from' to 'to'
// (negative when to precedes from). Computed on UTC-rebased dates so DST
// transitions cannot skew whole-day arithmetic.
func DaysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	f := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	u := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(u.Sub(f).Hours() / 24)
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Midnight truncates t to 00:00 in its own location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
