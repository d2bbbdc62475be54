// Package timeutil implements the engine's interval-granularity arithmetic:
// boundary alignment, day-pack windowing and expected-bar-count arithmetic
// on half-open ranges. All times are UTC, millisecond precision.
//
// Generalizes the floor-then-adjust idiom of the teacher's
// NormalizeTimestamp into the spec's floor-both-endpoints alignment rule,
// which fixes the historical bug where ceiling the start and flooring the
// end produced start > end for sub-interval windows.
package timeutil

import (
	"time"

	"fcppm/catalog"
	"fcppm/model"
)

// Align floors both endpoints of w to the interval boundary. If the floored
// endpoints collide, End is pushed one interval past Start so the minimum
// non-empty aligned window is exactly one interval — this is what keeps
// cache lookups idempotent and gap detection monotonic (§4.2).
func Align(w model.Window) model.Window {
	d := w.Interval.Duration()
	start := w.Start.UTC().Truncate(d)
	end := w.End.UTC().Truncate(d)
	if !end.After(start) {
		end = start.Add(d)
	}
	w.Start = start
	w.End = end
	return w
}

// DayOf floors t to the start of its UTC calendar day.
func DayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// DaysCovering returns the ordered set of UTC calendar days intersecting w's
// half-open range.
func DaysCovering(w model.Window) []time.Time {
	if !w.End.After(w.Start) {
		return nil
	}
	first := DayOf(w.Start)
	// The last covered day is the day containing the instant just before End.
	last := DayOf(w.End.Add(-time.Millisecond))
	days := []time.Time{}
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ExpectedCount returns the number of bars a full, closed UTC day yields for
// interval. Used by cache Put/orchestrator to decide whether a day-pack is
// complete.
func ExpectedCount(interval catalog.Interval) int {
	return int((24 * time.Hour) / interval.Duration())
}

// IsClosedDay reports whether day (a UTC-midnight instant) is strictly
// before today's UTC midnight, i.e. the day has fully elapsed and will never
// accumulate further bars.
func IsClosedDay(day, now time.Time) bool {
	return day.UTC().Before(DayOf(now))
}

// DayWindow returns the half-open [day, day+24h) window for day.
func DayWindow(day time.Time, symbol string, market catalog.MarketClass, interval catalog.Interval) model.Window {
	start := DayOf(day)
	return model.Window{
		Symbol:   symbol,
		Market:   market,
		Interval: interval,
		Start:    start,
		End:      start.Add(24 * time.Hour),
	}
}

// ClampWindow clamps a window sub-range to within outer, returning the
// intersection. If there is no overlap, the returned window has End <= Start.
func ClampWindow(w, outer model.Window) model.Window {
	if w.Start.Before(outer.Start) {
		w.Start = outer.Start
	}
	if w.End.After(outer.End) {
		w.End = outer.End
	}
	return w
}
