// Package gapset computes the ordered, disjoint set of half-open sub-ranges
// of a window that aren't yet covered by already-owned bars (§4.7).
//
// Generalizes the teacher's single-pending-gap bookkeeping in
// iterator.Impl.pruneOlderCandlesticks into a full GapSet over an arbitrary
// owned slice.
package gapset

import (
	"sort"
	"time"

	"fcppm/model"
	"fcppm/timeutil"
)

// Gaps returns the day-decomposed, interval-aligned, clamped gaps of window
// not covered by owned. owned need not be sorted or deduplicated; Gaps
// defensively sorts and dedupes by OpenTime first, keeping the later record
// in source order when two entries share an open-time.
func Gaps(window model.Window, owned []model.Bar) []model.Window {
	bars := dedupeSorted(owned)

	gaps := []model.Window{}
	for _, g := range rawGaps(window, bars) {
		gaps = append(gaps, decomposeByDay(g)...)
	}
	return gaps
}

func dedupeSorted(bars []model.Bar) []model.Bar {
	cp := make([]model.Bar, len(bars))
	copy(cp, bars)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].OpenTime.Before(cp[j].OpenTime) })

	out := make([]model.Bar, 0, len(cp))
	for i, b := range cp {
		if i > 0 && b.OpenTime.Equal(cp[i-1].OpenTime) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// rawGaps walks bars in order emitting a gap before the first bar, between
// non-adjacent bars, and after the last bar — exactly the §4.7 algorithm.
func rawGaps(window model.Window, bars []model.Bar) []model.Window {
	d := window.Interval.Duration()
	if len(bars) == 0 {
		return []model.Window{window}
	}

	var gaps []model.Window
	cursor := window.Start
	for _, b := range bars {
		if b.OpenTime.After(cursor) {
			gaps = append(gaps, clampedWindow(window, cursor, b.OpenTime))
		}
		next := b.OpenTime.Add(d)
		if next.After(cursor) {
			cursor = next
		}
	}
	if window.End.After(cursor) {
		gaps = append(gaps, clampedWindow(window, cursor, window.End))
	}

	final := make([]model.Window, 0, len(gaps))
	for _, g := range gaps {
		if g.End.After(g.Start) {
			final = append(final, g)
		}
	}
	return final
}

func clampedWindow(base model.Window, start, end time.Time) model.Window {
	w := base
	w.Start = start
	w.End = end
	return timeutil.ClampWindow(w, base)
}

// decomposeByDay splits w at UTC midnight so each sub-gap targets exactly
// one cache key's day.
func decomposeByDay(w model.Window) []model.Window {
	days := timeutil.DaysCovering(w)
	out := make([]model.Window, 0, len(days))
	for _, d := range days {
		dayWindow := timeutil.DayWindow(d, w.Symbol, w.Market, w.Interval)
		clipped := timeutil.ClampWindow(w, dayWindow)
		if clipped.End.After(clipped.Start) {
			out = append(out, clipped)
		}
	}
	return out
}
