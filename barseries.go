package fcppm

import (
	"time"

	"github.com/rs/zerolog"

	"fcppm/errs"
	"fcppm/model"
	"fcppm/orchestrator"
)

// Row is one output row. Open/High/Low/Close/Volume are pointers so a
// dense-reindexed gap can be represented as nulls without a sentinel value
// colliding with a legitimate zero price.
type Row struct {
	OpenTime time.Time
	Open     *float64
	High     *float64
	Low      *float64
	Close    *float64
	Volume   *float64
}

// BarSeries is the façade's opaque ordered tabular output: columns
// {open_time, open, high, low, close, volume}, strictly ascending by
// open-time, UTC-tagged (§6 Output contract). Coverage exposes the
// per-tier metadata SPEC_FULL.md promises the caller alongside the rows
// themselves, not only through logging.
type BarSeries struct {
	Rows     []Row
	Coverage orchestrator.Coverage
}

// Len returns the row count.
func (s BarSeries) Len() int { return len(s.Rows) }

func rowFromBar(b model.Bar) Row {
	open, high, low, closePrice, vol := b.Open, b.High, b.Low, b.Close, b.Volume
	return Row{OpenTime: b.OpenTime, Open: &open, High: &high, Low: &low, Close: &closePrice, Volume: &vol}
}

// clipToOriginal implements auto_reindex=false: exactly the bars produced,
// clipped to the original (unaligned) [start, end) window.
func clipToOriginal(bars []model.Bar, start, end time.Time, coverage orchestrator.Coverage) BarSeries {
	rows := make([]Row, 0, len(bars))
	for _, b := range bars {
		if b.OpenTime.Before(start) || !b.OpenTime.Before(end) {
			continue
		}
		rows = append(rows, rowFromBar(b))
	}
	return BarSeries{Rows: rows, Coverage: coverage}
}

// reindexDense implements auto_reindex=true: one row per interval step
// across the aligned window, with null OHLCV where no source produced data.
func reindexDense(window model.Window, bars []model.Bar, coverage orchestrator.Coverage) BarSeries {
	step := window.Interval.Duration()
	byTime := make(map[int64]model.Bar, len(bars))
	for _, b := range bars {
		byTime[b.OpenTime.UnixMilli()] = b
	}

	var rows []Row
	for t := window.Start; t.Before(window.End); t = t.Add(step) {
		if b, ok := byTime[t.UnixMilli()]; ok {
			rows = append(rows, rowFromBar(b))
			continue
		}
		rows = append(rows, Row{OpenTime: t})
	}
	return BarSeries{Rows: rows, Coverage: coverage}
}

// warnIfSparse logs when a dense-reindexed result's missing fraction
// exceeds MissingFractionWarnThreshold (§4.9).
func warnIfSparse(log zerolog.Logger, window model.Window, bars []model.Bar) {
	total := int64(window.End.Sub(window.Start) / window.Interval.Duration())
	if total == 0 {
		return
	}
	missing := total - int64(len(bars))
	if missing <= 0 {
		return
	}
	frac := float64(missing) / float64(total)
	if frac > MissingFractionWarnThreshold {
		log.Warn().
			Float64("missing_fraction", frac).
			Str("window", window.String()).
			Msg("dense reindex result has a high missing fraction")
	}
}

// logCoverage implements §7's partial-coverage delivery: "via log +
// return-value coverage metadata, no exception." It never returns an error;
// Coverage on BarSeries is the return-value half of that contract.
func logCoverage(log zerolog.Logger, window model.Window, coverage orchestrator.Coverage) {
	total := int64(window.End.Sub(window.Start) / window.Interval.Duration())
	if total == 0 || int64(coverage.Total()) >= total {
		return
	}
	log.Warn().
		Err(errs.Tag("fcppm", errs.ErrPartialCoverage, window.String(), nil)).
		Int("served_from_cache", coverage.ServedFromCache).
		Int("served_from_archive", coverage.ServedFromArchive).
		Int("served_from_rest", coverage.ServedFromRest).
		Int64("expected_bars", total).
		Msg("query result has partial coverage")
}
