// Package orchestrator drives the Cache -> Archive -> REST tier sequence
// and merges partial results into one contiguous, deduplicated series
// (§4.8). It generalizes the teacher's iterator.Impl.Next — "check the
// cache, then fall through to the provider" — from a single cursor step
// into a whole-window, multi-tier, partially-parallel fetch.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fcppm/archiveclient"
	"fcppm/cachestore"
	"fcppm/catalog"
	"fcppm/daypack"
	"fcppm/errs"
	"fcppm/gapset"
	"fcppm/model"
	"fcppm/restclient"
	"fcppm/timeutil"
)

// SourceOverride forces the orchestrator to use (at most) a single tier.
type SourceOverride int

const (
	Auto SourceOverride = iota
	CacheOnly
	ArchiveOnly
	RestOnly
)

// Query is one orchestrator request. Window is assumed already aligned by
// the caller (C9's façade owns that step).
type Query struct {
	Window      model.Window
	AutoReindex bool
	Override    SourceOverride
}

// Coverage counts, per source, how many of the final bars it contributed.
// Counts reflect the merge winner, not raw fetch volume: a bar fetched
// from Archive but later overwritten by REST counts toward Rest only.
type Coverage struct {
	ServedFromCache   int
	ServedFromArchive int
	ServedFromRest    int
}

// Total is the sum of the three tier counts.
func (c Coverage) Total() int {
	return c.ServedFromCache + c.ServedFromArchive + c.ServedFromRest
}

// Result is the orchestrator's raw (non-reindexed) output.
type Result struct {
	Bars     []model.Bar
	Coverage Coverage
}

// Orchestrator wires the three tiers and the gap analyzer together.
type Orchestrator struct {
	Cache   *cachestore.Store
	Archive *archiveclient.Client
	Rest    *restclient.Client
	Logger  zerolog.Logger

	// ArchiveConcurrency bounds parallel per-day archive fetches within one
	// query; it is independent of the archive client's own internal bound.
	ArchiveConcurrency int

	// Now is overridable for deterministic tests; defaults to time.Now at
	// call time when nil.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

const sourceCache, sourceArchive, sourceRest = "cache", "archive", "rest"

// Run executes the tier sequence for q and returns the merged result.
//
// A fatal REST outcome (invalid-symbol or a fatal-transport ban, §7) always
// escalates to the caller regardless of what other tiers contributed, since
// neither kind will resolve by retrying or falling back. A non-fatal archive
// integrity failure only escalates if REST also failed to cover the gap it
// left behind.
func (o *Orchestrator) Run(ctx context.Context, q Query) (Result, error) {
	merged := newMergeSet()

	switch q.Override {
	case CacheOnly:
		o.cacheSweep(q.Window, merged)
	case ArchiveOnly:
		if err := o.archivePass(ctx, gapset.Gaps(q.Window, nil), merged); err != nil {
			return o.finalize(q.Window, merged), err
		}
	case RestOnly:
		if err := o.restPass(ctx, []model.Window{q.Window}, merged); err != nil {
			return o.finalize(q.Window, merged), err
		}
	default:
		o.cacheSweep(q.Window, merged)
		gaps := gapset.Gaps(q.Window, merged.bars())
		integrityErr := o.archivePass(ctx, gaps, merged)
		gaps = gapset.Gaps(q.Window, merged.bars())
		if fatalErr := o.restPass(ctx, gaps, merged); fatalErr != nil {
			return o.finalize(q.Window, merged), fatalErr
		}
		if integrityErr != nil && len(gapset.Gaps(q.Window, merged.bars())) > 0 {
			return o.finalize(q.Window, merged), integrityErr
		}
	}

	return o.finalize(q.Window, merged), nil
}

func (o *Orchestrator) finalize(window model.Window, merged *mergeSet) Result {
	bars, coverage := merged.finalize(window)
	return Result{Bars: bars, Coverage: coverage}
}

// cacheSweep reads every day covering window from the cache and folds the
// union into merged.
func (o *Orchestrator) cacheSweep(window model.Window, merged *mergeSet) {
	if o.Cache == nil {
		return
	}
	for _, day := range timeutil.DaysCovering(window) {
		key := dayKey(window, day)
		pack, hit, err := o.Cache.Get(key)
		if err != nil {
			o.Logger.Warn().Str("key", key.String()).Err(err).Msg("cachestore read failed, treating as miss")
			continue
		}
		if !hit {
			continue
		}
		merged.add(sourceCache, pack.Bars)
	}
}

// archivePass fetches every closed-day gap from the archive in parallel up
// to ArchiveConcurrency, merges served bars, and writes complete packs back
// to cache. It returns a tagged integrity error if any day failed
// verification, for the caller to surface only if REST also cannot cover
// that day.
func (o *Orchestrator) archivePass(ctx context.Context, gaps []model.Window, merged *mergeSet) error {
	if o.Archive == nil {
		return nil
	}
	now := o.now()

	type dayJob struct {
		window model.Window
		key    model.CacheKey
	}
	var jobs []dayJob
	for _, g := range gaps {
		day := timeutil.DayOf(g.Start)
		if !timeutil.IsClosedDay(day, now) {
			continue // today's partial day is REST's job, never archive's
		}
		jobs = append(jobs, dayJob{window: g, key: dayKey(g, day)})
	}
	if len(jobs) == 0 {
		return nil
	}

	keys := make([]model.CacheKey, len(jobs))
	for i, j := range jobs {
		keys[i] = j.key
	}

	concurrency := o.ArchiveConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	outcomes := fetchDaysBounded(ctx, o.Archive, keys, concurrency)

	var integrityErr error
	for i, outcome := range outcomes {
		key := jobs[i].key
		switch outcome.Kind {
		case model.Served:
			merged.add(sourceArchive, outcome.Bars)
			if len(outcome.Bars) == timeutil.ExpectedCount(key.Interval) {
				p := daypack.DayPack{Key: key, Bars: outcome.Bars}
				if err := o.Cache.Put(key, p, now, false); err != nil {
					o.Logger.Warn().Str("key", key.String()).Err(err).Msg("archive-sourced pack failed to write to cache")
				}
			}
		case model.NotYetPublished, model.EmptyClosed:
			// Soft miss: fall through to REST without error.
		case model.IntegrityError:
			tagged := errs.Tag("orchestrator", errs.ErrIntegrity, key.String(), outcome.Err)
			o.Logger.Warn().Str("key", key.String()).Err(tagged).Msg("archive integrity check failed")
			integrityErr = tagged
		default:
			o.Logger.Warn().Str("key", key.String()).Str("kind", outcome.Kind.String()).Msg("archive fetch did not serve")
		}
	}
	return integrityErr
}

// fetchDaysBounded runs at most concurrency FetchDay calls at once and
// returns outcomes in the same order as keys.
func fetchDaysBounded(ctx context.Context, c *archiveclient.Client, keys []model.CacheKey, concurrency int) []model.FetchOutcome {
	out := make([]model.FetchOutcome, len(keys))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, key := range keys {
		i, key := i, key
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = c.FetchDay(ctx, key)
		}()
	}
	wg.Wait()
	return out
}

// restPass calls RESTClient.fetch for every remaining gap. REST gaps may
// span multiple days (e.g. the archive's ~48h tail); each gap is fetched as
// one paginated window. Full closed days obtained entirely from REST are
// written back to cache; today's still-accumulating day never is.
//
// invalid-symbol and fatal-transport (418 ban) are "Fatal to the call" per
// §7: restPass stops fetching further gaps and returns a tagged error for
// Run to escalate, instead of logging them away like every other outcome.
func (o *Orchestrator) restPass(ctx context.Context, gaps []model.Window, merged *mergeSet) error {
	if o.Rest == nil {
		return nil
	}
	now := o.now()

	for _, g := range gaps {
		outcome := o.Rest.FetchWindow(ctx, g)
		switch outcome.Kind {
		case model.Served:
			merged.add(sourceRest, outcome.Bars)
			o.maybeCacheFullDay(g, outcome.Bars, now)
		case model.InvalidSymbol:
			return errs.Tag("orchestrator", errs.ErrInvalidSymbol, g.String(), outcome.Err)
		default:
			if len(outcome.Bars) > 0 {
				merged.add(sourceRest, outcome.Bars)
			}
			if errors.Is(outcome.Err, errs.ErrFatalTransport) {
				return errs.Tag("orchestrator", errs.ErrFatalTransport, g.String(), outcome.Err)
			}
			if outcome.Err != nil {
				o.Logger.Warn().Str("window", g.String()).Str("kind", outcome.Kind.String()).Err(outcome.Err).Msg("rest fetch did not fully serve")
			}
		}
	}
	return nil
}

func (o *Orchestrator) maybeCacheFullDay(g model.Window, bars []model.Bar, now time.Time) {
	if o.Cache == nil {
		return
	}
	day := timeutil.DayOf(g.Start)
	if !timeutil.IsClosedDay(day, now) {
		return
	}
	dayWindow := timeutil.DayWindow(day, g.Symbol, g.Market, g.Interval)
	if !(g.Start.Equal(dayWindow.Start) && g.End.Equal(dayWindow.End)) {
		return // g doesn't cover the whole day; a partial REST slice is never cached
	}
	if len(bars) != timeutil.ExpectedCount(g.Interval) {
		return
	}
	key := dayKey(g, day)
	if err := o.Cache.Put(key, daypack.DayPack{Key: key, Bars: bars}, now, false); err != nil {
		o.Logger.Warn().Str("key", key.String()).Err(err).Msg("rest-sourced full day failed to write to cache")
	}
}

func dayKey(w model.Window, day time.Time) model.CacheKey {
	return model.CacheKey{
		Provider: catalog.Binance, Market: w.Market, Symbol: w.Symbol,
		Interval: w.Interval, Date: day,
	}
}

// mergeSet accumulates bars per source and resolves duplicate open-times by
// the deterministic precedence CACHE < ARCHIVE < REST: a later-added source
// always overwrites an earlier one at the same open-time, and within one
// source the later record in add-order wins.
type mergeSet struct {
	mu     sync.Mutex
	byTime map[int64]taggedBar
}

type taggedBar struct {
	bar    model.Bar
	source string
}

func newMergeSet() *mergeSet {
	return &mergeSet{byTime: map[int64]taggedBar{}}
}

func (m *mergeSet) add(source string, bars []model.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		m.byTime[b.OpenTime.UnixMilli()] = taggedBar{bar: b, source: source}
	}
}

func (m *mergeSet) bars() []model.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Bar, 0, len(m.byTime))
	for _, tb := range m.byTime {
		out = append(out, tb.bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

func (m *mergeSet) finalize(window model.Window) ([]model.Bar, Coverage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cov Coverage
	out := make([]model.Bar, 0, len(m.byTime))
	for _, tb := range m.byTime {
		if tb.bar.OpenTime.Before(window.Start) || !tb.bar.OpenTime.Before(window.End) {
			continue
		}
		out = append(out, tb.bar)
		switch tb.source {
		case sourceCache:
			cov.ServedFromCache++
		case sourceArchive:
			cov.ServedFromArchive++
		case sourceRest:
			cov.ServedFromRest++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, cov
}
