// Package model holds the data types shared across tiers: Bar, Window,
// CacheKey and FetchOutcome. It has no behaviour beyond validation and
// path/string formatting; the algorithms that operate on these types live in
// timeutil, gapset, daypack, cachestore, archiveclient, restclient and
// orchestrator.
package model

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"fcppm/catalog"
)

// Bar is one candle: open-time is the start of the covered half-open
// interval [OpenTime, OpenTime+interval).
type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Validate checks the per-spec invariants (§3 Bar): all of OHLCV finite,
// Volume non-negative, High >= max(Open,Close), Low <= min(Open,Close).
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar at %s has a non-finite OHLCV value", b.OpenTime.Format(time.RFC3339))
		}
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %s has negative volume", b.OpenTime.Format(time.RFC3339))
	}
	if b.High < math.Max(b.Open, b.Close) {
		return fmt.Errorf("bar at %s has High below max(Open,Close)", b.OpenTime.Format(time.RFC3339))
	}
	if b.Low > math.Min(b.Open, b.Close) {
		return fmt.Errorf("bar at %s has Low above min(Open,Close)", b.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// Window is a half-open UTC range [Start, End) for one symbol/market/interval.
type Window struct {
	Symbol   string
	Market   catalog.MarketClass
	Interval catalog.Interval
	Start    time.Time
	End      time.Time
}

// String renders the window for logging/keys.
func (w Window) String() string {
	return fmt.Sprintf("%s:%s:%s[%s,%s)", w.Market, w.Symbol, w.Interval.Canonical(),
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// CacheKey is the tuple (provider, market, symbol, interval, date) that maps
// deterministically to a cache file path.
type CacheKey struct {
	Provider string
	Market   catalog.MarketClass
	Symbol   string
	Interval catalog.Interval
	Date     time.Time // UTC midnight of the covered day
}

// RelPath returns the key's path relative to a cache root, per §6:
// <provider>/<market>/klines/daily/<SYMBOL>/<interval>/<YYYY-MM-DD>.<ext>
func (k CacheKey) RelPath(ext string) string {
	return filepath.Join(
		k.Provider,
		k.Market.PathSegment(),
		"klines", "daily",
		k.Symbol,
		k.Interval.Canonical(),
		k.Date.UTC().Format("2006-01-02")+"."+ext,
	)
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Provider, k.Market, k.Symbol, k.Interval.Canonical(), k.Date.UTC().Format("2006-01-02"))
}

// OutcomeKind classifies a per-source fetch result.
type OutcomeKind int

const (
	Served OutcomeKind = iota
	EmptyClosed
	EmptyPartialDay
	RejectedFuture
	NotYetPublished
	RateLimited
	TransportError
	IntegrityError
	InvalidSymbol
)

func (k OutcomeKind) String() string {
	switch k {
	case Served:
		return "served"
	case EmptyClosed:
		return "empty-closed"
	case EmptyPartialDay:
		return "empty-partial-day"
	case RejectedFuture:
		return "rejected-future"
	case NotYetPublished:
		return "not-yet-published"
	case RateLimited:
		return "rate-limited"
	case TransportError:
		return "transport-error"
	case IntegrityError:
		return "integrity-error"
	case InvalidSymbol:
		return "invalid-symbol"
	default:
		return "unknown"
	}
}

// RetryHint suggests how long a caller should wait before retrying.
type RetryHint struct {
	After time.Duration
}

// FetchOutcome is the result of one source's attempt to serve a gap or day.
type FetchOutcome struct {
	Kind  OutcomeKind
	Bars  []Bar
	Retry *RetryHint
	Err   error
}
