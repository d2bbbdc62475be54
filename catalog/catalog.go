// Package catalog enumerates providers, market classes and intervals, and
// validates a symbol's shape against its market class.
//
// Validation here is purely syntactic; whether a symbol is actually live on
// the exchange is only discovered at fetch time by the archive/REST tiers.
package catalog

import (
	"regexp"
	"strings"
	"time"
)

// Provider is an enumesque string identifying the data source this module
// targets. Only Binance is in scope (see spec §1 Non-goals: "provider
// adapters other than the reference one").
const Binance = "BINANCE"

// MarketClass is one of the three market conventions this engine understands.
type MarketClass int

const (
	Spot MarketClass = iota
	FuturesLinear
	FuturesInverse
)

func (m MarketClass) String() string {
	switch m {
	case Spot:
		return "spot"
	case FuturesLinear:
		return "futures-linear"
	case FuturesInverse:
		return "futures-inverse"
	default:
		return "unknown"
	}
}

// PathSegment is the market segment used in the cache's on-disk path.
func (m MarketClass) PathSegment() string { return m.String() }

// ArchiveSegment is the market segment used in the archive object store's URL shape.
func (m MarketClass) ArchiveSegment() string {
	switch m {
	case Spot:
		return "spot"
	case FuturesLinear:
		return "futures/um"
	case FuturesInverse:
		return "futures/cm"
	default:
		return ""
	}
}

// RestSegment is the market segment used in the REST endpoint's URL shape.
func (m MarketClass) RestSegment() string {
	switch m {
	case Spot:
		return "api/v3"
	case FuturesLinear:
		return "fapi/v1"
	case FuturesInverse:
		return "dapi/v1"
	default:
		return ""
	}
}

// Interval is one of the supported candlestick durations.
type Interval time.Duration

const (
	Interval1s  = Interval(time.Second)
	Interval1m  = Interval(time.Minute)
	Interval3m  = 3 * Interval1m
	Interval5m  = 5 * Interval1m
	Interval15m = 15 * Interval1m
	Interval30m = 30 * Interval1m
	Interval1h  = Interval(time.Hour)
	Interval2h  = 2 * Interval1h
	Interval4h  = 4 * Interval1h
	Interval6h  = 6 * Interval1h
	Interval8h  = 8 * Interval1h
	Interval12h = 12 * Interval1h
	Interval1d  = 24 * Interval1h
)

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration { return time.Duration(i) }

// Millis returns the interval's length in milliseconds.
func (i Interval) Millis() int64 { return int64(time.Duration(i) / time.Millisecond) }

// Canonical returns the exchange-facing name for the interval, e.g. "1h".
func (i Interval) Canonical() string {
	switch i {
	case Interval1s:
		return "1s"
	case Interval1m:
		return "1m"
	case Interval3m:
		return "3m"
	case Interval5m:
		return "5m"
	case Interval15m:
		return "15m"
	case Interval30m:
		return "30m"
	case Interval1h:
		return "1h"
	case Interval2h:
		return "2h"
	case Interval4h:
		return "4h"
	case Interval6h:
		return "6h"
	case Interval8h:
		return "8h"
	case Interval12h:
		return "12h"
	case Interval1d:
		return "1d"
	default:
		return ""
	}
}

// allIntervals is the universe of intervals this engine understands, ordered
// from finest to coarsest granularity.
var allIntervals = []Interval{
	Interval1s, Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h, Interval1d,
}

// IntervalsFor returns the ordered set of intervals supported for a market class.
// 1s is spot-only: sub-minute bars are restricted to spot per spec §3.
func IntervalsFor(m MarketClass) []Interval {
	out := make([]Interval, 0, len(allIntervals))
	for _, iv := range allIntervals {
		if iv == Interval1s && m != Spot {
			continue
		}
		out = append(out, iv)
	}
	return out
}

// AllowsInterval reports whether the market class supports the interval.
func (m MarketClass) AllowsInterval(i Interval) bool {
	for _, iv := range IntervalsFor(m) {
		if iv == i {
			return true
		}
	}
	return false
}

var (
	spotLinearShape = regexp.MustCompile(`^[A-Z0-9]{5,24}$`)
	inversePerp     = regexp.MustCompile(`^[A-Z0-9]{2,10}USD_PERP$`)
	inverseQuarter  = regexp.MustCompile(`^[A-Z0-9]{2,10}USD_[0-9]{6,8}$`)
)

// SymbolValidation is the result of validating a symbol against a market class.
type SymbolValidation struct {
	OK         bool
	Suggestion string // non-empty only when OK is false and a repair is known
}

// Validate checks a symbol's syntactic shape against its market class.
//
// A mismatch returns {OK: false}, never an error: the caller (C9) decides
// whether to reject or proceed with an empty result. When market is
// FuturesInverse and the symbol carries a USDT suffix, Validate suggests the
// USD_PERP repair.
func Validate(symbol string, m MarketClass) SymbolValidation {
	symbol = strings.ToUpper(symbol)
	switch m {
	case Spot, FuturesLinear:
		return SymbolValidation{OK: spotLinearShape.MatchString(symbol)}
	case FuturesInverse:
		if inversePerp.MatchString(symbol) || inverseQuarter.MatchString(symbol) {
			return SymbolValidation{OK: true}
		}
		suggestion := ""
		if strings.HasSuffix(symbol, "USDT") {
			suggestion = strings.TrimSuffix(symbol, "USDT") + "USD_PERP"
		}
		return SymbolValidation{OK: false, Suggestion: suggestion}
	default:
		return SymbolValidation{OK: false}
	}
}

// Normalize returns the corrected form of symbol for market, if Validate
// found a suggestion; otherwise it returns symbol unchanged.
func Normalize(symbol string, m MarketClass) string {
	v := Validate(strings.ToUpper(symbol), m)
	if !v.OK && v.Suggestion != "" {
		return v.Suggestion
	}
	return strings.ToUpper(symbol)
}
