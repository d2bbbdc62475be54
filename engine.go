// Package fcppm is the public façade (C9): it validates queries, aligns
// windows via C2, drives the C8 orchestrator, and applies the
// dense-vs-available-only output policy described in §4.9.
package fcppm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fcppm/archiveclient"
	"fcppm/cachestore"
	"fcppm/catalog"
	"fcppm/errs"
	"fcppm/internal/config"
	"fcppm/internal/logging"
	"fcppm/model"
	"fcppm/orchestrator"
	"fcppm/restclient"
	"fcppm/timeutil"
)

// EngineContext holds the engine's non-hidden ambient state: the logger and
// the knobs that govern it. There is no package-level logger anywhere in
// this module; every component is handed this context's logger explicitly.
type EngineContext struct {
	mu     sync.Mutex
	logCfg logging.Config
	logger zerolog.Logger
}

// NewEngineContext builds an EngineContext from a logging.Config.
func NewEngineContext(logCfg logging.Config) *EngineContext {
	return &EngineContext{logCfg: logCfg, logger: logging.New(logCfg)}
}

// Logger returns the context's current logger.
func (e *EngineContext) Logger() zerolog.Logger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logger
}

// WithLogLevel reconfigures the held logger's level at runtime, per §5's
// "verbosity is process-wide and may be reconfigured at runtime."
func (e *EngineContext) WithLogLevel(level logging.Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logCfg.Level = level
	e.logger = logging.New(e.logCfg)
}

// MissingFractionWarnThreshold is the fraction (§4.9: "e.g., 50%") above
// which a dense-reindex result logs a coverage warning. It is a fixed
// constant; EngineConfig has no option that overrides it.
const MissingFractionWarnThreshold = 0.5

// Engine is the constructed, ready-to-query façade.
type Engine struct {
	ctx  *EngineContext
	cfg  config.EngineConfig
	orch *orchestrator.Orchestrator
}

// NewEngine wires the three tiers and the orchestrator per cfg.
func NewEngine(cfg config.EngineConfig, ctx *EngineContext) (*Engine, error) {
	logCfg := logging.Config{Level: cfg.LogLevel, SuppressHTTPDebug: cfg.SuppressHTTPDebug, Quiet: cfg.QuietMode}
	if ctx == nil {
		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("fcppm: failed to open log file %s: %w", cfg.LogFile, err)
			}
			logCfg.Output = f
		}
		ctx = NewEngineContext(logCfg)
	}

	store, err := cachestore.New(cfg.CacheRoot, 0)
	if err != nil {
		return nil, fmt.Errorf("fcppm: failed to open cache root %s: %w", cfg.CacheRoot, err)
	}

	archive := archiveclient.New(archiveclient.Config{
		Timeout:     cfg.HTTPTimeout,
		Concurrency: cfg.ArchiveConcurrency,
	})

	rest, err := restclient.New(restclient.Config{
		Timeout:         cfg.HTTPTimeout,
		MaxRetries:      cfg.MaxRetries,
		RateBudget:      cfg.RateBudgetPerMarket,
		RateLimitPolicy: cfg.RateLimitPolicy,
		Logger:          ctx.Logger(),
		LogConfig:       logCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("fcppm: failed to construct rest client: %w", err)
	}

	orch := &orchestrator.Orchestrator{
		Cache:              store,
		Archive:            archive,
		Rest:               rest,
		Logger:             ctx.Logger(),
		ArchiveConcurrency: cfg.ArchiveConcurrency,
	}

	return &Engine{ctx: ctx, cfg: cfg, orch: orch}, nil
}

// QueryParams is one façade call's input.
type QueryParams struct {
	Symbol   string
	Market   catalog.MarketClass
	Interval catalog.Interval
	Start    time.Time
	End      time.Time

	AutoReindex bool
	Override    orchestrator.SourceOverride

	// Strict rejects a symbol/market shape mismatch as invalid-input instead
	// of the default "empty result with a logged suggestion" (§8 property 14).
	Strict bool
}

// Query validates params, aligns the window, runs the orchestrator and
// applies the output policy, returning a BarSeries.
func (e *Engine) Query(ctx context.Context, params QueryParams) (BarSeries, error) {
	correlationID := uuid.NewString()
	log := e.ctx.Logger().With().Str("correlation_id", correlationID).Str("symbol", params.Symbol).Logger()

	if !params.Market.AllowsInterval(params.Interval) {
		return BarSeries{}, errs.Tag("fcppm", errs.ErrInvalidInput, params.Symbol,
			fmt.Errorf("interval %s is not supported for market %s", params.Interval.Canonical(), params.Market))
	}
	if err := validateTimes(params.Start, params.End); err != nil {
		return BarSeries{}, errs.Tag("fcppm", errs.ErrInvalidInput, params.Symbol, err)
	}

	validation := catalog.Validate(params.Symbol, params.Market)
	if !validation.OK {
		if params.Strict {
			return BarSeries{}, errs.Tag("fcppm", errs.ErrInvalidInput, params.Symbol,
				fmt.Errorf("symbol shape does not match market %s", params.Market))
		}
		log.Warn().Str("suggestion", validation.Suggestion).Msg("symbol shape mismatch, returning empty result")
		return BarSeries{}, nil
	}
	symbol := catalog.Normalize(params.Symbol, params.Market)

	window := timeutil.Align(model.Window{
		Symbol: symbol, Market: params.Market, Interval: params.Interval,
		Start: params.Start, End: params.End,
	})

	result, err := e.orch.Run(ctx, orchestrator.Query{
		Window:      window,
		AutoReindex: params.AutoReindex,
		Override:    params.Override,
	})
	if err != nil {
		log.Warn().Err(err).Msg("query completed with unresolved gaps")
	}
	logCoverage(log, window, result.Coverage)

	if params.AutoReindex {
		series := reindexDense(window, result.Bars, result.Coverage)
		warnIfSparse(log, window, result.Bars)
		return series, err
	}
	return clipToOriginal(result.Bars, params.Start, params.End, result.Coverage), err
}

// validateTimes enforces §4.9's "start < end, times are UTC and not naïve".
func validateTimes(start, end time.Time) error {
	if start.Location() != time.UTC || end.Location() != time.UTC {
		return fmt.Errorf("start/end must be UTC-tagged, not naive or zone-local")
	}
	if !start.Before(end) {
		return fmt.Errorf("start must be before end")
	}
	return nil
}
