// Package config loads the engine's recognized configuration options
// (§6) from environment variables, following the teacher-pack's
// godotenv-plus-os.Getenv convention rather than a config framework.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fcppm/catalog"
	"fcppm/internal/logging"
	"fcppm/orchestrator"
	"fcppm/restclient"
)

// EngineConfig holds every recognized option from §6.
type EngineConfig struct {
	CacheRoot          string
	HTTPTimeout        time.Duration
	MaxRetries         int
	RateBudgetPerMarket map[catalog.MarketClass]int
	ArchiveConcurrency int
	LogLevel           logging.Level
	LogFile            string
	SuppressHTTPDebug  bool
	QuietMode          bool
	SourceOverride     orchestrator.SourceOverride
	AutoReindex        bool
	RateLimitPolicy    restclient.RateLimitPolicy
}

// Defaults returns the documented §6 defaults.
func Defaults() EngineConfig {
	return EngineConfig{
		CacheRoot:   defaultCacheRoot(),
		HTTPTimeout: 30 * time.Second,
		MaxRetries:  3,
		RateBudgetPerMarket: map[catalog.MarketClass]int{
			catalog.Spot:           6000,
			catalog.FuturesLinear:  2400,
			catalog.FuturesInverse: 2400,
		},
		ArchiveConcurrency: 4,
		LogLevel:           logging.Error,
		SuppressHTTPDebug:  true,
		QuietMode:          false,
		SourceOverride:     orchestrator.Auto,
		AutoReindex:        false,
		RateLimitPolicy:    restclient.WaitForBudget,
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "fcppm"
	}
	return ".fcppm-cache"
}

// Load reads .env (if present, via godotenv, ignored if absent) then the
// FCP_* environment variables, applying Defaults() for anything unset.
func Load() EngineConfig {
	_ = godotenv.Load()
	cfg := Defaults()

	if v := os.Getenv("FCP_CACHE_ROOT"); v != "" {
		cfg.CacheRoot = v
	}
	if v := os.Getenv("FCP_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if v := os.Getenv("FCP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("FCP_ARCHIVE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ArchiveConcurrency = n
		}
	}
	if v := os.Getenv("FCP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = logging.Level(strings.ToLower(v))
	}
	if v := os.Getenv("FCP_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("FCP_SOURCE_OVERRIDE"); v != "" {
		cfg.SourceOverride = parseSourceOverride(v)
	}
	if v := os.Getenv("FCP_AUTO_REINDEX"); v != "" {
		cfg.AutoReindex, _ = strconv.ParseBool(v)
	}

	return cfg
}

func parseSourceOverride(v string) orchestrator.SourceOverride {
	switch strings.ToLower(v) {
	case "cache":
		return orchestrator.CacheOnly
	case "archive":
		return orchestrator.ArchiveOnly
	case "rest":
		return orchestrator.RestOnly
	default:
		return orchestrator.Auto
	}
}
