// Package logging builds the zerolog.Logger held by an EngineContext.
//
// There is deliberately no package-level logger here: every component is
// handed the logger it should use, following the "avoid hidden singletons"
// guidance for ambient state.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the engine's own log-level vocabulary, matching the recognized
// log_level configuration option values.
type Level string

const (
	Critical Level = "critical"
	Error    Level = "error"
	Warning  Level = "warning"
	Info     Level = "info"
	Debug    Level = "debug"
)

// Config configures a logger built by New.
type Config struct {
	Level Level

	// Output overrides the writer; defaults to os.Stderr when nil.
	Output io.Writer

	// SuppressHTTPDebug drops per-request debug lines even when Level is Debug.
	SuppressHTTPDebug bool

	// Quiet drops everything below Warning regardless of Level.
	Quiet bool
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Critical:
		return zerolog.FatalLevel
	case Error:
		return zerolog.ErrorLevel
	case Warning:
		return zerolog.WarnLevel
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	default:
		return zerolog.ErrorLevel
	}
}

// New builds a zerolog.Logger per cfg. Quiet wins over Level; SuppressHTTPDebug is
// read back by callers via IsHTTPDebugSuppressed rather than filtered here, since
// zerolog has no per-field suppression primitive.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	level := cfg.Level.zerolog()
	if cfg.Quiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// IsHTTPDebugSuppressed reports whether a component should skip emitting
// per-outbound-request debug lines given cfg.
func IsHTTPDebugSuppressed(cfg Config) bool {
	return cfg.SuppressHTTPDebug
}
