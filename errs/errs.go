// Package errs defines the error taxonomy surfaced across tier boundaries.
//
// Every error that crosses a component boundary is either one of the sentinel
// values below, or a TaggedError wrapping one of them with the (component,
// kind, key) triple a caller needs to act on it. User-visible errors never
// carry inner retry stack traces, only the offending key and kind.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput means a query failed input validation: bad symbol shape,
	// disallowed interval, naive datetime, or start >= end. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidSymbol means a source rejected the symbol as unknown. Fatal to the call.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrRateLimited means a source's rate/weight budget was exceeded. Never silently swallowed.
	ErrRateLimited = errors.New("rate limited")

	// ErrIntegrity means archive payload verification failed (checksum mismatch or bad schema).
	ErrIntegrity = errors.New("integrity error")

	// ErrTransport means a network/timeout failure, retried with backoff up to a bound.
	ErrTransport = errors.New("transport error")

	// ErrPartialCoverage is a non-fatal signal that the result does not cover the full
	// requested window from any tier. Delivered via coverage metadata, never as a panic.
	ErrPartialCoverage = errors.New("partial coverage")

	// ErrCorruptCache means a cache file failed its schema/invariant check on read.
	ErrCorruptCache = errors.New("corrupt cache file")

	// ErrFatalTransport means the source banned the client (e.g. HTTP 418). Not retried.
	ErrFatalTransport = errors.New("fatal transport error")

	// ErrCacheFileImmutable means a write targeted a cache key that already has a file.
	ErrCacheFileImmutable = errors.New("cache file is immutable")
)

// TaggedError carries the (component, kind, key) triple every propagated error must have.
type TaggedError struct {
	Component string
	Kind      error
	Key       string
	Err       error
}

func (e *TaggedError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%s[%s]: %v: %v", e.Component, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Component, e.Key, e.Kind)
}

func (e *TaggedError) Unwrap() error { return e.Kind }

// Tag wraps err (or, if err is nil, kind itself) into a TaggedError for the given component/key.
func Tag(component string, kind error, key string, err error) *TaggedError {
	if err == nil {
		err = kind
	}
	return &TaggedError{Component: component, Kind: kind, Key: key, Err: err}
}
