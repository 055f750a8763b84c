// Package fault defines the kinded error values used across the engine.
// Every component returns a *fault.Error (or wraps one); the HTTP adapter
// owns the mapping from kind to status code, and the command registry maps
// kinds into the response envelope.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the engine's fixed taxonomy.
type Kind string

const (
	// KindInvalidArgument covers malformed selectors, missing required
	// parameters and invalid slugs.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound covers unknown projects, entities, versions, commits,
	// presets and tokens.
	KindNotFound Kind = "not_found"
	// KindConflict covers attempts to create a resource that exists.
	KindConflict Kind = "conflict"
	// KindAuth covers missing/invalid/inactive tokens, bootstrap misuse
	// and a disabled API.
	KindAuth Kind = "auth"
	// KindRateLimited is a per-client security decision.
	KindRateLimited Kind = "rate_limited"
	// KindLockedDown is a global security decision.
	KindLockedDown Kind = "locked_down"
	// KindStorage covers filesystem and integrity failures.
	KindStorage Kind = "storage"
	// KindInternal covers everything uncaught.
	KindInternal Kind = "internal"
)

// Error is a kinded error with optional structured metadata that surfaces
// in the response envelope's meta block.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithMeta attaches a metadata key, returning the same error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// WithCause records an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds an invalid_argument error.
func Invalid(format string, args ...any) *Error {
	return newf(KindInvalidArgument, format, args...)
}

// NotFound builds a not_found error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

// Auth builds an auth error. The reason lands in meta.reason so REST
// clients can branch on it.
func Auth(reason, format string, args ...any) *Error {
	return newf(KindAuth, format, args...).WithMeta("reason", reason)
}

// RateLimited builds a rate_limited error carrying a Retry-After hint in
// seconds.
func RateLimited(retryAfter int, format string, args ...any) *Error {
	return newf(KindRateLimited, format, args...).WithMeta("retry_after", retryAfter)
}

// LockedDown builds a locked_down error carrying a Retry-After hint in
// seconds.
func LockedDown(retryAfter int, format string, args ...any) *Error {
	return newf(KindLockedDown, format, args...).WithMeta("retry_after", retryAfter)
}

// Storage builds a storage error.
func Storage(format string, args ...any) *Error {
	return newf(KindStorage, format, args...)
}

// Internal builds an internal error.
func Internal(format string, args ...any) *Error {
	return newf(KindInternal, format, args...)
}

// KindOf classifies any error. Wrapped *Error values keep their kind; nil
// returns an empty kind; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// As extracts the *Error from a chain, or wraps a foreign error as
// internal so callers always have structured access.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Internal("%s", err.Error()).WithCause(err)
}
