// Package clerr defines the error taxonomy shared by every clogs component.
//
// Errors are values, not exceptions: each category wraps a sentinel so
// callers can branch with errors.Is while still getting a human-readable
// message via fmt.Errorf's %w.
package clerr

import (
	"errors"
	"fmt"
)

// Sentinel categories, exposed on the package boundary.
var (
	// ErrInvalidArgument marks a precondition violation the caller controls
	// (bad type, bad size, missing buffer access). Raised eagerly, never
	// retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal marks a build failure, tuning failure, or invariant
	// violation that is not the caller's fault.
	ErrInternal = errors.New("internal error")

	// ErrCache marks the persistent parameter store being unreachable,
	// corrupt, or missing a required row when tuning is disabled.
	ErrCache = errors.New("cache error")

	// ErrNotFound is internal to the parameter cache; callers of the
	// public API should never observe it directly (see Promote).
	ErrNotFound = errors.New("not found")

	// ErrTune marks that no candidate parameter set survived tuning.
	ErrTune = errors.New("tuning failed")
)

// InvalidArgument wraps msg as an ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return wrap(ErrInvalidArgument, format, args...)
}

// Internal wraps msg as an ErrInternal.
func Internal(format string, args ...any) error {
	return wrap(ErrInternal, format, args...)
}

// Cache wraps msg as an ErrCache.
func Cache(format string, args ...any) error {
	return wrap(ErrCache, format, args...)
}

// NotFound wraps msg as an ErrNotFound.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Tune wraps msg as an ErrTune.
func Tune(format string, args ...any) error {
	return wrap(ErrTune, format, args...)
}

// Promote turns a cache-layer NotFound into a CacheError: NotFound is
// internal to the cache and must never cross the package boundary
// undisguised.
func Promote(err error) error {
	if errors.Is(err, ErrNotFound) {
		return Cache("%s", err.Error())
	}
	return err
}

type taggedError struct {
	sentinel error
	msg      string
}

func wrap(sentinel error, format string, args ...any) error {
	return &taggedError{sentinel: sentinel, msg: fmt.Sprintf(format, args...)}
}

func (e *taggedError) Error() string { return e.msg }

func (e *taggedError) Unwrap() error { return e.sentinel }
