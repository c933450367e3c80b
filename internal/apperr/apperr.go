// Package apperr defines the typed error taxonomy used across the market
// engine. Admission-time failures (opening a market, starting a run) carry
// one of these kinds so the HTTP layer can map them to a status code;
// per-pair failures inside a run are recorded on the ledger row instead of
// propagating.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota

	// KindValidation marks bad inputs rejected before any mutation.
	KindValidation

	// KindConflict marks state conflicts: market not open, a run already
	// active for today.
	KindConflict

	// KindNotFound marks a missing market or event.
	KindNotFound

	// KindConfiguration marks missing account/position/config rows or a
	// missing upstream credential. These are operator problems, not
	// caller problems.
	KindConfiguration
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// Conflict creates a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

// NotFound creates a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// Configuration creates a KindConfiguration error.
func Configuration(format string, args ...any) *Error {
	return newError(KindConfiguration, format, args...)
}

// Wrap attaches a cause while keeping the kind and message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newError(kind, format, args...)
	e.cause = cause
	return e
}

// KindOf returns the kind of err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
