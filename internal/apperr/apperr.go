// Package apperr defines the fixed taxonomy of error kinds the core surfaces.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a core error, used to map it onto the
// API boundary's response classes.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindConflict            Kind = "conflict"
	KindAlreadyResolved     Kind = "already_resolved"
	KindOfferExpired        Kind = "offer_expired"
	KindNoApproverConfigured Kind = "no_approver_configured"
	KindTransientFailure    Kind = "transient_failure"
	KindStoreFailure        Kind = "store_failure"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	kind    Kind
	msg     string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error  { return newf(KindForbidden, format, args...) }
func AlreadyResolved(format string, args ...any) *Error {
	return newf(KindAlreadyResolved, format, args...)
}
func OfferExpired(format string, args ...any) *Error {
	return newf(KindOfferExpired, format, args...)
}
func NoApproverConfigured(format string, args ...any) *Error {
	return newf(KindNoApproverConfigured, format, args...)
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), wrapped: err}
}

func Transient(err error, format string, args ...any) *Error {
	return Wrap(KindTransientFailure, err, format, args...)
}

func Store(err error, format string, args ...any) *Error {
	return Wrap(KindStoreFailure, err, format, args...)
}

// ConflictWindow describes one overlapping reservation surfaced by a Conflict error.
type ConflictWindow struct {
	ReservationID int64
	Start         string // "HH:MM" formatted, UTC
	End           string
}

// ConflictError is the Conflict kind, carrying the overlapping windows so the
// caller can re-pick a slot.
type ConflictError struct {
	Error_  string
	Windows []ConflictWindow
}

func (e *ConflictError) Error() string { return e.Error_ }
func (e *ConflictError) Kind() Kind    { return KindConflict }

func Conflict(msg string, windows []ConflictWindow) *ConflictError {
	return &ConflictError{Error_: msg, Windows: windows}
}

// KindOf extracts the Kind of any error produced by this package, defaulting
// to KindStoreFailure for unrecognized errors (treated as internal).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	var c *ConflictError
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindStoreFailure
}

// Is reports whether err (or something it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
