package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
	KindUnavailable  Kind = "unavailable"
	KindTimeout      Kind = "timeout"
	KindRateLimit    Kind = "rate_limit"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
)

// Error is the single error type crossing component boundaries. It carries a
// stable machine code alongside the human message plus contextual details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches one contextual detail and returns the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap records the underlying cause and returns the error
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// New creates an error of the given kind
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed caller input
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// NotFound reports an absent referenced entity
func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

// Conflict reports an illegal state transition
func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

// Transient reports a retryable failure
func Transient(code, format string, args ...any) *Error {
	return New(KindTransient, code, format, args...)
}

// Fatal reports a non-recoverable task error
func Fatal(code, format string, args ...any) *Error {
	return New(KindFatal, code, format, args...)
}

// Unavailable reports a dependency that cannot serve requests
func Unavailable(code, format string, args ...any) *Error {
	return New(KindUnavailable, code, format, args...)
}

// Timeout reports an exceeded deadline
func Timeout(code, format string, args ...any) *Error {
	return New(KindTimeout, code, format, args...)
}

// Internal reports an unexpected failure
func Internal(code, format string, args ...any) *Error {
	return New(KindInternal, code, format, args...)
}

// KindOf extracts the kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should be retried with backoff
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to its HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts err to *Error, wrapping foreign errors as internal
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal_error", "%v", err)
}
