// Package apperr defines the error-kind taxonomy shared by every service, translated to
// transport-specific status codes only at the gateway edge.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error independent of its transport.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindUnauthenticated   Kind = "unauthenticated"
	KindPermissionDenied  Kind = "permission_denied"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindRateLimited       Kind = "rate_limited"
	KindFailedPrecondition Kind = "failed_precondition"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is an apperr-kinded error carrying an operator-facing message plus an optional
// wrapped cause for logging.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind, recording cause for logging via %w chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// As extracts the apperr.Error embedded (directly or transitively) in err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindInternal when err carries no
// apperr.Error in its chain.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, fmt.Sprintf(format, args...))
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, fmt.Sprintf(format, args...))
}

func QuotaExceeded(format string, args ...any) *Error {
	return New(KindQuotaExceeded, fmt.Sprintf(format, args...))
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimited, fmt.Sprintf(format, args...))
}

func FailedPrecondition(format string, args ...any) *Error {
	return New(KindFailedPrecondition, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...any) *Error {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, fmt.Sprintf(format, args...))
}
