// Package apperr defines the error taxonomy shared by the relayer components
// and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindValidation indicates malformed or missing input. Never retried.
	KindValidation Kind = "VALIDATION"

	// KindAuthentication indicates a bad signature or an unusable session key.
	KindAuthentication Kind = "AUTHENTICATION"

	// KindForbidden indicates an ownership mismatch.
	KindForbidden Kind = "FORBIDDEN"

	// KindNotFound indicates the referenced record does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict indicates the request collides with existing state.
	KindConflict Kind = "CONFLICT"

	// KindRateLimited is not a correctness failure; it always carries RetryAfter.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindTransient indicates an infrastructure hiccup eligible for one fallback.
	KindTransient Kind = "TRANSIENT"

	// KindUpstream indicates an upstream service (bundler, secret store) is unreachable.
	KindUpstream Kind = "UPSTREAM"

	// KindChainUnavailable indicates the chain RPC cannot be reached.
	KindChainUnavailable Kind = "CHAIN_UNAVAILABLE"

	// KindAmbiguous indicates the transaction may or may not have landed.
	KindAmbiguous Kind = "AMBIGUOUS"

	// KindConfig indicates a deployment misconfiguration.
	KindConfig Kind = "CONFIG"

	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "INTERNAL"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind              Kind
	Message           string
	RetryAfter        time.Duration
	RetainClientState bool
	Cause             error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRetryAfter sets the retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithRetainClientState marks the error as "unknown, keep showing last known".
func (e *Error) WithRetainClientState() *Error {
	e.RetainClientState = true
	return e
}

// Retryable reports whether the error class may be retried by a RetryPolicy.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindChainUnavailable, KindUpstream:
		return true
	default:
		return false
	}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindAuthentication, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Config(format string, args ...any) *Error {
	return New(KindConfig, fmt.Sprintf(format, args...))
}

// RateLimited creates a rate limit error carrying the retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return New(KindRateLimited, "rate limited").WithRetryAfter(retryAfter)
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As is errors.As specialised to *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return false
}

// HTTPStatus maps an error onto the status code returned to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindTransient, KindChainUnavailable:
		return http.StatusServiceUnavailable
	case KindAmbiguous:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
