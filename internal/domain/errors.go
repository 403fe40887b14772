package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error category. Every error surfaced by the core carries
// exactly one kind so callers can branch without string matching.
type Kind string

const (
	// Precondition violations, surfaced synchronously and never retried.
	KindAlreadyOnline  Kind = "already_online"
	KindNotOnline      Kind = "not_online"
	KindNotFound       Kind = "not_found"
	KindExists         Kind = "exists"
	KindAlreadyFarming Kind = "already_farming"

	// Resource exhaustion; the caller may retry later.
	KindProxyLimitReached Kind = "proxy_limit_reached"

	// Authentication-classified.
	KindVerificationRequired Kind = "verification_required"
	KindBadVerification      Kind = "bad_verification"
	KindBadCredentials       Kind = "bad_credentials"
	KindAccessDenied         Kind = "access_denied"

	// Transient provider errors, recovered locally via bounded retry.
	KindCookieExpired      Kind = "cookie_expired"
	KindServiceUnavailable Kind = "service_unavailable"

	// Farming.
	KindNoFarmableGames Kind = "no_farmable_games"

	// Anything not classified. Logged with full detail, never swallowed.
	KindUnexpected Kind = "unexpected"
)

// Error is the single tagged error type used across the core.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

// With attaches a context value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ContextValue reads a context value from err if it is a tagged error.
func ContextValue(err error, key string) (any, bool) {
	var e *Error
	if errors.As(err, &e) && e.Context != nil {
		v, ok := e.Context[key]
		return v, ok
	}
	return nil, false
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// E creates a new tagged error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a new tagged error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps cause under the given kind.
func WrapE(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Untagged errors report KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AuthRejection reports whether err is an authentication rejection that
// will not resolve without user action.
func AuthRejection(err error) bool {
	switch KindOf(err) {
	case KindBadCredentials, KindBadVerification, KindAccessDenied:
		return true
	}
	return false
}

// HTTPStatus maps the error kind to an HTTP response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyOnline, KindExists, KindAlreadyFarming:
		return http.StatusConflict
	case KindNotOnline, KindVerificationRequired, KindNoFarmableGames:
		return http.StatusBadRequest
	case KindBadCredentials, KindBadVerification:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindProxyLimitReached:
		return http.StatusTooManyRequests
	case KindServiceUnavailable, KindCookieExpired:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
