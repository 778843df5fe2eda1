// Package types provides shared API types and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrURLRequired    = errors.New("url is required")
	ErrURLTooLong     = errors.New("url exceeds maximum length")

	// Upstream fetch errors
	ErrUpstreamTimeout    = errors.New("upstream request timed out")
	ErrUpstreamTLS        = errors.New("upstream TLS handshake or certificate failure")
	ErrUpstreamConnection = errors.New("upstream connection failed")
	ErrResponseTooLarge   = errors.New("response exceeds maximum size")
	ErrUpstreamBlocked    = errors.New("upstream target rejected by policy")
	ErrTooManyRedirects   = errors.New("too many redirects")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
)

// FetchErrorKind classifies an upstream fetch failure.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchTLS        FetchErrorKind = "tls"
	FetchConnection FetchErrorKind = "connection"
	FetchOversize   FetchErrorKind = "oversize"
	FetchBlocked    FetchErrorKind = "blocked"
	FetchCanceled   FetchErrorKind = "canceled"
)

var kindSentinels = map[FetchErrorKind]error{
	FetchTimeout:    ErrUpstreamTimeout,
	FetchTLS:        ErrUpstreamTLS,
	FetchConnection: ErrUpstreamConnection,
	FetchOversize:   ErrResponseTooLarge,
	FetchBlocked:    ErrUpstreamBlocked,
	FetchCanceled:   ErrContextCanceled,
}

var kindMessages = map[FetchErrorKind]string{
	FetchTimeout:    "Request timed out",
	FetchTLS:        "SSL certificate verification failed",
	FetchConnection: "Could not connect to the website",
	FetchOversize:   "Response too large",
	FetchBlocked:    "Blocked by security policy",
	FetchCanceled:   "Request canceled",
}

// FetchError describes a failed upstream fetch. Message is generic per kind
// and safe to show to callers; Cause keeps the underlying error for logs.
type FetchError struct {
	Kind    FetchErrorKind
	URL     string // redacted target URL
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind sentinel and the underlying cause, so
// errors.Is matches either.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewFetchError creates a FetchError with the generic message for kind.
func NewFetchError(kind FetchErrorKind, url string, cause error) *FetchError {
	msg, ok := kindMessages[kind]
	if !ok {
		msg = "Upstream fetch failed"
	}
	return &FetchError{
		Kind:    kind,
		URL:     url,
		Message: msg,
		Cause:   cause,
	}
}
