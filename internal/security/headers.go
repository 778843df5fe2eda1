package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Rorqualx/isoproxy/internal/policy"
)

// Limits for caller-supplied upstream headers.
const (
	MaxHeaderCount       = 50
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192  // 8KB per header
	MaxTotalHeadersSize  = 65536 // 64KB total for all headers combined
)

// Header validation errors.
var (
	ErrTooManyHeaders      = errors.New("too many headers (maximum 50)")
	ErrHeaderNameTooLong   = errors.New("header name exceeds maximum length of 256 bytes")
	ErrHeaderValueTooLong  = errors.New("header value exceeds maximum length of 8KB")
	ErrTotalHeadersTooLong = errors.New("total headers size exceeds maximum of 64KB")
	ErrHeaderNameEmpty     = errors.New("header name cannot be empty")
	ErrBlockedHeader       = errors.New("header is not allowed for security reasons")
	ErrInvalidHeaderName   = errors.New("header name contains invalid characters")
	ErrInvalidHeaderChar   = errors.New("header value contains invalid characters")
)

// blockedRequestHeaders are headers a caller may not add to an upstream
// request. The fetcher owns framing, identity and cookies.
var blockedRequestHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-length":    true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
	"accept-encoding":   true,

	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,

	"origin":     true,
	"referer":    true,
	"user-agent": true,
}

var blockedRequestHeaderPrefixes = []string{
	"sec-",
	"x-forwarded-",
	"proxy-",
	"x-real-",
	"forwarded",
}

// ValidateHeaders validates caller-supplied extra headers before they are
// merged into an upstream request.
func ValidateHeaders(headers map[string]string) error {
	if headers == nil {
		return nil
	}

	if len(headers) > MaxHeaderCount {
		return ErrTooManyHeaders
	}

	var totalSize int
	for name, value := range headers {
		if err := validateHeaderName(name); err != nil {
			return fmt.Errorf("invalid header name %q: %w", name, err)
		}
		if err := validateHeaderValue(value); err != nil {
			return fmt.Errorf("invalid value for header %q: %w", name, err)
		}

		// name + value + ": " + CRLF
		totalSize += len(name) + len(value) + 4
		if totalSize > MaxTotalHeadersSize {
			return ErrTotalHeadersTooLong
		}
	}

	return nil
}

func validateHeaderName(name string) error {
	if name == "" {
		return ErrHeaderNameEmpty
	}
	if len(name) > MaxHeaderNameLength {
		return ErrHeaderNameTooLong
	}

	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return ErrInvalidHeaderName
		}
	}

	nameLower := strings.ToLower(name)
	if blockedRequestHeaders[nameLower] {
		return ErrBlockedHeader
	}
	for _, prefix := range blockedRequestHeaderPrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return ErrBlockedHeader
		}
	}

	return nil
}

// validateHeaderValue allows printable ASCII only. Tabs are rejected too,
// which is stricter than RFC 7230.
func validateHeaderValue(value string) error {
	if len(value) > MaxHeaderValueLength {
		return ErrHeaderValueTooLong
	}
	for _, c := range value {
		if c < 32 || c >= 127 {
			return ErrInvalidHeaderChar
		}
	}
	return nil
}

// SanitizeResponseHeaders returns the upstream response headers that are
// safe to hand to a sandboxed viewer. Framing and embedding controls,
// cookies and body-encoding headers (the body has already been decoded)
// are dropped. Remaining keys keep the case they arrived with and
// multi-valued headers are joined with ", ".
func SanitizeResponseHeaders(h http.Header, p *policy.Policy) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if p.IsStrippedHeader(name) {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
