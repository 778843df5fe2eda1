package types

import (
	"fmt"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength       = 8192
	MaxSessionIDLength = 128
	MaxHeaders         = 50
)

// ProxyRequest is the body of POST /proxy.
type ProxyRequest struct {
	URL       string            `json:"url"`
	SessionID string            `json:"sessionId,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"` // extra upstream request headers
}

// Validate checks request shape. URL policy is enforced by the pipeline.
func (r *ProxyRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return ErrURLRequired
	}
	if len(r.URL) > MaxURLLength {
		return fmt.Errorf("%w (%d)", ErrURLTooLong, MaxURLLength)
	}
	if len(r.SessionID) > MaxSessionIDLength {
		return fmt.Errorf("%w: sessionId exceeds maximum length of %d", ErrInvalidRequest, MaxSessionIDLength)
	}
	if len(r.Headers) > MaxHeaders {
		return fmt.Errorf("%w: too many headers (maximum %d)", ErrInvalidRequest, MaxHeaders)
	}
	return nil
}

// ProxyResponse is the success body of POST /proxy.
type ProxyResponse struct {
	Success       bool              `json:"success"`
	Content       string            `json:"content"`
	StatusCode    int               `json:"statusCode"`
	Headers       map[string]string `json:"headers"`
	ContentLength int               `json:"contentLength"`
	FinalURL      string            `json:"finalUrl"`
	ContentType   string            `json:"contentType"`
}

// ErrorResponse is returned for any failed request. Blocked is set when a
// target was refused by URL policy.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Blocked bool   `json:"blocked,omitempty"`
}

// ValidateRequest is the body of POST /validate.
type ValidateRequest struct {
	URL string `json:"url"`
}

// ValidateResponse reports the normalized URL and the policy decision.
type ValidateResponse struct {
	Success     bool   `json:"success"`
	Valid       bool   `json:"valid"`
	URL         string `json:"url,omitempty"`
	OriginalURL string `json:"originalUrl"`
	Error       string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ServiceInfo is the body of GET /.
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Features  []string          `json:"features"`
	Endpoints map[string]string `json:"endpoints"`
}

// ResourceError is the JSON body of a failed GET /resource.
type ResourceError struct {
	Error string `json:"error"`
}

// SessionsResponse lists live sessions.
type SessionsResponse struct {
	Success  bool `json:"success"`
	Sessions any  `json:"sessions"`
	Count    int  `json:"count"`
}

// SessionCreatedResponse returns a freshly generated session token.
type SessionCreatedResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// AuditResponse carries the most recent audit events, oldest first.
type AuditResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
	Events  any  `json:"events"`
}

// StatsResponse carries per-upstream-host statistics, busiest first.
type StatsResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
	Hosts   any  `json:"hosts"`
}

// SessionDeletedResponse confirms a session was discarded.
type SessionDeletedResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// Status values for health and descriptor responses.
const (
	StatusHealthy = "healthy"
	StatusOnline  = "online"
)
