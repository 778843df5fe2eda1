// Package pipeline runs the fetch-and-reconstruct flow behind the API:
// normalize and validate the target, fetch it with the session's cookies,
// reverse content encoding, recover the character set, rewrite HTML/CSS
// and strip unsafe response headers. Every decision point is audited.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/isoproxy/internal/audit"
	"github.com/Rorqualx/isoproxy/internal/content"
	"github.com/Rorqualx/isoproxy/internal/fetcher"
	"github.com/Rorqualx/isoproxy/internal/metrics"
	"github.com/Rorqualx/isoproxy/internal/ratelimit"
	"github.com/Rorqualx/isoproxy/internal/rewrite"
	"github.com/Rorqualx/isoproxy/internal/security"
	"github.com/Rorqualx/isoproxy/internal/session"
	"github.com/Rorqualx/isoproxy/internal/stats"
	"github.com/Rorqualx/isoproxy/internal/types"
)

// defaultResourceType is used when an upstream omits Content-Type and
// sniffing cannot name the body.
const defaultResourceType = "application/octet-stream"

// Upstream fetches a URL. *fetcher.Fetcher implements it.
type Upstream interface {
	Fetch(ctx context.Context, u *url.URL, extraHeaders http.Header, cookies map[string]string) (*fetcher.Result, error)
	MaxBodyBytes() int64
}

// PageRequest asks for a full page.
type PageRequest struct {
	URL        string
	SessionID  string
	ClientAddr string
	Headers    map[string]string // extra upstream request headers
}

// PageResult is a reconstructed page ready for the viewer.
type PageResult struct {
	Content       string
	StatusCode    int
	Headers       map[string]string
	FinalURL      string
	ContentType   string // lowercased upstream Content-Type
	ContentLength int    // characters in Content
}

// ResourceRequest asks for a single sub-resource.
type ResourceRequest struct {
	URL        string
	SessionID  string
	ClientAddr string
}

// ResourceResult is a sub-resource body with a single Content-Type.
type ResourceResult struct {
	Body        []byte
	ContentType string
	StatusCode  int
	FinalURL    string
}

// ValidateResult is the policy decision for a URL, without fetching it.
type ValidateResult struct {
	OriginalURL string
	URL         string // normalized form, empty when normalization failed
	Valid       bool
	Reason      string
}

// Service wires the pipeline stages together. It is safe for concurrent
// use.
type Service struct {
	guard    *security.Guard
	upstream Upstream
	sessions *session.Store
	audit    *audit.Log
	rewriter *rewrite.Rewriter
	hosts    *stats.Manager // nil disables per-host statistics
}

// New creates a Service. hosts may be nil.
func New(guard *security.Guard, upstream Upstream, sessions *session.Store, auditLog *audit.Log, rewriter *rewrite.Rewriter, hosts *stats.Manager) *Service {
	return &Service{
		guard:    guard,
		upstream: upstream,
		sessions: sessions,
		audit:    auditLog,
		rewriter: rewriter,
		hosts:    hosts,
	}
}

// fetched is a completed upstream fetch with its decoded body.
type fetched struct {
	body     []byte
	res      *fetcher.Result
	throttle ratelimit.Signal
}

// FetchPage fetches and reconstructs a page.
//
// Errors: types.ErrURLRequired or a types.ErrInvalidRequest wrap for bad
// input, *security.PolicyError when the target (or a redirect hop) is
// refused, *types.FetchError for upstream failures.
func (s *Service) FetchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	if strings.TrimSpace(req.URL) == "" {
		s.audit.Record(audit.ProxyInvalidRequest, map[string]any{"error": "Missing URL"}, req.ClientAddr, "")
		return nil, types.ErrURLRequired
	}

	sid, err := security.NormalizeSessionToken(req.SessionID)
	if err != nil {
		s.audit.Record(audit.ProxyInvalidRequest, map[string]any{"error": err.Error()}, req.ClientAddr, "")
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}

	s.audit.Record(audit.ProxyRequest, map[string]any{
		"url":        security.RedactURL(req.URL),
		"session_id": sid,
	}, req.ClientAddr, sid)

	extra, err := extraHeaders(req.Headers)
	if err != nil {
		s.audit.Record(audit.ProxyInvalidRequest, map[string]any{"error": err.Error()}, req.ClientAddr, sid)
		return nil, err
	}

	target, err := s.guard.Normalize(req.URL)
	if err == nil {
		err = s.guard.Validate(target)
	}
	if err != nil {
		return nil, s.blocked(audit.ProxyBlocked, req.URL, err, req.ClientAddr, sid)
	}

	log.Info().
		Str("session_id", sid).
		Str("url", security.RedactParsedURL(target)).
		Msg("Fetching page")

	f, err := s.fetch(ctx, "page", target, extra, s.sessions.Get(sid))
	if err != nil {
		return nil, s.failed(audit.ProxyBlocked, audit.ProxyError, target, err, req.ClientAddr, sid)
	}
	s.noteThrottle(f, target, req.ClientAddr, sid)
	body, res := f.body, f.res

	// The body is complete; only now may upstream cookies reach the session.
	if len(res.Cookies) > 0 {
		s.sessions.Merge(sid, res.Cookies)
	}

	label, source := content.DetectEncodingSource(body, res.Header)
	metrics.RecordCharset(string(source))
	text := content.DecodeBody(body, label)

	contentType := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/html") {
		text = s.rewriter.Rewrite(text, res.FinalURL)
	}

	result := &PageResult{
		Content:       text,
		StatusCode:    res.StatusCode,
		Headers:       security.SanitizeResponseHeaders(res.Header, s.guard.Policy()),
		FinalURL:      res.FinalURL.String(),
		ContentType:   contentType,
		ContentLength: utf8.RuneCountInString(text),
	}

	s.audit.Record(audit.ProxySuccess, map[string]any{
		"url":         security.RedactParsedURL(target),
		"final_url":   security.RedactParsedURL(res.FinalURL),
		"status_code": res.StatusCode,
		"charset":     label,
		"length":      result.ContentLength,
	}, req.ClientAddr, sid)

	log.Info().
		Str("session_id", sid).
		Int("status", res.StatusCode).
		Int("chars", result.ContentLength).
		Str("final_url", security.RedactParsedURL(res.FinalURL)).
		Msg("Page reconstructed")

	return result, nil
}

// FetchResource fetches a sub-resource. Session cookies are sent but never
// updated. Stylesheets have their url() references resolved against the
// final URL and are re-encoded as UTF-8; every other type is returned as
// decoded bytes.
func (s *Service) FetchResource(ctx context.Context, req ResourceRequest) (*ResourceResult, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, types.ErrURLRequired
	}

	sid, err := security.NormalizeSessionToken(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}

	s.audit.Record(audit.ResourceRequest, map[string]any{
		"url":        security.RedactURL(req.URL),
		"session_id": sid,
	}, req.ClientAddr, sid)

	target, err := s.guard.ParseTarget(req.URL)
	if err != nil {
		return nil, s.blocked(audit.ResourceBlocked, req.URL, err, req.ClientAddr, sid)
	}

	f, err := s.fetch(ctx, "resource", target, fetcher.ResourceHeaders(), s.sessions.Get(sid))
	if err != nil {
		return nil, s.failed(audit.ResourceBlocked, audit.ResourceError, target, err, req.ClientAddr, sid)
	}
	s.noteThrottle(f, target, req.ClientAddr, sid)
	body, res := f.body, f.res

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = content.SniffContentType(body)
		if contentType == "" {
			contentType = defaultResourceType
		}
	}

	if content.IsCSS(contentType) {
		label, source := content.DetectEncodingSource(body, res.Header)
		metrics.RecordCharset(string(source))
		css := s.rewriter.RewriteCSS(content.DecodeBody(body, label), res.FinalURL)
		body = []byte(css)
		contentType = "text/css; charset=utf-8"
	}

	log.Debug().
		Str("session_id", sid).
		Str("url", security.RedactParsedURL(target)).
		Str("content_type", contentType).
		Int("bytes", len(body)).
		Msg("Resource fetched")

	return &ResourceResult{
		Body:        body,
		ContentType: contentType,
		StatusCode:  res.StatusCode,
		FinalURL:    res.FinalURL.String(),
	}, nil
}

// Validate normalizes raw and applies the URL policy without any network
// access.
func (s *Service) Validate(raw, clientAddr string) ValidateResult {
	result := ValidateResult{OriginalURL: raw}

	u, err := s.guard.Normalize(raw)
	if err == nil {
		result.URL = u.String()
		err = s.guard.Validate(u)
	}
	if err != nil {
		result.Reason = reasonOf(err)
	} else {
		result.Valid = true
	}

	s.audit.Record(audit.ValidateRequest, map[string]any{
		"url":   security.RedactURL(raw),
		"valid": result.Valid,
	}, clientAddr, "")

	log.Debug().
		Str("url", security.RedactURL(raw)).
		Bool("valid", result.Valid).
		Msg("Validated URL")

	return result
}

// fetch runs the upstream fetch and the decompression cascade, enforces
// the content ceiling on the decoded body and checks the response for
// upstream throttling.
func (s *Service) fetch(ctx context.Context, kind string, target *url.URL, extra http.Header, cookies map[string]string) (*fetched, error) {
	start := time.Now()
	res, err := s.upstream.Fetch(ctx, target, extra, cookies)
	if err != nil {
		outcome := fetchOutcome(err)
		metrics.RecordFetch(kind, outcome, 0, time.Since(start))
		s.recordHost(target, stats.Outcome{ErrorKind: outcome, Latency: time.Since(start)})
		return nil, err
	}

	limit := s.upstream.MaxBodyBytes()
	body, codec, outcome := content.DecompressLimit(res.Body, res.Header.Get("Content-Encoding"), limit)
	metrics.RecordDecompression(codec, string(outcome))

	if int64(len(body)) > limit {
		err := types.NewFetchError(types.FetchOversize, security.RedactParsedURL(target),
			fmt.Errorf("decoded body exceeds %d bytes", limit))
		metrics.RecordFetch(kind, string(types.FetchOversize), len(res.Body), time.Since(start))
		s.recordHost(target, stats.Outcome{
			ErrorKind: string(types.FetchOversize),
			Latency:   time.Since(start),
			Bytes:     len(res.Body),
		})
		return nil, err
	}

	throttle := ratelimit.Detect(res.StatusCode, res.RetryAfter, body)
	metrics.RecordFetch(kind, "ok", len(res.Body), time.Since(start))
	s.recordHost(res.FinalURL, stats.Outcome{
		Status:    res.StatusCode,
		Latency:   time.Since(start),
		Bytes:     len(res.Body),
		Throttled: throttle.Detected,
		Backoff:   throttle.Backoff,
	})

	return &fetched{body: body, res: res, throttle: throttle}, nil
}

func (s *Service) recordHost(u *url.URL, o stats.Outcome) {
	if s.hosts == nil || u == nil {
		return
	}
	s.hosts.Record(u.Hostname(), o)
}

// blocked audits a synchronous policy rejection.
func (s *Service) blocked(kind audit.Kind, raw string, err error, clientAddr, sid string) error {
	reason := reasonOf(err)
	metrics.RecordBlocked(blockLabel(err))
	s.audit.Record(kind, map[string]any{
		"url":    security.RedactURL(raw),
		"reason": reason,
	}, clientAddr, sid)

	log.Warn().
		Str("session_id", sid).
		Str("url", security.RedactURL(raw)).
		Str("reason", reason).
		Msg("Target blocked")

	return err
}

// failed audits a fetch failure. A policy rejection discovered during the
// fetch (a redirect hop or a resolved address) is reported as the
// underlying *security.PolicyError.
func (s *Service) failed(blockedKind, errorKind audit.Kind, target *url.URL, err error, clientAddr, sid string) error {
	var policyErr *security.PolicyError
	if errors.As(err, &policyErr) {
		return s.blocked(blockedKind, target.String(), policyErr, clientAddr, sid)
	}

	kind := fetchOutcome(err)
	s.audit.Record(errorKind, map[string]any{
		"url":  security.RedactParsedURL(target),
		"kind": kind,
	}, clientAddr, sid)

	log.Error().
		Err(err).
		Str("session_id", sid).
		Str("url", security.RedactParsedURL(target)).
		Str("kind", kind).
		Msg("Upstream fetch failed")

	return err
}

// noteThrottle audits an upstream refusal. The response itself is still
// returned to the caller; nothing is retried.
func (s *Service) noteThrottle(f *fetched, target *url.URL, clientAddr, sid string) {
	sig := f.throttle
	if !sig.Detected {
		return
	}
	metrics.RecordThrottled(string(sig.Category))

	detail := map[string]any{
		"url":         security.RedactParsedURL(target),
		"status_code": f.res.StatusCode,
		"code":        sig.Code,
		"category":    string(sig.Category),
	}
	if sig.FromHeader {
		detail["retry_after_seconds"] = int(sig.Backoff / time.Second)
	} else if sig.Backoff > 0 {
		detail["suggested_delay_seconds"] = int(sig.Backoff / time.Second)
	}
	s.audit.Record(audit.UpstreamRateLimited, detail, clientAddr, sid)

	log.Warn().
		Str("session_id", sid).
		Str("url", security.RedactParsedURL(target)).
		Int("status", f.res.StatusCode).
		Str("code", sig.Code).
		Dur("backoff", sig.Backoff).
		Msg("Upstream refused the request")
}

func extraHeaders(headers map[string]string) (http.Header, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	if err := security.ValidateHeaders(headers); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	h := make(http.Header, len(headers))
	for name, value := range headers {
		h.Set(name, value)
	}
	return h, nil
}

func reasonOf(err error) string {
	var policyErr *security.PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Reason
	}
	return "Invalid URL"
}

func fetchOutcome(err error) string {
	var fe *types.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	return "error"
}

// blockLabel maps a policy error onto a low-cardinality metrics label.
func blockLabel(err error) string {
	switch {
	case errors.Is(err, security.ErrBlockedScheme):
		return "scheme"
	case errors.Is(err, security.ErrBlockedHost):
		return "suffix"
	case errors.Is(err, security.ErrLocalhostBlocked):
		return "localhost"
	case errors.Is(err, security.ErrMetadataBlocked):
		return "metadata"
	case errors.Is(err, security.ErrPrivateIPBlocked):
		return "private_ip"
	default:
		return "invalid_url"
	}
}
