// Package fetcher performs upstream HTTP requests on behalf of clients with
// a fixed desktop browser identity, SSRF checks on every dial and redirect,
// a hard body ceiling and a per-request cookie jar.
package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	"github.com/Rorqualx/isoproxy/internal/security"
	"github.com/Rorqualx/isoproxy/internal/types"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 50 << 20
	DefaultMaxRedirects = 10
)

// URLValidator decides whether a URL may be fetched. *security.Guard
// implements it.
type URLValidator interface {
	Validate(u *url.URL) error
}

// Config configures a Fetcher.
type Config struct {
	Timeout       time.Duration
	MaxBodyBytes  int64
	MaxRedirects  int
	MaxConcurrent int64 // 0 means unlimited

	// ProxyURL routes all upstream traffic through an egress proxy. The
	// dial-time address check is then applied by the proxy, not here.
	ProxyURL string

	// DialContext replaces the guarded dialer. Tests use it to reach local
	// upstreams under public-looking hostnames.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// RootCAs overrides the system trust store. Verification is never
	// disabled.
	RootCAs *x509.CertPool
}

// Result is one completed upstream response. Body holds the raw bytes as
// received, still content-encoded.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	FinalURL   *url.URL
	Cookies    map[string]string // cookies set by the upstream during this fetch
	RetryAfter time.Duration     // set for 429/503 responses carrying Retry-After
}

// Fetcher performs upstream fetches. It is safe for concurrent use.
type Fetcher struct {
	guard        URLValidator
	transport    *http.Transport
	timeout      time.Duration
	maxBodyBytes int64
	maxRedirects int
	sem          *semaphore.Weighted
}

// New creates a Fetcher. guard is consulted for every redirect hop.
func New(cfg Config, guard URLValidator) (*Fetcher, error) {
	if guard == nil {
		return nil, errors.New("fetcher: guard is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	transport := &http.Transport{
		ForceAttemptHTTP2:      true,
		TLSClientConfig:        &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: cfg.RootCAs},
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  cfg.Timeout,
		MaxIdleConns:           100,
		MaxIdleConnsPerHost:    4,
		IdleConnTimeout:        90 * time.Second,
		MaxResponseHeaderBytes: 1 << 20,
		// The decompression cascade owns Content-Encoding.
		DisableCompression: true,
	}

	switch {
	case cfg.DialContext != nil:
		transport.DialContext = cfg.DialContext
	case cfg.ProxyURL != "":
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("fetcher: invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
		transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		log.Warn().
			Str("proxy", security.RedactProxyURL(cfg.ProxyURL)).
			Msg("Egress proxy configured; resolved-address checks are delegated to the proxy")
	default:
		transport.DialContext = guardedDialer().DialContext
	}

	f := &Fetcher{
		guard:        guard,
		transport:    transport,
		timeout:      cfg.Timeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		maxRedirects: cfg.MaxRedirects,
	}
	if cfg.MaxConcurrent > 0 {
		f.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return f, nil
}

// guardedDialer returns a dialer that refuses to connect to any address
// the IP policy blocks. The check runs on the resolved address, so a
// public hostname that resolves (or rebinds) to an internal IP is caught.
func guardedDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}
}

func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial to non-IP address %q", host)
	}
	return security.CheckIP(ip)
}

// MaxBodyBytes returns the body ceiling in bytes.
func (f *Fetcher) MaxBodyBytes() int64 {
	return f.maxBodyBytes
}

// Close releases idle upstream connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// Fetch performs a GET of u with the browser header set, extraHeaders
// layered on top and cookies offered to u's host. Redirects are followed
// and each hop is validated. The raw body is read up to the ceiling; a
// larger body fails with a FetchError of kind oversize.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL, extraHeaders http.Header, cookies map[string]string) (*Result, error) {
	target := security.RedactParsedURL(u)

	if err := f.guard.Validate(u); err != nil {
		return nil, types.NewFetchError(types.FetchBlocked, target, err)
	}

	if f.sem != nil {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil, f.classify(ctx, target, err)
		}
		defer f.sem.Release(1)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	jar, err := newRecordingJar(u, cookies)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	client := &http.Client{
		Transport:     f.transport,
		Jar:           jar,
		CheckRedirect: f.checkRedirect,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewFetchError(types.FetchConnection, target, err)
	}
	req.Header = browserHeaders(u)
	applyHeaders(req.Header, extraHeaders)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, f.classify(ctx, target, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, types.NewFetchError(types.FetchOversize, target,
			fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes))
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
		FinalURL:   resp.Request.URL,
		Cookies:    jar.recorded(),
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}

	log.Debug().
		Str("url", target).
		Str("final_url", security.RedactParsedURL(result.FinalURL)).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Upstream fetch completed")

	return result, nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= f.maxRedirects {
		return types.ErrTooManyRedirects
	}
	if err := f.guard.Validate(req.URL); err != nil {
		log.Warn().
			Str("redirect", security.RedactParsedURL(req.URL)).
			Err(err).
			Msg("Redirect target blocked")
		return err
	}
	return nil
}

// classify maps a transport error onto a FetchError kind.
func (f *Fetcher) classify(ctx context.Context, target string, err error) *types.FetchError {
	var policyErr *security.PolicyError
	switch {
	case errors.As(err, &policyErr):
		return types.NewFetchError(types.FetchBlocked, target, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != context.DeadlineExceeded:
		return types.NewFetchError(types.FetchCanceled, target, err)
	case isTimeout(err):
		return types.NewFetchError(types.FetchTimeout, target, err)
	case isTLSError(err):
		return types.NewFetchError(types.FetchTLS, target, err)
	default:
		return types.NewFetchError(types.FetchConnection, target, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// recordingJar is a public-suffix aware jar that also remembers every
// cookie the upstream sets, so the caller can merge them into the session.
type recordingJar struct {
	*cookiejar.Jar
	mu  sync.Mutex
	set map[string]string
}

func newRecordingJar(u *url.URL, seed map[string]string) (*recordingJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	if len(seed) > 0 {
		cookies := make([]*http.Cookie, 0, len(seed))
		for name, value := range seed {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		jar.SetCookies(u, cookies)
	}
	return &recordingJar{Jar: jar, set: make(map[string]string)}, nil
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.Jar.SetCookies(u, cookies)

	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			continue
		}
		j.set[c.Name] = c.Value
	}
}

func (j *recordingJar) recorded() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string, len(j.set))
	for k, v := range j.set {
		out[k] = v
	}
	return out
}
