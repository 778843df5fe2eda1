package pipeline

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Rorqualx/isoproxy/internal/assets"
	"github.com/Rorqualx/isoproxy/internal/audit"
	"github.com/Rorqualx/isoproxy/internal/config"
	"github.com/Rorqualx/isoproxy/internal/fetcher"
	"github.com/Rorqualx/isoproxy/internal/policy"
	"github.com/Rorqualx/isoproxy/internal/rewrite"
	"github.com/Rorqualx/isoproxy/internal/security"
	"github.com/Rorqualx/isoproxy/internal/session"
	"github.com/Rorqualx/isoproxy/internal/stats"
	"github.com/Rorqualx/isoproxy/internal/types"
)

type testEnv struct {
	svc      *Service
	audit    *audit.Log
	sessions *session.Store
	hosts    *stats.Manager
}

// newTestEnv wires a Service whose fetcher reaches srv for every hostname.
func newTestEnv(t *testing.T, srv *httptest.Server, maxBody int64) *testEnv {
	t.Helper()

	addr := srv.Listener.Addr().String()
	cfg := fetcher.Config{
		Timeout:      5 * time.Second,
		MaxBodyBytes: maxBody,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	if srv.TLS != nil {
		pool := x509.NewCertPool()
		pool.AddCert(srv.Certificate())
		cfg.RootCAs = pool
	}

	guard := security.NewGuard(policy.Static(policy.Default()))
	f, err := fetcher.New(cfg, guard)
	if err != nil {
		t.Fatalf("fetcher.New() error = %v", err)
	}
	t.Cleanup(f.Close)

	sessions := session.NewStore(&config.Config{
		SessionTTL:             time.Hour,
		SessionCleanupInterval: time.Hour,
		MaxSessions:            100,
	})
	t.Cleanup(func() { _ = sessions.Close() })

	rw, err := rewrite.New("*")
	if err != nil {
		t.Fatalf("rewrite.New() error = %v", err)
	}

	hosts := stats.NewManager(time.Hour, time.Hour)
	t.Cleanup(hosts.Close)

	auditLog := audit.New(100)
	return &testEnv{
		svc:      New(guard, f, sessions, auditLog, rw, hosts),
		audit:    auditLog,
		sessions: sessions,
		hosts:    hosts,
	}
}

func (e *testEnv) kinds() []audit.Kind {
	var out []audit.Kind
	for _, ev := range e.audit.Snapshot() {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *testEnv) lastEvent(t *testing.T) audit.Event {
	t.Helper()
	events := e.audit.Recent(1)
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return events[0]
}

const samplePage = `<!DOCTYPE html><html><head><title>Example</title></head>` +
	`<body><a href="https://example.com/about">About</a><img src="/logo.png"></body></html>`

func TestFetchPage_ExampleCom(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "example.com" {
			t.Errorf("Host = %q, want example.com", r.Host)
		}
		w.Header().Set("Content-Type", "Text/HTML; charset=UTF-8")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Served-By", "cache-1")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "example.com", ClientAddr: "203.0.113.9"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
	if res.FinalURL != "https://example.com/" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
	if res.ContentType != "text/html; charset=utf-8" {
		t.Errorf("ContentType = %q, want lowercased", res.ContentType)
	}
	if !strings.Contains(res.Content, assets.BridgeMarker) {
		t.Error("bridge script not injected")
	}
	if !strings.Contains(res.Content, `<base href="https://example.com/">`) {
		t.Error("base element not injected")
	}
	if res.ContentLength != len([]rune(res.Content)) {
		t.Errorf("ContentLength = %d, want rune count %d", res.ContentLength, len([]rune(res.Content)))
	}

	for name := range res.Headers {
		switch strings.ToLower(name) {
		case "x-frame-options", "content-security-policy", "set-cookie", "content-length":
			t.Errorf("header %s should be stripped", name)
		}
	}
	if res.Headers["X-Served-By"] != "cache-1" {
		t.Errorf("Headers = %v, want X-Served-By kept", res.Headers)
	}

	kinds := env.kinds()
	if len(kinds) != 2 || kinds[0] != audit.ProxyRequest || kinds[1] != audit.ProxySuccess {
		t.Errorf("audit kinds = %v, want [proxy_request proxy_success]", kinds)
	}
	first := env.audit.Snapshot()[0]
	if first.SessionID != "anonymous" || first.ClientAddr != "203.0.113.9" {
		t.Errorf("proxy_request event = %+v", first)
	}
	if first.Detail["url"] != "example.com" || first.Detail["session_id"] != "anonymous" {
		t.Errorf("proxy_request detail = %v", first.Detail)
	}
}

func TestFetchPage_BrandApexGetsWWW(t *testing.T) {
	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.Host
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head></head><body>search</body></html>"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://google.com"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if host != "www.google.com" {
		t.Errorf("upstream Host = %q, want www.google.com", host)
	}
	if res.FinalURL != "http://www.google.com/" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
}

func TestFetchPage_PrivateTargetBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked target must not be fetched")
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "10.0.0.5", SessionID: "abc"})

	var pe *security.PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *security.PolicyError", err)
	}
	if pe.Reason != "Access to private/internal IP addresses is not allowed" {
		t.Errorf("Reason = %q", pe.Reason)
	}

	ev := env.lastEvent(t)
	if ev.Kind != audit.ProxyBlocked || ev.SessionID != "abc" {
		t.Errorf("last event = %+v, want proxy_blocked for abc", ev)
	}
	if ev.Detail["reason"] != pe.Reason {
		t.Errorf("audited reason = %v", ev.Detail["reason"])
	}
}

func TestFetchPage_GzipHTML(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(samplePage))
	_ = zw.Close()
	compressed := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://news.example.org/"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !strings.Contains(res.Content, "<title>Example</title>") {
		t.Errorf("content not decompressed: %.80q", res.Content)
	}
	if _, ok := res.Headers["Content-Encoding"]; ok {
		t.Error("Content-Encoding must not survive decoding")
	}
}

func TestFetchPage_OversizeAfterDecompression(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(bytes.Repeat([]byte("a"), 64<<10))
	_ = zw.Close()
	compressed := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	// The compressed body fits, the decoded one does not.
	env := newTestEnv(t, srv, 16<<10)
	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://big.example.org/", SessionID: "s1"})

	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.Kind != types.FetchOversize {
		t.Fatalf("error = %v, want oversize FetchError", err)
	}
	if ev := env.lastEvent(t); ev.Kind != audit.ProxyError || ev.Detail["kind"] != "oversize" {
		t.Errorf("last event = %+v", ev)
	}
	if env.sessions.Count() != 0 {
		t.Error("no session state should be written for a failed fetch")
	}
}

func TestFetchPage_OversizeRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 1024)
	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://big.example.org/"})
	if !errors.Is(err, types.ErrResponseTooLarge) {
		t.Errorf("error = %v, want ErrResponseTooLarge", err)
	}
}

func TestFetchPage_MissingURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "  ", ClientAddr: "198.51.100.2"})
	if !errors.Is(err, types.ErrURLRequired) {
		t.Fatalf("error = %v, want ErrURLRequired", err)
	}
	if ev := env.lastEvent(t); ev.Kind != audit.ProxyInvalidRequest {
		t.Errorf("last event = %v, want proxy_invalid_request", ev.Kind)
	}
}

func TestFetchPage_InvalidSessionAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	env := newTestEnv(t, srv, 0)

	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "example.org", SessionID: "../etc"})
	if !errors.Is(err, types.ErrInvalidRequest) {
		t.Errorf("bad session: error = %v, want ErrInvalidRequest", err)
	}

	_, err = env.svc.FetchPage(context.Background(), PageRequest{
		URL:     "example.org",
		Headers: map[string]string{"Cookie": "a=b"},
	})
	if !errors.Is(err, types.ErrInvalidRequest) {
		t.Errorf("blocked header: error = %v, want ErrInvalidRequest", err)
	}
}

func TestFetchPage_CookiesMergedLastWriteWins(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Cookie"))
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "one", Path: "/"})
			http.SetCookie(w, &http.Cookie{Name: "pref", Value: "dark", Path: "/"})
		case "/refresh":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "two", Path: "/"})
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head></head></html>"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	ctx := context.Background()
	for _, path := range []string{"/login", "/refresh", "/home"} {
		if _, err := env.svc.FetchPage(ctx, PageRequest{URL: "http://shop.example.org" + path, SessionID: "user-1"}); err != nil {
			t.Fatalf("FetchPage(%s) error = %v", path, err)
		}
	}

	jar := env.sessions.Get("user-1")
	if jar["sid"] != "two" || jar["pref"] != "dark" {
		t.Errorf("session jar = %v, want sid=two pref=dark", jar)
	}
	if !strings.Contains(seen[2], "sid=two") || !strings.Contains(seen[2], "pref=dark") {
		t.Errorf("third request Cookie = %q", seen[2])
	}
	if len(env.sessions.Get("anonymous")) != 0 {
		t.Error("cookies leaked into the anonymous session")
	}
}

func TestFetchPage_RedirectToInternalBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1:8080/admin", http.StatusFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://redirect.example.org/"})

	var pe *security.PolicyError
	if !errors.As(err, &pe) || !errors.Is(err, security.ErrLocalhostBlocked) {
		t.Fatalf("error = %v, want localhost PolicyError", err)
	}
	if ev := env.lastEvent(t); ev.Kind != audit.ProxyBlocked {
		t.Errorf("last event = %v, want proxy_blocked", ev.Kind)
	}
}

func TestFetchPage_NonHTMLNotRewritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"html":"<head></head>"}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://api.example.org/data"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if res.Content != `{"html":"<head></head>"}` {
		t.Errorf("non-HTML content was modified: %q", res.Content)
	}
}

func TestFetchPage_LegacyCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		_, _ = w.Write([]byte("<html><head></head><body>caf\xe9</body></html>"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://fr.example.org/"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !strings.Contains(res.Content, "café") {
		t.Errorf("content = %q, want windows-1252 decoded", res.Content)
	}
}

func TestFetchPage_UpstreamRateLimitAudited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://busy.example.org/"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}

	var found bool
	for _, ev := range env.audit.Snapshot() {
		if ev.Kind == audit.UpstreamRateLimited && ev.Detail["retry_after_seconds"] == 120 &&
			ev.Detail["code"] == "HTTP_429" {
			found = true
		}
	}
	if !found {
		t.Errorf("no upstream_rate_limited event in %v", env.kinds())
	}

	hs, ok := env.hosts.Get("busy.example.org")
	if !ok || hs.ThrottledCount != 1 || hs.LastStatus != http.StatusTooManyRequests {
		t.Errorf("host stats = %+v, %v", hs, ok)
	}
}

func TestFetchPage_ChallengePageAudited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><head></head><body>Error code: 1020 Access denied</body></html>`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://guarded.example.org/"})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if res.StatusCode != http.StatusForbidden || !strings.Contains(res.Content, "1020") {
		t.Errorf("refusal page should still be returned, got %d", res.StatusCode)
	}

	var ev *audit.Event
	for _, e := range env.audit.Snapshot() {
		if e.Kind == audit.UpstreamRateLimited {
			ev = &e
		}
	}
	if ev == nil {
		t.Fatalf("no upstream_rate_limited event in %v", env.kinds())
	}
	if ev.Detail["category"] != "access_denied" || ev.Detail["suggested_delay_seconds"] != 30 {
		t.Errorf("detail = %v", ev.Detail)
	}
	if _, ok := ev.Detail["retry_after_seconds"]; ok {
		t.Error("retry_after_seconds set without a Retry-After header")
	}
}

func TestFetchPage_PlainErrorPageNotThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down for maintenance"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	if _, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://down.example.org/"}); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	for _, k := range env.kinds() {
		if k == audit.UpstreamRateLimited {
			t.Errorf("503 without hints audited as throttling: %v", env.kinds())
		}
	}

	hs, _ := env.hosts.Get("down.example.org")
	if hs.SuccessCount != 1 || hs.ThrottledCount != 0 {
		t.Errorf("host stats = %+v", hs)
	}
}

func TestFetchPage_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	env := newTestEnv(t, srv, 0)
	srv.Close()

	_, err := env.svc.FetchPage(context.Background(), PageRequest{URL: "http://gone.example.org/"})
	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.Kind != types.FetchConnection {
		t.Fatalf("error = %v, want connection FetchError", err)
	}
	if ev := env.lastEvent(t); ev.Kind != audit.ProxyError {
		t.Errorf("last event = %v, want proxy_error", ev.Kind)
	}
	if hs, ok := env.hosts.Get("gone.example.org"); !ok || hs.Errors["connection"] != 1 {
		t.Errorf("host stats = %+v, %v", hs, ok)
	}
}

func TestFetchResource_CSSRewritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Sec-Fetch-Mode") != "no-cors" {
			t.Errorf("Sec-Fetch-Mode = %q, want no-cors", r.Header.Get("Sec-Fetch-Mode"))
		}
		http.SetCookie(w, &http.Cookie{Name: "cdn", Value: "1"})
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`body{background:url(img/bg.png)} .i{background:url("data:image/png;base64,AA==")}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchResource(context.Background(), ResourceRequest{
		URL:       "http://cdn.example.org/css/site.css",
		SessionID: "user-2",
	})
	if err != nil {
		t.Fatalf("FetchResource() error = %v", err)
	}

	if res.ContentType != "text/css; charset=utf-8" {
		t.Errorf("ContentType = %q", res.ContentType)
	}
	body := string(res.Body)
	if !strings.Contains(body, `url("http://cdn.example.org/css/img/bg.png")`) {
		t.Errorf("relative url() not resolved: %s", body)
	}
	if !strings.Contains(body, "data:image/png;base64,AA==") {
		t.Errorf("data: URL should be untouched: %s", body)
	}
	if env.sessions.Count() != 0 {
		t.Error("resource fetches must not update session cookies")
	}
	if ev := env.audit.Snapshot()[0]; ev.Kind != audit.ResourceRequest {
		t.Errorf("first event = %v, want resource_request", ev.Kind)
	}
}

func TestFetchResource_ContentTypeSniffed(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil // suppress net/http's own sniffing
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	res, err := env.svc.FetchResource(context.Background(), ResourceRequest{URL: "http://cdn.example.org/pixel"})
	if err != nil {
		t.Fatalf("FetchResource() error = %v", err)
	}
	if res.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", res.ContentType)
	}
	if !bytes.Equal(res.Body, png) {
		t.Error("binary body should pass through unchanged")
	}
}

func TestFetchResource_SendsSessionCookies(t *testing.T) {
	var cookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "image/gif")
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)
	env.sessions.Merge("user-3", map[string]string{"token": "t1"})

	if _, err := env.svc.FetchResource(context.Background(), ResourceRequest{URL: "http://img.example.org/a.gif", SessionID: "user-3"}); err != nil {
		t.Fatalf("FetchResource() error = %v", err)
	}
	if cookie != "token=t1" {
		t.Errorf("Cookie = %q, want token=t1", cookie)
	}
}

func TestFetchResource_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	env := newTestEnv(t, srv, 0)

	tests := []struct {
		url  string
		want error
	}{
		{"http://169.254.169.254/latest/meta-data/", security.ErrMetadataBlocked},
		{"file:///etc/passwd", security.ErrBlockedScheme},
		{"cdn.example.org/app.js", security.ErrBlockedScheme},
	}
	for _, tt := range tests {
		_, err := env.svc.FetchResource(context.Background(), ResourceRequest{URL: tt.url})
		if !errors.Is(err, tt.want) {
			t.Errorf("FetchResource(%q) error = %v, want %v", tt.url, err, tt.want)
		}
		if ev := env.lastEvent(t); ev.Kind != audit.ResourceBlocked {
			t.Errorf("FetchResource(%q) last event = %v, want resource_blocked", tt.url, ev.Kind)
		}
	}

	if _, err := env.svc.FetchResource(context.Background(), ResourceRequest{}); !errors.Is(err, types.ErrURLRequired) {
		t.Errorf("empty URL error = %v, want ErrURLRequired", err)
	}
}

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Validate must not touch the network")
	}))
	defer srv.Close()

	env := newTestEnv(t, srv, 0)

	tests := []struct {
		input  string
		url    string
		valid  bool
		reason string
	}{
		{"example.com", "https://example.com/", true, ""},
		{"google.com", "https://www.google.com/", true, ""},
		{"10.0.0.5", "https://10.0.0.5/", false, "Access to private/internal IP addresses is not allowed"},
		{"localhost:3000", "https://localhost:3000/", false, "Access to localhost is not allowed"},
		{"", "", false, "Invalid URL: empty"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := env.svc.Validate(tt.input, "192.0.2.10")
			if got.OriginalURL != tt.input || got.URL != tt.url || got.Valid != tt.valid || got.Reason != tt.reason {
				t.Errorf("Validate(%q) = %+v", tt.input, got)
			}
		})
	}

	if ev := env.lastEvent(t); ev.Kind != audit.ValidateRequest {
		t.Errorf("last event = %v, want validate_request", ev.Kind)
	}
}
