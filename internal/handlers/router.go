package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Rorqualx/isoproxy/internal/metrics"
)

// Limits carries the per-route rate-limit middleware. A nil field leaves
// its routes unlimited.
type Limits struct {
	Default  func(http.Handler) http.Handler
	Proxy    func(http.Handler) http.Handler
	Resource func(http.Handler) http.Handler
}

// knownPaths answer 405 instead of 404 when hit with the wrong method.
var knownPaths = map[string]bool{
	"/":         true,
	"/proxy":    true,
	"/resource": true,
	"/validate": true,
	"/health":   true,
	"/sessions": true,
	"/audit":    true,
	"/stats":    true,
}

// Routes returns the API router. /health is never rate limited so load
// balancer probes keep working under load.
func (h *Handler) Routes(limits Limits) http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, endpoint string, limit func(http.Handler) http.Handler, fn http.HandlerFunc) {
		var handler http.Handler = fn
		if limit != nil {
			handler = limit(handler)
		}
		mux.Handle(pattern, instrument(endpoint, handler))
	}

	route("POST /proxy", "proxy", limits.Proxy, h.HandleProxy)
	route("GET /resource", "resource", limits.Resource, h.HandleResource)
	route("POST /validate", "validate", limits.Default, h.HandleValidate)
	route("GET /health", "health", nil, h.HandleHealth)
	route("GET /{$}", "root", limits.Default, h.HandleRoot)
	route("GET /sessions", "sessions", limits.Default, h.HandleSessionList)
	route("POST /sessions", "sessions", limits.Default, h.HandleSessionCreate)
	route("DELETE /sessions/{id}", "sessions", limits.Default, h.HandleSessionDelete)
	route("GET /audit", "audit", limits.Default, h.HandleAudit)
	route("GET /stats", "stats", limits.Default, h.HandleStats)
	route("DELETE /stats", "stats", limits.Default, h.HandleStatsReset)

	mux.HandleFunc("/", h.handleFallback)
	return mux
}

func (h *Handler) handleFallback(w http.ResponseWriter, r *http.Request) {
	if knownPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/sessions/") {
		h.HandleMethodNotAllowed(w, r)
		return
	}
	h.HandleNotFound(w, r)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument records request count and latency under a fixed endpoint
// label, keeping path parameters out of metric cardinality.
func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordRequest(endpoint, strconv.Itoa(status), time.Since(start))
	})
}
