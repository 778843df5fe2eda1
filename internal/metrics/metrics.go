// Package metrics provides Prometheus metrics for monitoring isoproxy.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by endpoint and HTTP status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"endpoint", "status"},
	)

	// RequestDuration tracks API request duration by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isoproxy_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"endpoint"},
	)

	// FetchDuration tracks upstream fetch duration by outcome.
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isoproxy_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13),
		},
		[]string{"kind", "outcome"},
	)

	// UpstreamBytes counts raw bytes received from upstreams.
	UpstreamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_upstream_bytes_total",
			Help: "Raw bytes received from upstream servers",
		},
		[]string{"kind"},
	)

	// BlockedTotal counts targets rejected by the URL policy.
	BlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_blocked_total",
			Help: "Targets rejected by policy, by reason",
		},
		[]string{"reason"},
	)

	// FetchErrors counts failed upstream fetches by error kind.
	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_fetch_errors_total",
			Help: "Failed upstream fetches by error kind",
		},
		[]string{"kind"},
	)

	// UpstreamThrottled counts upstream refusals by category.
	UpstreamThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_upstream_throttled_total",
			Help: "Upstream rate-limit and block responses by category",
		},
		[]string{"category"},
	)

	// Decompression counts decompression outcomes by codec.
	Decompression = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_decompression_total",
			Help: "Decompression outcomes by codec",
		},
		[]string{"codec", "outcome"},
	)

	// CharsetSource counts where the body charset was taken from.
	CharsetSource = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_charset_source_total",
			Help: "Charset resolution by source (header, meta, detected, default)",
		},
		[]string{"source"},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoproxy_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// AuditEvents counts audit events by kind.
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_audit_events_total",
			Help: "Audit events recorded by kind",
		},
		[]string{"kind"},
	)

	// PolicyReloads counts policy file reloads by result.
	PolicyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoproxy_policy_reloads_total",
			Help: "Policy file reloads by result",
		},
		[]string{"result"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoproxy_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoproxy_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isoproxy_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		FetchDuration,
		UpstreamBytes,
		BlockedTotal,
		FetchErrors,
		UpstreamThrottled,
		Decompression,
		CharsetSource,
		ActiveSessions,
		AuditEvents,
		PolicyReloads,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartRuntimeCollector periodically updates memory and goroutine gauges
// until stopCh is closed. sessions, when non-nil, refreshes the session
// gauge on the same tick.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}, sessions func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateRuntimeMetrics()
			if sessions != nil {
				UpdateSessionMetrics(sessions())
			}
		case <-stopCh:
			return
		}
	}
}

func updateRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(endpoint, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFetch records an upstream fetch. kind is "page" or "resource";
// outcome is "ok" or an error kind.
func RecordFetch(kind, outcome string, bytes int, duration time.Duration) {
	FetchDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	if bytes > 0 {
		UpstreamBytes.WithLabelValues(kind).Add(float64(bytes))
	}
	if outcome != "ok" {
		FetchErrors.WithLabelValues(outcome).Inc()
	}
}

// RecordBlocked records a policy rejection.
func RecordBlocked(reason string) {
	BlockedTotal.WithLabelValues(reason).Inc()
}

// RecordThrottled records an upstream refusal.
func RecordThrottled(category string) {
	UpstreamThrottled.WithLabelValues(category).Inc()
}

// RecordDecompression records one decompression attempt.
func RecordDecompression(codec, outcome string) {
	if codec == "" {
		codec = "none"
	}
	Decompression.WithLabelValues(codec, outcome).Inc()
}

// RecordCharset records where a body's charset came from.
func RecordCharset(source string) {
	CharsetSource.WithLabelValues(source).Inc()
}

// RecordAuditEvent counts one audit event.
func RecordAuditEvent(kind string) {
	AuditEvents.WithLabelValues(kind).Inc()
}

// RecordPolicyReload counts a policy reload attempt.
func RecordPolicyReload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	PolicyReloads.WithLabelValues(result).Inc()
}

// UpdateSessionMetrics updates session count metric.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}
