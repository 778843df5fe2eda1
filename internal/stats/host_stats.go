// Package stats tracks fetch statistics per upstream host.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxHosts is the number of hosts tracked before LRU eviction.
const maxHosts = 10000

// evictionBatchSize is the number of hosts evicted at once when full.
const evictionBatchSize = 100

// Defaults for the stale sweep.
const (
	DefaultStaleAfter      = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Suggested delay bounds in milliseconds.
const (
	minDelayMs = 0
	maxDelayMs = 60000
)

// maxCounterValue is where counters are reset instead of overflowing.
const maxCounterValue int64 = 1 << 62

// Outcome describes one finished upstream fetch.
type Outcome struct {
	Status    int           // HTTP status, 0 when the fetch failed
	Latency   time.Duration // time until the decoded body was available
	Bytes     int           // raw bytes received
	ErrorKind string        // fetch error kind, empty on success
	Throttled bool          // the response was recognized as a refusal
	Backoff   time.Duration // suggested wait from the throttle signal
}

// HostStats holds the counters for one host.
type HostStats struct {
	mu sync.RWMutex

	requestCount   int64
	successCount   int64
	errorCount     int64
	throttledCount int64
	totalLatencyMs int64
	totalBytes     int64
	errorsByKind   map[string]int64

	lastStatus      int
	lastRequestTime time.Time
	lastSuccessTime time.Time
	lastThrottled   time.Time
	throttleBackoff time.Duration
	lastAccess      time.Time
}

// Snapshot is the JSON form of a host's statistics.
type Snapshot struct {
	Host             string           `json:"host"`
	RequestCount     int64            `json:"requestCount"`
	SuccessCount     int64            `json:"successCount"`
	ErrorCount       int64            `json:"errorCount"`
	ThrottledCount   int64            `json:"throttledCount"`
	ErrorRate        float64          `json:"errorRate"`
	AvgLatencyMs     int64            `json:"avgLatencyMs"`
	TotalBytes       int64            `json:"totalBytes"`
	Errors           map[string]int64 `json:"errors,omitempty"`
	LastStatus       int              `json:"lastStatus,omitempty"`
	LastRequestTime  time.Time        `json:"lastRequestTime"`
	LastSuccessTime  time.Time        `json:"lastSuccessTime,omitempty"`
	LastThrottled    time.Time        `json:"lastThrottled,omitempty"`
	SuggestedDelayMs int              `json:"suggestedDelayMs"`
}

func (s *HostStats) snapshot(host string, now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Host:             host,
		RequestCount:     s.requestCount,
		SuccessCount:     s.successCount,
		ErrorCount:       s.errorCount,
		ThrottledCount:   s.throttledCount,
		TotalBytes:       s.totalBytes,
		LastStatus:       s.lastStatus,
		LastRequestTime:  s.lastRequestTime,
		LastSuccessTime:  s.lastSuccessTime,
		LastThrottled:    s.lastThrottled,
		SuggestedDelayMs: s.suggestedDelayMs(now),
	}
	if s.requestCount > 0 {
		snap.AvgLatencyMs = s.totalLatencyMs / s.requestCount
		snap.ErrorRate = float64(s.errorCount) / float64(s.requestCount)
	}
	if len(s.errorsByKind) > 0 {
		snap.Errors = make(map[string]int64, len(s.errorsByKind))
		for k, v := range s.errorsByKind {
			snap.Errors[k] = v
		}
	}
	return snap
}

// reset zeroes the counters. Must hold the write lock.
func (s *HostStats) reset() {
	s.requestCount = 0
	s.successCount = 0
	s.errorCount = 0
	s.throttledCount = 0
	s.totalLatencyMs = 0
	s.totalBytes = 0
	s.errorsByKind = nil
	s.lastRequestTime = time.Time{}
	s.lastSuccessTime = time.Time{}
	s.lastThrottled = time.Time{}
	s.throttleBackoff = 0
}

// suggestedDelayMs estimates how long a client should wait before fetching
// from this host again. Must hold the read lock.
func (s *HostStats) suggestedDelayMs(now time.Time) int {
	if s.requestCount <= 0 {
		return minDelayMs
	}

	avgLatencyMs := float64(s.totalLatencyMs) / float64(s.requestCount)
	errorRate := float64(s.errorCount) / float64(s.requestCount)
	throttleRate := float64(s.throttledCount) / float64(s.requestCount)
	if math.IsNaN(avgLatencyMs) || math.IsInf(avgLatencyMs, 0) {
		avgLatencyMs = 0
	}

	// Latency-based pacing with a target of two requests in flight,
	// scaled up by the error rate: 0% = 1.0x, 20% = 2.0x.
	delay := avgLatencyMs / 2.0
	delay *= 1.0 + errorRate*5.0

	if throttleRate > 0.05 {
		delay *= 2.0
	}

	// A recent refusal dominates. The upstream's own backoff is honored
	// while it lasts; otherwise the penalty halves every 2.5 minutes.
	if !s.lastThrottled.IsZero() {
		since := now.Sub(s.lastThrottled)
		if s.throttleBackoff > since {
			delay = math.Max(delay, float64((s.throttleBackoff - since).Milliseconds()))
		}
		if since < 5*time.Minute {
			penalty := 10000.0 * math.Pow(0.5, since.Minutes()/2.5)
			delay = math.Max(delay, penalty)
		}
	}

	return int(math.Max(minDelayMs, math.Min(maxDelayMs, delay)))
}

// Manager tracks statistics for all upstream hosts.
type Manager struct {
	mu    sync.RWMutex
	hosts map[string]*HostStats

	staleAfter time.Duration
	now        func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a Manager and starts its stale-entry sweeper.
// Hosts not fetched for staleAfter are dropped.
func NewManager(staleAfter, cleanupInterval time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	m := &Manager{
		hosts:      make(map[string]*HostStats),
		staleAfter: staleAfter,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupRoutine(cleanupInterval)

	return m
}

func (m *Manager) cleanupRoutine(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// cleanupStale removes hosts not accessed within staleAfter of now.
func (m *Manager) cleanupStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for host, stats := range m.hosts {
		stats.mu.RLock()
		lastAccess := stats.lastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > m.staleAfter {
			delete(m.hosts, host)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.hosts)).
			Msg("Cleaned up stale host stats")
	}
	return removed
}

// Close stops the sweeper. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// getOrCreate returns the stats for host, evicting the least recently
// used batch when the table is full.
func (m *Manager) getOrCreate(host string, now time.Time) *HostStats {
	m.mu.Lock()
	stats, exists := m.hosts[host]
	if !exists {
		if len(m.hosts) >= maxHosts {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		stats = &HostStats{lastAccess: now}
		m.hosts[host] = stats
	}
	m.mu.Unlock()
	return stats
}

// evictOldestBatchLocked removes the count least recently accessed hosts.
// Must be called with m.mu held.
func (m *Manager) evictOldestBatchLocked(count int) {
	if count <= 0 || len(m.hosts) == 0 {
		return
	}

	type hostTime struct {
		host       string
		lastAccess time.Time
	}
	candidates := make([]hostTime, 0, len(m.hosts))
	for host, stats := range m.hosts {
		stats.mu.RLock()
		candidates = append(candidates, hostTime{host, stats.lastAccess})
		stats.mu.RUnlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	for i := 0; i < count && i < len(candidates); i++ {
		delete(m.hosts, candidates[i].host)
	}
}

// Record updates the statistics for host after a fetch.
func (m *Manager) Record(host string, o Outcome) {
	if host == "" {
		return
	}

	now := m.now()
	stats := m.getOrCreate(host, now)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.requestCount >= maxCounterValue {
		log.Warn().
			Str("host", host).
			Int64("request_count", stats.requestCount).
			Msg("Counter overflow protection triggered, resetting host stats")
		stats.reset()
	}

	stats.requestCount++
	latencyMs := o.Latency.Milliseconds()
	if stats.totalLatencyMs < maxCounterValue-latencyMs {
		stats.totalLatencyMs += latencyMs
	}
	if stats.totalBytes < maxCounterValue-int64(o.Bytes) {
		stats.totalBytes += int64(o.Bytes)
	}
	stats.lastRequestTime = now
	stats.lastAccess = now

	if o.ErrorKind != "" {
		stats.errorCount++
		if stats.errorsByKind == nil {
			stats.errorsByKind = make(map[string]int64)
		}
		stats.errorsByKind[o.ErrorKind]++
		return
	}

	stats.lastStatus = o.Status
	if o.Throttled {
		stats.throttledCount++
		stats.lastThrottled = now
		stats.throttleBackoff = o.Backoff
		return
	}
	stats.successCount++
	stats.lastSuccessTime = now
}

// Get returns the statistics for host.
func (m *Manager) Get(host string) (Snapshot, bool) {
	m.mu.RLock()
	stats, ok := m.hosts[host]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return stats.snapshot(host, m.now()), true
}

// All returns every tracked host, busiest first.
func (m *Manager) All() []Snapshot {
	now := m.now()

	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.hosts))
	for host, stats := range m.hosts {
		out = append(out, stats.snapshot(host, now))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Reset drops the statistics for host and reports whether it was tracked.
func (m *Manager) Reset(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hosts[host]
	delete(m.hosts, host)
	return ok
}

// ResetAll drops every host.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	m.hosts = make(map[string]*HostStats)
	m.mu.Unlock()
}

// Count returns the number of tracked hosts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}
