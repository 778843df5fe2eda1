package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rorqualx/isoproxy/internal/security"
)

// maxClients is the maximum number of tracked clients to prevent memory exhaustion.
const maxClients = 10000

// staleAfter is how long an idle client keeps its bucket.
const staleAfter = 10 * time.Minute

// RateLimiter holds one token bucket per client IP. The bucket refills at
// requestsPerMinute/60 tokens per second and holds a minute's worth, so a
// quiet client may burst up to its full per-minute allowance.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	limit      rate.Limit
	burst      int
	retryAfter string
	cleanup    time.Duration
	trustProxy bool
	name       string
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client
// and starts its stale-entry sweeper. name labels log lines.
func NewRateLimiter(name string, requestsPerMinute int, trustProxy bool) *RateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	rl := &RateLimiter{
		clients:    make(map[string]*client),
		limit:      rate.Limit(float64(requestsPerMinute) / 60),
		burst:      requestsPerMinute,
		retryAfter: strconv.Itoa(int(math.Ceil(60 / float64(requestsPerMinute)))),
		cleanup:    time.Minute,
		trustProxy: trustProxy,
		name:       name,
		stopCh:     make(chan struct{}),
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupRoutine()
	}()

	return rl
}

// Allow reports whether a request from ip may proceed, consuming a token
// when it may.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.allowAt(ip, time.Now())
}

func (rl *RateLimiter) allowAt(ip string, now time.Time) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxClients {
			rl.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStale(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanupStale(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// evictOldest removes the least recently seen client.
// Must be called while holding rl.mu.
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldest time.Time
	for ip, c := range rl.clients {
		if oldestIP == "" || c.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = c.lastSeen
		}
	}
	if oldestIP != "" {
		delete(rl.clients, oldestIP)
	}
}

// Close stops the cleanup routine and waits for it to finish.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCh)
		rl.wg.Wait()
	})
}

// Handler wraps next so requests over the limit get 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.trustProxy)
		if !rl.Allow(ip) {
			log.Warn().
				Str("limiter", rl.name).
				Str("remote_addr", security.MaskIP(ip)).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", rl.retryAfter)
			writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeIP validates and normalizes an IP address string.
// Returns a canonical IP string or "" if invalid.
func normalizeIP(ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// ClientIP extracts the client IP from the request.
// When trustProxy is false only RemoteAddr is used, so clients cannot
// spoof their address. When true, X-Forwarded-For (leftmost entry) and
// X-Real-IP are consulted first.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}
