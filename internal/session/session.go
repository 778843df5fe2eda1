// Package session keeps a cookie jar per client session token.
// Jars live in memory only and are evicted after a period of inactivity or
// when the store reaches its capacity (least recently used first).
package session

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/isoproxy/internal/config"
	"github.com/Rorqualx/isoproxy/internal/types"
)

// Jar is one session's cookies: name to value, last write wins.
type Jar struct {
	ID        string
	CreatedAt time.Time
	lastUsed  time.Time
	cookies   map[string]string
	elem      *list.Element // position in the LRU list, front is most recent
}

// Info describes a session for the management API.
type Info struct {
	ID          string    `json:"id"`
	CookieCount int       `json:"cookieCount"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsed    time.Time `json:"lastUsed"`
}

// EvictFunc is called after a session leaves the store. reason is
// "expired" or "capacity".
type EvictFunc func(id, reason string)

// Store maps session tokens to cookie jars.
// All operations are safe for concurrent use; each call is atomic.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Jar
	lru      *list.List
	ttl      time.Duration
	max      int
	onEvict  EvictFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a store and starts its expiry sweeper.
func NewStore(cfg *config.Config) *Store {
	s := &Store{
		sessions: make(map[string]*Jar),
		lru:      list.New(),
		ttl:      cfg.SessionTTL,
		max:      cfg.MaxSessions,
		stopCh:   make(chan struct{}),
	}

	interval := cfg.SessionCleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupRoutine(interval)
	}()

	log.Info().
		Dur("ttl", cfg.SessionTTL).
		Dur("cleanup_interval", interval).
		Int("max_sessions", cfg.MaxSessions).
		Msg("Session store initialized")

	return s
}

// OnEvict registers a callback for expired and capacity evictions.
// It must be set before the store is shared.
func (s *Store) OnEvict(fn EvictFunc) {
	s.onEvict = fn
}

// Get returns a copy of the session's cookies. An unknown session yields an
// empty map. Reading a session counts as use.
func (s *Store) Get(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	jar, ok := s.sessions[id]
	if !ok {
		return map[string]string{}
	}
	s.touchLocked(jar)

	out := make(map[string]string, len(jar.cookies))
	for k, v := range jar.cookies {
		out[k] = v
	}
	return out
}

// Merge writes cookies into the session, creating it if needed. Existing
// names are overwritten; names not in cookies are kept.
func (s *Store) Merge(id string, cookies map[string]string) {
	var evicted string

	s.mu.Lock()
	jar, ok := s.sessions[id]
	if !ok {
		if s.max > 0 && len(s.sessions) >= s.max {
			evicted = s.evictOldestLocked()
		}
		now := time.Now()
		jar = &Jar{
			ID:        id,
			CreatedAt: now,
			lastUsed:  now,
			cookies:   make(map[string]string, len(cookies)),
		}
		jar.elem = s.lru.PushFront(jar)
		s.sessions[id] = jar
	} else {
		s.touchLocked(jar)
	}
	for k, v := range cookies {
		jar.cookies[k] = v
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		log.Debug().
			Str("session_id", id).
			Int("total_sessions", total).
			Msg("Session created")
	}
	if evicted != "" {
		log.Info().Str("session_id", evicted).Msg("Session evicted at capacity")
		s.notify(evicted, "capacity")
	}
}

// Delete removes a session. It returns types.ErrSessionNotFound for an
// unknown id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	jar, ok := s.sessions[id]
	if ok {
		s.removeLocked(jar)
	}
	s.mu.Unlock()

	if !ok {
		return types.ErrSessionNotFound
	}

	log.Info().
		Str("session_id", id).
		Dur("lifetime", time.Since(jar.CreatedAt)).
		Msg("Session deleted")
	return nil
}

// List returns all sessions sorted by id.
func (s *Store) List() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.sessions))
	for _, jar := range s.sessions {
		infos = append(infos, Info{
			ID:          jar.ID,
			CookieCount: len(jar.cookies),
			CreatedAt:   jar.CreatedAt,
			LastUsed:    jar.lastUsed,
		})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the sweeper and drops every session. It is safe to call more
// than once.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]*Jar)
	s.lru.Init()
	s.mu.Unlock()

	log.Info().Int("dropped", n).Msg("Session store closed")
	return nil
}

func (s *Store) touchLocked(jar *Jar) {
	jar.lastUsed = time.Now()
	s.lru.MoveToFront(jar.elem)
}

func (s *Store) removeLocked(jar *Jar) {
	s.lru.Remove(jar.elem)
	delete(s.sessions, jar.ID)
}

func (s *Store) evictOldestLocked() string {
	back := s.lru.Back()
	if back == nil {
		return ""
	}
	jar := back.Value.(*Jar)
	s.removeLocked(jar)
	return jar.ID
}

func (s *Store) notify(id, reason string) {
	if s.onEvict != nil {
		s.onEvict(id, reason)
	}
}

// cleanupRoutine periodically removes expired sessions.
func (s *Store) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// cleanupExpired removes sessions idle for longer than the TTL. The LRU
// list is ordered by last use, so the walk stops at the first live session.
func (s *Store) cleanupExpired(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	var expired []string
	for e := s.lru.Back(); e != nil; {
		jar := e.Value.(*Jar)
		if now.Sub(jar.lastUsed) <= s.ttl {
			break
		}
		prev := e.Prev()
		s.removeLocked(jar)
		expired = append(expired, jar.ID)
		e = prev
	}
	remaining := len(s.sessions)
	s.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	for _, id := range expired {
		s.notify(id, "expired")
	}

	log.Debug().
		Int("expired_count", len(expired)).
		Int("remaining", remaining).
		Msg("Session cleanup completed")

	return len(expired)
}
