package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about policy reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable policy management.
// It keeps the embedded defaults and optionally watches an external file
// for runtime updates. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Policy
	current      atomic.Value // *Policy
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	onReload     func(ok bool)
	closed       bool
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithReloadHook registers fn before the first load of the external file,
// so the startup load is reported like every later reload.
func WithReloadHook(fn func(ok bool)) Option {
	return func(m *Manager) {
		m.onReload = fn
	}
}

// NewManager creates a new policy Manager.
// If externalPath is empty, only the embedded policy is used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool, opts ...Option) (*Manager, error) {
	m := &Manager{
		embedded:     Default(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.loadExternal(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external policy, using embedded defaults")
	} else {
		log.Info().
			Str("path", externalPath).
			Msg("Loaded external policy file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for policy file")
		}
	}

	return m, nil
}

// Static returns a Manager that always serves p. Useful for tests and for
// callers that build a policy programmatically.
func Static(p *Policy) *Manager {
	m := &Manager{
		embedded: p,
		stopCh:   make(chan struct{}),
	}
	m.current.Store(p)
	return m
}

// Get returns the current Policy. Lock-free and safe for concurrent use.
func (m *Manager) Get() *Policy {
	return m.current.Load().(*Policy)
}

// Reload re-reads the external policy file.
// On failure the previous policy stays in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external policy path configured")
	}
	return m.loadExternalLocked()
}

// OnReload registers a callback run after every reload attempt of the
// external file.
func (m *Manager) OnReload(fn func(ok bool)) {
	m.mu.Lock()
	m.onReload = fn
	m.mu.Unlock()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked loads the external file. Must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	err := m.readExternalLocked()
	if m.onReload != nil {
		m.onReload(err == nil)
	}
	return err
}

func (m *Manager) readExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	m.current.Store(m.mergeWithEmbedded(p))

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Policy reloaded")

	return nil
}

// Parse parses YAML policy data and validates it.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	p.normalize()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that a policy carries at least one list.
func (p *Policy) Validate() error {
	if len(p.BrandDomains) == 0 && len(p.BlockedSuffixes) == 0 && len(p.BlockedHosts) == 0 &&
		len(p.StrippedHeaders) == 0 && len(p.StrippedHeaderPrefixes) == 0 {
		return fmt.Errorf("policy must define at least one of brand_domains, blocked_suffixes, blocked_hosts, stripped_headers, stripped_header_prefixes")
	}
	return nil
}

// mergeWithEmbedded builds the effective Policy. The embedded blocklists
// and stripped headers are a floor: external entries are added to them,
// never substituted. A non-empty external brand list replaces the embedded
// one.
func (m *Manager) mergeWithEmbedded(external *Policy) *Policy {
	brands := m.embedded.BrandDomains
	if len(external.BrandDomains) > 0 {
		brands = external.BrandDomains
	}
	return &Policy{
		BrandDomains:           brands,
		BlockedSuffixes:        union(m.embedded.BlockedSuffixes, external.BlockedSuffixes),
		BlockedHosts:           union(m.embedded.BlockedHosts, external.BlockedHosts),
		StrippedHeaders:        union(m.embedded.StrippedHeaders, external.StrippedHeaders),
		StrippedHeaderPrefixes: union(m.embedded.StrippedHeaderPrefixes, external.StrippedHeaderPrefixes),
	}
}

// union returns base followed by the entries of extra not already in it.
func union(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile watches for file changes and triggers debounced reloads.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Policy file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Hot-reload failed, keeping previous policy")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
