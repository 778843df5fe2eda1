// Package audit keeps an in-memory trail of proxy decisions.
//
// Events are held in a fixed-size ring (oldest evicted first) and can also
// be streamed as JSON lines to a rotated file. The file sink is written from
// a background goroutine through a bounded buffer; when the buffer is full
// events are dropped from the file (never from the ring). Recording never
// fails.
package audit

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rorqualx/isoproxy/internal/security"
)

// DefaultCapacity is the ring size used when New is given a non-positive
// capacity.
const DefaultCapacity = 10000

// Async sink buffering: events queued for the file before drops start, and
// how often the writer goroutine polls for new events.
const (
	sinkBufferSize   = 4096
	sinkPollInterval = 10 * time.Millisecond
)

// Kind names an audited decision point.
type Kind string

// Event kinds.
const (
	ProxyRequest        Kind = "proxy_request"
	ProxyInvalidRequest Kind = "proxy_invalid_request"
	ProxyBlocked        Kind = "proxy_blocked"
	ProxySuccess        Kind = "proxy_success"
	ProxyError          Kind = "proxy_error"
	ResourceRequest     Kind = "resource_request"
	ResourceBlocked     Kind = "resource_blocked"
	ResourceError       Kind = "resource_error"
	ValidateRequest     Kind = "validate_request"
	UpstreamRateLimited Kind = "upstream_rate_limited"
	AuthFailed          Kind = "auth_failed"
)

// Event is one audit record. Events are immutable once recorded.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"eventType"`
	SessionID  string         `json:"sessionId"`
	ClientAddr string         `json:"ipAddress"`
	Detail     map[string]any `json:"details,omitempty"`
}

// Log is a bounded, concurrency-safe audit trail.
type Log struct {
	mu       sync.Mutex
	ring     []Event
	next     int // index the next event is written to
	full     bool
	sink     *zerolog.Logger
	closer   io.Closer
	observer func(Kind)
}

// New creates a Log holding at most capacity events.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{ring: make([]Event, capacity)}
}

// SetSink streams every subsequent event to w as a JSON line, writing on the
// recording goroutine. If w is an io.Closer it is closed by Close.
func (l *Log) SetSink(w io.Writer) {
	sink := zerolog.New(w)
	l.mu.Lock()
	l.sink = &sink
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	l.mu.Unlock()
}

// SetAsyncSink is SetSink with writes moved off the recording goroutine.
// At most sinkBufferSize events wait for w; beyond that they are dropped
// and the loss is logged. Close flushes what is queued.
func (l *Log) SetAsyncSink(w io.Writer) {
	l.SetSink(diode.NewWriter(w, sinkBufferSize, sinkPollInterval, func(missed int) {
		log.Warn().Int("dropped", missed).Msg("Audit sink is behind, events dropped from file")
	}))
}

// OpenFile attaches a size-rotated JSON-lines file sink at path.
func (l *Log) OpenFile(path string) {
	l.SetAsyncSink(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
	log.Info().Str("path", path).Msg("Audit file sink enabled")
}

// OnRecord registers a callback invoked for every recorded event, used
// for metrics. It must be set before the log is shared.
func (l *Log) OnRecord(fn func(Kind)) {
	l.observer = fn
}

// Record appends an event. An empty sessionID is recorded as the anonymous
// session. detail is copied.
func (l *Log) Record(kind Kind, detail map[string]any, clientAddr, sessionID string) Event {
	if sessionID == "" {
		sessionID = security.AnonymousSession
	}

	ev := Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		SessionID:  sessionID,
		ClientAddr: clientAddr,
	}
	if len(detail) > 0 {
		ev.Detail = make(map[string]any, len(detail))
		for k, v := range detail {
			ev.Detail[k] = v
		}
	}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.Log().
			Str("id", ev.ID).
			Time("timestamp", ev.Timestamp).
			Str("event_type", string(ev.Kind)).
			Str("session_id", ev.SessionID).
			Str("ip_address", ev.ClientAddr).
			Interface("details", ev.Detail).
			Send()
	}
	if l.observer != nil {
		l.observer(kind)
	}

	log.Debug().
		Str("event", string(kind)).
		Str("session_id", sessionID).
		Str("client", security.MaskIP(clientAddr)).
		Msg("Audit event")

	return ev
}

// Len returns the number of events currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.ring)
	}
	return l.next
}

// Capacity returns the ring size.
func (l *Log) Capacity() int {
	return len(l.ring)
}

// Snapshot returns all held events, oldest first.
func (l *Log) Snapshot() []Event {
	return l.Recent(0)
}

// Recent returns the newest n events, oldest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	start := 0
	if l.full {
		size = len(l.ring)
		start = l.next
	}
	if n > 0 && n < size {
		start += size - n
		size = n
	}

	out := make([]Event, size)
	for i := 0; i < size; i++ {
		out[i] = copyEvent(l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Close releases the file sink, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	closer := l.closer
	l.sink = nil
	l.closer = nil
	l.mu.Unlock()

	if closer != nil {
		return closer.Close()
	}
	return nil
}

func copyEvent(e Event) Event {
	if e.Detail != nil {
		d := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	return e
}
