package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutWriter wraps http.ResponseWriter to prevent writes after timeout.
// Once timedOut is set, all writes are discarded.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    atomic.Bool
	wroteHeader bool
}

// Write implements http.ResponseWriter. Discards writes after timeout.
// The lock is held across the write so a late handler write cannot
// interleave with the timeout response.
func (tw *timeoutWriter) Write(b []byte) (int, error) {
	if tw.timedOut.Load() {
		return len(b), nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return len(b), nil
	}
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

// WriteHeader implements http.ResponseWriter. Discards after timeout.
func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

// Header implements http.ResponseWriter. After a timeout it returns a
// throwaway map so late handlers cannot touch the sent response.
func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return make(http.Header)
	}
	return tw.ResponseWriter.Header()
}

func (tw *timeoutWriter) markTimedOut() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut.Store(true)
}

// Flush implements http.Flusher.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *timeoutWriter) hasWrittenHeader() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.wroteHeader
}

// writeTimeout sends the 504 unless the handler already started a
// response, then discards everything the handler writes afterwards.
func (tw *timeoutWriter) writeTimeout() {
	if !tw.hasWrittenHeader() {
		writeErrorResponse(tw, http.StatusGatewayTimeout, "Request timed out")
	}
	tw.markTimedOut()
}

// Timeout returns middleware that bounds the request context by timeout.
// When the deadline passes before the handler responds, a 504 is sent.
//
// The handler goroutine is not killed. It keeps running until it returns,
// with its writes discarded, so handlers should honour ctx.Done(). The
// pipeline does: upstream fetches are bound to the request context.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			done := make(chan struct{})
			panicCh := make(chan any, 1)

			go func() {
				defer func() {
					// Re-raised on the serving goroutine so Recovery sees it.
					if p := recover(); p != nil {
						panicCh <- p
						return
					}
					close(done)
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case p := <-panicCh:
				panic(p)
			case <-done:
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					tw.writeTimeout()
				}
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					tw.writeTimeout()
				} else {
					tw.markTimedOut()
				}
			}
		})
	}
}
