// Package handlers provides the HTTP API of the isolation proxy.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/isoproxy/internal/audit"
	"github.com/Rorqualx/isoproxy/internal/config"
	"github.com/Rorqualx/isoproxy/internal/middleware"
	"github.com/Rorqualx/isoproxy/internal/pipeline"
	"github.com/Rorqualx/isoproxy/internal/security"
	"github.com/Rorqualx/isoproxy/internal/session"
	"github.com/Rorqualx/isoproxy/internal/stats"
	"github.com/Rorqualx/isoproxy/internal/types"
	"github.com/Rorqualx/isoproxy/pkg/version"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// Audit listing bounds.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// User-visible messages. Details stay in the logs.
const (
	msgMissingURL       = "Missing required field: url"
	msgMissingURLParam  = "Missing url parameter"
	msgInvalidJSON      = "Invalid JSON request"
	msgBodyTooLarge     = "Request body too large"
	msgUnexpected       = "An unexpected error occurred"
	msgResourceFailed   = "Failed to fetch resource"
	msgValidationFailed = "Failed to validate URL"
)

var serviceFeatures = []string{
	"DOM Reconstruction",
	"Browser Isolation",
	"Security Header Stripping",
	"Cookie Management",
	"Resource Proxying",
	"PostMessage Bridge",
}

var serviceEndpoints = map[string]string{
	"health":   "/health",
	"proxy":    "/proxy (POST)",
	"resource": "/resource (GET)",
	"validate": "/validate (POST)",
	"sessions": "/sessions (GET, POST, DELETE)",
	"audit":    "/audit (GET)",
	"stats":    "/stats (GET, DELETE)",
}

// Handler serves the proxy API.
type Handler struct {
	svc      *pipeline.Service
	sessions *session.Store
	audit    *audit.Log
	hosts    *stats.Manager
	config   *config.Config
}

// New creates a new Handler.
func New(svc *pipeline.Service, sessions *session.Store, auditLog *audit.Log, hosts *stats.Manager, cfg *config.Config) *Handler {
	return &Handler{
		svc:      svc,
		sessions: sessions,
		audit:    auditLog,
		hosts:    hosts,
		config:   cfg,
	}
}

// HandleProxy handles POST /proxy: fetch, decode and rewrite a full page.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	var req types.ProxyRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	// An empty url is left to the pipeline so the rejection is audited.
	if err := req.Validate(); err != nil && !errors.Is(err, types.ErrURLRequired) {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.FetchPage(r.Context(), pipeline.PageRequest{
		URL:        req.URL,
		SessionID:  req.SessionID,
		ClientAddr: h.clientIP(r),
		Headers:    req.Headers,
	})
	if err != nil {
		h.writeProxyError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, types.ProxyResponse{
		Success:       true,
		Content:       res.Content,
		StatusCode:    res.StatusCode,
		Headers:       res.Headers,
		ContentLength: res.ContentLength,
		FinalURL:      res.FinalURL,
		ContentType:   res.ContentType,
	})
}

// HandleResource handles GET /resource?url=&session=: fetch one
// sub-resource and return its bytes.
func (h *Handler) HandleResource(w http.ResponseWriter, r *http.Request) {
	// Resources are loaded by sandboxed documents with an opaque origin.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Del("Access-Control-Allow-Credentials")

	query := r.URL.Query()
	res, err := h.svc.FetchResource(r.Context(), pipeline.ResourceRequest{
		URL:        query.Get("url"),
		SessionID:  query.Get("session"),
		ClientAddr: h.clientIP(r),
	})
	if err != nil {
		h.writeResourceError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		log.Debug().Err(err).Msg("Client went away while writing resource")
	}
}

// HandleValidate handles POST /validate: normalize and check a URL
// without fetching it.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req types.ValidateRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.writeError(w, http.StatusBadRequest, msgMissingURL)
		return
	}
	if len(req.URL) > types.MaxURLLength {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("%v (%d)", types.ErrURLTooLong, types.MaxURLLength))
		return
	}

	res := h.svc.Validate(req.URL, h.clientIP(r))
	h.writeJSONResponse(w, http.StatusOK, types.ValidateResponse{
		Success:     true,
		Valid:       res.Valid,
		URL:         res.URL,
		OriginalURL: res.OriginalURL,
		Error:       res.Reason,
	})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, types.HealthResponse{
		Status:    types.StatusHealthy,
		Service:   version.ServiceName,
		Version:   version.Full(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleRoot handles GET / with a service descriptor.
func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, types.ServiceInfo{
		Service:   version.ServiceName,
		Version:   version.Full(),
		Status:    types.StatusOnline,
		Features:  serviceFeatures,
		Endpoints: serviceEndpoints,
	})
}

// HandleSessionList handles GET /sessions.
func (h *Handler) HandleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	h.writeJSONResponse(w, http.StatusOK, types.SessionsResponse{
		Success:  true,
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// HandleSessionCreate handles POST /sessions by minting a random token.
// The jar itself is created by the first page fetch that stores a cookie.
func (h *Handler) HandleSessionCreate(w http.ResponseWriter, r *http.Request) {
	id, err := security.GenerateSessionID()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate session token")
		h.writeError(w, http.StatusInternalServerError, msgUnexpected)
		return
	}

	log.Info().Str("session_id", id).Msg("Session token issued")
	h.writeJSONResponse(w, http.StatusCreated, types.SessionCreatedResponse{
		Success:   true,
		SessionID: id,
	})
}

// HandleSessionDelete handles DELETE /sessions/{id}.
func (h *Handler) HandleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id, err := security.NormalizeSessionToken(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	if err := h.sessions.Delete(id); err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		log.Error().Err(err).Str("session_id", id).Msg("Failed to delete session")
		h.writeError(w, http.StatusInternalServerError, msgUnexpected)
		return
	}

	log.Info().Str("session_id", id).Msg("Session deleted")
	h.writeJSONResponse(w, http.StatusOK, types.SessionDeletedResponse{
		Success:   true,
		SessionID: id,
	})
}

// HandleAudit handles GET /audit?limit=N with the newest N events.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	events := h.audit.Recent(limit)
	h.writeJSONResponse(w, http.StatusOK, types.AuditResponse{
		Success: true,
		Count:   len(events),
		Events:  events,
	})
}

// HandleStats handles GET /stats, optionally narrowed with ?host=.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.hosts == nil {
		h.writeError(w, http.StatusNotFound, "Host statistics are disabled")
		return
	}

	if host := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("host"))); host != "" {
		snap, ok := h.hosts.Get(host)
		if !ok {
			h.writeError(w, http.StatusNotFound, "Host not tracked")
			return
		}
		h.writeJSONResponse(w, http.StatusOK, types.StatsResponse{
			Success: true,
			Count:   1,
			Hosts:   []stats.Snapshot{snap},
		})
		return
	}

	all := h.hosts.All()
	h.writeJSONResponse(w, http.StatusOK, types.StatsResponse{
		Success: true,
		Count:   len(all),
		Hosts:   all,
	})
}

// HandleStatsReset handles DELETE /stats, dropping every host.
func (h *Handler) HandleStatsReset(w http.ResponseWriter, r *http.Request) {
	if h.hosts == nil {
		h.writeError(w, http.StatusNotFound, "Host statistics are disabled")
		return
	}
	h.hosts.ResetAll()
	log.Info().Msg("Host statistics reset")
	w.WriteHeader(http.StatusNoContent)
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "Not found")
}

func (h *Handler) clientIP(r *http.Request) string {
	return middleware.ClientIP(r, h.config.TrustProxy)
}

// readJSON decodes a size-limited JSON body into v using a pooled buffer.
// It writes the error response itself and reports whether decoding
// succeeded.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return false
		}
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, http.StatusBadRequest, "Failed to read request")
		return false
	}

	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		log.Debug().Err(err).Msg("Failed to decode request")
		h.writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return false
	}
	return true
}

// writeProxyError maps a page fetch failure onto its status and message.
func (h *Handler) writeProxyError(w http.ResponseWriter, err error) {
	var policyErr *security.PolicyError
	var fetchErr *types.FetchError

	switch {
	case errors.Is(err, types.ErrURLRequired):
		h.writeError(w, http.StatusBadRequest, msgMissingURL)
	case errors.Is(err, types.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &policyErr):
		h.writeJSONResponse(w, http.StatusForbidden, types.ErrorResponse{
			Success: false,
			Error:   policyErr.Reason,
			Blocked: true,
		})
	case errors.As(err, &fetchErr):
		status, message := h.fetchErrorStatus(fetchErr)
		h.writeError(w, status, message)
	default:
		log.Error().Err(err).Msg("Unexpected proxy failure")
		h.writeError(w, http.StatusInternalServerError, msgUnexpected)
	}
}

// fetchErrorStatus returns the response status and message for an
// upstream failure.
func (h *Handler) fetchErrorStatus(err *types.FetchError) (int, string) {
	switch err.Kind {
	case types.FetchTimeout:
		return http.StatusGatewayTimeout, err.Message
	case types.FetchTLS, types.FetchConnection:
		return http.StatusBadGateway, err.Message
	case types.FetchOversize:
		return http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Response too large. Maximum size is %dMB", h.config.MaxContentSizeMB)
	case types.FetchCanceled:
		return http.StatusServiceUnavailable, err.Message
	default:
		return http.StatusInternalServerError, msgUnexpected
	}
}

// writeResourceError answers /resource failures with a bare {error} body.
func (h *Handler) writeResourceError(w http.ResponseWriter, err error) {
	var policyErr *security.PolicyError
	var fetchErr *types.FetchError

	status, message := http.StatusInternalServerError, msgResourceFailed
	switch {
	case errors.Is(err, types.ErrURLRequired):
		status, message = http.StatusBadRequest, msgMissingURLParam
	case errors.Is(err, types.ErrInvalidRequest):
		status, message = http.StatusBadRequest, err.Error()
	case errors.As(err, &policyErr):
		status, message = http.StatusForbidden, policyErr.Reason
	case errors.As(err, &fetchErr) && fetchErr.Kind == types.FetchOversize:
		status, message = h.fetchErrorStatus(fetchErr)
	}

	h.writeJSONResponse(w, status, types.ResourceError{Error: message})
}

// writeError writes the standard {success:false, error} body.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, types.ErrorResponse{
		Success: false,
		Error:   message,
	})
}

// writeJSONResponse buffers JSON before writing so encoding errors are
// caught before headers are sent.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	// Page content is mostly markup; escaping <, > and & would only bloat it.
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
