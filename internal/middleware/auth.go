package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/isoproxy/internal/audit"
	"github.com/Rorqualx/isoproxy/internal/config"
	"github.com/Rorqualx/isoproxy/internal/security"
)

// Authentication errors.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// jwtLeeway tolerates clock skew on exp/nbf/iat.
const jwtLeeway = 30 * time.Second

// Authorizer decides whether a request may use the API.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// NewAuthorizer builds the authorizer for cfg.AuthMode. It returns nil
// when authentication is disabled.
func NewAuthorizer(cfg *config.Config) Authorizer {
	switch cfg.AuthMode {
	case config.AuthAPIKey:
		return NewAPIKeyAuthorizer(cfg.APIKey)
	case config.AuthJWT:
		return NewJWTAuthorizer(cfg.JWTSecret)
	default:
		return nil
	}
}

// APIKeyAuthorizer accepts a static key in X-API-Key or as a bearer token.
type APIKeyAuthorizer struct {
	key []byte
}

// NewAPIKeyAuthorizer creates an APIKeyAuthorizer. An empty key rejects
// every request.
func NewAPIKeyAuthorizer(key string) *APIKeyAuthorizer {
	return &APIKeyAuthorizer{key: []byte(key)}
}

// Authorize implements Authorizer.
func (a *APIKeyAuthorizer) Authorize(r *http.Request) error {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = bearerToken(r)
	}
	if key == "" {
		return ErrMissingCredentials
	}
	// Use constant-time comparison to prevent timing attacks
	if len(a.key) == 0 || subtle.ConstantTimeCompare([]byte(key), a.key) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// JWTAuthorizer accepts HS256 bearer tokens signed with a shared secret.
// exp and nbf are enforced when present.
type JWTAuthorizer struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthorizer creates a JWTAuthorizer. An empty secret rejects every
// request.
func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(jwtLeeway),
		),
	}
}

// Authorize implements Authorizer.
func (a *JWTAuthorizer) Authorize(r *http.Request) error {
	raw := bearerToken(r)
	if raw == "" {
		return ErrMissingCredentials
	}
	if len(a.secret) == 0 {
		return ErrInvalidCredentials
	}

	token, err := a.parser.Parse(raw, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
		log.Debug().Str("subject", sub).Msg("JWT accepted")
	}
	return nil
}

// bearerToken returns the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Auth returns middleware that rejects requests the authorizer refuses.
// A nil authorizer disables authentication. /health and CORS preflight
// requests are always allowed. Refusals are written to auditLog when it
// is non-nil.
func Auth(a Authorizer, trustProxy bool, auditLog *audit.Log) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			err := a.Authorize(r)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIP(r, trustProxy)
			reason := ErrInvalidCredentials.Error()
			if errors.Is(err, ErrMissingCredentials) {
				reason = ErrMissingCredentials.Error()
			}

			if auditLog != nil {
				auditLog.Record(audit.AuthFailed, map[string]any{
					"path":   r.URL.Path,
					"reason": reason,
				}, clientIP, "")
			}
			log.Warn().
				Err(err).
				Str("path", r.URL.Path).
				Str("remote_addr", security.MaskIP(clientIP)).
				Msg("Authentication failed")

			w.Header().Set("WWW-Authenticate", `Bearer realm="isoproxy"`)
			writeErrorResponse(w, http.StatusUnauthorized, "Missing or invalid credentials")
		})
	}
}
