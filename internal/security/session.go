package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// AnonymousSession is the token used when a request carries no session.
const AnonymousSession = "anonymous"

// MaxSessionTokenLength bounds the size of a session token key.
const MaxSessionTokenLength = 128

// Session token errors.
var (
	ErrSessionTokenTooLong = errors.New("session token too long (max 128 characters)")
	ErrSessionTokenChars   = errors.New("session token contains invalid characters (use letters, digits, '.', '_' or '-')")
	ErrSessionTokenPattern = errors.New("session token contains blocked pattern")
)

var validSessionToken = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

var blockedSessionPatterns = []string{
	"..",
	"__proto__",
	"constructor",
}

// GenerateSessionID creates a random 192-bit session token.
func GenerateSessionID() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NormalizeSessionToken trims a caller-supplied token, maps the empty
// token to AnonymousSession and validates the result. Tokens are opaque
// to the proxy; the checks only keep them safe as map keys and log fields.
func NormalizeSessionToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AnonymousSession, nil
	}

	if len(token) > MaxSessionTokenLength {
		return "", ErrSessionTokenTooLong
	}
	if !validSessionToken.MatchString(token) {
		return "", ErrSessionTokenChars
	}

	lower := strings.ToLower(token)
	for _, pattern := range blockedSessionPatterns {
		if strings.Contains(lower, pattern) {
			return "", ErrSessionTokenPattern
		}
	}

	return token, nil
}
