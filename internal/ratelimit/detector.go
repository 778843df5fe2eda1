// Package ratelimit recognizes upstream throttling and block pages in
// fetched responses so the pipeline can audit them.
package ratelimit

import (
	"bytes"
	"net/http"
	"regexp"
	"time"
)

// maxBodyLenForRegex bounds the body prefix the patterns are run against.
const maxBodyLenForRegex = 100 * 1024

// Category is the broad class of a detected upstream refusal.
type Category string

// Categories.
const (
	CategoryRateLimit    Category = "rate_limit"
	CategoryAccessDenied Category = "access_denied"
	CategoryChallenge    Category = "challenge"
	CategoryGeoBlocked   Category = "geo_blocked"
)

type pattern struct {
	re          *regexp.Regexp
	code        string
	category    Category
	backoff     time.Duration
	description string
}

// Signal describes a detected refusal. Backoff is the upstream's
// Retry-After when it sent one, otherwise a suggested wait (zero when no
// wait will help).
type Signal struct {
	Detected    bool
	Code        string
	Category    Category
	Backoff     time.Duration
	FromHeader  bool // Backoff came from Retry-After
	Description string
}

// patterns are ordered by specificity; the first match wins. [^<]{0,N}
// keeps matches inside one text node and avoids backtracking on markup.
var patterns = []pattern{
	{
		re:          regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`),
		code:        "CF_1015",
		category:    CategoryRateLimit,
		backoff:     60 * time.Second,
		description: "Cloudflare rate limit exceeded",
	},
	{
		re:          regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1009`),
		code:        "CF_1009",
		category:    CategoryGeoBlocked,
		description: "Cloudflare geo-restriction",
	},
	{
		re:          regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}10(0[678]|1[02]|20)`),
		code:        "CF_ACCESS_DENIED",
		category:    CategoryAccessDenied,
		backoff:     30 * time.Second,
		description: "Cloudflare access denied",
	},
	{
		re:          regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`),
		code:        "TOO_MANY_REQUESTS",
		category:    CategoryRateLimit,
		backoff:     10 * time.Second,
		description: "Too many requests",
	},
	{
		re:          regexp.MustCompile(`(?i)rate\s{0,3}limit`),
		code:        "RATE_LIMITED",
		category:    CategoryRateLimit,
		backoff:     10 * time.Second,
		description: "Generic rate limit",
	},
	{
		re:          regexp.MustCompile(`(?i)(captcha|cf-challenge|challenge-platform|verify you are human)`),
		code:        "CHALLENGE",
		category:    CategoryChallenge,
		description: "Interactive challenge page",
	},
	{
		re:          regexp.MustCompile(`(?i)access\s{1,5}denied`),
		code:        "ACCESS_DENIED",
		category:    CategoryAccessDenied,
		backoff:     5 * time.Second,
		description: "Generic access denied",
	},
	{
		re:          regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`),
		code:        "BLOCKED",
		category:    CategoryAccessDenied,
		backoff:     15 * time.Second,
		description: "Request blocked",
	},
}

// Detect inspects an upstream response for throttling. Only 403, 429 and
// 503 responses are considered: a 200 page that mentions "rate limit" is
// content, not a refusal. Body patterns refine the status-derived signal;
// a 503 counts only with Retry-After or a matching body, since it usually
// just means the site is down.
func Detect(statusCode int, retryAfter time.Duration, body []byte) Signal {
	switch statusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return Signal{}
	}

	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}

	var sig Signal
	for _, p := range patterns {
		if p.re.Match(body) {
			sig = Signal{
				Detected:    true,
				Code:        p.code,
				Category:    p.category,
				Backoff:     p.backoff,
				Description: p.description,
			}
			break
		}
	}

	if !sig.Detected {
		switch {
		case statusCode == http.StatusTooManyRequests:
			sig = Signal{
				Detected:    true,
				Code:        "HTTP_429",
				Category:    CategoryRateLimit,
				Backoff:     60 * time.Second,
				Description: "HTTP 429 Too Many Requests",
			}
		case statusCode == http.StatusServiceUnavailable && retryAfter > 0:
			sig = Signal{
				Detected:    true,
				Code:        "HTTP_503",
				Category:    CategoryRateLimit,
				Backoff:     30 * time.Second,
				Description: "HTTP 503 Service Unavailable",
			}
		case statusCode == http.StatusForbidden && bytes.Contains(bytes.ToLower(body), []byte("cloudflare")):
			sig = Signal{
				Detected:    true,
				Code:        "CF_403",
				Category:    CategoryAccessDenied,
				Backoff:     30 * time.Second,
				Description: "Cloudflare 403 Forbidden",
			}
		default:
			return Signal{}
		}
	}

	if retryAfter > 0 {
		sig.Backoff = retryAfter
		sig.FromHeader = true
	}
	return sig
}
