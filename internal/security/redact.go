package security

import (
	"net"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveParamPatterns are query parameter name fragments that likely
// carry secrets. Matching is case-insensitive substring.
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"bearer",
	"credential",
	"key",
	"session",
	"sid",
	"private",
	"signature",
	"sig",
}

// RedactURL removes user credentials and secret-looking query values from a
// URL so it can be logged or audited. Unparseable input is replaced entirely.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	return RedactParsedURL(parsed)
}

// RedactParsedURL is RedactURL for an already parsed URL. u is not modified.
func RedactParsedURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	c := *u
	if c.User != nil {
		c.User = url.User(redacted)
	}
	if c.RawQuery != "" {
		c.RawQuery = redactQueryParams(c.Query()).Encode()
	}
	return c.String()
}

func redactQueryParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for key, values := range params {
		if isSensitiveParam(key) {
			out[key] = []string{redacted}
			continue
		}
		out[key] = values
	}
	return out
}

func isSensitiveParam(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// RedactProxyURL hides the password of an egress proxy URL.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}
	return parsed.String()
}

// MaskIP truncates a client address for logs and audit records.
// IPv4 keeps the /24 network, IPv6 the /48. A port, if present, is dropped.
func MaskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}

	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}
