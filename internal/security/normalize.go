package security

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// schemePrefix matches an explicit "scheme://" at the start of the input.
var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// Normalize canonicalizes a user-supplied URL:
//   - surrounding whitespace is trimmed
//   - input without a scheme gets https://
//   - the host is lowercased and converted to its ASCII (punycode) form
//   - a bare two-label host whose first label is in brands gets www.
//   - an empty path becomes /
//
// Query, fragment, explicit port and an explicit scheme are preserved.
// Userinfo is dropped. Normalize does not decide whether the URL is safe;
// pass the result to Guard.Validate.
func Normalize(input string, brands []string) (*url.URL, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, reject(ErrInvalidURL, "Invalid URL: empty")
	}

	if !schemePrefix.MatchString(s) {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, reject(ErrInvalidURL, "Invalid URL format")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.User = nil

	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, reject(ErrInvalidURL, "Invalid URL: bad hostname")
		}
		host = ascii
	}

	if labels := strings.Split(host, "."); len(labels) == 2 && labels[0] != "www" && isBrand(labels[0], brands) {
		host = "www." + host
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	return u, nil
}

func isBrand(label string, brands []string) bool {
	for _, b := range brands {
		if strings.EqualFold(b, label) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
