// Package security provides the proxy's policy checks: target URL
// normalization and SSRF validation, header filtering, session token
// validation and log redaction.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/Rorqualx/isoproxy/internal/policy"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrBlockedHost      = errors.New("host not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

// PolicyError is a synchronous policy rejection. Reason is safe to return
// to the caller verbatim; Err is one of the sentinel errors above.
type PolicyError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return e.Reason
}

// Unwrap returns the sentinel error for errors.Is support.
func (e *PolicyError) Unwrap() error {
	return e.Err
}

func reject(err error, format string, args ...any) *PolicyError {
	return &PolicyError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// AllowedSchemes defines the permitted URL schemes.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// cloudMetadataIPs contains IP addresses used by cloud provider metadata services.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("192.0.0.192"),     // Oracle Cloud
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6 metadata
}

// PolicySource supplies the current policy tables.
// *policy.Manager implements it.
type PolicySource interface {
	Get() *policy.Policy
}

// Guard normalizes and validates target URLs against the current policy.
// It performs no network access.
type Guard struct {
	policy PolicySource
}

// NewGuard creates a Guard reading its tables from src.
func NewGuard(src PolicySource) *Guard {
	return &Guard{policy: src}
}

// Policy returns the policy snapshot the guard is currently using.
func (g *Guard) Policy() *policy.Policy {
	return g.policy.Get()
}

// Normalize canonicalizes user input using the current brand list.
func (g *Guard) Normalize(input string) (*url.URL, error) {
	return Normalize(input, g.policy.Get().BrandDomains)
}

// ParseTarget parses an already absolute URL (sub-resources arrive that
// way) and validates it. No brand rewriting is applied.
func (g *Guard) ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, reject(ErrInvalidURL, "Invalid URL: empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, reject(ErrInvalidURL, "Invalid URL format")
	}
	if err := g.Validate(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate checks if a URL is safe to fetch. It blocks:
//   - Non-HTTP(S) schemes
//   - Empty hostnames
//   - Hostnames under an internal suffix (.local, .internal, .corp, .localhost)
//   - localhost aliases and metadata hostnames
//   - IP literals in loopback, private, link-local, unspecified, 0.0.0.0/8
//     and cloud metadata ranges, including decimal/octal/hex encodings and
//     IPv4-mapped IPv6
//
// Hostnames are not resolved here; the fetcher re-checks every resolved
// address at dial time.
func (g *Guard) Validate(u *url.URL) error {
	if u == nil {
		return reject(ErrInvalidURL, "Invalid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if !AllowedSchemes[scheme] {
		return reject(ErrBlockedScheme, "Invalid protocol: %s", u.Scheme)
	}

	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if hostname == "" {
		return reject(ErrInvalidURL, "Invalid URL: No hostname")
	}

	p := g.policy.Get()

	if suffix := p.BlockedSuffix(hostname); suffix != "" {
		return reject(ErrBlockedHost, "Access to %s domains is not allowed", suffix)
	}

	if p.IsBlockedHost(hostname) || isLocalhostHostname(hostname) {
		return reject(ErrLocalhostBlocked, "Access to localhost is not allowed")
	}

	if ip := parseIPWithNormalization(hostname); ip != nil {
		return CheckIP(ip)
	}

	return nil
}

// CheckIP applies the address policy to a single IP. The fetcher's dialer
// calls it for every resolved address.
func CheckIP(ip net.IP) error {
	ip = normalizeIPv4Mapped(ip)

	if isLoopbackIP(ip) {
		return reject(ErrLocalhostBlocked, "Access to localhost is not allowed")
	}

	if isCloudMetadataIP(ip) {
		return reject(ErrMetadataBlocked, "Access to cloud metadata addresses is not allowed")
	}

	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() || isThisNetwork(ip) {
		return reject(ErrPrivateIPBlocked, "Access to private/internal IP addresses is not allowed")
	}

	return nil
}

// parseIPWithNormalization parses an IP address string, handling encodings
// that could be used to bypass SSRF protections:
//   - Standard dotted decimal (192.168.1.1) and IPv6 (with optional zone)
//   - Decimal encoding (3232235777 for 192.168.1.1)
//   - Octal encoding (0300.0250.01.01)
//   - Hex encoding (0xC0.0xA8.0x01.0x01)
//   - Shortened forms (127.1)
func parseIPWithNormalization(hostname string) net.IP {
	if i := strings.IndexByte(hostname, '%'); i > 0 {
		hostname = hostname[:i]
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}

	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	parts := strings.Split(hostname, ".")
	switch len(parts) {
	case 4:
		var octets [4]byte
		for i, part := range parts {
			val, err := parseIntWithBase(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	case 3:
		first, err1 := parseIntWithBase(parts[0])
		second, err2 := parseIntWithBase(parts[1])
		third, err3 := parseIntWithBase(parts[2])
		if err1 == nil && err2 == nil && err3 == nil && first <= 255 && second <= 255 && third <= 0xFFFF {
			return net.IPv4(byte(first), byte(second), byte(third>>8), byte(third))
		}
	case 2:
		first, err1 := parseIntWithBase(parts[0])
		second, err2 := parseIntWithBase(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && second <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(second>>16), byte(second>>8), byte(second))
		}
	}

	return nil
}

// parseIntWithBase parses an integer that may be decimal, octal (0-prefixed)
// or hexadecimal (0x-prefixed).
func parseIntWithBase(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}

	if strings.HasPrefix(s, "0") && len(s) > 1 {
		return strconv.ParseUint(s[1:], 8, 64)
	}

	return strconv.ParseUint(s, 10, 64)
}

// normalizeIPv4Mapped converts IPv4-mapped IPv6 addresses (::ffff:x.x.x.x) to IPv4.
func normalizeIPv4Mapped(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

// isLocalhostHostname catches localhost spellings the policy list cannot
// enumerate (foo.localhost, localhost.anything).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	return strings.HasPrefix(hostname, "localhost.")
}

// isLoopbackIP covers the entire 127.0.0.0/8 range and ::1.
func isLoopbackIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}

// isThisNetwork reports whether ip is in 0.0.0.0/8.
func isThisNetwork(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 0
	}
	return false
}

func isCloudMetadataIP(ip net.IP) bool {
	for _, metadataIP := range cloudMetadataIPs {
		if ip.Equal(metadataIP) {
			return true
		}
	}
	return false
}

// Upstream proxy validation errors.
var (
	ErrInvalidProxyURL    = errors.New("invalid proxy URL")
	ErrBlockedProxyScheme = errors.New("proxy URL scheme not allowed (must be http, https, or socks5)")
)

// AllowedProxySchemes defines the schemes net/http can dial a proxy with.
var AllowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ValidateProxyURL validates the egress proxy URL.
// allowPrivateIPs permits a proxy on localhost or a private network.
func ValidateProxyURL(proxyURL string, allowPrivateIPs bool) error {
	if proxyURL == "" {
		return nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return ErrInvalidProxyURL
	}

	if !AllowedProxySchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedProxyScheme
	}

	if parsed.Host == "" {
		return ErrInvalidProxyURL
	}

	if allowPrivateIPs {
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}
	if ip := parseIPWithNormalization(hostname); ip != nil {
		if err := CheckIP(ip); err != nil {
			return err
		}
	}

	return nil
}
