// Package policy provides the proxy's static policy tables: brand domains
// for URL normalization, SSRF hostname blocklists, and the response headers
// stripped before content is embedded.
package policy

import (
	"embed"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyFS embed.FS

// Policy contains all policy tables. Entries are stored lowercased.
type Policy struct {
	BrandDomains           []string `yaml:"brand_domains"`
	BlockedSuffixes        []string `yaml:"blocked_suffixes"`
	BlockedHosts           []string `yaml:"blocked_hosts"`
	StrippedHeaders        []string `yaml:"stripped_headers"`
	StrippedHeaderPrefixes []string `yaml:"stripped_header_prefixes"`
}

var (
	instance *Policy
	once     sync.Once
	loadErr  error
)

// Default returns the singleton embedded Policy.
// Falls back to compiled-in tables if the embedded file cannot be parsed.
func Default() *Policy {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded policy, using defaults")
			instance = defaultPolicy()
		}
	})
	return instance
}

// load reads the policy from the embedded YAML file.
func load() (*Policy, error) {
	data, err := defaultPolicyFS.ReadFile("policy.yaml")
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.normalize()

	log.Debug().
		Int("brand_domains", len(p.BrandDomains)).
		Int("blocked_suffixes", len(p.BlockedSuffixes)).
		Int("stripped_headers", len(p.StrippedHeaders)).
		Msg("Policy loaded")

	return &p, nil
}

// normalize lowercases and trims every entry, dropping empties.
func (p *Policy) normalize() {
	p.BrandDomains = cleanList(p.BrandDomains)
	p.BlockedSuffixes = cleanList(p.BlockedSuffixes)
	p.BlockedHosts = cleanList(p.BlockedHosts)
	p.StrippedHeaders = cleanList(p.StrippedHeaders)
	p.StrippedHeaderPrefixes = cleanList(p.StrippedHeaderPrefixes)
}

func cleanList(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsBrand reports whether label is a brand apex label (e.g. "google").
func (p *Policy) IsBrand(label string) bool {
	label = strings.ToLower(label)
	for _, b := range p.BrandDomains {
		if b == label {
			return true
		}
	}
	return false
}

// BlockedSuffix returns the blocked suffix matching hostname, or "".
func (p *Policy) BlockedSuffix(hostname string) string {
	hostname = strings.ToLower(hostname)
	for _, s := range p.BlockedSuffixes {
		if strings.HasSuffix(hostname, s) {
			return s
		}
	}
	return ""
}

// IsBlockedHost reports whether hostname is an exact blocked hostname.
func (p *Policy) IsBlockedHost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, h := range p.BlockedHosts {
		if h == hostname {
			return true
		}
	}
	return false
}

// IsStrippedHeader reports whether a response header must be removed.
func (p *Policy) IsStrippedHeader(name string) bool {
	name = strings.ToLower(name)
	for _, h := range p.StrippedHeaders {
		if h == name {
			return true
		}
	}
	for _, prefix := range p.StrippedHeaderPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// defaultPolicy returns hardcoded fallback tables.
func defaultPolicy() *Policy {
	return &Policy{
		BrandDomains:    []string{"google", "microsoft", "facebook", "amazon", "apple"},
		BlockedSuffixes: []string{".local", ".internal", ".corp", ".localhost"},
		BlockedHosts: []string{
			"localhost",
			"0.0.0.0",
			"localhost.localdomain",
			"ip6-localhost",
			"ip6-loopback",
			"metadata",
			"metadata.google.internal",
			"instance-data",
		},
		StrippedHeaders: []string{
			"x-frame-options",
			"content-security-policy",
			"content-security-policy-report-only",
			"x-content-type-options",
			"x-xss-protection",
			"cross-origin-embedder-policy",
			"cross-origin-opener-policy",
			"cross-origin-resource-policy",
			"set-cookie",
			"set-cookie2",
			"content-encoding",
			"transfer-encoding",
			"content-length",
			"strict-transport-security",
			"public-key-pins",
			"expect-ct",
			"referrer-policy",
			"permissions-policy",
			"feature-policy",
		},
		StrippedHeaderPrefixes: []string{"content-security-policy", "cross-origin-", "set-cookie"},
	}
}
