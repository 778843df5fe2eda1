// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions     = 100000
	maxFetchTimeout    = 5 * time.Minute
	maxRequestTimeout  = 10 * time.Minute
	maxContentSizeMB   = 512
	maxMaxRedirects    = 30
	maxConcurrentCap   = 4096
	maxAuditCapacity   = 1000000
	maxRateLimitRPM    = 10000 // Maximum requests per minute per IP
	minAPIKeyLength    = 16    // Minimum API key length for security
	minJWTSecretLength = 32
)

// Authentication modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "apikey"
	AuthJWT    = "jwt"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup and may be
// overridden by command-line flags.
type Config struct {
	// Server settings
	Host           string
	Port           int
	RequestTimeout time.Duration // Upper bound on a whole API request

	// Upstream fetch settings
	FetchTimeout         time.Duration
	MaxContentSizeMB     int
	MaxRedirects         int
	MaxConcurrentFetches int    // 0 = unlimited
	ProxyURL             string // Egress proxy for all upstream traffic
	AllowLocalProxies    bool   // Allow an egress proxy on localhost/private IPs

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int

	// Audit
	AuditCapacity int
	AuditLogFile  string // JSON-lines sink, rotated with lumberjack; empty = memory only

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
	LogFile   string // Rotated log file in addition to stderr

	// Metrics and profiling
	MetricsEnabled  bool
	MetricsPort     int
	MetricsBindAddr string
	PProfEnabled    bool
	PProfPort       int
	PProfBindAddr   string // Bind address for pprof server (default: localhost only)

	// Security
	RateLimitEnabled     bool
	RateLimitRPM         int      // Default requests per minute per IP
	ProxyRateLimitRPM    int      // POST /proxy
	ResourceRateLimitRPM int      // GET /resource
	TrustProxy           bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins   []string // Allowed CORS origins ("*" = any, empty = none)

	// Authentication
	AuthMode  string // none, apikey or jwt
	APIKey    string
	JWTSecret string

	// Rewriting
	BridgeTargetOrigin string // postMessage target origin used by the injected bridge

	// Policy settings
	PolicyPath      string // Path to external policy.yaml override file
	PolicyHotReload bool   // Enable file watching for hot-reload of the policy
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host:           getEnvString("HOST", "127.0.0.1"),
		Port:           getEnvInt("PORT", 8080),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),

		// Upstream
		FetchTimeout:         getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		MaxContentSizeMB:     getEnvInt("MAX_CONTENT_SIZE_MB", 50),
		MaxRedirects:         getEnvInt("MAX_REDIRECTS", 10),
		MaxConcurrentFetches: getEnvInt("MAX_CONCURRENT_FETCHES", 64),
		ProxyURL:             getEnvString("PROXY_URL", ""),
		AllowLocalProxies:    getEnvBool("ALLOW_LOCAL_PROXIES", false),

		// Sessions
		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 10000),

		// Audit
		AuditCapacity: getEnvInt("AUDIT_CAPACITY", 10000),
		AuditLogFile:  getEnvString("AUDIT_LOG_FILE", ""),

		// Logging
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "console"),
		LogFile:   getEnvString("LOG_FILE", ""),

		// Metrics and profiling - disabled by default
		MetricsEnabled:  getEnvBool("METRICS_ENABLED", false),
		MetricsPort:     getEnvInt("METRICS_PORT", 9090),
		MetricsBindAddr: getEnvString("METRICS_BIND_ADDR", "127.0.0.1"),
		PProfEnabled:    getEnvBool("PPROF_ENABLED", false),
		PProfPort:       getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr:   getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// Security
		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", 100),
		ProxyRateLimitRPM:    getEnvInt("PROXY_RATE_LIMIT_RPM", 50),
		ResourceRateLimitRPM: getEnvInt("RESOURCE_RATE_LIMIT_RPM", 200),
		TrustProxy:           getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins:   getEnvStringSlice("CORS_ALLOWED_ORIGINS", getEnvStringSlice("CORS_ORIGIN", nil)),

		// Authentication
		AuthMode:  strings.ToLower(getEnvString("AUTH_MODE", AuthNone)),
		APIKey:    getEnvString("API_KEY", ""),
		JWTSecret: getEnvString("JWT_SECRET", ""),

		// Rewriting
		BridgeTargetOrigin: getEnvString("BRIDGE_TARGET_ORIGIN", "*"),

		// Policy
		PolicyPath:      getEnvString("POLICY_PATH", ""),
		PolicyHotReload: getEnvBool("POLICY_HOT_RELOAD", false),
	}
}

// AddFlags registers command-line overrides for the settings operators most
// often change. Defaults are the values already loaded from the environment,
// so a flag only wins when it is given.
func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Host, "host", c.Host, "address to listen on")
	flagSet.IntVarP(&c.Port, "port", "p", c.Port, "port to listen on")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error)")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (console or json)")
	flagSet.StringVar(&c.LogFile, "log-file", c.LogFile, "also write logs to this rotated file")
	flagSet.StringVar(&c.PolicyPath, "policy", c.PolicyPath, "path to a policy.yaml override")
	flagSet.BoolVar(&c.PolicyHotReload, "policy-hot-reload", c.PolicyHotReload, "reload the policy file when it changes")
	flagSet.StringVar(&c.AuditLogFile, "audit-log", c.AuditLogFile, "write audit events to this rotated JSON-lines file")
	flagSet.BoolVar(&c.MetricsEnabled, "metrics", c.MetricsEnabled, "serve Prometheus metrics on --metrics-port")
	flagSet.IntVar(&c.MetricsPort, "metrics-port", c.MetricsPort, "port for the metrics server")
	flagSet.StringVar(&c.AuthMode, "auth", c.AuthMode, "authentication mode (none, apikey, jwt)")
}

// MaxBodyBytes returns the content ceiling in bytes.
func (c *Config) MaxBodyBytes() int64 {
	return int64(c.MaxContentSizeMB) << 20
}

// HasEgressProxy returns true if an egress proxy is configured.
func (c *Config) HasEgressProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8080")
		c.Port = 8080
	}

	c.validateFetch()
	c.validateSessions()

	// Audit capacity
	if c.AuditCapacity < 1 {
		log.Warn().Int("capacity", c.AuditCapacity).Msg("Invalid audit capacity, using 10000")
		c.AuditCapacity = 10000
	} else if c.AuditCapacity > maxAuditCapacity {
		log.Warn().
			Int("capacity", c.AuditCapacity).
			Int("max", maxAuditCapacity).
			Msg("Audit capacity too high, capping to maximum")
		c.AuditCapacity = maxAuditCapacity
	}

	c.validateRateLimits()

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "console" && c.LogFormat != "json" {
		log.Warn().Str("format", c.LogFormat).Msg("Invalid log format, using 'console'")
		c.LogFormat = "console"
	}

	// Exposure warnings
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}
	if c.BridgeTargetOrigin == "" {
		c.BridgeTargetOrigin = "*"
	}
	if c.BridgeTargetOrigin == "*" {
		log.Warn().Msg("BRIDGE_TARGET_ORIGIN is '*' - bridge messages are readable by any embedding page")
	}

	c.validatePorts()
	c.validatePolicyPath()
	c.validateAuth()
}

func (c *Config) validateFetch() {
	if c.FetchTimeout < time.Second {
		log.Warn().Dur("timeout", c.FetchTimeout).Msg("Fetch timeout too short, using 30s")
		c.FetchTimeout = 30 * time.Second
	} else if c.FetchTimeout > maxFetchTimeout {
		log.Warn().
			Dur("timeout", c.FetchTimeout).
			Dur("max", maxFetchTimeout).
			Msg("Fetch timeout too high, capping to maximum")
		c.FetchTimeout = maxFetchTimeout
	}

	if c.RequestTimeout > maxRequestTimeout {
		log.Warn().
			Dur("timeout", c.RequestTimeout).
			Dur("max", maxRequestTimeout).
			Msg("Request timeout too high, capping to maximum")
		c.RequestTimeout = maxRequestTimeout
	}
	if c.RequestTimeout < c.FetchTimeout {
		log.Warn().
			Dur("request_timeout", c.RequestTimeout).
			Dur("fetch_timeout", c.FetchTimeout).
			Msg("Request timeout shorter than fetch timeout, adjusting")
		c.RequestTimeout = c.FetchTimeout + 5*time.Second
	}

	if c.MaxContentSizeMB < 1 {
		log.Warn().Int("mb", c.MaxContentSizeMB).Msg("Invalid content size limit, using 50MB")
		c.MaxContentSizeMB = 50
	} else if c.MaxContentSizeMB > maxContentSizeMB {
		log.Warn().
			Int("mb", c.MaxContentSizeMB).
			Int("max", maxContentSizeMB).
			Msg("Content size limit too high, capping to maximum")
		c.MaxContentSizeMB = maxContentSizeMB
	}

	if c.MaxRedirects < 0 {
		log.Warn().Int("redirects", c.MaxRedirects).Msg("Invalid max redirects, using 10")
		c.MaxRedirects = 10
	} else if c.MaxRedirects > maxMaxRedirects {
		log.Warn().
			Int("redirects", c.MaxRedirects).
			Int("max", maxMaxRedirects).
			Msg("Max redirects too high, capping to maximum")
		c.MaxRedirects = maxMaxRedirects
	}

	if c.MaxConcurrentFetches < 0 {
		log.Warn().Int("fetches", c.MaxConcurrentFetches).Msg("Invalid concurrent fetch limit, disabling limit")
		c.MaxConcurrentFetches = 0
	} else if c.MaxConcurrentFetches > maxConcurrentCap {
		log.Warn().
			Int("fetches", c.MaxConcurrentFetches).
			Int("max", maxConcurrentCap).
			Msg("Concurrent fetch limit too high, capping to maximum")
		c.MaxConcurrentFetches = maxConcurrentCap
	}

	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().Msg("PROXY_URL missing scheme (should be http://, https:// or socks5://)")
		}
		log.Warn().Msg("PROXY_URL set - resolved-address SSRF checks are delegated to the egress proxy")
	}
}

func (c *Config) validateSessions() {
	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 10000")
		c.MaxSessions = 10000
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	// SessionTTL validation (minimum 1 minute, maximum 24 hours)
	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().
			Dur("ttl", c.SessionTTL).
			Dur("min", minSessionTTL).
			Msg("Session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().
			Dur("ttl", c.SessionTTL).
			Dur("max", maxSessionTTL).
			Msg("Session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}

	// SessionCleanupInterval validation (minimum 10 seconds, maximum 1 hour)
	const minCleanupInterval = 10 * time.Second
	const maxCleanupInterval = 1 * time.Hour
	if c.SessionCleanupInterval < minCleanupInterval {
		log.Warn().
			Dur("interval", c.SessionCleanupInterval).
			Dur("min", minCleanupInterval).
			Msg("Session cleanup interval too short, using minimum")
		c.SessionCleanupInterval = minCleanupInterval
	} else if c.SessionCleanupInterval > maxCleanupInterval {
		log.Warn().
			Dur("interval", c.SessionCleanupInterval).
			Dur("max", maxCleanupInterval).
			Msg("Session cleanup interval too long, using maximum")
		c.SessionCleanupInterval = maxCleanupInterval
	}

	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().
			Dur("cleanup_interval", c.SessionCleanupInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}
}

func (c *Config) validateRateLimits() {
	if !c.RateLimitEnabled {
		return
	}
	for _, rl := range []struct {
		name string
		rpm  *int
		def  int
	}{
		{"RATE_LIMIT_RPM", &c.RateLimitRPM, 100},
		{"PROXY_RATE_LIMIT_RPM", &c.ProxyRateLimitRPM, 50},
		{"RESOURCE_RATE_LIMIT_RPM", &c.ResourceRateLimitRPM, 200},
	} {
		if *rl.rpm < 1 {
			log.Warn().Str("key", rl.name).Int("rpm", *rl.rpm).Int("default", rl.def).Msg("Invalid rate limit, using default")
			*rl.rpm = rl.def
		} else if *rl.rpm > maxRateLimitRPM {
			log.Warn().
				Str("key", rl.name).
				Int("rpm", *rl.rpm).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			*rl.rpm = maxRateLimitRPM
		}
	}
}

// validatePorts resolves conflicts between the API, metrics and pprof ports.
func (c *Config) validatePorts() {
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	claim := func(name string, enabled *bool, port *int, base int) {
		if !*enabled {
			return
		}
		if existingName, exists := usedPorts[*port]; exists {
			log.Error().
				Int("port", *port).
				Str("conflicts_with", existingName).
				Msgf("%s conflicts with another port, adjusting", name)
			*port = base
			for usedPorts[*port] != "" {
				*port++
				if *port > 65535 {
					log.Warn().Msgf("Could not find available port for %s, disabling", name)
					*enabled = false
					return
				}
			}
		}
		usedPorts[*port] = name
	}
	claim("METRICS_PORT", &c.MetricsEnabled, &c.MetricsPort, 9090)
	claim("PPROF_PORT", &c.PProfEnabled, &c.PProfPort, 6060)
}

func (c *Config) validatePolicyPath() {
	if c.PolicyPath != "" {
		if strings.Contains(c.PolicyPath, "..") {
			log.Error().
				Str("path", c.PolicyPath).
				Msg("PolicyPath contains path traversal sequence (..), ignoring")
			c.PolicyPath = ""
		} else if !strings.HasPrefix(c.PolicyPath, "/") {
			log.Warn().
				Str("path", c.PolicyPath).
				Msg("PolicyPath should be an absolute path")
		}
		if c.PolicyHotReload && c.PolicyPath != "" {
			if _, err := os.Stat(c.PolicyPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.PolicyPath).
					Msg("PolicyPath does not exist - hot-reload will watch for file creation")
			}
		}
	}

	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("POLICY_HOT_RELOAD enabled but POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}
}

func (c *Config) validateAuth() {
	switch c.AuthMode {
	case AuthNone:
		if c.Host != "127.0.0.1" && c.Host != "localhost" {
			log.Warn().Str("host", c.Host).Msg("AUTH_MODE is none on a non-localhost address - the proxy is open to anyone who can reach it")
		}
	case AuthAPIKey:
		const maxAPIKeyLength = 256
		switch {
		case c.APIKey == "":
			log.Error().Msg("AUTH_MODE is apikey but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		case len(c.APIKey) > maxAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("max", maxAPIKeyLength).
				Msg("API_KEY is too long")
		}
	case AuthJWT:
		switch {
		case c.JWTSecret == "":
			log.Error().Msg("AUTH_MODE is jwt but JWT_SECRET is empty - authentication will always fail")
		case len(c.JWTSecret) < minJWTSecretLength:
			log.Warn().
				Int("length", len(c.JWTSecret)).
				Int("min_recommended", minJWTSecretLength).
				Msg("JWT_SECRET is short for HS256 - consider at least 32 bytes")
		}
	default:
		log.Warn().Str("mode", c.AuthMode).Msg("Invalid AUTH_MODE, using 'none'")
		c.AuthMode = AuthNone
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		// Use ParseInt with explicit bounds to catch overflow
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			// Reject negative or zero durations
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Parse comma-separated values, trimming whitespace
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
