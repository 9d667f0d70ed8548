// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration values loaded from environment variables.
// It provides a centralized, type-safe way to access configuration throughout the application.
type Config struct {
	// Server configuration
	ListenAddr string // Address to listen on, derived from PORT (e.g., ":8080")

	// Upstream HTTP client
	UpstreamBaseURL string        // Upstream origin; must be origin-only (scheme + authority)
	UpstreamAPIKey  string        // api_key injected upstream when the client omits it
	UpstreamTimeout time.Duration // Per-request timeout (HTTP_CLIENT_TIMEOUT, milliseconds)
	UpstreamRetries int           // Retry count for idempotent GET requests (0-5)

	// Proxy
	BodyLimit int64 // Maximum request body size in bytes

	// Cache
	RedisURL              string        // State-store endpoint (redis://...)
	CacheDefaultTTL       time.Duration // Default fresh TTL when upstream gives no directive
	CacheStaleTTL         time.Duration // Stale-while-revalidate window appended to the fresh TTL
	IgnoreUpstreamControl bool          // Disregard upstream cache-control entirely
	CacheBypassPaths      []string      // Path prefixes that are never cached
	CacheDebug            bool          // Detailed cache logs + x-cache-key-hash response header

	// API keys & rate limiting
	KeysRedisPrefix string // State-store namespace for key records and counters
	RateLimitWindow time.Duration
	RateLimitMax    int
	AdminAPIToken   string // Bearer token guarding /internal/**

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Audit logging
	AuditLogFile string // Path to audit JSONL file (empty: zap mirror only)

	// Monitoring
	MetricsEnabled bool // Whether to expose the prometheus /metrics endpoint
}

// Defaults applied when environment variables are unset or invalid.
const (
	DefaultRateLimitWindow = 60 * time.Second
	DefaultRateLimitMax    = 120

	minUpstreamTimeout = 100 * time.Millisecond
	maxUpstreamRetries = 5
	minBodyLimit       = 1024
)

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates required configuration settings.
func New() (*Config, error) {
	config := &Config{
		ListenAddr: ":" + getEnvString("PORT", "8080"),

		UpstreamBaseURL: getEnvString("HTTP_CLIENT_BASE_URL", ""),
		UpstreamAPIKey:  getEnvString("HTTP_CLIENT_API_KEY", ""),
		UpstreamTimeout: time.Duration(getEnvInt("HTTP_CLIENT_TIMEOUT", 5000)) * time.Millisecond,
		UpstreamRetries: getEnvInt("HTTP_CLIENT_RETRIES", 2),

		BodyLimit: getEnvInt64("PROXY_BODY_LIMIT", 1048576),

		RedisURL:              getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
		CacheDefaultTTL:       time.Duration(getEnvInt("CACHE_TTL_DEFAULT", 60)) * time.Second,
		CacheStaleTTL:         time.Duration(getEnvInt("CACHE_STALE_TTL", 0)) * time.Second,
		IgnoreUpstreamControl: getEnvBool("CACHE_IGNORE_UPSTREAM_CONTROL", false),
		CacheBypassPaths:      getEnvStringSlice("CACHE_BYPASS_PATHS", nil),
		CacheDebug:            getEnvBool("CACHE_DEBUG", false),

		KeysRedisPrefix: getEnvString("API_KEYS_REDIS_PREFIX", "apikeys"),
		RateLimitWindow: time.Duration(getEnvInt("API_KEYS_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitMax:    getEnvInt("API_KEYS_RATE_LIMIT_MAX_REQUESTS", 120),
		AdminAPIToken:   getEnvString("ADMIN_API_TOKEN", ""),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),

		AuditLogFile: getEnvString("AUDIT_LOG_FILE", ""),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required settings and value ranges. Rate-limit settings
// are not fatal: invalid values fall back to documented defaults so a typo
// cannot disable throttling entirely.
func (c *Config) Validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("HTTP_CLIENT_BASE_URL environment variable is required")
	}
	if err := validateOriginURL(c.UpstreamBaseURL); err != nil {
		return fmt.Errorf("HTTP_CLIENT_BASE_URL is invalid: %w", err)
	}
	if c.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN environment variable is required")
	}
	if c.UpstreamTimeout < minUpstreamTimeout {
		return fmt.Errorf("HTTP_CLIENT_TIMEOUT must be at least %d ms", minUpstreamTimeout.Milliseconds())
	}
	if c.UpstreamRetries < 0 || c.UpstreamRetries > maxUpstreamRetries {
		return fmt.Errorf("HTTP_CLIENT_RETRIES must be between 0 and %d", maxUpstreamRetries)
	}
	if c.BodyLimit < minBodyLimit {
		return fmt.Errorf("PROXY_BODY_LIMIT must be at least %d bytes", minBodyLimit)
	}

	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = DefaultRateLimitMax
	}
	return nil
}

// validateOriginURL ensures the upstream base URL carries scheme and host only.
// A non-trivial path would silently change every proxied request, so it is a
// startup error rather than something to normalize away.
func validateOriginURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("base URL must be origin-only, found path %q", u.Path)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("base URL must be origin-only")
	}
	return nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment variable
// and splits it into a slice of strings, falling back to the provided default value
// if the variable is not set or is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
