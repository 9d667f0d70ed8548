package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimal environment for New() to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HTTP_CLIENT_BASE_URL", "https://api.example.com")
	t.Setenv("ADMIN_API_TOKEN", "admin-test-token")
}

func TestNewDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 5s", cfg.UpstreamTimeout)
	}
	if cfg.UpstreamRetries != 2 {
		t.Errorf("UpstreamRetries = %d, want 2", cfg.UpstreamRetries)
	}
	if cfg.BodyLimit != 1048576 {
		t.Errorf("BodyLimit = %d, want 1048576", cfg.BodyLimit)
	}
	if cfg.CacheDefaultTTL != 60*time.Second {
		t.Errorf("CacheDefaultTTL = %v, want 60s", cfg.CacheDefaultTTL)
	}
	if cfg.CacheStaleTTL != 0 {
		t.Errorf("CacheStaleTTL = %v, want 0", cfg.CacheStaleTTL)
	}
	if cfg.KeysRedisPrefix != "apikeys" {
		t.Errorf("KeysRedisPrefix = %q, want apikeys", cfg.KeysRedisPrefix)
	}
	if cfg.RateLimitWindow != 60*time.Second || cfg.RateLimitMax != 120 {
		t.Errorf("rate limit defaults = %v/%d, want 60s/120", cfg.RateLimitWindow, cfg.RateLimitMax)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled should default to true")
	}
}

func TestNewMissingRequired(t *testing.T) {
	t.Run("missing base URL", func(t *testing.T) {
		t.Setenv("HTTP_CLIENT_BASE_URL", "")
		t.Setenv("ADMIN_API_TOKEN", "admin-test-token")
		if _, err := New(); err == nil {
			t.Fatal("expected error for missing HTTP_CLIENT_BASE_URL")
		}
	})

	t.Run("missing admin token", func(t *testing.T) {
		t.Setenv("HTTP_CLIENT_BASE_URL", "https://api.example.com")
		t.Setenv("ADMIN_API_TOKEN", "")
		if _, err := New(); err == nil {
			t.Fatal("expected error for missing ADMIN_API_TOKEN")
		}
	})
}

func TestNewValidationRanges(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"timeout below minimum", "HTTP_CLIENT_TIMEOUT", "99", "HTTP_CLIENT_TIMEOUT"},
		{"negative retries", "HTTP_CLIENT_RETRIES", "-1", "HTTP_CLIENT_RETRIES"},
		{"too many retries", "HTTP_CLIENT_RETRIES", "6", "HTTP_CLIENT_RETRIES"},
		{"body limit below minimum", "PROXY_BODY_LIMIT", "1023", "PROXY_BODY_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := New()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestNewBaseURLOriginOnly(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"plain origin", "https://api.example.com", false},
		{"origin with port", "http://localhost:3000", false},
		{"trailing slash", "https://api.example.com/", false},
		{"with path", "https://api.example.com/v2", true},
		{"with query", "https://api.example.com?x=1", true},
		{"with userinfo", "https://user:pw@api.example.com", true},
		{"bad scheme", "ftp://api.example.com", true},
		{"no host", "https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HTTP_CLIENT_BASE_URL", tt.baseURL)
			t.Setenv("ADMIN_API_TOKEN", "admin-test-token")
			_, err := New()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for base URL %q", tt.baseURL)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for base URL %q: %v", tt.baseURL, err)
			}
		})
	}
}

func TestNewRateLimitFallbacks(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_KEYS_RATE_LIMIT_WINDOW_SECONDS", "0")
	t.Setenv("API_KEYS_RATE_LIMIT_MAX_REQUESTS", "-5")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if cfg.RateLimitWindow != DefaultRateLimitWindow {
		t.Errorf("RateLimitWindow = %v, want %v", cfg.RateLimitWindow, DefaultRateLimitWindow)
	}
	if cfg.RateLimitMax != DefaultRateLimitMax {
		t.Errorf("RateLimitMax = %d, want %d", cfg.RateLimitMax, DefaultRateLimitMax)
	}
}

func TestNewBypassPaths(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CACHE_BYPASS_PATHS", "/search, /session ,,/live")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	want := []string{"/search", "/session", "/live"}
	if len(cfg.CacheBypassPaths) != len(want) {
		t.Fatalf("CacheBypassPaths = %v, want %v", cfg.CacheBypassPaths, want)
	}
	for i := range want {
		if cfg.CacheBypassPaths[i] != want[i] {
			t.Errorf("CacheBypassPaths[%d] = %q, want %q", i, cfg.CacheBypassPaths[i], want[i])
		}
	}
}

func TestNewPortOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9100")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want :9100", cfg.ListenAddr)
	}
}
