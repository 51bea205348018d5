package server

import (
	"reflect"
	"testing"
	"time"
)

// TestNewConfigDefaults verifies the built-in defaults.
func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Port != ":8080" {
		t.Errorf("Expected port :8080, got %q", cfg.Port)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://localhost:8080"}) {
		t.Errorf("Unexpected default origins %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 8192 {
		t.Errorf("Expected max message size 8192, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Unexpected default rate limit %+v", cfg.RateLimit)
	}
	if cfg.BroadcastScope != ScopeRoom {
		t.Errorf("Expected room scope, got %q", cfg.BroadcastScope)
	}
	if cfg.JWTSecret != "" || cfg.RedisURL != "" || cfg.Translate.URL != "" {
		t.Errorf("Expected optional integrations to be unset, got %+v", cfg)
	}
	if cfg.DatabaseURL != "file:lingochat.db" {
		t.Errorf("Unexpected default database %q", cfg.DatabaseURL)
	}
}

// TestNewConfigFromEnv verifies that every variable is read.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, http://localhost:3000")
	t.Setenv("MAX_MESSAGE_SIZE", "16384")
	t.Setenv("RATE_LIMIT_BURST", "20")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("BROADCAST_SCOPE", " GLOBAL ")
	t.Setenv("PERSIST_TIMEOUT", "2")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ADMIN_USER_IDS", "root, ,ops")
	t.Setenv("DATABASE_URL", "postgres://chat@localhost/chat")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("TRANSLATE_URL", "http://translate:5000")
	t.Setenv("TRANSLATE_API_KEY", "key")
	t.Setenv("TRANSLATE_TIMEOUT", "4")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("SHUTDOWN_TIMEOUT", "30")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := NewConfigFromEnv()

	want := Config{
		Port:            ":9090",
		AllowedOrigins:  []string{"https://app.example.com", "http://localhost:3000"},
		MaxMessageSize:  16384,
		RateLimit:       RateLimitConfig{Burst: 20, RefillInterval: 3 * time.Second},
		BroadcastScope:  ScopeGlobal,
		PersistTimeout:  2 * time.Second,
		JWTSecret:       "s3cret",
		AdminUserIDs:    []string{"root", "ops"},
		DatabaseURL:     "postgres://chat@localhost/chat",
		RedisURL:        "redis://localhost:6379/1",
		Translate:       TranslateConfig{URL: "http://translate:5000", APIKey: "key", Timeout: 4 * time.Second},
		CacheTTL:        time.Minute,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "debug",
	}
	if !reflect.DeepEqual(*cfg, want) {
		t.Errorf("Config mismatch:\n got  %+v\n want %+v", *cfg, want)
	}
}

// TestNewConfigFromEnvInvalidValues verifies that unparsable values fall
// back to defaults.
func TestNewConfigFromEnvInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "huge")
	t.Setenv("RATE_LIMIT_BURST", "-1")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "0")
	t.Setenv("BROADCAST_SCOPE", "planet")
	t.Setenv("PERSIST_TIMEOUT", "soon")
	t.Setenv("CACHE_TTL", "-5")

	cfg := NewConfigFromEnv()
	defaults := NewConfig()

	if cfg.MaxMessageSize != defaults.MaxMessageSize {
		t.Errorf("Expected default max message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit != defaults.RateLimit {
		t.Errorf("Expected default rate limit, got %+v", cfg.RateLimit)
	}
	if cfg.BroadcastScope != ScopeRoom {
		t.Errorf("Expected unknown scope to fall back to room, got %q", cfg.BroadcastScope)
	}
	if cfg.PersistTimeout != defaults.PersistTimeout {
		t.Errorf("Expected default persist timeout, got %v", cfg.PersistTimeout)
	}
	if cfg.CacheTTL != defaults.CacheTTL {
		t.Errorf("Expected default cache TTL, got %v", cfg.CacheTTL)
	}
}

// TestSanitizedCopiesOrigins verifies that Sanitized fills zero values and
// does not alias the caller's origin slice.
func TestSanitizedCopiesOrigins(t *testing.T) {
	origins := []string{"http://a.example"}
	cfg := Config{AllowedOrigins: origins}.Sanitized()

	origins[0] = "http://changed.example"
	if cfg.AllowedOrigins[0] != "http://a.example" {
		t.Errorf("Sanitized config shares the origin slice")
	}
	if cfg.Port != defaultPort || cfg.ShutdownTimeout != defaultShutdownTimeout || cfg.LogLevel != defaultLogLevel {
		t.Errorf("Zero values were not replaced: %+v", cfg)
	}
}
