// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the LingoChat service.
package server

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// BroadcastScope selects which connections receive new messages.
type BroadcastScope string

const (
	// ScopeRoom delivers a message to connections joined to its room.
	ScopeRoom BroadcastScope = "room"
	// ScopeGlobal delivers a message to every connection.
	ScopeGlobal BroadcastScope = "global"
)

// TranslateConfig points at the external translation API.
type TranslateConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	BroadcastScope  BroadcastScope
	PersistTimeout  time.Duration
	JWTSecret       string
	AdminUserIDs    []string
	DatabaseURL     string
	RedisURL        string
	Translate       TranslateConfig
	CacheTTL        time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
}

const (
	defaultPort            = ":8080"
	defaultOrigin          = "http://localhost:8080"
	defaultMaxMessageSize  = 8192
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultPersistTimeout  = 5 * time.Second
	defaultDatabaseURL     = "file:lingochat.db"
	defaultTranslateWait   = 10 * time.Second
	defaultCacheTTL        = 24 * time.Hour
	defaultShutdownTimeout = 10 * time.Second
	defaultLogLevel        = "info"
)

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{defaultOrigin},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		BroadcastScope:  ScopeRoom,
		PersistTimeout:  defaultPersistTimeout,
		DatabaseURL:     defaultDatabaseURL,
		Translate:       TranslateConfig{Timeout: defaultTranslateWait},
		CacheTTL:        defaultCacheTTL,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
	}
}

// Sanitized returns a copy of cfg with invalid or missing values replaced by
// defaults.
func (cfg Config) Sanitized() Config {
	out := cfg
	out.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	out.AdminUserIDs = append([]string(nil), cfg.AdminUserIDs...)

	if out.Port == "" {
		out.Port = defaultPort
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = defaultMaxMessageSize
	}
	if out.RateLimit.Burst <= 0 {
		out.RateLimit.Burst = defaultBurst
	}
	if out.RateLimit.RefillInterval <= 0 {
		out.RateLimit.RefillInterval = defaultRefillInterval
	}
	if out.BroadcastScope != ScopeRoom && out.BroadcastScope != ScopeGlobal {
		out.BroadcastScope = ScopeRoom
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = defaultPersistTimeout
	}
	if out.DatabaseURL == "" {
		out.DatabaseURL = defaultDatabaseURL
	}
	if out.Translate.Timeout <= 0 {
		out.Translate.Timeout = defaultTranslateWait
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = defaultCacheTTL
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = defaultShutdownTimeout
	}
	if out.LogLevel == "" {
		out.LogLevel = defaultLogLevel
	}
	return out
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if scope := os.Getenv("BROADCAST_SCOPE"); scope != "" {
		cfg.BroadcastScope = BroadcastScope(strings.ToLower(strings.TrimSpace(scope)))
	}
	if timeout := os.Getenv("PERSIST_TIMEOUT"); timeout != "" {
		cfg.PersistTimeout = parseSeconds(timeout, cfg.PersistTimeout)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if admins := os.Getenv("ADMIN_USER_IDS"); admins != "" {
		cfg.AdminUserIDs = parseList(admins)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Translate.URL = os.Getenv("TRANSLATE_URL")
	cfg.Translate.APIKey = os.Getenv("TRANSLATE_API_KEY")
	if timeout := os.Getenv("TRANSLATE_TIMEOUT"); timeout != "" {
		cfg.Translate.Timeout = parseSeconds(timeout, cfg.Translate.Timeout)
	}
	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		cfg.CacheTTL = parseSeconds(ttl, cfg.CacheTTL)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	sanitized := cfg.Sanitized()
	return &sanitized
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseList splits a comma separated value and drops empty entries.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// isAdmin reports whether userID is listed in AdminUserIDs.
func (cfg Config) isAdmin(userID string) bool {
	return slices.Contains(cfg.AdminUserIDs, userID)
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds reads a whole number of seconds.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
