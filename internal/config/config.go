package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage. DatabaseURL wins; otherwise Store picks "memory" or "sqlite".
	DatabaseURL string
	Store       string
	SQLitePath  string
	RedisURL    string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Signal queue
	SweepInterval time.Duration
	InlineSweep   bool

	// HTTP
	MaxBodyBytes   int64
	AllowedOrigins []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Store:              strings.ToLower(getEnv("STORE", "sqlite")),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/relay.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TokenTTL:           getDuration("TOKEN_TTL", 30*24*time.Hour),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 30*time.Second),
		InlineSweep:        getBool("INLINE_SWEEP", true),
		MaxBodyBytes:       getInt64("MAX_BODY_BYTES", 12<<20),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "*")),
		RateLimitWhitelist: splitList(os.Getenv("RATE_LIMIT_WHITELIST")),
		AutoBlockEnabled:   getBool("AUTO_BLOCK_ENABLED", false),
	}

	// In production, require database, redis and a stable signing key
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StoreKind names the record store Load selected: postgres, memory or sqlite.
func (c *Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.Store == "memory":
		return "memory"
	default:
		return "sqlite"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getInt64(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// getDuration accepts Go durations ("90s") or plain seconds ("90").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
