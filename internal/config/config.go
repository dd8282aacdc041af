// Package config loads process configuration from the environment,
// following the teacher's config/config.go pattern: load .env if
// present, then read os.Getenv with typed fallbacks.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitRule is one entry of the frame-kind rate-limit table from
// spec.md §4.7.
type RateLimitRule struct {
	Limit         int
	WindowSeconds int
	FailClosed    bool
}

type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret     string
	JWTLeeway     time.Duration

	PresenceTTL            time.Duration
	TypingTTL              time.Duration
	ReconnectGrace         time.Duration
	UserValidationCacheTTL time.Duration

	HandlerTimeout time.Duration

	RateLimits map[string]RateLimitRule
}

// Load reads a .env file if one exists (missing file is not an error,
// matching the teacher's startup sequence) and then builds a Config
// from the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTLeeway: getEnvAsDuration("JWT_LEEWAY", 5*time.Second),

		PresenceTTL:            getEnvAsDuration("PRESENCE_TTL", 15*time.Minute),
		TypingTTL:              getEnvAsDuration("TYPING_TTL", 5*time.Second),
		ReconnectGrace:         getEnvAsDuration("RECONNECT_GRACE_MS", 30*time.Second),
		UserValidationCacheTTL: getEnvAsDuration("USER_VALIDATION_CACHE_TTL", 60*time.Second),

		HandlerTimeout: getEnvAsDuration("HANDLER_TIMEOUT", 10*time.Second),

		RateLimits: defaultRateLimits(),
	}
}

// defaultRateLimits is the table from spec.md §4.7. Keys match the
// frame-kind names used by internal/gateway to look up a rule.
func defaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"message:send":          {Limit: 60, WindowSeconds: 60},
		"message:send:room":     {Limit: 1000, WindowSeconds: 60},
		"message:read":          {Limit: 30, WindowSeconds: 10},
		"read_receipts:get":     {Limit: 20, WindowSeconds: 10},
		"presence:status":       {Limit: 30, WindowSeconds: 60},
		"presence:room":         {Limit: 120, WindowSeconds: 60},
		"heartbeat":             {Limit: 120, WindowSeconds: 60},
		"typing":                {Limit: 60, WindowSeconds: 60},
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	// allow either a Go duration string ("30s") or a bare millisecond int,
	// matching env vars like RECONNECT_GRACE_MS that carry their unit in
	// the name for operators but are stored as a Duration internally.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
