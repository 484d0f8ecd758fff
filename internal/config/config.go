// Package config loads recurd settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers recurd can open on its own.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds daemon configuration.
type Config struct {
	// Application
	AppEnv         string
	LogLevel       string
	HTTPListenAddr string
	MetricsEnabled bool

	// Store
	StoreDriver        string
	RedisURL           string
	RedisPrefix        string
	PersistenceTimeout time.Duration

	// Circuit breaker around the store
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// Engine
	CatalogFile      string
	RetryMaxAttempts int
	ReplayCacheSize  int
	ExpirySchedule   string
	ExpiryGrace      time.Duration

	// Billing
	StripeWebhookSecret string

	// RabbitMQ lifecycle publisher; empty disables it.
	RabbitMQURL      string
	RabbitMQExchange string
}

// Load loads configuration from environment variables, reading a .env
// file first when one exists.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),

		StoreDriver:        getEnv("RECUR_STORE", StoreMemory),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:        getEnv("REDIS_PREFIX", "recur:"),
		PersistenceTimeout: getDurationEnv("PERSISTENCE_TIMEOUT", 5*time.Second),

		BreakerEnabled:          getBoolEnv("BREAKER_ENABLED", true),
		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      getDurationEnv("BREAKER_OPEN_TIMEOUT", 10*time.Second),

		CatalogFile:      getEnv("CATALOG_FILE", ""),
		RetryMaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 8),
		ReplayCacheSize:  getIntEnv("REPLAY_CACHE_SIZE", 4096),
		ExpirySchedule:   getEnv("EXPIRY_SCHEDULE", "@every 5m"),
		ExpiryGrace:      getDurationEnv("EXPIRY_GRACE", 72*time.Hour),

		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "recur.lifecycle"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unsupported RECUR_STORE %q (want %s or %s)", c.StoreDriver, StoreMemory, StoreRedis)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PersistenceTimeout <= 0 {
		return fmt.Errorf("config: PERSISTENCE_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// SlogLevel returns LogLevel as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
