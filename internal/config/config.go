// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // advisory balance cache (optional)

	// Billing
	MaxSessionMinutes       int   // cap used when sizing per-minute spend holds
	HeartbeatTimeoutSeconds int   // participant considered gone after this silence
	CoinsPerUSD             int64 // purchase conversion rate

	// Reconciliation
	ReconcileSchedule string // cron expression, daily by default

	// Stripe (coin purchases)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultMaxSessionMinutes = 120
	DefaultHeartbeatTimeout  = 90
	DefaultCoinsPerUSD       = 100
	DefaultReconcileSchedule = "0 4 * * *" // daily at 04:00
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:                os.Getenv("REDIS_URL"),
		MaxSessionMinutes:       getEnvInt("HOLD_MAX_SESSION_MINUTES", DefaultMaxSessionMinutes),
		HeartbeatTimeoutSeconds: getEnvInt("HEARTBEAT_TIMEOUT_SECONDS", DefaultHeartbeatTimeout),
		CoinsPerUSD:             int64(getEnvInt("COINS_PER_USD", DefaultCoinsPerUSD)),
		ReconcileSchedule:       getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.MaxSessionMinutes <= 0 {
		return fmt.Errorf("HOLD_MAX_SESSION_MINUTES must be positive")
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_SECONDS must be positive")
	}
	if c.CoinsPerUSD <= 0 {
		return fmt.Errorf("COINS_PER_USD must be positive")
	}
	if c.StripeWebhookSecret == "" && c.StripeSecretKey != "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
