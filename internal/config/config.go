// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settlement
	SignerKey    string // Hex-encoded deal signing key
	NetworksFile string // Optional YAML overriding the built-in networks

	// Market rules
	FeePercent        decimal.Decimal
	MinPrice          decimal.Decimal
	StatusTimeout     time.Duration
	CompletionTimeout time.Duration
	ModerationDelay   time.Duration
	SweepInterval     time.Duration

	// Notification relay
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string

	// Security
	ModeratorSecret string
	RateLimitRPS    int
	RateLimitBurst  int
}

// Defaults
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultFeePercent               = "1"
	DefaultMinPrice                 = "1"
	DefaultStatusTimeoutMinutes     = 60
	DefaultCompletionTimeoutMinutes = 180
	DefaultModerationDelayMinutes   = 60
	DefaultSweepIntervalSeconds     = 60
	DefaultKafkaTopic               = "fomorip.notifications"
	DefaultRateLimit                = 100
	DefaultRateLimitBurst           = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	fee, err := getEnvDecimal("FEE_PERCENT", DefaultFeePercent)
	if err != nil {
		return nil, err
	}
	minPrice, err := getEnvDecimal("MIN_PRICE", DefaultMinPrice)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SignerKey:         os.Getenv("SIGNER_KEY"),   // Required, no default
		NetworksFile:      os.Getenv("NETWORKS_FILE"),
		FeePercent:        fee,
		MinPrice:          minPrice,
		StatusTimeout:     minutes("DEAL_STATUS_TIMEOUT_MINUTES", DefaultStatusTimeoutMinutes),
		CompletionTimeout: minutes("DEAL_COMPLETION_TIMEOUT_MINUTES", DefaultCompletionTimeoutMinutes),
		ModerationDelay:   minutes("MODERATION_DELAY_MINUTES", DefaultModerationDelayMinutes),
		SweepInterval:     time.Duration(getEnvInt64("SWEEP_INTERVAL_SECONDS", DefaultSweepIntervalSeconds)) * time.Second,
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ModeratorSecret:   os.Getenv("MODERATOR_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SignerKey == "" {
		return fmt.Errorf("SIGNER_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.SignerKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("FEE_PERCENT must be in [0, 100)")
	}
	if !c.MinPrice.IsPositive() {
		return fmt.Errorf("MIN_PRICE must be positive")
	}
	if c.StatusTimeout <= 0 || c.CompletionTimeout <= 0 {
		return fmt.Errorf("deal timeouts must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.IsProduction() && c.ModeratorSecret != "" && len(c.ModeratorSecret) < 16 {
		return fmt.Errorf("MODERATOR_SECRET must be at least 16 characters in production")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal number: %w", key, err)
	}
	return d, nil
}

func minutes(key string, defaultValue int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultValue)) * time.Minute
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
