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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement policy
	PlatformFeeBps    int64 // platform fee in basis points of the contract amount
	StartedRefundBps  int64 // freelancer share of earning when canceled while Started
	OngoingRefundBps  int64 // freelancer share of earning when canceled while Ongoing
	CanceledPayoutBps int64 // freelancer payout share of earning on post-cancel request

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPlatformFeeBps    = 1000 // 10%
	DefaultStartedRefundBps  = 1500 // 15% of freelancer earning
	DefaultOngoingRefundBps  = 4000 // 40% of freelancer earning
	DefaultCanceledPayoutBps = 5000 // 50% of freelancer earning
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		StartedRefundBps:    getEnvInt64("STARTED_REFUND_BPS", DefaultStartedRefundBps),
		OngoingRefundBps:    getEnvInt64("ONGOING_REFUND_BPS", DefaultOngoingRefundBps),
		CanceledPayoutBps:   getEnvInt64("CANCELED_PAYOUT_BPS", DefaultCanceledPayoutBps),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "https://hirewire.example/checkout/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "https://hirewire.example/checkout/cancel"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000), got %d", c.PlatformFeeBps)
	}
	for name, bps := range map[string]int64{
		"STARTED_REFUND_BPS":  c.StartedRefundBps,
		"ONGOING_REFUND_BPS":  c.OngoingRefundBps,
		"CANCELED_PAYOUT_BPS": c.CanceledPayoutBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("%s must be in [0, 10000], got %d", name, bps)
		}
	}
	if c.StartedRefundBps > c.OngoingRefundBps {
		return fmt.Errorf("STARTED_REFUND_BPS (%d) must not exceed ONGOING_REFUND_BPS (%d)",
			c.StartedRefundBps, c.OngoingRefundBps)
	}
	if c.Env == "production" {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	return nil
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

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
