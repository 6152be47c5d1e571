// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/viewpay/viewpay/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage and coordination
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables cross-replica entity locks (optional)

	// Payment gateway
	StripeSecretKey string // Uses the simulated gateway if not set
	StripeCurrency  string
	GatewayTimeout  time.Duration

	// Lifecycle policy
	CommissionRate       string // decimal fraction, e.g. "0.15"
	MaxCounterRounds     int
	PriceBandPct         int
	CancelCutoff         time.Duration
	LateCancelForfeitPct int
	RescheduleTTL        time.Duration

	// Sweepers
	RescheduleSweepInterval time.Duration
	SettlementSweepInterval time.Duration
	ReconcileCron           string

	// Event delivery
	SNSTopicARN   string
	AWSRegion     string
	WebhookURL    string
	WebhookSecret string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultStripeCurrency       = "eur"
	DefaultGatewayTimeout       = 10 * time.Second
	DefaultCommissionRate       = "0.15"
	DefaultMaxCounterRounds     = 5
	DefaultPriceBandPct         = 50
	DefaultCancelCutoff         = 24 * time.Hour
	DefaultLateCancelForfeitPct = 50
	DefaultRescheduleTTL        = 48 * time.Hour
	DefaultRescheduleSweep      = time.Minute
	DefaultSettlementSweep      = 30 * time.Second
	DefaultReconcileCron        = "@every 15m"
	DefaultRateLimit            = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:          getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		GatewayTimeout:          getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		CommissionRate:          getEnv("COMMISSION_RATE", DefaultCommissionRate),
		MaxCounterRounds:        int(getEnvInt64("MAX_COUNTER_ROUNDS", DefaultMaxCounterRounds)),
		PriceBandPct:            int(getEnvInt64("PRICE_BAND_PCT", DefaultPriceBandPct)),
		CancelCutoff:            getEnvDuration("CANCEL_CUTOFF", DefaultCancelCutoff),
		LateCancelForfeitPct:    int(getEnvInt64("LATE_CANCEL_FORFEIT_PCT", DefaultLateCancelForfeitPct)),
		RescheduleTTL:           getEnvDuration("RESCHEDULE_TTL", DefaultRescheduleTTL),
		RescheduleSweepInterval: getEnvDuration("RESCHEDULE_SWEEP_INTERVAL", DefaultRescheduleSweep),
		SettlementSweepInterval: getEnvDuration("SETTLEMENT_SWEEP_INTERVAL", DefaultSettlementSweep),
		ReconcileCron:           getEnv("RECONCILE_CRON", DefaultReconcileCron),
		SNSTopicARN:             os.Getenv("SNS_TOPIC_ARN"),
		AWSRegion:               os.Getenv("AWS_REGION"),
		WebhookURL:              os.Getenv("WEBHOOK_URL"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if _, ok := money.ParseRate(c.CommissionRate); !ok {
		return fmt.Errorf("COMMISSION_RATE must be a fraction between 0 and 1, got %q", c.CommissionRate)
	}
	if c.MaxCounterRounds < 1 {
		return fmt.Errorf("MAX_COUNTER_ROUNDS must be at least 1")
	}
	if c.PriceBandPct < 0 || c.PriceBandPct > 100 {
		return fmt.Errorf("PRICE_BAND_PCT must be between 0 and 100")
	}
	if c.LateCancelForfeitPct < 0 || c.LateCancelForfeitPct > 100 {
		return fmt.Errorf("LATE_CANCEL_FORFEIT_PCT must be between 0 and 100")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.RescheduleTTL <= 0 {
		return fmt.Errorf("RESCHEDULE_TTL must be positive")
	}
	if c.CancelCutoff < 0 {
		return fmt.Errorf("CANCEL_CUTOFF must not be negative")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
	}
	return nil
}

// CommissionBps returns the commission rate in basis points.
func (c *Config) CommissionBps() int64 {
	bps, _ := money.ParseRate(c.CommissionRate)
	return bps
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
