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
	LedgerBackend  string // "memory", "postgres", or "dynamodb"
	DatabaseURL    string // PostgreSQL connection string (required for the postgres backend)
	DynamoRegion   string
	DynamoTable    string
	DynamoEndpoint string // optional, for local DynamoDB

	// Fraud model
	ModelPath string  // path to the classifier artifact
	Threshold float64 // policy flag threshold over the fraud probability

	// Wallet settings
	CountryCode string // prefix prepended to bare phone aliases

	// Stripe (card-on-file glue)
	StripeSecretKey string
	StripePublicKey string

	// Observability
	OTLPEndpoint string
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLedgerBackend = "memory"
	DefaultModelPath     = "model/fraud_model.json"
	DefaultThreshold     = 0.5
	DefaultCountryCode   = "+65"
	DefaultDynamoRegion  = "ap-southeast-1"
	DefaultDynamoTable   = "piggypay-wallet"
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LedgerBackend:   getEnv("LEDGER_BACKEND", DefaultLedgerBackend),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DynamoRegion:    getEnv("DYNAMO_REGION", DefaultDynamoRegion),
		DynamoTable:     getEnv("DYNAMO_TABLE", DefaultDynamoTable),
		DynamoEndpoint:  os.Getenv("DYNAMO_ENDPOINT"),
		ModelPath:       getEnv("MODEL_PATH", DefaultModelPath),
		Threshold:       getEnvFloat("THRESHOLD", DefaultThreshold),
		CountryCode:     getEnv("COUNTRY_CODE", DefaultCountryCode),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		StripePublicKey: os.Getenv("STRIPE_PUBLIC_KEY"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("MODEL_PATH is required")
	}

	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("THRESHOLD must be in [0, 1], got %v", c.Threshold)
	}

	switch c.LedgerBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "dynamodb":
		if c.DynamoTable == "" {
			return fmt.Errorf("DYNAMO_TABLE is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be memory, postgres, or dynamodb, got %q", c.LedgerBackend)
	}

	if c.CountryCode == "" || c.CountryCode[0] != '+' {
		return fmt.Errorf("COUNTRY_CODE must start with '+', got %q", c.CountryCode)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
