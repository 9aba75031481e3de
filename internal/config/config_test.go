package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "THRESHOLD", "0.7")
	setEnv(t, "LEDGER_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.7, cfg.Threshold)
	assert.Equal(t, DefaultModelPath, cfg.ModelPath)
	assert.Equal(t, DefaultCountryCode, cfg.CountryCode)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	setEnv(t, "LEDGER_BACKEND", "postgres")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		LedgerBackend: "memory",
		ModelPath:     "model/fraud_model.json",
		Threshold:     0.5,
		CountryCode:   "+65",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing model path",
			mutate:  func(c *Config) { c.ModelPath = "" },
			wantErr: "MODEL_PATH is required",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Threshold = 1.5 },
			wantErr: "THRESHOLD must be in [0, 1]",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.LedgerBackend = "mongo" },
			wantErr: "LEDGER_BACKEND must be",
		},
		{
			name: "postgres without database url",
			mutate: func(c *Config) {
				c.LedgerBackend = "postgres"
				c.DatabaseURL = ""
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "dynamodb without table",
			mutate: func(c *Config) {
				c.LedgerBackend = "dynamodb"
				c.DynamoTable = ""
			},
			wantErr: "DYNAMO_TABLE is required",
		},
		{
			name:    "country code without plus",
			mutate:  func(c *Config) { c.CountryCode = "65" },
			wantErr: "COUNTRY_CODE must start with '+'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.5, getEnvFloat("NONEXISTENT_VAR", 0.5))
	assert.Equal(t, 0.5, getEnvFloat("TEST_INVALID", 0.5)) // Falls back on parse error
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
}
