package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ainp-labs/broker/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BROKER_DATABASE_URL", "")
	t.Setenv("BROKER_DID", "")
	t.Setenv("BROKER_SETTLEMENT_ENABLED", "")
	t.Setenv("BROKER_ATOMIC_SCALE", "")
	t.Setenv("BROKER_MAX_ROUNDS_CEILING", "")
	t.Setenv("BROKER_DEFAULT_MAX_ROUNDS", "")
	t.Setenv("BROKER_DEFAULT_TTL_MINUTES", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost") // Default is local
	assert.Equal(t, "did:ainp:broker", cfg.BrokerDID)
	assert.True(t, cfg.SettlementEnabled)
	assert.Equal(t, int64(1000), cfg.AtomicScale)
	assert.Equal(t, 20, cfg.MaxRoundsCeiling)
	assert.Equal(t, 10, cfg.DefaultMaxRounds)
	assert.Equal(t, time.Hour, cfg.DefaultTTL)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BROKER_DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("BROKER_REDIS_ADDR", "redis:6379")
	t.Setenv("BROKER_DID", "did:ainp:broker-eu")
	t.Setenv("BROKER_SETTLEMENT_ENABLED", "false")
	t.Setenv("BROKER_ATOMIC_SCALE", "100")
	t.Setenv("BROKER_MAX_ROUNDS_CEILING", "6")
	t.Setenv("BROKER_DEFAULT_MAX_ROUNDS", "4")
	t.Setenv("BROKER_DEFAULT_TTL_MINUTES", "30")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "did:ainp:broker-eu", cfg.BrokerDID)
	assert.False(t, cfg.SettlementEnabled)
	assert.Equal(t, int64(100), cfg.AtomicScale)
	assert.Equal(t, 6, cfg.MaxRoundsCeiling)
	assert.Equal(t, 4, cfg.DefaultMaxRounds)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTTL)
}

// TestLoad_BadNumbersFallBack verifies that malformed numeric values
// fall back to defaults instead of failing startup.
func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("BROKER_ATOMIC_SCALE", "not-a-number")
	t.Setenv("BROKER_MAX_ROUNDS_CEILING", "")
	t.Setenv("BROKER_DEFAULT_TTL_MINUTES", "-5")

	cfg := config.Load()

	assert.Equal(t, int64(1000), cfg.AtomicScale)
	assert.Equal(t, 20, cfg.MaxRoundsCeiling)
	assert.Equal(t, time.Hour, cfg.DefaultTTL)
}
