package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds broker configuration.
type Config struct {
	Port              string
	LogLevel          string
	DatabaseURL       string
	RedisAddr         string
	BrokerDID         string
	SettlementEnabled bool
	AtomicScale       int64
	MaxRoundsCeiling  int
	DefaultMaxRounds  int
	DefaultTTL        time.Duration
	ExpirySweepEvery  time.Duration
	ReconcileEvery    time.Duration
	OTLPEndpoint      string
	ProfilesDir       string
	Profile           string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("BROKER_DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://ainp@localhost:5433/ainp?sslmode=disable"
	}

	brokerDID := os.Getenv("BROKER_DID")
	if brokerDID == "" {
		brokerDID = "did:ainp:broker"
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       dbURL,
		RedisAddr:         os.Getenv("BROKER_REDIS_ADDR"),
		BrokerDID:         brokerDID,
		SettlementEnabled: os.Getenv("BROKER_SETTLEMENT_ENABLED") != "false",
		AtomicScale:       envInt64("BROKER_ATOMIC_SCALE", 1000),
		MaxRoundsCeiling:  envInt("BROKER_MAX_ROUNDS_CEILING", 20),
		DefaultMaxRounds:  envInt("BROKER_DEFAULT_MAX_ROUNDS", 10),
		DefaultTTL:        envMinutes("BROKER_DEFAULT_TTL_MINUTES", 60*time.Minute),
		ExpirySweepEvery:  envMinutes("BROKER_EXPIRY_SWEEP_MINUTES", time.Minute),
		ReconcileEvery:    envMinutes("BROKER_RECONCILE_MINUTES", time.Minute),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilesDir:       os.Getenv("BROKER_PROFILES_DIR"),
		Profile:           os.Getenv("BROKER_PROFILE"),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envMinutes(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}
