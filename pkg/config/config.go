// Package config loads server configuration from environment variables,
// 12-factor style. Every knob has a safe development default.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// PolicyPath points to the YAML guardrail policy. Empty means the
	// built-in default policy.
	PolicyPath string

	// LedgerDriver selects the audit store: memory, file, sqlite or postgres.
	LedgerDriver string
	// LedgerPath is the file/sqlite location for those drivers.
	LedgerPath string
	// DatabaseURL is the postgres DSN for the postgres driver.
	DatabaseURL string

	// Backend base URLs per target system. Empty means the in-process
	// simulated backend (development mode).
	EDRBaseURL     string
	IDPBaseURL     string
	NetworkBaseURL string
	SIEMBaseURL    string

	// RedisAddr enables the shared idempotency store when set.
	RedisAddr     string
	RedisPassword string

	// JWTSecret signs API bearer tokens. Empty disables auth (dev only).
	JWTSecret string

	ApprovalTimeout time.Duration
	ExecuteTimeout  time.Duration

	// OTLPEndpoint enables telemetry export when TelemetryEnabled is set.
	OTLPEndpoint     string
	TelemetryEnabled bool

	RateRPS   int
	RateBurst int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:       envOr("PORT", "8080"),
		LogLevel:   envOr("LOG_LEVEL", "INFO"),
		PolicyPath: os.Getenv("POLICY_PATH"),

		LedgerDriver: envOr("LEDGER_DRIVER", "memory"),
		LedgerPath:   envOr("LEDGER_PATH", "aegis-audit.jsonl"),
		DatabaseURL:  envOr("DATABASE_URL", "postgres://aegis@localhost:5432/aegis?sslmode=disable"),

		EDRBaseURL:     os.Getenv("EDR_BASE_URL"),
		IDPBaseURL:     os.Getenv("IDP_BASE_URL"),
		NetworkBaseURL: os.Getenv("NETWORK_BASE_URL"),
		SIEMBaseURL:    os.Getenv("SIEM_BASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		ApprovalTimeout: durationOr("APPROVAL_TIMEOUT", 15*time.Minute),
		ExecuteTimeout:  durationOr("EXECUTE_TIMEOUT", 30*time.Second),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",

		RateRPS:   intOr("RATE_LIMIT_RPS", 20),
		RateBurst: intOr("RATE_LIMIT_BURST", 40),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
