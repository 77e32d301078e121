// Package config loads kernel configuration from environment variables,
// 12-factor style. Every knob has a default that boots a local,
// process-contained kernel; external backends (postgres, redis, OTLP)
// activate only when their variables are set.
package config

import (
	"os"
	"strconv"
	"time"
)

// Audit backend selectors.
const (
	AuditMemory   = "memory"
	AuditSQLite   = "sqlite"
	AuditPostgres = "postgres"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel string

	// Audit chain storage.
	AuditBackend string
	SQLitePath   string
	PostgresDSN  string
	EvidenceDir  string

	// Autonomy state persistence.
	StatePath string

	// Contract manifests loaded at boot, in addition to the built-ins.
	ContractDir  string
	OperationDir string

	// Rate limiting. RedisAddr empty means per-process buckets.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RateRPS       float64
	RateBurst     int

	// Autonomy thresholds.
	AmberAfter     time.Duration
	RedAfter       time.Duration
	PanicThreshold int

	// Telemetry.
	TelemetryEnabled bool
	OTLPEndpoint     string
	Environment      string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		LogLevel: getString("ARCHON_LOG_LEVEL", "INFO"),

		AuditBackend: getString("ARCHON_AUDIT_BACKEND", AuditSQLite),
		SQLitePath:   getString("ARCHON_AUDIT_SQLITE_PATH", "archon-audit.db"),
		PostgresDSN:  getString("ARCHON_AUDIT_POSTGRES_DSN", ""),
		EvidenceDir:  getString("ARCHON_EVIDENCE_DIR", ""),

		StatePath: getString("ARCHON_STATE_PATH", "archon-state.json"),

		ContractDir:  getString("ARCHON_CONTRACT_DIR", ""),
		OperationDir: getString("ARCHON_OPERATION_DIR", ""),

		RedisAddr:     getString("ARCHON_REDIS_ADDR", ""),
		RedisPassword: getString("ARCHON_REDIS_PASSWORD", ""),
		RedisDB:       getInt("ARCHON_REDIS_DB", 0),
		RateRPS:       getFloat("ARCHON_RATE_RPS", 10),
		RateBurst:     getInt("ARCHON_RATE_BURST", 20),

		AmberAfter:     getDuration("ARCHON_AMBER_AFTER", 2*time.Hour),
		RedAfter:       getDuration("ARCHON_RED_AFTER", 6*time.Hour),
		PanicThreshold: getInt("ARCHON_PANIC_THRESHOLD", 2),

		TelemetryEnabled: getBool("ARCHON_TELEMETRY", false),
		OTLPEndpoint:     getString("ARCHON_OTLP_ENDPOINT", "localhost:4317"),
		Environment:      getString("ARCHON_ENVIRONMENT", "development"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
