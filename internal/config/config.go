// Package config handles application configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if unset)

	// USSD engine
	USSDSessionTimeout time.Duration
	USSDMaxPINAttempts int
	USSDLockDuration   time.Duration
	USSDCountryDefault string

	// Payout orchestrator
	RiskOracleURL     string
	RiskOracleTimeout time.Duration
	AdvanceFeePercent float64

	// Rollout controller
	RolloutSweepInterval time.Duration
	BackupRetention      time.Duration

	// Approval workflow
	ApprovalExpirySweepInterval time.Duration
	EventBusTimeout             time.Duration

	// Simulator worker
	SimulatorPollInterval      time.Duration
	SimulatorErrorPollInterval time.Duration
	SimulatorMaxRunTime        time.Duration

	// Database pool settings
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

// Defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultUSSDSessionTimeout = 2 * time.Minute
	DefaultUSSDMaxPINAttempts = 3
	DefaultUSSDLockDuration   = 30 * time.Minute
	DefaultUSSDCountry        = "SN"

	DefaultRiskOracleTimeout = 800 * time.Millisecond
	DefaultAdvanceFeePercent = 0.05

	DefaultRolloutSweepInterval = 1 * time.Minute
	DefaultBackupRetention      = 7 * 24 * time.Hour

	DefaultApprovalExpirySweep = 30 * time.Second
	DefaultEventBusTimeout     = 2 * time.Second

	DefaultSimulatorPollInterval      = 5 * time.Second
	DefaultSimulatorErrorPollInterval = 10 * time.Second
	DefaultSimulatorMaxRunTime        = 180 * time.Second

	DefaultDBMaxOpenConns    = 25
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = 5 * time.Minute

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		USSDSessionTimeout: getEnvDuration("USSD_SESSION_TIMEOUT", DefaultUSSDSessionTimeout),
		USSDMaxPINAttempts: getEnvInt("USSD_MAX_PIN_ATTEMPTS", DefaultUSSDMaxPINAttempts),
		USSDLockDuration:   getEnvDuration("USSD_LOCK_DURATION", DefaultUSSDLockDuration),
		USSDCountryDefault: getEnv("USSD_DEFAULT_COUNTRY", DefaultUSSDCountry),

		RiskOracleURL:     os.Getenv("RISK_ORACLE_URL"),
		RiskOracleTimeout: getEnvDuration("RISK_ORACLE_TIMEOUT", DefaultRiskOracleTimeout),
		AdvanceFeePercent: getEnvFloat("ADVANCE_FEE_PERCENT", DefaultAdvanceFeePercent),

		RolloutSweepInterval: getEnvDuration("ROLLOUT_SWEEP_INTERVAL", DefaultRolloutSweepInterval),
		BackupRetention:      getEnvDuration("BACKUP_RETENTION", DefaultBackupRetention),

		ApprovalExpirySweepInterval: getEnvDuration("APPROVAL_EXPIRY_SWEEP_INTERVAL", DefaultApprovalExpirySweep),
		EventBusTimeout:             getEnvDuration("EVENT_BUS_TIMEOUT", DefaultEventBusTimeout),

		SimulatorPollInterval:      getEnvDuration("SIMULATOR_POLL_INTERVAL", DefaultSimulatorPollInterval),
		SimulatorErrorPollInterval: getEnvDuration("SIMULATOR_ERROR_POLL_INTERVAL", DefaultSimulatorErrorPollInterval),
		SimulatorMaxRunTime:        getEnvDuration("SIMULATOR_MAX_RUN_TIME", DefaultSimulatorMaxRunTime),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	return cfg, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
