// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis results cache (optional, uses in-process cache if not set)
	RedisURL string

	// Kafka lifecycle events (optional, events disabled if not set)
	KafkaBroker string

	// AI risk assessor
	AssessorURL        string // Risk assessment provider endpoint (optional, fallback-only if not set)
	AssessorAPIKey     string
	AssessorModel      string
	AssessorTimeout    time.Duration
	AssessorMaxRetries int
	AssessorRPM        int // requests per minute rate limit

	// Verification workflow
	VerificationWindow time.Duration // batch deadline, fixed at ingestion
	SweepInterval      time.Duration // auto-approval sweep cadence
	ScoringWorkers     int           // bounded pool for batch scoring

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultAssessorModel   = "risk-v2"
	DefaultAssessorTimeout = 10 * time.Second
	DefaultAssessorRetries = 3
	DefaultAssessorRPM     = 60
	DefaultSweepInterval   = time.Minute
	DefaultScoringWorkers  = 4
)

// DefaultVerificationWindow is how long a business has to verify a batch
// before it is auto-approved. Fixed at batch creation, never extended.
const DefaultVerificationWindow = 7 * 24 * time.Hour

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),
		KafkaBroker:        os.Getenv("KAFKA_BROKER"),
		AssessorURL:        os.Getenv("ASSESSOR_URL"),
		AssessorAPIKey:     os.Getenv("ASSESSOR_API_KEY"),
		AssessorModel:      getEnv("ASSESSOR_MODEL", DefaultAssessorModel),
		AssessorTimeout:    getEnvDuration("ASSESSOR_TIMEOUT", DefaultAssessorTimeout),
		AssessorMaxRetries: int(getEnvInt64("ASSESSOR_MAX_RETRIES", DefaultAssessorRetries)),
		AssessorRPM:        int(getEnvInt64("ASSESSOR_RPM", DefaultAssessorRPM)),
		VerificationWindow: getEnvDuration("VERIFICATION_WINDOW", DefaultVerificationWindow),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ScoringWorkers:     int(getEnvInt64("SCORING_WORKERS", DefaultScoringWorkers)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.AssessorURL != "" && c.AssessorAPIKey == "" {
		return fmt.Errorf("ASSESSOR_API_KEY is required when ASSESSOR_URL is set")
	}
	if c.VerificationWindow <= 0 {
		return fmt.Errorf("VERIFICATION_WINDOW must be positive")
	}
	if c.ScoringWorkers <= 0 {
		return fmt.Errorf("SCORING_WORKERS must be positive")
	}
	if c.AssessorMaxRetries < 1 {
		return fmt.Errorf("ASSESSOR_MAX_RETRIES must be at least 1")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
