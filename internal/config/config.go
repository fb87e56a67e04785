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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk data providers. A provider with no API key is disabled.
	TRMAPIKey          string
	TRMBaseURL         string
	ChainalysisAPIKey  string
	ChainalysisBaseURL string

	// Monitoring loop parameters
	PollIntervalMinutes    int
	AnomalyIntervalMinutes int
	BatchSize              int
	RetryAttempts          int
	CacheTTLMinutes        int

	// Attestation registry. All four are required together; leaving
	// RegistryContract empty disables on-chain submission.
	RPCURL           string
	ChainID          int64
	PrivateKey       string // Hex-encoded, 0x prefix optional
	RegistryContract string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532 // Base Sepolia
	DefaultPollIntervalMin    = 60
	DefaultAnomalyIntervalMin = 5
	DefaultBatchSize          = 100
	DefaultRetryAttempts      = 3
	DefaultCacheTTLMin        = 15
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TRMAPIKey:              os.Getenv("TRM_API_KEY"),
		TRMBaseURL:             os.Getenv("TRM_BASE_URL"),
		ChainalysisAPIKey:      os.Getenv("CHAINALYSIS_API_KEY"),
		ChainalysisBaseURL:     os.Getenv("CHAINALYSIS_BASE_URL"),
		PollIntervalMinutes:    getEnvInt("POLL_INTERVAL_MINUTES", DefaultPollIntervalMin),
		AnomalyIntervalMinutes: getEnvInt("ANOMALY_INTERVAL_MINUTES", DefaultAnomalyIntervalMin),
		BatchSize:              getEnvInt("BATCH_SIZE", DefaultBatchSize),
		RetryAttempts:          getEnvInt("RETRY_ATTEMPTS", DefaultRetryAttempts),
		CacheTTLMinutes:        getEnvInt("CACHE_TTL_MINUTES", DefaultCacheTTLMin),
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:             os.Getenv("PRIVATE_KEY"),
		RegistryContract:       os.Getenv("REGISTRY_CONTRACT"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. Missing provider keys and a
// missing registry contract are valid (they disable those features);
// a half-configured registry is not.
func (c *Config) Validate() error {
	if c.RegistryContract != "" {
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required when REGISTRY_CONTRACT is set")
		}

		// Allow both with and without 0x prefix
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}

		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when REGISTRY_CONTRACT is set")
		}
	}

	if c.PollIntervalMinutes <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MINUTES must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}

	return nil
}

// RegistryEnabled reports whether on-chain submission is configured.
func (c *Config) RegistryEnabled() bool {
	return c.RegistryContract != ""
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

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
