// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/yusufizzetmurat/timebank/internal/hours"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Exchange settings
	StartingBalance     string // Hours granted to new accounts (e.g. "5.00")
	DefaultCapacity     int    // Default max participants for new services
	AdminSecret         string // Admin API secret
	OTLPEndpoint        string // OTLP gRPC endpoint for traces (optional)
	ShutdownGracePeriod int    // Seconds to wait for load balancers before shutdown

	// HTTP hardening
	AllowedOrigins     []string // CORS origins; empty allows all
	RateLimitPerMinute int      // Max requests per client IP per minute
	RateLimitBurst     int      // Burst allowance above the steady rate
	MaxRequestBytes    int64    // Request body size cap
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultStartingBalance = "5.00"
	DefaultCapacity        = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StartingBalance:     getEnv("STARTING_BALANCE", DefaultStartingBalance),
		DefaultCapacity:     getEnvInt("DEFAULT_CAPACITY", DefaultCapacity),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownGracePeriod: getEnvInt("SHUTDOWN_GRACE_SECONDS", 5),
		AllowedOrigins:      splitEnv("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 20),
		MaxRequestBytes:     int64(getEnvInt("MAX_REQUEST_BYTES", 1<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	starting, err := hours.Parse(c.StartingBalance)
	if err != nil {
		return fmt.Errorf("STARTING_BALANCE must be a valid hours amount: %w", err)
	}
	if starting.IsNegative() {
		return fmt.Errorf("STARTING_BALANCE must not be negative")
	}

	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("DEFAULT_CAPACITY must be positive")
	}

	return nil
}

// Starting returns the parsed starting balance. Validate must have passed.
func (c *Config) Starting() hours.Amount {
	return hours.MustParse(c.StartingBalance)
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

func splitEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
