// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// CORSAllowedOrigins lists dashboard origins allowed to call the API
	// and open the risk stream; "*" allows any.
	CORSAllowedOrigins []string

	// Per-client-IP throttling of the risk API; RateLimitRPM 0 disables it.
	RateLimitRPM   int
	RateLimitBurst int

	// Storage
	DatabaseURL     string        // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL        string        // Context cache backend (optional, uses the primary store if not set)
	ContextCacheTTL time.Duration // Expiry of cached context samples in Redis; 0 keeps them forever

	// Tracing
	OTLPEndpoint     string  // OTLP gRPC collector; tracing is off when empty
	TraceSampleRatio float64 // share of root spans recorded

	// Risk policy
	QuarantineThreshold float64
	RiskLogLimit        int
	MaxTravelSpeedKMH   float64

	// Training policy
	MinTrainingSessions int
	MinTrainingRows     int
	TrainingWindow      int
	RetrainAsync        bool // queue retraining on a background worker
	RetrainQueueSize    int
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultQuarantineThreshold = 55.0
	DefaultRiskLogLimit        = 20
	DefaultMaxTravelSpeedKMH   = 80.0
	DefaultMinTrainingSessions = 5
	DefaultMinTrainingRows     = 10
	DefaultTrainingWindow      = 100
	DefaultRetrainQueueSize    = 256
	DefaultRateLimitRPM        = 600
	DefaultRateLimitBurst      = 60
	DefaultTraceSampleRatio    = 1.0
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
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ContextCacheTTL:     getEnvDuration("CONTEXT_CACHE_TTL", 0),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
		QuarantineThreshold: getEnvFloat("QUARANTINE_THRESHOLD", DefaultQuarantineThreshold),
		RiskLogLimit:        int(getEnvInt64("RISK_LOG_LIMIT", DefaultRiskLogLimit)),
		MaxTravelSpeedKMH:   getEnvFloat("MAX_TRAVEL_SPEED_KMH", DefaultMaxTravelSpeedKMH),
		MinTrainingSessions: int(getEnvInt64("MIN_TRAINING_SESSIONS", DefaultMinTrainingSessions)),
		MinTrainingRows:     int(getEnvInt64("MIN_TRAINING_ROWS", DefaultMinTrainingRows)),
		TrainingWindow:      int(getEnvInt64("TRAINING_WINDOW", DefaultTrainingWindow)),
		RetrainAsync:        getEnvBool("RETRAIN_ASYNC", false),
		RetrainQueueSize:    int(getEnvInt64("RETRAIN_QUEUE_SIZE", DefaultRetrainQueueSize)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.QuarantineThreshold <= 0 || c.QuarantineThreshold > 100 {
		return fmt.Errorf("QUARANTINE_THRESHOLD must be in (0, 100], got %v", c.QuarantineThreshold)
	}
	if c.RiskLogLimit < 1 {
		return fmt.Errorf("RISK_LOG_LIMIT must be at least 1")
	}
	if c.MaxTravelSpeedKMH <= 0 {
		return fmt.Errorf("MAX_TRAVEL_SPEED_KMH must be positive")
	}
	if c.MinTrainingSessions < 1 {
		return fmt.Errorf("MIN_TRAINING_SESSIONS must be at least 1")
	}
	if c.MinTrainingRows < 2 {
		return fmt.Errorf("MIN_TRAINING_ROWS must be at least 2")
	}
	if c.TrainingWindow < c.MinTrainingRows {
		return fmt.Errorf("TRAINING_WINDOW (%d) must not be below MIN_TRAINING_ROWS (%d)", c.TrainingWindow, c.MinTrainingRows)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is on")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be in [0, 1], got %v", c.TraceSampleRatio)
	}
	if c.ContextCacheTTL < 0 {
		return fmt.Errorf("CONTEXT_CACHE_TTL must not be negative")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
