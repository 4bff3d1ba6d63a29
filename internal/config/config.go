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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing disabled if not set)

	// Behavioral history
	HistoryWindow   time.Duration // rolling window retained per entity
	RecentAmounts   int           // prior amounts kept for the amount-spike check
	MaxProfileItems int           // hard cap on events retained per entity

	// Feature thresholds
	TravelSpeedCeiling float64 // km/h above which travel is considered impossible
	VelocityCeiling5m  int     // 5-minute transaction count that triggers a velocity reason
	SpendCeiling1h     float64 // 1-hour spend that triggers a spend reason

	// Model training
	MinTrainingRows int     // minimum corpus size for a retrain to proceed
	ForestTrees     int     // isolation trees per model
	ForestSample    int     // subsample size per tree
	TrainingSeed    int64   // RNG seed captured in each ModelRun
	FlagPercentile  float64 // risk percentile at and above which events are flagged
	TopReasons      int     // reason codes attached per score

	// Background retraining
	RetrainInterval time.Duration // 0 disables the periodic retrain worker

	// Security
	RateLimitRPM int
}

// Defaults for operator-tunable settings.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultHistoryWindow      = time.Hour
	DefaultRecentAmounts      = 30
	DefaultMaxProfileItems    = 1000
	DefaultTravelSpeedCeiling = 900.0 // faster than any commercial flight plus margin
	DefaultVelocityCeiling5m  = 3
	DefaultSpendCeiling1h     = 800.0
	DefaultMinTrainingRows    = 50
	DefaultForestTrees        = 100
	DefaultForestSample       = 256
	DefaultTrainingSeed       = 42
	DefaultFlagPercentile     = 95.0
	DefaultTopReasons         = 3
	DefaultRateLimit          = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HistoryWindow:      getEnvDuration("HISTORY_WINDOW", DefaultHistoryWindow),
		RecentAmounts:      int(getEnvInt64("RECENT_AMOUNTS", DefaultRecentAmounts)),
		MaxProfileItems:    int(getEnvInt64("MAX_PROFILE_ITEMS", DefaultMaxProfileItems)),
		TravelSpeedCeiling: getEnvFloat("TRAVEL_SPEED_CEILING_KMH", DefaultTravelSpeedCeiling),
		VelocityCeiling5m:  int(getEnvInt64("VELOCITY_CEILING_5M", DefaultVelocityCeiling5m)),
		SpendCeiling1h:     getEnvFloat("SPEND_CEILING_1H", DefaultSpendCeiling1h),
		MinTrainingRows:    int(getEnvInt64("MIN_TRAINING_ROWS", DefaultMinTrainingRows)),
		ForestTrees:        int(getEnvInt64("FOREST_TREES", DefaultForestTrees)),
		ForestSample:       int(getEnvInt64("FOREST_SAMPLE", DefaultForestSample)),
		TrainingSeed:       getEnvInt64("TRAINING_SEED", DefaultTrainingSeed),
		FlagPercentile:     getEnvFloat("FLAG_PERCENTILE", DefaultFlagPercentile),
		TopReasons:         int(getEnvInt64("TOP_REASONS", DefaultTopReasons)),
		RetrainInterval:    getEnvDuration("RETRAIN_INTERVAL", 0),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.HistoryWindow < 5*time.Minute {
		return fmt.Errorf("HISTORY_WINDOW must be at least the longest feature window (5m), got %s", c.HistoryWindow)
	}
	if c.TravelSpeedCeiling <= 0 {
		return fmt.Errorf("TRAVEL_SPEED_CEILING_KMH must be positive")
	}
	if c.FlagPercentile <= 0 || c.FlagPercentile > 100 {
		return fmt.Errorf("FLAG_PERCENTILE must be in (0, 100], got %v", c.FlagPercentile)
	}
	if c.TopReasons < 1 {
		return fmt.Errorf("TOP_REASONS must be at least 1")
	}
	if c.MinTrainingRows < 2 {
		return fmt.Errorf("MIN_TRAINING_ROWS must be at least 2")
	}
	if c.ForestTrees < 1 || c.ForestSample < 2 {
		return fmt.Errorf("FOREST_TREES and FOREST_SAMPLE must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
