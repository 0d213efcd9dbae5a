// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment identifies the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// FeedConfig holds connection settings for one upstream data feed
type FeedConfig struct {
	URL    string
	APIKey string
}

// Config holds application configuration
type Config struct {
	Environment Environment
	Debug       bool
	LogLevel    string

	// DataDir is the base directory for artifacts, index and model files
	// (always resolved to an absolute path).
	DataDir string

	APIHost string
	APIPort int

	// Upstream feeds
	LoadForecast       FeedConfig
	HistoricalPrices   FeedConfig
	GenerationForecast FeedConfig

	// Forecast parameters
	SampleCount     int    // probabilistic samples per forecast hour
	HorizonHours    int    // forecast horizon length
	Timezone        string // IANA zone all market timestamps live in
	WindowStartHour int    // local hour the forecast window opens at
	ScheduleHour    int    // local hour the daily cycle fires at
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("POWERCAST_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Environment: Environment(getEnv("ENVIRONMENT", string(EnvDevelopment))),
		Debug:       getEnvAsBool("DEBUG", false),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DataDir:     absDataDir,
		APIHost:     getEnv("API_HOST", "0.0.0.0"),
		APIPort:     getEnvAsInt("API_PORT", 8000),
		LoadForecast: FeedConfig{
			URL:    getEnv("LOAD_FORECAST_URL", "http://localhost:9001/load"),
			APIKey: getEnv("LOAD_FORECAST_API_KEY", ""),
		},
		HistoricalPrices: FeedConfig{
			URL:    getEnv("HISTORICAL_PRICES_URL", "http://localhost:9001/prices"),
			APIKey: getEnv("HISTORICAL_PRICES_API_KEY", ""),
		},
		GenerationForecast: FeedConfig{
			URL:    getEnv("GENERATION_FORECAST_URL", "http://localhost:9001/generation"),
			APIKey: getEnv("GENERATION_FORECAST_API_KEY", ""),
		},
		SampleCount:     getEnvAsInt("FORECAST_SAMPLE_COUNT", 100),
		HorizonHours:    getEnvAsInt("FORECAST_HORIZON_HOURS", 72),
		Timezone:        getEnv("FORECAST_TIMEZONE", "America/Chicago"),
		WindowStartHour: getEnvAsInt("FORECAST_WINDOW_START_HOUR", 0),
		ScheduleHour:    getEnvAsInt("FORECAST_SCHEDULE_HOUR", 7),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid ENVIRONMENT %q (must be development, staging or production)", c.Environment)
	}

	if c.SampleCount <= 0 {
		return fmt.Errorf("FORECAST_SAMPLE_COUNT must be positive, got %d", c.SampleCount)
	}
	if c.HorizonHours <= 0 {
		return fmt.Errorf("FORECAST_HORIZON_HOURS must be positive, got %d", c.HorizonHours)
	}
	if c.ScheduleHour < 0 || c.ScheduleHour > 23 {
		return fmt.Errorf("FORECAST_SCHEDULE_HOUR must be in [0,23], got %d", c.ScheduleHour)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be a valid port, got %d", c.APIPort)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
