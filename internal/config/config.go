// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir           string  // Base directory for all databases (always absolute)
	PriceProviderURL  string  // Base URL of the external price-history provider
	RateProviderURL   string  // Base URL of the external risk-free-rate provider
	RiskFreeFallback  float64 // Rate used when the external source is unreachable
	RateCycleHour     int     // UTC hour at which a new rate validity cycle starts
	RefreshBudgetSecs int     // Wall-clock budget for the daily history refresh job
	LogLevel          string
	Port              int
	DemoMode          bool // Allow synthetic series fallback for absent data
}

// Load reads configuration from environment variables, with .env file support.
func Load() (*Config, error) {
	// Load .env file if present (ignore error - it's optional)
	_ = godotenv.Load()

	dataDir := getEnv("MERIDIAN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		PriceProviderURL:  getEnv("MERIDIAN_PRICE_PROVIDER_URL", "https://data.meridianfund.io/v1"),
		RateProviderURL:   getEnv("MERIDIAN_RATE_PROVIDER_URL", "https://data.meridianfund.io/v1/rates"),
		RiskFreeFallback:  getEnvFloat("MERIDIAN_RISK_FREE_FALLBACK", 0.03),
		RateCycleHour:     getEnvInt("MERIDIAN_RATE_CYCLE_HOUR", 6),
		RefreshBudgetSecs: getEnvInt("MERIDIAN_REFRESH_BUDGET_SECS", 1800),
		LogLevel:          getEnv("MERIDIAN_LOG_LEVEL", "info"),
		Port:              getEnvInt("MERIDIAN_PORT", 8090),
		DemoMode:          getEnvBool("MERIDIAN_DEMO_MODE", false),
	}

	if cfg.RateCycleHour < 0 || cfg.RateCycleHour > 23 {
		return nil, fmt.Errorf("invalid rate cycle hour: %d", cfg.RateCycleHour)
	}

	return cfg, nil
}

// HistoryDBPath returns the path of the price-history database.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// CacheDBPath returns the path of the ephemeral cache database.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
