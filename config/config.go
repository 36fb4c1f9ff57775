// Package config loads engine configuration from environment variables,
// following the same getEnv-with-default pattern as the rest of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every knob the engine needs to run.
type Config struct {
	Environment string
	MetricsAddr string
	LogLevel    string
	LogFilePath string

	Redis RedisConfig

	Thresholds ThresholdConfig
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// ThresholdConfig are the margin-ratio knobs from spec.md §7: the engine
// reads these once at startup; per-account overrides come from the
// RulesProvider, not from here.
type ThresholdConfig struct {
	LiquidationThreshold decimal.Decimal // T
	MaintenanceRate      decimal.Decimal
	Tier2Fraction        decimal.Decimal
	Tier3Fraction        decimal.Decimal
	WarningBand          decimal.Decimal
	CriticalBand         decimal.Decimal
}

// Load reads configuration from the environment, falling back to .env if
// present, then to the defaults below.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFilePath: getEnv("LOG_FILE_PATH", ""),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Thresholds: ThresholdConfig{
			LiquidationThreshold: getEnvAsDecimal("LIQUIDATION_THRESHOLD", "0.90"),
			MaintenanceRate:      getEnvAsDecimal("MAINTENANCE_RATE", "0.005"),
			Tier2Fraction:        getEnvAsDecimal("TIER2_FRACTION", "0.10"),
			Tier3Fraction:        getEnvAsDecimal("TIER3_FRACTION", "0.30"),
			WarningBand:          getEnvAsDecimal("WARNING_BAND", "0.10"),
			CriticalBand:         getEnvAsDecimal("CRITICAL_BAND", "0.05"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the threshold knobs are within the ranges spec.md §7
// requires (all fractions in (0,1], bands non-negative).
func (c *Config) Validate() error {
	t := c.Thresholds
	for name, v := range map[string]decimal.Decimal{
		"LIQUIDATION_THRESHOLD": t.LiquidationThreshold,
		"MAINTENANCE_RATE":      t.MaintenanceRate,
		"TIER2_FRACTION":        t.Tier2Fraction,
		"TIER3_FRACTION":        t.Tier3Fraction,
	} {
		if v.LessThanOrEqual(decimal.Zero) || v.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be in (0, 1], got %s", name, v)
		}
	}
	if t.WarningBand.IsNegative() || t.CriticalBand.IsNegative() {
		return fmt.Errorf("WARNING_BAND and CRITICAL_BAND must be non-negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) decimal.Decimal {
	raw := getEnv(key, defaultVal)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d, _ = decimal.NewFromString(defaultVal)
	}
	return d
}
