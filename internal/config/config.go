// Package config loads the server settings from the environment (and an
// optional .env file) and the market definitions from a TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                string
	Env                 string
	Debug               bool
	DatabasePath        string
	JWTSecret           string
	RedisAddr           string // empty disables the Redis relay
	MarketsFile         string
	FeeAccount          string
	QueueSize           int
	ExpirySweepInterval time.Duration
	HeartbeatInterval   time.Duration
	StopSlippage        decimal.Decimal // cap above/below the stop price for triggered stop-market orders
	OrderRetention      int             // terminal orders each pair keeps in memory for lookups
	ValuationCurrency   string          // currency portfolio totals are priced in
	Markets             Markets
}

// Defaults returns the configuration used when nothing is overridden
func Defaults() Config {
	return Config{
		Port:                "8080",
		Env:                 "development",
		DatabasePath:        "exchange.db",
		JWTSecret:           "klear-secret-key",
		FeeAccount:          "exchange-fees",
		QueueSize:           1024,
		ExpirySweepInterval: time.Second,
		HeartbeatInterval:   15 * time.Second,
		StopSlippage:        decimal.RequireFromString("0.05"),
		OrderRetention:      10000,
		ValuationCurrency:   "USD",
		Markets:             DefaultMarkets(),
	}
}

// Load reads .env if present, applies environment overrides on top of the
// defaults and loads MARKETS_FILE when set. The result is validated.
func Load() (*Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.MarketsFile != "" {
		markets, err := LoadMarkets(cfg.MarketsFile)
		if err != nil {
			return nil, err
		}
		cfg.Markets = *markets
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMarkets decodes a TOML market definition file
func LoadMarkets(path string) (*Markets, error) {
	var markets Markets
	if _, err := toml.DecodeFile(path, &markets); err != nil {
		return nil, fmt.Errorf("decode markets file %s: %w", path, err)
	}
	return &markets, nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

func (c *Config) Validate() error {
	var errs []string

	if c.Port == "" {
		errs = append(errs, "PORT must not be empty")
	}
	if c.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET must not be empty")
	}
	if c.FeeAccount == "" {
		errs = append(errs, "FEE_ACCOUNT must not be empty")
	}
	if c.QueueSize <= 0 {
		errs = append(errs, "QUEUE_SIZE must be positive")
	}
	if c.ExpirySweepInterval <= 0 {
		errs = append(errs, "EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "HEARTBEAT_INTERVAL must be positive")
	}
	if c.StopSlippage.IsNegative() || c.StopSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "STOP_SLIPPAGE must be in [0, 1)")
	}
	if c.OrderRetention <= 0 {
		errs = append(errs, "ORDER_RETENTION must be positive")
	}
	if c.ValuationCurrency == "" {
		errs = append(errs, "VALUATION_CURRENCY must not be empty")
	}
	if err := c.Markets.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Port, "PORT")
	setStr(&cfg.Env, "ENV")
	setBool(&cfg.Debug, "DEBUG")
	setStr(&cfg.DatabasePath, "DATABASE_PATH")
	setStr(&cfg.JWTSecret, "JWT_SECRET")
	setStr(&cfg.RedisAddr, "REDIS_ADDR")
	setStr(&cfg.MarketsFile, "MARKETS_FILE")
	setStr(&cfg.FeeAccount, "FEE_ACCOUNT")
	setInt(&cfg.QueueSize, "QUEUE_SIZE")
	setDuration(&cfg.ExpirySweepInterval, "EXPIRY_SWEEP_INTERVAL")
	setDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	setDecimal(&cfg.StopSlippage, "STOP_SLIPPAGE")
	setInt(&cfg.OrderRetention, "ORDER_RETENTION")
	setStr(&cfg.ValuationCurrency, "VALUATION_CURRENCY")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
