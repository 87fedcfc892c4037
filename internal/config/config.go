package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the pharmacy server, loaded
// from a .env file and environment variables.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthMode     string `mapstructure:"AUTH_MODE"` // "dev" or "jwt"
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout int     `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	MaxBodySize    string  `mapstructure:"MAX_BODY_SIZE"`

	// Pharmacy engine thresholds.
	LowStockThreshold     int `mapstructure:"LOW_STOCK_THRESHOLD"`
	ExpiryWarningDays     int `mapstructure:"EXPIRY_WARNING_DAYS"`
	OverrideReasonMinLen  int `mapstructure:"OVERRIDE_REASON_MIN_LENGTH"`
	MARDefaultDurationDays int `mapstructure:"MAR_DEFAULT_DURATION_DAYS"`
	NotifyTimeoutSeconds  int `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`
}

// Load reads configuration from .env (if present) and the process
// environment. Environment variables always win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	defaults := map[string]interface{}{
		"PORT":                       "8080",
		"ENV":                        "development",
		"DB_MAX_CONNS":               10,
		"DB_MIN_CONNS":               2,
		"AUTH_MODE":                  "",
		"AUTH_ISSUER":                "",
		"AUTH_AUDIENCE":              "",
		"AUTH_JWKS_URL":              "",
		"CORS_ORIGINS":               "*",
		"RATE_LIMIT_RPS":             100.0,
		"RATE_LIMIT_BURST":           200,
		"REQUEST_TIMEOUT_SECONDS":    30,
		"MAX_BODY_SIZE":              "1M",
		"LOW_STOCK_THRESHOLD":        10,
		"EXPIRY_WARNING_DAYS":        90,
		"OVERRIDE_REASON_MIN_LENGTH": 10,
		"MAR_DEFAULT_DURATION_DAYS":  5,
		"NOTIFY_TIMEOUT_SECONDS":     10,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("DATABASE_URL")

	// Missing .env is fine; env vars may carry everything.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper reads CORS_ORIGINS as a single string from env files.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = splitAndTrim(cfg.CORSOrigins[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.DBMaxConns, c.DBMinConns)
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("LOW_STOCK_THRESHOLD must not be negative")
	}
	if c.OverrideReasonMinLen < 1 {
		return fmt.Errorf("OVERRIDE_REASON_MIN_LENGTH must be at least 1")
	}
	if c.MARDefaultDurationDays < 1 {
		return fmt.Errorf("MAR_DEFAULT_DURATION_DAYS must be at least 1")
	}
	return nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// ResolvedAuthMode returns the effective auth mode: an explicit AUTH_MODE
// wins, otherwise development defaults to "dev" and everything else to
// "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "dev"
	}
	return "jwt"
}
