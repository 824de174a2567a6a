// Package config loads haikugate settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhaobenny/haikugate/internal/pricing"
)

// Config is the full set of tunables shared by the server and the CLI
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	StorePath   string `yaml:"store_path"`
	CatalogPath string `yaml:"catalog_path"`
	LogLevel    string `yaml:"log_level"`

	Provider  Provider             `yaml:"provider"`
	Quota     Quota                `yaml:"quota"`
	Retry     Retry                `yaml:"retry"`
	Tokens    Tokens               `yaml:"tokens"`
	Pricing   map[string]PriceRate `yaml:"pricing"`
	Admin     Admin                `yaml:"admin"`
	RateLimit RateLimit            `yaml:"rate_limit"`
	Session   Session              `yaml:"session"`
	Tracing   Tracing              `yaml:"tracing"`
}

// Provider selects and configures the upstream generative API
type Provider struct {
	Kind    string        `yaml:"kind"` // anthropic or openai
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Quota holds the generation budgets. A limit of 0 disables that window.
type Quota struct {
	SessionLimit int           `yaml:"session_limit"`
	DailyLimit   int           `yaml:"daily_limit"`
	PerKeyLimit  int           `yaml:"per_key_limit"`
	PerKeyWindow time.Duration `yaml:"per_key_window"`
}

// Retry bounds the upstream retry loop
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"` // randomization factor in [0,1)
}

// Tokens bounds each upstream call
type Tokens struct {
	MaxInput    int     `yaml:"max_input"`
	MaxOutput   int     `yaml:"max_output"`
	Temperature float64 `yaml:"temperature"`
	Tier        int     `yaml:"tier"`
}

// PriceRate is a pricing override in USD per million tokens
type PriceRate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Admin holds credentials for the admin endpoints and static API keys
type Admin struct {
	TokenHash string   `yaml:"token_hash"` // bcrypt hash
	APIKeys   []string `yaml:"api_keys"`
}

// RateLimit is the per-IP HTTP limiter
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Session configures the browser session used for the session quota window
type Session struct {
	Lifetime     time.Duration `yaml:"lifetime"`
	SecureCookie bool          `yaml:"secure_cookie"`
}

// Tracing toggles span export
type Tracing struct {
	Stdout bool `yaml:"stdout"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		DBPath:    "./haikugate.db",
		StorePath: "./data/generated_haikus.json",
		LogLevel:  "info",
		Provider: Provider{
			Kind:    "anthropic",
			Model:   "claude-3-haiku-20240307",
			Timeout: 30 * time.Second,
		},
		Quota: Quota{
			SessionLimit: 5,
			DailyLimit:   10,
			PerKeyLimit:  5,
			PerKeyWindow: 24 * time.Hour,
		},
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     10 * time.Second,
		},
		Tokens: Tokens{
			MaxInput:    200,
			MaxOutput:   100,
			Temperature: 0.7,
			Tier:        1,
		},
		RateLimit: RateLimit{RPS: 5, Burst: 10},
		Session:   Session{Lifetime: 7 * 24 * time.Hour},
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(dst *time.Duration, key string) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	frac := func(dst *float64, key string) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
		return nil
	}

	if port := getenv("PORT"); port != "" {
		c.Listen = ":" + port
	}
	str(&c.Listen, "HAIKUGATE_LISTEN")
	str(&c.DBPath, "HAIKUGATE_DB_PATH", "DB_PATH")
	str(&c.StorePath, "HAIKUGATE_STORE_PATH")
	str(&c.CatalogPath, "HAIKUGATE_CATALOG_PATH")
	str(&c.LogLevel, "HAIKUGATE_LOG_LEVEL")
	str(&c.Provider.Kind, "HAIKUGATE_PROVIDER")
	str(&c.Provider.Model, "HAIKUGATE_MODEL")
	str(&c.Provider.BaseURL, "HAIKUGATE_BASE_URL")
	str(&c.Admin.TokenHash, "HAIKUGATE_ADMIN_TOKEN_HASH")

	switch c.Provider.Kind {
	case "openai":
		str(&c.Provider.APIKey, "HAIKUGATE_API_KEY", "OPENAI_API_KEY")
	default:
		str(&c.Provider.APIKey, "HAIKUGATE_API_KEY", "ANTHROPIC_API_KEY")
	}

	return errors.Join(
		num(&c.Quota.SessionLimit, "HAIKUGATE_SESSION_LIMIT"),
		num(&c.Quota.DailyLimit, "HAIKUGATE_DAILY_LIMIT"),
		num(&c.Quota.PerKeyLimit, "HAIKUGATE_PER_KEY_LIMIT"),
		num(&c.Tokens.Tier, "HAIKUGATE_TIER"),
		num(&c.Retry.MaxAttempts, "HAIKUGATE_RETRY_MAX_ATTEMPTS"),
		dur(&c.Retry.InitialBackoff, "HAIKUGATE_RETRY_INITIAL_BACKOFF"),
		dur(&c.Retry.MaxBackoff, "HAIKUGATE_RETRY_MAX_BACKOFF"),
		frac(&c.Retry.Jitter, "HAIKUGATE_RETRY_JITTER"),
	)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Kind {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q: want anthropic or openai", c.Provider.Kind))
	}
	if c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if c.Quota.SessionLimit < 0 || c.Quota.DailyLimit < 0 || c.Quota.PerKeyLimit < 0 {
		errs = append(errs, errors.New("quota limits must not be negative"))
	}
	if c.Quota.PerKeyWindow < 0 {
		errs = append(errs, errors.New("quota.per_key_window must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		errs = append(errs, fmt.Errorf("retry.initial_backoff %s exceeds retry.max_backoff %s", c.Retry.InitialBackoff, c.Retry.MaxBackoff))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %v: want 0 <= jitter < 1", c.Retry.Jitter))
	}
	if c.Tokens.Temperature < 0 || c.Tokens.Temperature > 1 {
		errs = append(errs, fmt.Errorf("tokens.temperature %v: want 0..1", c.Tokens.Temperature))
	}
	if c.Tokens.MaxInput <= 0 || c.Tokens.MaxOutput <= 0 {
		errs = append(errs, errors.New("tokens.max_input and tokens.max_output must be positive"))
	}
	return errors.Join(errs...)
}

// PricingTable returns the embedded table with configured overrides applied
func (c *Config) PricingTable() pricing.Table {
	return pricing.Embedded().Merge(c.PricingOverrides())
}

// PricingOverrides converts the configured per-million rates
func (c *Config) PricingOverrides() pricing.Table {
	overrides := make(pricing.Table, len(c.Pricing))
	for name, r := range c.Pricing {
		overrides[name] = pricing.PerMillion(r.Input, r.Output)
	}
	return overrides
}

// Level maps LogLevel to a slog level, defaulting to info
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
