package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding/htmlindex"
)

// Load failure policies understood by ON_LOAD_FAILURE.
const (
	LoadFailureFail        = "fail"
	LoadFailureReturnEmpty = "return_empty"
)

type Config struct {
	Port             string `mapstructure:"PORT"`
	Env              string `mapstructure:"ENV"`
	DataFile         string `mapstructure:"DATA_FILE"`
	OnLoadFailure    string `mapstructure:"ON_LOAD_FAILURE"`
	FallbackEncoding string `mapstructure:"FALLBACK_ENCODING"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	AuthSigningKey   string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string `mapstructure:"AUTH_AUDIENCE"`
	MetricsEnabled   bool   `mapstructure:"METRICS_ENABLED"`
	BodyLimit        string `mapstructure:"BODY_LIMIT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_FILE", "patients.json")
	v.SetDefault("ON_LOAD_FAILURE", LoadFailureFail)
	v.SetDefault("FALLBACK_ENCODING", "windows-1251")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("BODY_LIMIT", "64K")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATA_FILE")
	v.BindEnv("ON_LOAD_FAILURE")
	v.BindEnv("FALLBACK_ENCODING")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("METRICS_ENABLED")
	v.BindEnv("BODY_LIMIT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.OnLoadFailure = strings.ToLower(strings.TrimSpace(cfg.OnLoadFailure))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level named by LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.DataFile == "" {
		return fmt.Errorf("DATA_FILE must not be empty")
	}
	if c.OnLoadFailure != LoadFailureFail && c.OnLoadFailure != LoadFailureReturnEmpty {
		return fmt.Errorf("ON_LOAD_FAILURE must be %q or %q, got %q",
			LoadFailureFail, LoadFailureReturnEmpty, c.OnLoadFailure)
	}
	if c.FallbackEncoding != "" {
		if _, err := htmlindex.Get(c.FallbackEncoding); err != nil {
			return fmt.Errorf("FALLBACK_ENCODING %q is not a known encoding: %w", c.FallbackEncoding, err)
		}
	}
	return nil
}

// ValidateServer additionally checks what the HTTP API needs. Outside
// development a signing key is required so the API never runs
// unauthenticated.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	return nil
}
