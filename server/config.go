package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// Config is the full relay configuration. Values come from the YAML file
// first, environment variables override.
type Config struct {
	Addr string `yaml:"addr" env:"RELAY_ADDR"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

type UpstreamConfig struct {
	URL          string `yaml:"url" env:"RELAY_UPSTREAM_URL"`
	APIKey       string `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model        string `yaml:"model" env:"RELAY_UPSTREAM_MODEL"`
	Voice        string `yaml:"voice" env:"RELAY_UPSTREAM_VOICE"`
	Instructions string `yaml:"instructions" env:"RELAY_UPSTREAM_INSTRUCTIONS"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url" env:"RELAY_DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"RELAY_DATABASE_MIGRATE"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"RELAY_AUTH_JWT_SECRET"`
	IntrospectURL string        `yaml:"introspect_url" env:"RELAY_AUTH_INTROSPECT_URL"`
	Timeout       time.Duration `yaml:"timeout" env:"RELAY_AUTH_TIMEOUT"`
}

type SessionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"RELAY_SESSION_CONNECT_TIMEOUT"`
	GraceTimeout   time.Duration `yaml:"grace_timeout" env:"RELAY_SESSION_GRACE_TIMEOUT"`
}

type LogConfig struct {
	File       string `yaml:"file" env:"RELAY_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"RELAY_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"RELAY_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"RELAY_LOG_MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"RELAY_LOG_COMPRESS"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8080",
		Upstream: UpstreamConfig{
			URL:   "wss://api.openai.com/v1/realtime",
			Model: "gpt-realtime",
			Voice: "marin",
		},
		Database: DatabaseConfig{
			Migrate: true,
		},
		Auth: AuthConfig{
			Timeout: 5 * time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout: 15 * time.Second,
			GraceTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Upstream.APIKey == "" {
		return errors.New("upstream api key is required")
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream url is required")
	}
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	return nil
}
