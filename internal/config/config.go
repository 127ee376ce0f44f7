// Package config loads server settings: built-in defaults, then an optional
// YAML file, then environment variables. Later layers win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// TrustProxy takes the client address from X-Forwarded-For and
		// X-Real-IP. Enable only behind a proxy that overwrites them.
		TrustProxy bool `yaml:"trustProxy"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"` // debug|info|warn|error
	} `yaml:"log"`

	Store struct {
		Driver string `yaml:"driver"` // sqlite|mongo
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Mongo struct {
			URI          string `yaml:"uri"`
			Database     string `yaml:"database"`
			Transactions bool   `yaml:"transactions"`
		} `yaml:"mongo"`
	} `yaml:"store"`

	Auth struct {
		JWTSecret          string `yaml:"jwt_secret"`
		GitHubClientID     string `yaml:"github_client_id"`
		GitHubClientSecret string `yaml:"github_client_secret"`
		GitHubCallbackURL  string `yaml:"github_callback_url"`
		CookieSecure       bool   `yaml:"cookie_secure"`
		// Where the browser lands after login, depending on onboarding.
		HomeURL       string `yaml:"home_url"`
		OnboardingURL string `yaml:"onboarding_url"`
	} `yaml:"auth"`

	// Redis is optional; without a URL revalidation signals are only logged.
	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Default returns a config that runs locally with no external services.
func Default() *Config {
	var c Config
	c.Server.Port = 8080
	c.Log.Level = "info"
	c.Store.Driver = DriverSQLite
	c.Store.SQLite.Path = "data/threadline.db"
	c.Store.Mongo.Database = "threadline"
	c.Auth.HomeURL = "/"
	c.Auth.OnboardingURL = "/onboarding"
	c.Redis.Channel = "threadline:revalidate"
	c.RateLimit.RPS = 5
	c.RateLimit.Burst = 10
	return &c
}

// Load layers the YAML file at path (skipped when path is empty) and the
// process environment over the defaults, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cfg.Auth.GitHubCallbackURL == "" {
		cfg.Auth.GitHubCallbackURL = fmt.Sprintf("http://localhost:%d/auth/github/callback", cfg.Server.Port)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: file not found: %s", path)
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables. getenv is injected
// so tests do not have to touch the process environment.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	var errs []error
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a number", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	integer("PORT", &c.Server.Port)
	boolean("TRUST_PROXY", &c.Server.TrustProxy)
	str("LOG_LEVEL", &c.Log.Level)

	str("STORE_DRIVER", &c.Store.Driver)
	str("DB_PATH", &c.Store.SQLite.Path)
	str("MONGO_URI", &c.Store.Mongo.URI)
	str("MONGO_DATABASE", &c.Store.Mongo.Database)
	boolean("MONGO_TRANSACTIONS", &c.Store.Mongo.Transactions)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("GITHUB_CLIENT_ID", &c.Auth.GitHubClientID)
	str("GITHUB_CLIENT_SECRET", &c.Auth.GitHubClientSecret)
	str("GITHUB_CALLBACK_URL", &c.Auth.GitHubCallbackURL)
	boolean("COOKIE_SECURE", &c.Auth.CookieSecure)
	str("HOME_URL", &c.Auth.HomeURL)
	str("ONBOARDING_URL", &c.Auth.OnboardingURL)

	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_CHANNEL", &c.Redis.Channel)

	float("RATE_LIMIT_RPS", &c.RateLimit.RPS)
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Server.Port))
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("config: store.sqlite.path is required"))
		}
	case DriverMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("config: store.mongo.uri is required for the mongo driver"))
		}
		if c.Store.Mongo.Database == "" {
			errs = append(errs, errors.New("config: store.mongo.database is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store driver %q", c.Store.Driver))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AuthEnabled reports whether identity tokens can be issued. Without a
// secret the server still serves reads but every write is rejected.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// SlogLevel is the configured log level. Validate has already rejected
// unknown names.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
	return l, nil
}
