/*
config.go - Server configuration

PURPOSE:
  Loads the server configuration from, in increasing precedence:
  1. Built-in defaults
  2. An optional YAML file (--config)
  3. A .env file in the working directory, if present
  4. Environment variables with the LEDGER_ prefix (LEDGER_DB_PATH, ...)
  5. Command-line flags bound by cmd/server

KEYS:
  port             HTTP port (8080)
  db_path          SQLite path, ":memory:" for an in-memory database
  jwt_secret       HS256 secret for bearer tokens
  csrf_secret      HMAC secret for X-CSRF-Token
  allowed_origins  CORS origins (comma separated in env)
  bulk_workers     Bulk operation parallelism
  sweep_interval   Repair/notification sweeper interval, 0 disables it
  log_level        debug, info, warn, error
  dev              Development mode: console logs, scenario routes
  currency         Display currency for amounts that carry none

SEE ALSO:
  - cmd/server/main.go: Flag binding
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGER"

type Config struct {
	Port           int           `mapstructure:"port"`
	DBPath         string        `mapstructure:"db_path"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	CSRFSecret     string        `mapstructure:"csrf_secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	BulkWorkers    int           `mapstructure:"bulk_workers"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	LogLevel       string        `mapstructure:"log_level"`
	Dev            bool          `mapstructure:"dev"`
	Currency       string        `mapstructure:"currency"`
}

// Defaults applies built-in values to v.
func Defaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "ledger.db")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("csrf_secret", "")
	v.SetDefault("allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("bulk_workers", 4)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("dev", false)
	v.SetDefault("currency", "UGX")
}

// New returns a viper instance with defaults and environment binding, ready
// for flags to be bound before Load.
func New() *viper.Viper {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file and .env, then unmarshals v.
func Load(v *viper.Viper, file string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)
	return &cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.DBPath == "":
		return errors.New("db_path is required")
	case c.BulkWorkers < 1:
		return fmt.Errorf("bulk_workers must be at least 1, got %d", c.BulkWorkers)
	case c.SweepInterval < 0:
		return errors.New("sweep_interval must not be negative")
	case !c.Dev && c.JWTSecret == "":
		return errors.New("jwt_secret is required outside dev mode")
	case !c.Dev && c.CSRFSecret == "":
		return errors.New("csrf_secret is required outside dev mode")
	}
	return nil
}

// splitOrigins accepts both a list and a single comma separated value, which
// is how an env var arrives.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
