package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_DEV", "true")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "ledger.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.BulkWorkers)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "UGX", cfg.Currency)
	assert.True(t, cfg.Dev)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("LEDGER_PORT", "9090")
	t.Setenv("LEDGER_DB_PATH", ":memory:")
	t.Setenv("LEDGER_JWT_SECRET", "jwt")
	t.Setenv("LEDGER_CSRF_SECRET", "csrf")
	t.Setenv("LEDGER_SWEEP_INTERVAL", "30s")
	t.Setenv("LEDGER_ALLOWED_ORIGINS", "https://bursar.example.com, https://admin.example.com")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.False(t, cfg.Dev)
	assert.Equal(t, []string{"https://bursar.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_File(t *testing.T) {
	// GIVEN: A YAML file and an env override for one of its keys
	// WHEN: Loading
	// THEN: The file fills what env leaves unset

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7070\nbulk_workers: 8\ndev: true\n"), 0o600))
	t.Setenv("LEDGER_BULK_WORKERS", "2")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 2, cfg.BulkWorkers)
	assert.True(t, cfg.Dev)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Port: 8080, DBPath: "ledger.db", BulkWorkers: 4, JWTSecret: "j", CSRFSecret: "c"}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"no db", func(c *Config) { c.DBPath = "" }, false},
		{"no workers", func(c *Config) { c.BulkWorkers = 0 }, false},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }, false},
		{"sweep disabled", func(c *Config) { c.SweepInterval = 0 }, true},
		{"no jwt secret", func(c *Config) { c.JWTSecret = "" }, false},
		{"no csrf secret", func(c *Config) { c.CSRFSecret = "" }, false},
		{"dev without secrets", func(c *Config) { c.Dev, c.JWTSecret, c.CSRFSecret = true, "", "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitOrigins([]string{"a, b", " c ", ""}))
	assert.Nil(t, splitOrigins(nil))
}
