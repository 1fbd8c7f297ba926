package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  type: memory
watchdog:
  timeout: 2m
  policy: fail
images:
  batchSize: 5
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WATCHDOG_POLICY", "alert")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 2*time.Minute, cfg.Watchdog.Timeout)
	assert.Equal(t, "alert", cfg.Watchdog.Policy, "env overrides file")
	assert.Equal(t, 5, cfg.Images.BatchSize)
	assert.Equal(t, 2, cfg.Images.Parallelism, "default kept")
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage type", func(c *Config) { c.Storage.Type = "ftp" }},
		{"provider type", func(c *Config) { c.Provider.Type = "gdrive" }},
		{"watchdog policy", func(c *Config) { c.Watchdog.Policy = "page" }},
		{"watchdog escalation", func(c *Config) { c.Watchdog.Escalation = "kafka" }},
		{"watchdog timeout", func(c *Config) { c.Watchdog.Timeout = 0 }},
		{"batch size", func(c *Config) { c.Images.BatchSize = 0 }},
		{"hash length", func(c *Config) { c.Images.HashLength = 4 }},
		{"es index", func(c *Config) { c.Elasticsearch.Enabled = true; c.Elasticsearch.Index = "" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvAsList("TEST_LIST_MISSING", []string{"x"}))
}
