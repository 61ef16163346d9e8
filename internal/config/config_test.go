package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("INCIDENT_DATABASE__URL", "postgres://u:p@localhost:5432/db")
	t.Setenv("INCIDENT_CACHE__TTL", "30s")
	t.Setenv("INCIDENT_RATE_LIMIT__REQUESTS_PER_MINUTE", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@localhost:5432/db", cfg.Database.URL)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 7, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, CacheDriverMemory, cfg.Cache.Driver)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://from-file
cache:
  driver: redis
  redis_addr: cache:6379
idempotency:
  ttl: 2h
  purge_schedule: "@every 1h"
log:
  format: text
`), 0o600))

	t.Setenv("INCIDENT_DATABASE__URL", "postgres://from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-env", cfg.Database.URL)
	assert.Equal(t, CacheDriverRedis, cfg.Cache.Driver)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "@every 1h", cfg.Idempotency.PurgeSchedule)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database url", func(c *Config) { c.Database.URL = "" }, "database.url is required"},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, "unknown driver"},
		{"zero idempotency ttl", func(c *Config) { c.Idempotency.TTL = 0 }, "idempotency.ttl"},
		{"redis without addr", func(c *Config) {
			c.Cache.Driver = CacheDriverRedis
			c.Cache.RedisAddr = ""
		}, "cache.redis_addr"},
		{"cache disabled", func(c *Config) { c.Cache.Driver = CacheDriverNone }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.URL = "postgres://localhost/db"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
