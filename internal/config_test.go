package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-content-cache/internal"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := internal.Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.HTTPCache.MaxSizeMB)
	assert.Equal(t, 60*time.Minute, cfg.HTTPCache.DefaultTTL)
	assert.True(t, cfg.HTTPCache.CompressionEnabled)
	assert.False(t, cfg.HTTPCache.AllowOversize)
	assert.Equal(t, 500, cfg.Offline.MaxSizeMB)
	assert.NotEmpty(t, cfg.Offline.StorageDir)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *internal.Config)
	}{
		{"port zero", func(c *internal.Config) { c.Server.Port = 0 }},
		{"port too large", func(c *internal.Config) { c.Server.Port = 70000 }},
		{"cache size zero", func(c *internal.Config) { c.HTTPCache.MaxSizeMB = 0 }},
		{"ttl zero", func(c *internal.Config) { c.HTTPCache.DefaultTTL = 0 }},
		{"compression level", func(c *internal.Config) { c.HTTPCache.CompressionLevel = 12 }},
		{"negative janitor", func(c *internal.Config) { c.HTTPCache.JanitorInterval = -time.Second }},
		{"empty storage dir", func(c *internal.Config) { c.Offline.StorageDir = "" }},
		{"offline size zero", func(c *internal.Config) { c.Offline.MaxSizeMB = 0 }},
		{"upstream timeout", func(c *internal.Config) { c.Upstream.Timeout = 0 }},
		{"upstream body", func(c *internal.Config) { c.Upstream.MaxBodyMB = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := internal.Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
server:
  port: 9090
http_cache:
  max_size_mb: 10
  default_ttl: 5m
  compression_enabled: false
offline:
  storage_dir: /tmp/offline-test
  max_size_mb: 20
  verify_integrity: true
log:
  level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := internal.LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 10, cfg.HTTPCache.MaxSizeMB)
		assert.Equal(t, 5*time.Minute, cfg.HTTPCache.DefaultTTL)
		assert.False(t, cfg.HTTPCache.CompressionEnabled)
		assert.Equal(t, "/tmp/offline-test", cfg.Offline.StorageDir)
		assert.True(t, cfg.Offline.VerifyIntegrity)
		assert.Equal(t, "debug", cfg.Log.Level)
		// 未設定的欄位保留預設值
		assert.Equal(t, 15*time.Second, cfg.Upstream.Timeout)
	})

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := internal.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, internal.Default().HTTPCache, cfg.HTTPCache)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("http_cache:\n  max_size_mb: 10\n"), 0o600))

		t.Setenv("CC_HTTP_CACHE_MAX_SIZE_MB", "42")
		t.Setenv("CC_HTTP_CACHE_DEFAULT_TTL", "90s")
		t.Setenv("CC_OFFLINE_STORAGE_DIR", "/var/lib/offline")

		cfg, err := internal.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.HTTPCache.MaxSizeMB)
		assert.Equal(t, 90*time.Second, cfg.HTTPCache.DefaultTTL)
		assert.Equal(t, "/var/lib/offline", cfg.Offline.StorageDir)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

		_, err := internal.LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		t.Setenv("CC_SERVER_PORT", "0")

		_, err := internal.LoadConfig("")
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})
}

func TestConfig_ComponentConfigs(t *testing.T) {
	cfg := internal.Default()
	cfg.HTTPCache.MaxSizeMB = 7
	cfg.HTTPCache.EnforceCacheability = true
	cfg.Offline.StorageDir = "/data/offline"
	cfg.Offline.VerifyIntegrity = true

	hc := cfg.HTTPCacheConfig(nil)
	assert.Equal(t, 7, hc.MaxSizeMB)
	assert.Equal(t, cfg.HTTPCache.DefaultTTL, hc.DefaultTTL)
	assert.True(t, hc.EnforceCacheability)

	oc := cfg.OfflineConfig(nil)
	assert.Equal(t, "/data/offline", oc.StorageDir)
	assert.Equal(t, 500, oc.MaxSizeMB)
	assert.True(t, oc.VerifyIntegrity)

	lo := cfg.LoggerOptions()
	assert.Equal(t, "info", lo.Level)
	assert.Equal(t, "json", lo.Format)
}

func TestConfig_Redis(t *testing.T) {
	cfg := internal.Default()
	assert.False(t, cfg.RedisEnabled())

	t.Setenv("CC_REDIS_ADDR", "localhost:6379")
	t.Setenv("CC_REDIS_DB", "2")

	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)
	require.True(t, cfg.RedisEnabled())

	opts := cfg.RedisOptions()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 10, opts.PoolSize)

	cfg.Redis.PoolSize = 0
	assert.ErrorIs(t, cfg.Validate(), apperrors.ErrInvalidConfig)
}
