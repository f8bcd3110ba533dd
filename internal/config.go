package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
	"github.com/koopa0/system-design/14-content-cache/internal/offline"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

// Config 整個應用的配置
//
// 載入順序：Default() -> YAML 檔 -> 環境變數（CC_ 前綴）
type Config struct {
	Server struct {
		Port            int           `yaml:"port" env:"CC_SERVER_PORT"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"CC_SERVER_READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"CC_SERVER_WRITE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CC_SERVER_SHUTDOWN_TIMEOUT"`
	} `yaml:"server"`

	HTTPCache struct {
		MaxSizeMB           int           `yaml:"max_size_mb" env:"CC_HTTP_CACHE_MAX_SIZE_MB"`
		DefaultTTL          time.Duration `yaml:"default_ttl" env:"CC_HTTP_CACHE_DEFAULT_TTL"`
		CompressionEnabled  bool          `yaml:"compression_enabled" env:"CC_HTTP_CACHE_COMPRESSION_ENABLED"`
		CompressionLevel    int           `yaml:"compression_level" env:"CC_HTTP_CACHE_COMPRESSION_LEVEL"`
		EnforceCacheability bool          `yaml:"enforce_cacheability" env:"CC_HTTP_CACHE_ENFORCE_CACHEABILITY"`
		AllowOversize       bool          `yaml:"allow_oversize" env:"CC_HTTP_CACHE_ALLOW_OVERSIZE"`  // 允許單一回應超過容量（放寬大小不變量）
		JanitorInterval     time.Duration `yaml:"janitor_interval" env:"CC_HTTP_CACHE_JANITOR_INTERVAL"` // 0 表示不啟動背景清理
	} `yaml:"http_cache"`

	Offline struct {
		StorageDir      string `yaml:"storage_dir" env:"CC_OFFLINE_STORAGE_DIR"`
		MaxSizeMB       int    `yaml:"max_size_mb" env:"CC_OFFLINE_MAX_SIZE_MB"`
		VerifyIntegrity bool   `yaml:"verify_integrity" env:"CC_OFFLINE_VERIFY_INTEGRITY"`
	} `yaml:"offline"`

	// Redis 共用快取，Addr 為空時停用
	Redis struct {
		Addr                string        `yaml:"addr" env:"CC_REDIS_ADDR"`
		Password            string        `yaml:"password" env:"CC_REDIS_PASSWORD"`
		DB                  int           `yaml:"db" env:"CC_REDIS_DB"`
		PoolSize            int           `yaml:"pool_size" env:"CC_REDIS_POOL_SIZE"`
		KeyPrefix           string        `yaml:"key_prefix" env:"CC_REDIS_KEY_PREFIX"`
		ReadTimeout         time.Duration `yaml:"read_timeout" env:"CC_REDIS_READ_TIMEOUT"`
		WriteTimeout        time.Duration `yaml:"write_timeout" env:"CC_REDIS_WRITE_TIMEOUT"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"CC_REDIS_HEALTH_CHECK_INTERVAL"`
	} `yaml:"redis"`

	Upstream struct {
		Timeout   time.Duration `yaml:"timeout" env:"CC_UPSTREAM_TIMEOUT"`
		MaxBodyMB int           `yaml:"max_body_mb" env:"CC_UPSTREAM_MAX_BODY_MB"`
		UserAgent string        `yaml:"user_agent" env:"CC_UPSTREAM_USER_AGENT"`
	} `yaml:"upstream"`

	Log struct {
		Level     string `yaml:"level" env:"CC_LOG_LEVEL"`
		Format    string `yaml:"format" env:"CC_LOG_FORMAT"`
		Output    string `yaml:"output" env:"CC_LOG_OUTPUT"`
		AddSource bool   `yaml:"add_source" env:"CC_LOG_ADD_SOURCE"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.HTTPCache.MaxSizeMB = 100
	cfg.HTTPCache.DefaultTTL = 60 * time.Minute
	cfg.HTTPCache.CompressionEnabled = true
	cfg.HTTPCache.JanitorInterval = time.Minute

	cfg.Offline.StorageDir = defaultStorageDir()
	cfg.Offline.MaxSizeMB = 500

	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "content-cache:http:"
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.HealthCheckInterval = 10 * time.Second

	cfg.Upstream.Timeout = 15 * time.Second
	cfg.Upstream.MaxBodyMB = 20
	cfg.Upstream.UserAgent = "content-cache/1.0"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.Output = "stdout"

	return cfg
}

// defaultStorageDir 使用者資料目錄下的 offline 子目錄
func defaultStorageDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "content-cache", "offline")
}

// LoadConfig 載入配置
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	case c.HTTPCache.MaxSizeMB <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("http_cache.max_size_mb must be positive")
	case c.HTTPCache.DefaultTTL <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("http_cache.default_ttl must be positive")
	case c.HTTPCache.CompressionLevel < -3 || c.HTTPCache.CompressionLevel > 9:
		return apperrors.ErrInvalidConfig.WithDetails("http_cache.compression_level must be within -3..9")
	case c.HTTPCache.JanitorInterval < 0:
		return apperrors.ErrInvalidConfig.WithDetails("http_cache.janitor_interval must not be negative")
	case c.Offline.StorageDir == "":
		return apperrors.ErrInvalidConfig.WithDetails("offline.storage_dir is required")
	case c.Offline.MaxSizeMB <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("offline.max_size_mb must be positive")
	case c.Redis.Addr != "" && c.Redis.PoolSize <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("redis.pool_size must be positive")
	case c.Upstream.Timeout <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("upstream.timeout must be positive")
	case c.Upstream.MaxBodyMB <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("upstream.max_body_mb must be positive")
	}
	return nil
}

// LoggerOptions 轉換為日誌配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:     c.Log.Level,
		Format:    c.Log.Format,
		Output:    c.Log.Output,
		AddSource: c.Log.AddSource,
	}
}

// HTTPCacheConfig 轉換為 HTTP 快取配置
func (c *Config) HTTPCacheConfig(l *slog.Logger) httpcache.Config {
	return httpcache.Config{
		MaxSizeMB:           c.HTTPCache.MaxSizeMB,
		DefaultTTL:          c.HTTPCache.DefaultTTL,
		CompressionEnabled:  c.HTTPCache.CompressionEnabled,
		CompressionLevel:    c.HTTPCache.CompressionLevel,
		EnforceCacheability: c.HTTPCache.EnforceCacheability,
		AllowOversize:       c.HTTPCache.AllowOversize,
		Logger:              l,
	}
}

// RedisEnabled 是否啟用共用快取
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// RedisOptions 轉換為 Redis 客戶端配置
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}

// OfflineConfig 轉換為離線儲存配置
func (c *Config) OfflineConfig(l *slog.Logger) offline.Config {
	return offline.Config{
		StorageDir:      c.Offline.StorageDir,
		MaxSizeMB:       c.Offline.MaxSizeMB,
		VerifyIntegrity: c.Offline.VerifyIntegrity,
		Logger:          l,
	}
}
