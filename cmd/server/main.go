package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-content-cache/internal"
	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
	"github.com/koopa0/system-design/14-content-cache/internal/offline"
	"github.com/koopa0/system-design/14-content-cache/internal/sharedcache"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 載入配置
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	closer, err := logger.Init(config.LoggerOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	log := slog.Default()

	// 創建快取與離線儲存
	cache := httpcache.NewWithConfig(config.HTTPCacheConfig(log))

	store, err := offline.New(config.OfflineConfig(log))
	if err != nil {
		log.Error("failed to open offline store", "dir", config.Offline.StorageDir, "error", err)
		os.Exit(1)
	}

	// 背景清理過期回應
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go cache.RunJanitor(ctx, config.HTTPCache.JanitorInterval)

	// 連接 Redis 共用快取（可選）
	var shared internal.SharedTier
	if config.RedisEnabled() {
		redisClient := redis.NewClient(config.RedisOptions())
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// 不中止啟動，由健康檢查在 Redis 恢復後接手
			log.Warn("redis ping failed, shared cache starts degraded", "addr", config.Redis.Addr, "error", err)
		}

		sharedStore := sharedcache.New(redisClient, config.Redis.KeyPrefix, log)
		go sharedStore.RunHealthCheck(ctx, config.Redis.HealthCheckInterval)
		shared = sharedStore
	}

	client := &http.Client{Timeout: config.Upstream.Timeout}
	handler := internal.NewHandler(cache, shared, store, client, config, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", config.Server.Port,
			"cache_mb", config.HTTPCache.MaxSizeMB,
			"offline_dir", config.Offline.StorageDir,
			"shared_cache", config.RedisEnabled(),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 停止背景清理
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	stats := cache.Stats()
	log.Info("server stopped",
		"cache_entries", stats.Entries,
		"offline_pages", store.Stats().PageCount,
	)
}
