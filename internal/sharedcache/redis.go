// Package sharedcache 提供多個實例共用的第二層 HTTP 回應快取
//
// 程序內的 LRU 是第一層；本套件把可快取的回應以 JSON 形式寫入 Redis，
// 讓其他實例在本地未命中時仍可避免回源。
//
// Redis 不可用時進入降級模式：讀取視為未命中、寫入直接略過，
// 由健康檢查在連線恢復後解除降級。
package sharedcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

// DefaultPrefix 預設鍵前綴
const DefaultPrefix = "content-cache:http:"

// Store Redis 共用快取
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *slog.Logger

	degraded atomic.Bool
}

// New 建立共用快取
//
// 參數：
//
//	client: 已連線的 Redis 客戶端
//	prefix: 鍵前綴，空字串使用 DefaultPrefix
func New(client *redis.Client, prefix string, l *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger.OrDefault(l).With("component", "sharedcache"),
	}
}

func (s *Store) key(url string) string {
	return s.prefix + url
}

// Get 讀取共用快取中的回應
//
// 返回：
//   - (entry, true, nil)：命中且未過期
//   - (nil, false, nil)：未命中、已過期或處於降級模式
//   - (nil, false, err)：Redis 或反序列化錯誤
func (s *Store) Get(ctx context.Context, url string) (*httpcache.Entry, bool, error) {
	if s.degraded.Load() {
		return nil, false, nil
	}

	data, err := s.client.Get(ctx, s.key(url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		s.markDegraded(ctx, err)
		return nil, false, apperrors.IO(err, "redis get")
	}

	var entry httpcache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, apperrors.Serialization(err, "decode shared entry")
	}

	// Redis 的 TTL 以秒為單位，邊界上可能讀到剛過期的項目
	if entry.IsExpired(s.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set 寫入回應，TTL 取自項目的過期時間
//
// 已過期或沒有過期時間的項目不寫入。
func (s *Store) Set(ctx context.Context, entry *httpcache.Entry) error {
	if s.degraded.Load() || entry.Expires == nil {
		return nil
	}

	ttl := entry.Expires.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Serialization(err, "encode shared entry")
	}

	if err := s.client.Set(ctx, s.key(entry.URL), data, ttl).Err(); err != nil {
		s.markDegraded(ctx, err)
		return apperrors.IO(err, "redis set")
	}
	return nil
}

// Delete 移除回應
func (s *Store) Delete(ctx context.Context, url string) error {
	if err := s.client.Del(ctx, s.key(url)).Err(); err != nil {
		return apperrors.IO(err, "redis del")
	}
	return nil
}

// Degraded 是否處於降級模式
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// markDegraded 呼叫端自己取消的請求不視為 Redis 故障
func (s *Store) markDegraded(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("redis unavailable, entering degraded mode", "error", err)
	}
}

// RunHealthCheck 定期 PING Redis，連線恢復時解除降級模式
//
// 阻塞直到 ctx 結束。
func (s *Store) RunHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.client.Ping(pingCtx).Err()
			cancel()

			switch {
			case err != nil:
				s.markDegraded(ctx, err)
			case s.degraded.CompareAndSwap(true, false):
				s.logger.Info("redis recovered, leaving degraded mode")
			}
		}
	}
}
