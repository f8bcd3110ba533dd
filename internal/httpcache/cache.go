// Package httpcache 在 LRU 快取之上實作 HTTP 回應快取。
//
// 職責：
//   - 依 HTTP 標頭計算可快取性與過期時間
//   - 以位元組計量記憶體使用，超過容量時淘汰最久未使用的回應
//   - 可選擇對較大的 body 保存一份 gzip 副本
//
// 快取本身是策略中立的：StoreResponse 不檢查 IsCacheable，
// 呼叫者應先判斷；或啟用 Config.EnforceCacheability 由快取代為檢查。
package httpcache

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/koopa0/system-design/14-content-cache/internal/lru"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

const bytesPerMB = 1024 * 1024

// Config HTTP 快取配置
type Config struct {
	MaxSizeMB          int           // 記憶體上限（MiB）
	DefaultTTL         time.Duration // 無 Expires / max-age 時的存活時間
	CompressionEnabled bool
	CompressionLevel   int // gzip 等級，0 表示預設等級

	// EnforceCacheability 為 true 時，StoreResponse 對不可快取的回應返回 ErrNotCacheable
	EnforceCacheability bool

	// AllowOversize 允許單一回應超過總容量（見 lru.Config）
	AllowOversize bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Stats HTTP 快取統計
type Stats struct {
	Entries          int     `json:"entries"`
	MemoryUsageMB    float64 `json:"memory_usage_mb"`
	HitCount         uint64  `json:"hit_count"` // 所有存活項目的存取次數總和
	CompressionRatio float64 `json:"compression_ratio"`
	Misses           uint64  `json:"misses"`
	Expired          uint64  `json:"expired"`
	Evictions        uint64  `json:"evictions"`
}

// Cache HTTP 回應快取
//
// 並發安全：mu 串行化「讀取後移除」這類複合操作，
// 內層 LRU 另有自己的鎖；鎖順序固定為 mu -> LRU。
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]

	defaultTTL          time.Duration
	compressionEnabled  bool
	compressionLevel    int
	enforceCacheability bool

	now    func() time.Time
	logger *slog.Logger

	misses  atomic.Uint64
	expired atomic.Uint64
}

// New 建立 HTTP 快取
//
// 參數：
//
//	maxSizeMB: 記憶體上限（MiB）
//	defaultTTLMinutes: 預設存活時間（分鐘）
//	compressionEnabled: 是否保存 gzip 副本
func New(maxSizeMB, defaultTTLMinutes int, compressionEnabled bool) *Cache {
	return NewWithConfig(Config{
		MaxSizeMB:          maxSizeMB,
		DefaultTTL:         time.Duration(defaultTTLMinutes) * time.Minute,
		CompressionEnabled: compressionEnabled,
	})
}

// NewWithConfig 依配置建立 HTTP 快取
func NewWithConfig(cfg Config) *Cache {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	level := cfg.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	l := logger.OrDefault(cfg.Logger).With("component", "httpcache")

	return &Cache{
		entries: lru.NewWithConfig[string, *Entry](lru.Config{
			CapacityBytes: cfg.MaxSizeMB * bytesPerMB,
			AllowOversize: cfg.AllowOversize,
			Now:           now,
			Logger:        l,
		}),
		defaultTTL:          cfg.DefaultTTL,
		compressionEnabled:  cfg.CompressionEnabled,
		compressionLevel:    level,
		enforceCacheability: cfg.EnforceCacheability,
		now:                 now,
		logger:              l,
	}
}

// IsCacheable 見套件函式 IsCacheable
func (c *Cache) IsCacheable(statusCode int, headers map[string]string) bool {
	return IsCacheable(statusCode, headers)
}

// StoreResponse 寫入一筆回應。
//
// 執行流程：
//  1. 從標頭取出 content-type、cache-control、etag、last-modified
//  2. 計算過期時間（Expires > max-age > 預設 TTL）
//  3. 啟用壓縮且 body 超過 1KiB 時產生 gzip 副本（在鎖外執行）
//  4. 依記帳大小寫入 LRU，必要時淘汰舊項目
//
// 錯誤：
//   - 壓縮失敗：COMPRESSION_ERROR，不寫入
//   - 超過總容量：TOO_LARGE
//   - EnforceCacheability 且不可快取：NOT_CACHEABLE
//
// 注意：快取保留 body 的參考，寫入後呼叫者不應再修改 body。
func (c *Cache) StoreResponse(url string, statusCode int, headers map[string]string, body []byte) error {
	if c.enforceCacheability && !IsCacheable(statusCode, headers) {
		return apperrors.ErrNotCacheable.WithDetails(url)
	}

	now := c.now()
	entry := &Entry{
		URL:           url,
		StatusCode:    statusCode,
		Headers:       maps.Clone(headers),
		Body:          body,
		ContentType:   headers["content-type"],
		ContentLength: len(body),
		CacheControl:  headers["cache-control"],
		ETag:          headers["etag"],
		StoredAt:      now,
	}
	if raw, ok := headers["last-modified"]; ok {
		if t, ok := parseDate(raw); ok {
			entry.LastModified = &t
		}
	}
	expires := computeExpires(headers, now, c.defaultTTL)
	entry.Expires = &expires

	if c.compressionEnabled && entry.ContentLength > compressThreshold {
		compressed, err := compress(body, c.compressionLevel)
		if err != nil {
			return err
		}
		entry.CompressedBody = compressed
	}

	size := entry.size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, _, err := c.entries.Put(url, entry, size); err != nil {
		c.logger.Warn("response not stored", "url", url, "size", size, "error", err)
		return err
	}

	c.logger.Debug("response stored",
		"url", url,
		"status", statusCode,
		"size", size,
		"expires", expires,
		"compressed", entry.CompressedBody != nil,
	)
	return nil
}

// GetResponse 讀取回應。
//
// 過期的項目在讀取時移除並視為未命中。命中時返回深拷貝。
func (c *Cache) GetResponse(url string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(url)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if entry.IsExpired(c.now()) {
		c.entries.Remove(url)
		c.expired.Add(1)
		c.misses.Add(1)
		c.logger.Debug("response expired", "url", url, "expires", *entry.Expires)
		return nil, false
	}

	return entry.clone(), true
}

// Snapshot 返回項目的深拷貝，不更新存取順序與存取次數，也不做過期檢查。
func (c *Cache) Snapshot(url string) (*Entry, bool) {
	entry, ok := c.entries.Peek(url)
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// ClearExpired 主動掃描並移除所有過期項目，返回移除數量。
//
// 與 GetResponse 的惰性過期互補；掃描不影響存取順序與存取次數。
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.entries.KeysLRUFirst() {
		entry, ok := c.entries.Peek(key)
		if !ok || !entry.IsExpired(now) {
			continue
		}
		c.entries.Remove(key)
		removed++
	}

	if removed > 0 {
		c.expired.Add(uint64(removed))
		c.logger.Info("expired responses cleared", "count", removed)
	}
	return removed
}

// Stats 返回快取統計
func (c *Cache) Stats() Stats {
	var original, stored int
	c.entries.Range(func(_ string, e lru.Entry[*Entry]) bool {
		original += len(e.Value.Body)
		if e.Value.CompressedBody != nil {
			stored += len(e.Value.CompressedBody)
		} else {
			stored += len(e.Value.Body)
		}
		return true
	})

	ratio := 1.0
	if original > 0 {
		ratio = float64(stored) / float64(original)
	}

	s := c.entries.Stats()
	return Stats{
		Entries:          s.Count,
		MemoryUsageMB:    float64(s.UsedBytes) / bytesPerMB,
		HitCount:         s.TotalAccessCount,
		CompressionRatio: ratio,
		Misses:           c.misses.Load(),
		Expired:          c.expired.Load(),
		Evictions:        s.Evictions,
	}
}

// ClearAll 清空快取
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Clear()
	c.logger.Info("http cache cleared")
}

// Len 返回項目數量
func (c *Cache) Len() int {
	return c.entries.Len()
}
