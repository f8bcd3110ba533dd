package httpcache_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
	"github.com/koopa0/system-design/14-content-cache/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, clock *testutils.Clock, mutate func(*httpcache.Config)) *httpcache.Cache {
	t.Helper()

	cfg := httpcache.Config{
		MaxSizeMB:          10,
		DefaultTTL:         60 * time.Minute,
		CompressionEnabled: true,
		Now:                clock.Now,
		Logger:             logger.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return httpcache.NewWithConfig(cfg)
}

// TestIsCacheable 測試可快取性判斷
func TestIsCacheable(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		headers  map[string]string
		expected bool
	}{
		{name: "200 without headers", status: 200, expected: true},
		{name: "404 without headers", status: 404, headers: map[string]string{}, expected: true},
		{name: "501", status: 501, expected: true},
		{name: "302 not in whitelist", status: 302, expected: false},
		{name: "500 not in whitelist", status: 500, expected: false},
		{name: "no-store", status: 200, headers: map[string]string{"cache-control": "no-store"}, expected: false},
		{name: "no-cache", status: 200, headers: map[string]string{"cache-control": "private, no-cache"}, expected: false},
		{name: "pragma no-cache", status: 200, headers: map[string]string{"pragma": "no-cache"}, expected: false},
		{name: "max-age only", status: 200, headers: map[string]string{"cache-control": "max-age=60"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, httpcache.IsCacheable(tt.status, tt.headers))
		})
	}
}

// TestCache_StoreAndGet 測試基本寫入與讀取
func TestCache_StoreAndGet(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	headers := map[string]string{
		"content-type":  "text/html",
		"cache-control": "max-age=3600",
		"etag":          `"abc"`,
		"last-modified": "Wed, 21 Oct 2015 07:28:00 GMT",
	}
	body := []byte("<html><body>Hello World</body></html>")

	require.NoError(t, c.StoreResponse("https://example.com", 200, headers, body))

	cached, ok := c.GetResponse("https://example.com")
	require.True(t, ok)
	assert.Equal(t, 200, cached.StatusCode)
	assert.Equal(t, body, cached.Body)
	assert.Equal(t, "text/html", cached.ContentType)
	assert.Equal(t, `"abc"`, cached.ETag)
	assert.Equal(t, len(body), cached.ContentLength)
	assert.Nil(t, cached.CompressedBody, "small bodies are not compressed")
	require.NotNil(t, cached.LastModified)
	assert.Equal(t, time.Date(2015, 10, 21, 7, 28, 0, 0, time.UTC), *cached.LastModified)

	// 返回的是副本
	cached.Body[0] = 'X'
	cached.Headers["content-type"] = "changed"
	again, ok := c.GetResponse("https://example.com")
	require.True(t, ok)
	assert.Equal(t, body[0], again.Body[0])
	assert.Equal(t, "text/html", again.Headers["content-type"])

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Greater(t, stats.MemoryUsageMB, 0.0)
	assert.Equal(t, uint64(3), stats.HitCount) // put + 2 次 get

	_, ok = c.GetResponse("https://example.com/missing")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

// TestCache_ExpiryPrecedence 測試過期時間的優先順序
func TestCache_ExpiryPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected time.Time
	}{
		{
			name:     "max-age",
			headers:  map[string]string{"cache-control": "max-age=3600"},
			expected: t0.Add(3600 * time.Second),
		},
		{
			name: "expires wins over max-age",
			headers: map[string]string{
				"expires":       "Fri, 01 Mar 2024 13:30:00 GMT",
				"cache-control": "max-age=60",
			},
			expected: time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC),
		},
		{
			name:     "expires with numeric zone",
			headers:  map[string]string{"expires": "Fri, 01 Mar 2024 21:00:00 +0800"},
			expected: time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "malformed expires falls through to max-age",
			headers: map[string]string{
				"expires":       "0",
				"cache-control": "public, max-age=120",
			},
			expected: t0.Add(120 * time.Second),
		},
		{
			name:     "first max-age directive wins",
			headers:  map[string]string{"cache-control": "max-age=10, max-age=20"},
			expected: t0.Add(10 * time.Second),
		},
		{
			name:     "max-age key is case sensitive",
			headers:  map[string]string{"cache-control": "Max-Age=10"},
			expected: t0.Add(60 * time.Minute),
		},
		{
			name:     "malformed max-age falls through to default",
			headers:  map[string]string{"cache-control": "max-age=soon"},
			expected: t0.Add(60 * time.Minute),
		},
		{
			name:     "default ttl",
			headers:  map[string]string{},
			expected: t0.Add(60 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutils.NewClock(t0)
			c := newTestCache(t, clock, nil)

			require.NoError(t, c.StoreResponse("u", 200, tt.headers, []byte("x")))
			entry, ok := c.GetResponse("u")
			require.True(t, ok)
			require.NotNil(t, entry.Expires)
			assert.True(t, tt.expected.Equal(*entry.Expires), "got %v want %v", *entry.Expires, tt.expected)
		})
	}
}

// TestCache_LazyExpiry 測試讀取時的惰性過期
func TestCache_LazyExpiry(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	headers := map[string]string{"cache-control": "max-age=3600"}
	require.NoError(t, c.StoreResponse("https://example.com/a", 200, headers, []byte("body")))

	clock.Advance(3600 * time.Second)
	_, ok := c.GetResponse("https://example.com/a")
	assert.True(t, ok, "not expired at exactly T0+3600s")

	clock.Advance(time.Second)
	_, ok = c.GetResponse("https://example.com/a")
	assert.False(t, ok)

	// 已從底層快取移除
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Expired)
}

// TestCache_ClearExpired 測試主動掃描
func TestCache_ClearExpired(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	require.NoError(t, c.StoreResponse("short", 200, map[string]string{"cache-control": "max-age=10"}, []byte("a")))
	require.NoError(t, c.StoreResponse("long", 200, map[string]string{"cache-control": "max-age=1000"}, []byte("b")))
	require.NoError(t, c.StoreResponse("default", 200, nil, []byte("c")))

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, c.ClearExpired())
	assert.Equal(t, 2, c.Len())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, c.ClearExpired())
	assert.Equal(t, 0, c.Len())
}

// TestCache_Compression 測試 gzip 副本
func TestCache_Compression(t *testing.T) {
	clock := testutils.NewClock(t0)
	body := bytes.Repeat([]byte("compressible content "), 200)

	t.Run("compressed copy kept alongside body", func(t *testing.T) {
		c := newTestCache(t, clock, nil)
		require.NoError(t, c.StoreResponse("big", 200, nil, body))

		entry, ok := c.GetResponse("big")
		require.True(t, ok)
		assert.Equal(t, body, entry.Body)
		require.NotNil(t, entry.CompressedBody)
		assert.Less(t, len(entry.CompressedBody), len(body))

		restored, err := httpcache.Decompress(entry.CompressedBody)
		require.NoError(t, err)
		assert.Equal(t, body, restored)

		stats := c.Stats()
		assert.Less(t, stats.CompressionRatio, 1.0)
		assert.Greater(t, stats.CompressionRatio, 0.0)
	})

	t.Run("disabled", func(t *testing.T) {
		c := newTestCache(t, clock, func(cfg *httpcache.Config) { cfg.CompressionEnabled = false })
		require.NoError(t, c.StoreResponse("big", 200, nil, body))

		entry, ok := c.GetResponse("big")
		require.True(t, ok)
		assert.Nil(t, entry.CompressedBody)
		assert.Equal(t, 1.0, c.Stats().CompressionRatio)
	})

	t.Run("threshold is exclusive", func(t *testing.T) {
		c := newTestCache(t, clock, nil)
		require.NoError(t, c.StoreResponse("edge", 200, nil, bytes.Repeat([]byte("a"), 1024)))

		entry, ok := c.GetResponse("edge")
		require.True(t, ok)
		assert.Nil(t, entry.CompressedBody)
	})

	t.Run("failure aborts store", func(t *testing.T) {
		c := newTestCache(t, clock, func(cfg *httpcache.Config) { cfg.CompressionLevel = 42 })
		err := c.StoreResponse("big", 200, nil, body)
		require.Error(t, err)
		assert.True(t, apperrors.IsCompression(err))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("ratio with no entries", func(t *testing.T) {
		c := newTestCache(t, clock, nil)
		assert.Equal(t, 1.0, c.Stats().CompressionRatio)
	})
}

// TestCache_EntrySizeAccounting 測試記帳大小
func TestCache_EntrySizeAccounting(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, func(cfg *httpcache.Config) { cfg.MaxSizeMB = 1 })

	headers := map[string]string{
		"content-type":  "text/css",     // 8，另計一次 content_type
		"cache-control": "max-age=5",    // 9，另計一次 cache_control
		"etag":          "v1",           // 2，另計一次 etag
		"x-extra":       "hello",        // 5
	}
	url := "https://example.com/style.css" // 29
	body := []byte("body{}")               // 6

	require.NoError(t, c.StoreResponse(url, 200, headers, body))

	expected := 29 + 6 + (8 + 9 + 2 + 5) + 8 + 9 + 2
	stats := c.Stats()
	assert.InDelta(t, float64(expected)/(1024*1024), stats.MemoryUsageMB, 1e-12)
}

// TestCache_Eviction 測試容量淘汰
func TestCache_Eviction(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, func(cfg *httpcache.Config) {
		cfg.MaxSizeMB = 1
		cfg.CompressionEnabled = false
	})

	for i := 0; i < 100; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		require.NoError(t, c.StoreResponse(url, 200, nil, make([]byte, 50*1024)))
	}

	stats := c.Stats()
	assert.Less(t, stats.Entries, 100)
	assert.LessOrEqual(t, stats.MemoryUsageMB, 1.0)
	assert.Positive(t, stats.Evictions)

	// 最舊的被淘汰，最新的仍在
	_, ok := c.GetResponse("https://example.com/0")
	assert.False(t, ok)
	_, ok = c.GetResponse("https://example.com/99")
	assert.True(t, ok)
}

// TestCache_TooLarge 測試超過總容量的回應
func TestCache_TooLarge(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, func(cfg *httpcache.Config) {
		cfg.MaxSizeMB = 1
		cfg.CompressionEnabled = false
	})

	require.NoError(t, c.StoreResponse("small", 200, nil, []byte("ok")))
	err := c.StoreResponse("huge", 200, nil, make([]byte, 2*1024*1024))
	require.Error(t, err)
	assert.True(t, apperrors.IsTooLarge(err))

	_, ok := c.GetResponse("small")
	assert.True(t, ok, "rejected insert must not evict")
}

// TestCache_EnforceCacheability 測試由快取檢查可快取性
func TestCache_EnforceCacheability(t *testing.T) {
	clock := testutils.NewClock(t0)

	t.Run("policy neutral by default", func(t *testing.T) {
		c := newTestCache(t, clock, nil)
		require.NoError(t, c.StoreResponse("u", 302, map[string]string{"cache-control": "no-store"}, []byte("x")))
		_, ok := c.GetResponse("u")
		assert.True(t, ok)
	})

	t.Run("enforced", func(t *testing.T) {
		c := newTestCache(t, clock, func(cfg *httpcache.Config) { cfg.EnforceCacheability = true })
		err := c.StoreResponse("u", 200, map[string]string{"cache-control": "no-store"}, []byte("x"))
		assert.ErrorIs(t, err, apperrors.ErrNotCacheable)
		assert.Equal(t, 0, c.Len())
	})
}

// TestCache_ClearAll 測試清空
func TestCache_ClearAll(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.StoreResponse(fmt.Sprintf("u%d", i), 200, nil, []byte("x")))
	}
	c.ClearAll()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Zero(t, stats.MemoryUsageMB)
}

func TestCache_Snapshot(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	require.NoError(t, c.StoreResponse("https://a", 200, map[string]string{"etag": `"x"`}, []byte("body")))

	snap, ok := c.Snapshot("https://a")
	require.True(t, ok)
	assert.Equal(t, `"x"`, snap.ETag)

	// 不增加存取次數，返回的是拷貝
	snap.Body[0] = 'B'
	assert.Equal(t, uint64(1), c.Stats().HitCount)

	got, ok := c.GetResponse("https://a")
	require.True(t, ok)
	assert.Equal(t, []byte("body"), got.Body)

	_, ok = c.Snapshot("https://missing")
	assert.False(t, ok)
}

// TestCache_Janitor 測試背景清理
func TestCache_Janitor(t *testing.T) {
	clock := testutils.NewClock(t0)
	c := newTestCache(t, clock, nil)

	require.NoError(t, c.StoreResponse("u", 200, map[string]string{"cache-control": "max-age=1"}, []byte("x")))
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	testutils.WaitForCondition(t, func() bool { return c.Len() == 0 }, time.Second, "janitor should clear expired entry")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

// TestFromHTTPHeader 測試標頭轉換
func TestFromHTTPHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Add("Cache-Control", "public")
	h.Add("Cache-Control", "max-age=30")

	got := httpcache.FromHTTPHeader(h)
	assert.Equal(t, "text/plain", got["content-type"])
	assert.Equal(t, "public, max-age=30", got["cache-control"])
	assert.True(t, strings.Contains(got["cache-control"], "max-age="))
}
