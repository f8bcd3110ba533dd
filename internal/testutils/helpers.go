// Package testutils 提供測試共用的輔助工具
package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-content-cache/internal"
)

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig(t testing.TB) *internal.Config {
	t.Helper()

	cfg := internal.Default()

	cfg.HTTPCache.MaxSizeMB = 1
	cfg.HTTPCache.DefaultTTL = time.Minute
	cfg.HTTPCache.JanitorInterval = 0

	cfg.Offline.MaxSizeMB = 1
	cfg.Offline.StorageDir = t.TempDir()

	cfg.Upstream.Timeout = 2 * time.Second

	cfg.Log.Level = "error"
	cfg.Log.Format = "text"

	return cfg
}

// Clock 可手動推進的時鐘，並發安全
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 建立起始於 start 的時鐘
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 返回目前時間
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推進時鐘
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}
