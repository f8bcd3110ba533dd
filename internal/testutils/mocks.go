package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
)

// MockSharedTier 以記憶體實作的共用快取 mock
type MockSharedTier struct {
	mu      sync.RWMutex
	entries map[string]*httpcache.Entry

	// 記錄呼叫次數
	GetCalls atomic.Int32
	SetCalls atomic.Int32

	// 錯誤注入
	FailError error
}

// NewMockSharedTier 創建新的 MockSharedTier
func NewMockSharedTier() *MockSharedTier {
	return &MockSharedTier{
		entries: make(map[string]*httpcache.Entry),
	}
}

// Get 實作 SharedTier.Get
func (m *MockSharedTier) Get(ctx context.Context, url string) (*httpcache.Entry, bool, error) {
	m.GetCalls.Add(1)

	if m.FailError != nil {
		return nil, false, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[url]
	return e, ok, nil
}

// Set 實作 SharedTier.Set
func (m *MockSharedTier) Set(ctx context.Context, entry *httpcache.Entry) error {
	m.SetCalls.Add(1)

	if m.FailError != nil {
		return m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[entry.URL] = entry
	return nil
}

// Put 直接放入項目（測試準備用）
func (m *MockSharedTier) Put(entry *httpcache.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.URL] = entry
}

// Len 項目數量
func (m *MockSharedTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
