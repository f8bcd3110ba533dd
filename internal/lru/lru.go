// Package lru 實作以位元組計量容量的 LRU 快取。
package lru

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

// Cache 實作 Least Recently Used 快取淘汰演算法，容量以位元組計算。
//
// 資料結構：
//   - 雙向鏈結串列：維護存取順序（頭部為最近使用，尾部為最久未使用）
//   - HashMap：key -> 鏈表節點，O(1) 查找
//
// 時間複雜度：
//   - Get / Put / Remove: O(1)
//   - 淘汰: 每次移除一個尾部節點，O(1)
//   - KeysLRUFirst / KeysMRUFirst / Stats: O(n)
//
// 不變量：
//   - used == 所有項目 Size 的總和
//   - used <= capacity（除非啟用 AllowOversize）
//   - 鏈表與 HashMap 包含完全相同的 key，每個 key 恰好一次
//
// 並發安全：單一互斥鎖保護全部狀態，同一實例的操作彼此串行。
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	items     map[K]*list.Element
	order     *list.List
	capacity  int
	used      int
	evictions uint64

	allowOversize bool
	now           func() time.Time
	logger        *slog.Logger
}

// Entry 是快取項目及其中繼資料。
type Entry[V any] struct {
	Value       V
	Timestamp   time.Time
	AccessCount uint64
	Size        int
}

// node 是鏈表節點儲存的資料。
type node[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

// Config 快取配置
type Config struct {
	// CapacityBytes 容量上限（位元組）
	CapacityBytes int

	// AllowOversize 允許單一項目超過總容量。
	// 預設為 false：超過容量的 Put 返回 ErrEntryTooLarge。
	// 啟用時會清空快取後照樣寫入並記錄警告，此時 used 可能大於 capacity。
	AllowOversize bool

	// Now 時間來源，nil 表示 time.Now
	Now func() time.Time

	// Logger nil 表示 slog.Default()
	Logger *slog.Logger
}

// Stats 快取統計
type Stats struct {
	Count            int    `json:"count"`
	UsedBytes        int    `json:"used_bytes"`
	CapacityBytes    int    `json:"capacity_bytes"`
	TotalAccessCount uint64 `json:"total_access_count"`
	Evictions        uint64 `json:"evictions"`
}

// HitRatio 返回平均每個項目的存取次數
func (s Stats) HitRatio() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalAccessCount) / float64(s.Count)
}

// UsagePercent 返回容量使用百分比
func (s Stats) UsagePercent() float64 {
	if s.CapacityBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.CapacityBytes) * 100
}

// New 建立容量為 capacityBytes 的快取。
func New[K comparable, V any](capacityBytes int) *Cache[K, V] {
	return NewWithConfig[K, V](Config{CapacityBytes: capacityBytes})
}

// NewWithConfig 依配置建立快取。
func NewWithConfig[K comparable, V any](cfg Config) *Cache[K, V] {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		items:         make(map[K]*list.Element),
		order:         list.New(),
		capacity:      cfg.CapacityBytes,
		allowOversize: cfg.AllowOversize,
		now:           now,
		logger:        logger.OrDefault(cfg.Logger),
	}
}

// Put 寫入項目。
//
// 行為：
//  1. 如果 key 已存在，先移除舊項目並返回其值（replaced 為 true）
//  2. 當 used+size 超過容量時，從尾部逐一淘汰最久未使用的項目
//  3. 新項目放到頭部，AccessCount 為 1
//
// 錯誤：
//   - size 為負數：ErrInvalidSize
//   - size 大於總容量且未啟用 AllowOversize：ErrEntryTooLarge，快取內容不變
func (c *Cache[K, V]) Put(key K, value V, size int) (old V, replaced bool, err error) {
	if size < 0 {
		return old, false, apperrors.ErrInvalidSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.capacity {
		if !c.allowOversize {
			return old, false, apperrors.ErrEntryTooLarge.WithDetails(
				"size exceeds capacity")
		}
		c.logger.Warn("lru: inserting entry larger than capacity",
			"size", size, "capacity", c.capacity)
	}

	if elem, ok := c.items[key]; ok {
		old = c.removeElement(elem).Value
		replaced = true
	}

	// 淘汰策略：只看存取順序，每輪移除一個尾部項目
	for c.used+size > c.capacity && c.order.Len() > 0 {
		c.evict()
	}

	elem := c.order.PushFront(&node[K, V]{
		key: key,
		entry: Entry[V]{
			Value:       value,
			Timestamp:   c.now(),
			AccessCount: 1,
			Size:        size,
		},
	})
	c.items[key] = elem
	c.used += size

	return old, replaced, nil
}

// Get 取得快取值。命中時更新存取次數與時間，並移到鏈表頭部。
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	n := elem.Value.(*node[K, V])
	n.entry.AccessCount++
	n.entry.Timestamp = c.now()
	c.order.MoveToFront(elem)

	return n.entry.Value, true
}

// Peek 取得快取值，不影響存取順序與統計。
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*node[K, V]).entry.Value, true
	}
	var zero V
	return zero, false
}

// Entry 返回項目的中繼資料副本，不影響存取順序。
func (c *Cache[K, V]) Entry(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*node[K, V]).entry, true
	}
	return Entry[V]{}, false
}

// Contains 檢查 key 是否存在
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Remove 刪除項目並返回其值。
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.removeElement(elem).Value, true
}

// Len 返回當前項目數量。
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear 清空快取。
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.used = 0
}

// Stats 返回快取統計。
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var accesses uint64
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		accesses += elem.Value.(*node[K, V]).entry.AccessCount
	}

	return Stats{
		Count:            c.order.Len(),
		UsedBytes:        c.used,
		CapacityBytes:    c.capacity,
		TotalAccessCount: accesses,
		Evictions:        c.evictions,
	}
}

// KeysLRUFirst 返回所有 key，從最久未使用到最近使用。
func (c *Cache[K, V]) KeysLRUFirst() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*node[K, V]).key)
	}
	return keys
}

// KeysMRUFirst 返回所有 key，從最近使用到最久未使用。
func (c *Cache[K, V]) KeysMRUFirst() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*node[K, V]).key)
	}
	return keys
}

// Range 從最久未使用開始遍歷，fn 返回 false 時停止。
//
// 注意：遍歷期間持有鎖，fn 內不可再呼叫同一個快取的方法。
func (c *Cache[K, V]) Range(fn func(key K, entry Entry[V]) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		n := elem.Value.(*node[K, V])
		if !fn(n.key, n.entry) {
			return
		}
	}
}

// evict 淘汰鏈表尾部（最久未使用）的項目。呼叫者需持有鎖。
func (c *Cache[K, V]) evict() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions++
}

// removeElement 同時從鏈表與 HashMap 移除，並扣除 used。呼叫者需持有鎖。
func (c *Cache[K, V]) removeElement(elem *list.Element) Entry[V] {
	n := c.order.Remove(elem).(*node[K, V])
	delete(c.items, n.key)
	c.used -= n.entry.Size
	return n.entry
}
