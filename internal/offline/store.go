// Package offline 實作受磁碟配額限制的離線頁面儲存。
//
// 磁碟配置：
//
//	<storage_dir>/manifests.json          全域索引（url -> Manifest）
//	<storage_dir>/page_<id>/index.html
//	<storage_dir>/page_<id>/manifest.json
//	<storage_dir>/page_<id>/<hash16>.<ext>
//
// 寫入順序：先寫完頁面檔案，再寫索引，最後更新記憶體中的索引。
// 讀者不會看到寫到一半的頁面。
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

const (
	indexFile    = "manifests.json"
	htmlFile     = "index.html"
	manifestFile = "manifest.json"
	stagingGlob  = ".tmp-*"

	bytesPerMB = 1024 * 1024
)

// Config 離線儲存配置
type Config struct {
	StorageDir string
	MaxSizeMB  int

	// VerifyIntegrity 為 true 時，LoadPage 重新計算雜湊並在不符時返回 ErrHashMismatch
	VerifyIntegrity bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Resource 待儲存的資源
type Resource struct {
	URL         string
	ContentType string
	Data        []byte
}

// PageResource 載入後的資源
type PageResource struct {
	ContentType string
	Data        []byte
	Hash        string
}

// Page 載入後的完整頁面
type Page struct {
	URL         string
	Title       string
	HTMLContent string
	Resources   map[string]PageResource // 以資源 URL 為鍵
	SavedAt     time.Time
}

// PageInfo 頁面摘要
type PageInfo struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	SavedAt       time.Time `json:"saved_at"`
	ResourceCount int       `json:"resource_count"`
	TotalSize     int64     `json:"total_size"`
}

// Stats 儲存統計
type Stats struct {
	PageCount   int        `json:"page_count"`
	TotalSizeMB float64    `json:"total_size_mb"`
	MaxSizeMB   float64    `json:"max_size_mb"`
	OldestPage  *time.Time `json:"oldest_page,omitempty"`
	NewestPage  *time.Time `json:"newest_page,omitempty"`
}

// Store 離線頁面儲存
//
// 並發安全：mu 保護 manifests 與 currentSize；
// 頁面檔案在鎖外寫入暫存目錄，持鎖期間只做改名與索引寫入。
type Store struct {
	mu          sync.Mutex
	dir         string
	manifests   map[string]*Manifest
	currentSize int64
	maxSize     int64

	verify bool
	now    func() time.Time
	logger *slog.Logger
}

// New 建立離線儲存並載入既有索引
//
// 索引檔損毀時不會失敗：記錄錯誤、將檔案改名隔離，以空索引啟動。
func New(cfg Config) (*Store, error) {
	if cfg.StorageDir == "" {
		return nil, apperrors.ErrInvalidConfig.WithDetails("offline storage dir is required")
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, apperrors.IO(err, "create storage dir")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		dir:       cfg.StorageDir,
		manifests: make(map[string]*Manifest),
		maxSize:   int64(cfg.MaxSizeMB) * bytesPerMB,
		verify:    cfg.VerifyIntegrity,
		now:       now,
		logger:    logger.OrDefault(cfg.Logger).With("component", "offline"),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.removeStaging()
	s.recomputeSize()

	s.logger.Info("offline store opened",
		"dir", s.dir,
		"pages", len(s.manifests),
		"size", s.currentSize,
		"max_size", s.maxSize,
	)
	return s, nil
}

// SavePage 儲存頁面供離線瀏覽，返回頁面 ID。
//
// 執行流程：
//  1. 在鎖外將 index.html、資源與 manifest.json 寫入暫存目錄
//  2. 持鎖寫入新的全域索引
//  3. 以改名方式發佈頁面目錄，更新記憶體索引並重新計算容量
//  4. 執行配額檢查，刪除最舊的頁面直到低於上限
//
// 同一 URL 再次儲存會取代舊頁面。
// 單一頁面就超過配額時返回 TOO_LARGE，不寫入任何檔案。
func (s *Store) SavePage(url, title, html string, resources []Resource) (string, error) {
	manifest := &Manifest{
		URL:             url,
		Title:           title,
		SavedAt:         s.now().UTC(),
		MainContentHash: md5Hex([]byte(html)),
		Version:         manifestVersion,
		Resources:       make([]ResourceInfo, 0, len(resources)),
	}
	for _, r := range resources {
		manifest.Resources = append(manifest.Resources, ResourceInfo{
			URL:         r.URL,
			ContentType: r.ContentType,
			FilePath:    resourceFilename(r.URL, r.ContentType),
			Size:        int64(len(r.Data)),
			Hash:        md5Hex(r.Data),
		})
	}

	if manifest.footprint() > s.maxSize {
		return "", apperrors.ErrEntryTooLarge.WithDetails(
			fmt.Sprintf("page %s needs %d bytes, quota is %d", url, manifest.footprint(), s.maxSize))
	}

	staging, err := s.writeStaging(manifest, html, resources)
	if err != nil {
		return "", err
	}

	id := pageID(url)
	if err := s.publish(manifest, staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}

	s.logger.Info("page saved",
		"url", url,
		"page_id", id,
		"resources", len(resources),
		"size", manifest.footprint(),
	)

	if err := s.EnforceStorageLimits(); err != nil {
		return id, err
	}
	return id, nil
}

// writeStaging 將頁面內容寫入暫存目錄，失敗時清除暫存目錄
func (s *Store) writeStaging(m *Manifest, html string, resources []Resource) (string, error) {
	staging := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", apperrors.IO(err, "create staging dir")
	}

	write := func() error {
		if err := os.WriteFile(filepath.Join(staging, htmlFile), []byte(html), 0o644); err != nil {
			return apperrors.IO(err, "write index.html")
		}
		for i, r := range resources {
			path := filepath.Join(staging, m.Resources[i].FilePath)
			if err := os.WriteFile(path, r.Data, 0o644); err != nil {
				return apperrors.IO(err, "write resource")
			}
		}

		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return apperrors.Serialization(err, "encode manifest")
		}
		if err := os.WriteFile(filepath.Join(staging, manifestFile), data, 0o644); err != nil {
			return apperrors.IO(err, "write manifest.json")
		}
		return nil
	}

	if err := write(); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	return staging, nil
}

// publish 持鎖發佈暫存目錄
func (s *Store) publish(m *Manifest, staging string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.manifests)
	next[m.URL] = m
	if err := s.writeIndex(next); err != nil {
		return err
	}

	dest := filepath.Join(s.dir, pageID(m.URL))
	if err := os.RemoveAll(dest); err != nil {
		return s.rollbackIndex(apperrors.IO(err, "remove previous page dir"))
	}
	if err := os.Rename(staging, dest); err != nil {
		return s.rollbackIndex(apperrors.IO(err, "publish page dir"))
	}

	s.manifests = next
	s.recomputeSize()
	return nil
}

// rollbackIndex 將磁碟索引還原為記憶體中的版本，返回原始錯誤
func (s *Store) rollbackIndex(cause error) error {
	if err := s.writeIndex(s.manifests); err != nil {
		s.logger.Error("failed to roll back manifest index", "error", err, "cause", cause)
	}
	return cause
}

// EnforceStorageLimits 刪除最早儲存的頁面，直到容量不超過上限或沒有頁面。
//
// 淘汰依據是 SavedAt（儲存時間），不是存取時間也不是大小。
func (s *Store) EnforceStorageLimits() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.currentSize > s.maxSize && len(s.manifests) > 0 {
		oldest := s.oldestLocked()
		s.logger.Info("evicting offline page for quota",
			"url", oldest.URL,
			"saved_at", oldest.SavedAt,
			"size", s.currentSize,
			"max_size", s.maxSize,
		)
		if err := s.deleteLocked(oldest.URL); err != nil {
			return err
		}
	}
	return nil
}

// oldestLocked 找出 SavedAt 最小的頁面，相同時以 URL 排序。呼叫者需持有鎖且索引非空。
func (s *Store) oldestLocked() *Manifest {
	var oldest *Manifest
	for _, m := range s.manifests {
		if oldest == nil ||
			m.SavedAt.Before(oldest.SavedAt) ||
			(m.SavedAt.Equal(oldest.SavedAt) && m.URL < oldest.URL) {
			oldest = m
		}
	}
	return oldest
}

// LoadPage 載入離線頁面。
//
// 頁面不存在時返回 (nil, nil)；任何檔案缺失返回 IO_ERROR。
func (s *Store) LoadPage(url string) (*Page, error) {
	s.mu.Lock()
	m, ok := s.manifests[url]
	if ok {
		m = m.clone()
	}
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	pageDir := filepath.Join(s.dir, pageID(m.URL))

	html, err := os.ReadFile(filepath.Join(pageDir, htmlFile))
	if err != nil {
		return nil, apperrors.IO(err, "read index.html")
	}
	if s.verify && md5Hex(html) != m.MainContentHash {
		return nil, apperrors.ErrHashMismatch.WithDetails(url)
	}

	page := &Page{
		URL:         m.URL,
		Title:       m.Title,
		HTMLContent: string(html),
		Resources:   make(map[string]PageResource, len(m.Resources)),
		SavedAt:     m.SavedAt,
	}
	for _, r := range m.Resources {
		data, err := os.ReadFile(filepath.Join(pageDir, r.FilePath))
		if err != nil {
			return nil, apperrors.IO(err, "read resource "+r.FilePath)
		}
		if s.verify && md5Hex(data) != r.Hash {
			return nil, apperrors.ErrHashMismatch.WithDetails(r.URL)
		}
		page.Resources[r.URL] = PageResource{
			ContentType: r.ContentType,
			Data:        data,
			Hash:        r.Hash,
		}
	}

	return page, nil
}

// IsPageOffline 檢查頁面是否可離線瀏覽
func (s *Store) IsPageOffline(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.manifests[url]
	return ok
}

// ListPages 列出所有頁面，最新儲存的在前
func (s *Store) ListPages() []PageInfo {
	s.mu.Lock()
	pages := make([]PageInfo, 0, len(s.manifests))
	for _, m := range s.manifests {
		pages = append(pages, PageInfo{
			URL:           m.URL,
			Title:         m.Title,
			SavedAt:       m.SavedAt,
			ResourceCount: len(m.Resources),
			TotalSize:     m.resourceBytes(),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(pages, func(a, b PageInfo) int {
		if c := b.SavedAt.Compare(a.SavedAt); c != 0 {
			return c
		}
		if a.URL < b.URL {
			return -1
		}
		if a.URL > b.URL {
			return 1
		}
		return 0
	})
	return pages
}

// DeletePage 刪除頁面，頁面不存在時返回 false
func (s *Store) DeletePage(url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[url]; !ok {
		return false, nil
	}
	if err := s.deleteLocked(url); err != nil {
		return false, err
	}

	s.logger.Info("page deleted", "url", url)
	return true, nil
}

// deleteLocked 刪除頁面目錄、寫入新索引並更新記憶體。呼叫者需持有鎖。
func (s *Store) deleteLocked(url string) error {
	next := maps.Clone(s.manifests)
	delete(next, url)
	if err := s.writeIndex(next); err != nil {
		return err
	}

	s.manifests = next
	s.recomputeSize()

	// 索引已不再引用該目錄，刪除失敗只會留下孤兒目錄
	if err := os.RemoveAll(filepath.Join(s.dir, pageID(url))); err != nil {
		return apperrors.IO(err, "remove page dir")
	}
	return nil
}

// Stats 返回儲存統計
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		PageCount:   len(s.manifests),
		TotalSizeMB: float64(s.currentSize) / bytesPerMB,
		MaxSizeMB:   float64(s.maxSize) / bytesPerMB,
	}
	for _, m := range s.manifests {
		if stats.OldestPage == nil || m.SavedAt.Before(*stats.OldestPage) {
			oldest := m.SavedAt
			stats.OldestPage = &oldest
		}
		if stats.NewestPage == nil || m.SavedAt.After(*stats.NewestPage) {
			newest := m.SavedAt
			stats.NewestPage = &newest
		}
	}
	return stats
}

// ClearAll 清除整個儲存目錄並重建
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return apperrors.IO(err, "remove storage dir")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperrors.IO(err, "recreate storage dir")
	}

	s.manifests = make(map[string]*Manifest)
	s.currentSize = 0
	s.logger.Info("offline store cleared", "dir", s.dir)
	return nil
}

// recomputeSize 重新掃描所有清單計算容量。呼叫者需持有鎖（或在建構期間）。
func (s *Store) recomputeSize() {
	var total int64
	for _, m := range s.manifests {
		total += m.footprint()
	}
	s.currentSize = total
}

// loadIndex 載入全域索引，並丟棄目錄已不存在的項目
func (s *Store) loadIndex() error {
	path := filepath.Join(s.dir, indexFile)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperrors.IO(err, "read manifest index")
	}

	var manifests map[string]*Manifest
	if err := json.Unmarshal(data, &manifests); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
		s.logger.Error("manifest index is corrupt, starting empty",
			"path", path,
			"quarantine", quarantine,
			"error", err,
		)
		if err := os.Rename(path, quarantine); err != nil {
			return apperrors.IO(err, "quarantine manifest index")
		}
		return nil
	}

	if manifests == nil {
		manifests = make(map[string]*Manifest)
	}

	dropped := 0
	for url, m := range manifests {
		if m == nil {
			delete(manifests, url)
			dropped++
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, pageID(m.URL))); err != nil {
			s.logger.Warn("dropping manifest without page dir", "url", url, "error", err)
			delete(manifests, url)
			dropped++
		}
	}
	s.manifests = manifests

	if dropped > 0 {
		return s.writeIndex(s.manifests)
	}
	return nil
}

// writeIndex 以「寫暫存檔再改名」的方式原子寫入全域索引
func (s *Store) writeIndex(manifests map[string]*Manifest) error {
	data, err := json.MarshalIndent(manifests, "", "  ")
	if err != nil {
		return apperrors.Serialization(err, "encode manifest index")
	}

	path := filepath.Join(s.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.IO(err, "write manifest index")
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.IO(err, "replace manifest index")
	}
	return nil
}

// removeStaging 清除上次中斷留下的暫存目錄
func (s *Store) removeStaging() {
	matches, err := filepath.Glob(filepath.Join(s.dir, stagingGlob))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			s.logger.Warn("failed to remove staging dir", "path", m, "error", err)
		}
	}
}
