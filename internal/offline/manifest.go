package offline

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// manifestVersion 目前的清單格式版本
const manifestVersion = 1

// pageOverhead 每個頁面在容量計算中額外計入的大小（HTML 與清單的估計值）
const pageOverhead = 10 * 1024

// Manifest 描述一個離線頁面及其資源檔案
type Manifest struct {
	URL             string         `json:"url"`
	Title           string         `json:"title"`
	SavedAt         time.Time      `json:"saved_at"`
	Resources       []ResourceInfo `json:"resources"`
	MainContentHash string         `json:"main_content_hash"`
	Version         int            `json:"version"`
}

// ResourceInfo 單一資源的中繼資料
type ResourceInfo struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	FilePath    string `json:"file_path"` // 相對於頁面目錄
	Size        int64  `json:"size"`
	Hash        string `json:"hash"` // MD5 hex
}

// resourceBytes 資源大小總和
func (m *Manifest) resourceBytes() int64 {
	var n int64
	for _, r := range m.Resources {
		n += r.Size
	}
	return n
}

// footprint 頁面在容量計算中的大小
func (m *Manifest) footprint() int64 {
	return m.resourceBytes() + pageOverhead
}

func (m *Manifest) clone() *Manifest {
	cp := *m
	cp.Resources = append([]ResourceInfo(nil), m.Resources...)
	return &cp
}

// pageID 由 URL 推導頁面目錄名稱，同一 URL 永遠對應同一目錄
func pageID(url string) string {
	return "page_" + md5Hex([]byte(url))
}

// resourceFilename 資源檔名：URL 雜湊前 16 碼加上副檔名
func resourceFilename(url, contentType string) string {
	return md5Hex([]byte(url))[:16] + "." + extensionFor(contentType)
}

// extensionFor 依 Content-Type 推斷副檔名
func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case strings.HasPrefix(ct, "image/"):
		switch {
		case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
			return "jpg"
		case strings.Contains(ct, "png"):
			return "png"
		case strings.Contains(ct, "gif"):
			return "gif"
		case strings.Contains(ct, "webp"):
			return "webp"
		default:
			return "bin"
		}
	case strings.HasPrefix(ct, "text/css"):
		return "css"
	case strings.HasPrefix(ct, "application/javascript"):
		return "js"
	case strings.HasPrefix(ct, "font/"):
		return "woff2"
	default:
		return "bin"
	}
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
