package httpcache

import (
	"bytes"
	"maps"
	"net/http"
	"strings"
	"time"
)

// Entry 是一筆快取的 HTTP 回應。
//
// 建立後唯讀；GetResponse 返回的是深拷貝，呼叫者可自由修改。
type Entry struct {
	URL            string            `json:"url"`
	StatusCode     int               `json:"status_code"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body"`
	CompressedBody []byte            `json:"compressed_body,omitempty"` // gzip，僅在啟用壓縮且 body > 1KiB 時存在
	ContentType    string            `json:"content_type,omitempty"`
	ContentLength  int               `json:"content_length"`
	CacheControl   string            `json:"cache_control,omitempty"`
	Expires        *time.Time        `json:"expires,omitempty"`
	ETag           string            `json:"etag,omitempty"`
	LastModified   *time.Time        `json:"last_modified,omitempty"`
	StoredAt       time.Time         `json:"stored_at"`
}

// IsExpired 檢查在 now 時是否已過期
func (e *Entry) IsExpired(now time.Time) bool {
	return e.Expires != nil && now.After(*e.Expires)
}

// Age 返回自寫入以來經過的時間
func (e *Entry) Age(now time.Time) time.Duration {
	if now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// size 計算項目的記帳大小。
//
// 計入 url、body、所有標頭值、content-type、cache-control、etag；
// 壓縮副本不計入。
func (e *Entry) size() int {
	n := len(e.URL) + len(e.Body)
	for _, v := range e.Headers {
		n += len(v)
	}
	n += len(e.ContentType) + len(e.CacheControl) + len(e.ETag)
	return n
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Headers = maps.Clone(e.Headers)
	cp.Body = bytes.Clone(e.Body)
	cp.CompressedBody = bytes.Clone(e.CompressedBody)
	if e.Expires != nil {
		t := *e.Expires
		cp.Expires = &t
	}
	if e.LastModified != nil {
		t := *e.LastModified
		cp.LastModified = &t
	}
	return &cp
}

// FromHTTPHeader 將 http.Header 轉為小寫鍵的單值 map。
//
// 多個值以 ", " 連接。
func FromHTTPHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}
