package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/14-content-cache/internal/httpcache"
	"github.com/koopa0/system-design/14-content-cache/internal/offline"
	apperrors "github.com/koopa0/system-design/14-content-cache/pkg/errors"
	"github.com/koopa0/system-design/14-content-cache/pkg/logger"
)

// Handler HTTP 請求處理器
//
// 提供兩組功能：
//   - /proxy：透明快取代理，命中時直接回應，未命中時向上游抓取並依規則寫入快取
//   - /api/v1/offline：離線頁面的儲存、列表、載入與刪除
type Handler struct {
	cache   *httpcache.Cache
	shared  SharedTier
	store   *offline.Store
	client  *http.Client
	group   singleflight.Group
	logger  *slog.Logger
	maxBody int64
	agent   string
	timeout time.Duration
}

// SharedTier 跨實例共用的第二層回應快取（可為 nil）
type SharedTier interface {
	Get(ctx context.Context, url string) (*httpcache.Entry, bool, error)
	Set(ctx context.Context, entry *httpcache.Entry) error
}

// NewHandler 創建 HTTP 處理器
//
// shared 為 nil 時只使用程序內快取。
func NewHandler(cache *httpcache.Cache, shared SharedTier, store *offline.Store, client *http.Client, cfg *Config, l *slog.Logger) *Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{
		cache:   cache,
		shared:  shared,
		store:   store,
		client:  client,
		logger:  logger.OrDefault(l),
		maxBody: int64(cfg.Upstream.MaxBodyMB) * 1024 * 1024,
		agent:   cfg.Upstream.UserAgent,
		timeout: cfg.Upstream.Timeout,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
	}

	mux.HandleFunc("GET /proxy", wrap(h.proxy))

	mux.HandleFunc("GET /api/v1/cache/stats", wrap(h.cacheStats))
	mux.HandleFunc("POST /api/v1/cache/expired", wrap(h.clearExpired))
	mux.HandleFunc("DELETE /api/v1/cache", wrap(h.clearCache))

	mux.HandleFunc("POST /api/v1/offline", wrap(h.savePage))
	mux.HandleFunc("GET /api/v1/offline", wrap(h.listPages))
	mux.HandleFunc("GET /api/v1/offline/page", wrap(h.loadPage))
	mux.HandleFunc("DELETE /api/v1/offline/page", wrap(h.deletePage))
	mux.HandleFunc("GET /api/v1/offline/stats", wrap(h.offlineStats))
	mux.HandleFunc("DELETE /api/v1/offline", wrap(h.clearOffline))

	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

// 請求和響應結構
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type resourcePayload struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"` // base64
	Hash        string `json:"hash,omitempty"`
}

type savePageRequest struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	HTML      string            `json:"html"`
	Resources []resourcePayload `json:"resources"`
}

type savePageResponse struct {
	Success bool   `json:"success"`
	PageID  string `json:"page_id"`
}

type pageResponse struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	HTMLContent string            `json:"html_content"`
	SavedAt     time.Time         `json:"saved_at"`
	Resources   []resourcePayload `json:"resources"`
}

type countResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// fetched 上游回應
type fetched struct {
	status  int
	headers map[string]string
	body    []byte
}

// proxy 透明快取代理
//
// 執行流程：
//  1. 查詢程序內快取，命中且未過期直接回應（X-Cache: HIT）
//  2. 查詢共用快取，命中時回應（X-Cache: HIT-SHARED）
//  3. 都未命中時以 singleflight 合併相同 URL 的並發抓取
//  4. 回應可快取時寫入兩層快取；不可快取或寫入失敗只記錄日誌
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if err := validateTarget(target); err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if entry, ok := h.cache.GetResponse(target); ok {
		h.serveEntry(w, r, entry, "HIT")
		return
	}

	if h.shared != nil {
		entry, ok, err := h.shared.Get(r.Context(), target)
		if err != nil {
			h.logger.WarnContext(r.Context(), "shared cache lookup failed", "url", target, "error", err)
		}
		if ok {
			h.serveEntry(w, r, entry, "HIT-SHARED")
			return
		}
	}

	v, err, coalesced := h.group.Do(target, func() (interface{}, error) {
		return h.fetchAndStore(r.Context(), target)
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "upstream fetch failed", "url", target, "error", err)
		h.respondError(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	f := v.(*fetched)
	h.logger.DebugContext(r.Context(), "upstream fetched", "url", target, "status", f.status, "coalesced", coalesced)
	h.serveEntry(w, r, &httpcache.Entry{
		StatusCode: f.status,
		Headers:    f.headers,
		Body:       f.body,
		ETag:       f.headers["etag"],
		StoredAt:   time.Now(),
	}, "MISS")
}

// fetchAndStore 向上游抓取並寫入快取
//
// 使用與請求脫鉤的 context，避免第一個請求取消時連帶影響共用結果的其他請求。
func (h *Handler) fetchAndStore(parent context.Context, target string) (*fetched, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if h.agent != "" {
		req.Header.Set("User-Agent", h.agent)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", h.maxBody)
	}

	f := &fetched{
		status:  resp.StatusCode,
		headers: httpcache.FromHTTPHeader(resp.Header),
		body:    body,
	}
	logger.Metrics(parent, h.logger, "upstream_fetch", time.Since(start),
		slog.Int("status", f.status),
		slog.Int("bytes", len(body)),
	)

	if !h.cache.IsCacheable(f.status, f.headers) {
		h.logger.DebugContext(parent, "response not cacheable", "url", target, "status", f.status)
		return f, nil
	}
	if err := h.cache.StoreResponse(target, f.status, f.headers, f.body); err != nil {
		h.logger.WarnContext(parent, "store response failed", "url", target, "error", err)
		return f, nil
	}

	if h.shared != nil {
		if entry, ok := h.cache.Snapshot(target); ok {
			if err := h.shared.Set(ctx, entry); err != nil {
				h.logger.WarnContext(parent, "shared cache write failed", "url", target, "error", err)
			}
		}
	}
	return f, nil
}

// hopHeaders 不轉發給客戶端的標頭（小寫）
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"content-length":    true,
	"upgrade":           true,
	"trailer":           true,
}

// serveEntry 將快取項目寫回客戶端
func (h *Handler) serveEntry(w http.ResponseWriter, r *http.Request, entry *httpcache.Entry, status string) {
	for k, v := range entry.Headers {
		if !hopHeaders[k] {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("X-Cache", status)
	w.Header().Set("Age", strconv.Itoa(int(entry.Age(time.Now()).Seconds())))

	if entry.ETag != "" && r.Header.Get("If-None-Match") == entry.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body := entry.Body
	if entry.CompressedBody != nil &&
		entry.Headers["content-encoding"] == "" &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		body = entry.CompressedBody
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(body); err != nil {
		h.logger.WarnContext(r.Context(), "write response failed", "error", err)
	}
}

// validateTarget 檢查代理目標 URL
func validateTarget(target string) error {
	if target == "" {
		return errors.New("url parameter required")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}

// cacheStats HTTP 快取統計
func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.cache.Stats())
}

// clearExpired 主動清除過期回應
func (h *Handler) clearExpired(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, countResponse{Success: true, Count: h.cache.ClearExpired()})
}

// clearCache 清空 HTTP 快取
func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

// savePage 儲存離線頁面
func (h *Handler) savePage(w http.ResponseWriter, r *http.Request) {
	var req savePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		h.respondError(w, "url required", http.StatusBadRequest)
		return
	}

	resources := make([]offline.Resource, 0, len(req.Resources))
	for _, res := range req.Resources {
		resources = append(resources, offline.Resource{
			URL:         res.URL,
			ContentType: res.ContentType,
			Data:        res.Data,
		})
	}

	id, err := h.store.SavePage(req.URL, req.Title, req.HTML, resources)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "save page failed", "url", req.URL, "error", err)
		if apperrors.IsTooLarge(err) {
			h.respondError(w, "page exceeds offline quota", http.StatusRequestEntityTooLarge)
			return
		}
		h.respondError(w, "save page failed", http.StatusInternalServerError)
		return
	}

	h.respondJSONStatus(w, http.StatusCreated, savePageResponse{Success: true, PageID: id})
}

// listPages 列出離線頁面
func (h *Handler) listPages(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.store.ListPages())
}

// loadPage 載入離線頁面
func (h *Handler) loadPage(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		h.respondError(w, "url parameter required", http.StatusBadRequest)
		return
	}

	page, err := h.store.LoadPage(target)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load page failed", "url", target, "error", err)
		h.respondError(w, "load page failed", http.StatusInternalServerError)
		return
	}
	if page == nil {
		h.respondError(w, apperrors.ErrPageNotFound.Message, http.StatusNotFound)
		return
	}

	resp := pageResponse{
		URL:         page.URL,
		Title:       page.Title,
		HTMLContent: page.HTMLContent,
		SavedAt:     page.SavedAt,
		Resources:   make([]resourcePayload, 0, len(page.Resources)),
	}
	for u, res := range page.Resources {
		resp.Resources = append(resp.Resources, resourcePayload{
			URL:         u,
			ContentType: res.ContentType,
			Data:        res.Data,
			Hash:        res.Hash,
		})
	}
	h.respondJSON(w, resp)
}

// deletePage 刪除離線頁面
func (h *Handler) deletePage(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		h.respondError(w, "url parameter required", http.StatusBadRequest)
		return
	}

	deleted, err := h.store.DeletePage(target)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "delete page failed", "url", target, "error", err)
		h.respondError(w, "delete page failed", http.StatusInternalServerError)
		return
	}
	if !deleted {
		h.respondError(w, apperrors.ErrPageNotFound.Message, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// offlineStats 離線儲存統計
func (h *Handler) offlineStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.store.Stats())
}

// clearOffline 清除所有離線頁面
func (h *Handler) clearOffline(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(); err != nil {
		h.logger.ErrorContext(r.Context(), "clear offline store failed", "error", err)
		h.respondError(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// 中間件
// requestID 為每個請求產生 ID，寫入上下文與回應標頭
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	h.respondJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) respondJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
