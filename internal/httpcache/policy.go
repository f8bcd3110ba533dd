package httpcache

import (
	"strconv"
	"strings"
	"time"
)

// cacheableStatus 可快取的狀態碼白名單
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true,
	404: true, 405: true, 410: true, 414: true,
	501: true,
}

// IsCacheable 判斷回應是否可快取。
//
// 規則：
//   - 狀態碼必須在白名單內
//   - cache-control 含 no-store 或 no-cache 時不可快取
//   - pragma 含 no-cache 時不可快取
//
// headers 的鍵必須是小寫（見 FromHTTPHeader）。
func IsCacheable(statusCode int, headers map[string]string) bool {
	if !cacheableStatus[statusCode] {
		return false
	}

	if cc, ok := headers["cache-control"]; ok {
		if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
			return false
		}
	}

	if pragma, ok := headers["pragma"]; ok && strings.Contains(pragma, "no-cache") {
		return false
	}

	return true
}

// maxAgeCeiling 避免 time.Duration 溢位的 max-age 上限（秒）
const maxAgeCeiling = uint64(1<<63-1) / uint64(time.Second)

// computeExpires 計算過期時間。
//
// 優先順序：
//  1. Expires 標頭（可解析時）
//  2. Cache-Control 中第一個 max-age=N
//  3. now + defaultTTL
//
// 無法解析的值視為不存在，繼續下一條規則。
func computeExpires(headers map[string]string, now time.Time, defaultTTL time.Duration) time.Time {
	if raw, ok := headers["expires"]; ok {
		if t, ok := parseDate(raw); ok {
			return t
		}
	}

	if cc, ok := headers["cache-control"]; ok {
		if raw, ok := extractMaxAge(cc); ok {
			if secs, err := strconv.ParseUint(raw, 10, 63); err == nil {
				return now.Add(time.Duration(min(secs, maxAgeCeiling)) * time.Second)
			}
		}
	}

	return now.Add(defaultTTL)
}

// extractMaxAge 返回第一個 max-age= 指令的值（區分大小寫）
func extractMaxAge(cacheControl string) (string, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(directive), "max-age="); ok {
			return v, true
		}
	}
	return "", false
}

// dateLayouts RFC 2822 / RFC 1123 的常見寫法
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
}

// parseDate 解析 RFC 2822 日期，失敗時 ok 為 false
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
