// Package errors 提供快取子系統的錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeTooLarge 單一項目超過快取容量
	ErrCodeTooLarge = "TOO_LARGE"
	// ErrCodeNotCacheable 回應不可快取
	ErrCodeNotCacheable = "NOT_CACHEABLE"
	// ErrCodeIO 檔案讀寫失敗
	ErrCodeIO = "IO_ERROR"
	// ErrCodeSerialization JSON 編解碼失敗
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	// ErrCodeCompression gzip 壓縮失敗
	ErrCodeCompression = "COMPRESSION_ERROR"
	// ErrCodeIntegrity 內容雜湊不符
	ErrCodeIntegrity = "INTEGRITY_ERROR"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 以錯誤碼比對，因此 errors.Is(err, ErrEntryTooLarge) 對所有 TOO_LARGE 錯誤成立。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 注意：不修改接收者，預定義錯誤可以安全地重複使用
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrEntryTooLarge 項目大小超過快取總容量
	ErrEntryTooLarge = New(ErrCodeTooLarge, "entry larger than cache capacity")

	// ErrInvalidSize 項目大小為負數
	ErrInvalidSize = New(ErrCodeInvalidInput, "entry size must not be negative")

	// ErrNotCacheable 回應不符合快取條件
	ErrNotCacheable = New(ErrCodeNotCacheable, "response is not cacheable")

	// ErrPageNotFound 離線頁面不存在
	ErrPageNotFound = New(ErrCodeNotFound, "offline page not found")

	// ErrHashMismatch 離線資源雜湊不符
	ErrHashMismatch = New(ErrCodeIntegrity, "offline resource hash mismatch")

	// ErrInvalidConfig 配置無效
	ErrInvalidConfig = New(ErrCodeInvalidInput, "invalid configuration")
)

// IO 包裝檔案系統錯誤
func IO(err error, op string) *AppError {
	return Wrap(err, ErrCodeIO, op)
}

// Serialization 包裝 JSON 編解碼錯誤
func Serialization(err error, op string) *AppError {
	return Wrap(err, ErrCodeSerialization, op)
}

// Compression 包裝壓縮錯誤
func Compression(err error, op string) *AppError {
	return Wrap(err, ErrCodeCompression, op)
}

// HasCode 檢查錯誤鏈中是否有指定錯誤碼
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsTooLarge 檢查是否為超過容量錯誤
func IsTooLarge(err error) bool {
	return HasCode(err, ErrCodeTooLarge)
}

// IsNotCacheable 檢查是否為不可快取錯誤
func IsNotCacheable(err error) bool {
	return HasCode(err, ErrCodeNotCacheable)
}

// IsIO 檢查是否為檔案系統錯誤
func IsIO(err error) bool {
	return HasCode(err, ErrCodeIO)
}

// IsSerialization 檢查是否為編解碼錯誤
func IsSerialization(err error) bool {
	return HasCode(err, ErrCodeSerialization)
}

// IsCompression 檢查是否為壓縮錯誤
func IsCompression(err error) bool {
	return HasCode(err, ErrCodeCompression)
}
