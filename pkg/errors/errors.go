// Package errors 提供信令中繼服務的錯誤型別
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeNotMember 連接不是房間成員
	ErrCodeNotMember = "NOT_MEMBER"
	// ErrCodeConnClosed 連接已關閉
	ErrCodeConnClosed = "CONN_CLOSED"
	// ErrCodeSendBufferFull 發送緩衝區已滿
	ErrCodeSendBufferFull = "SEND_BUFFER_FULL"
	// ErrCodeInvalidJoin 無效的加入請求
	ErrCodeInvalidJoin = "INVALID_JOIN"
	// ErrCodeRateLimited 連接速率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInvalidConfig 無效配置
	ErrCodeInvalidConfig = "INVALID_CONFIG"
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

// Is 實現 errors.Is，以錯誤碼比較
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

// WithDetails 返回帶有詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "room not found")

	// ErrNotMember 連接不在房間成員中
	ErrNotMember = New(ErrCodeNotMember, "connection is not a member of the room")

	// ErrConnClosed 連接已關閉
	ErrConnClosed = New(ErrCodeConnClosed, "connection closed")

	// ErrSendBufferFull 發送緩衝區已滿
	ErrSendBufferFull = New(ErrCodeSendBufferFull, "send buffer full")

	// ErrInvalidJoin 加入請求格式錯誤（僅嚴格模式會回報）
	ErrInvalidJoin = New(ErrCodeInvalidJoin, "invalid join request")

	// ErrRateLimited 連接速率超限
	ErrRateLimited = New(ErrCodeRateLimited, "too many connection attempts")

	// ErrInternal 內部錯誤
	ErrInternal = New(ErrCodeInternal, "internal server error")
)

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return hasCode(err, ErrCodeRoomNotFound)
}

// IsNotMember 檢查是否為非成員錯誤
func IsNotMember(err error) bool {
	return hasCode(err, ErrCodeNotMember)
}

// IsConnClosed 檢查是否為連接已關閉錯誤
func IsConnClosed(err error) bool {
	return hasCode(err, ErrCodeConnClosed)
}

// IsInvalidJoin 檢查是否為無效加入請求
func IsInvalidJoin(err error) bool {
	return hasCode(err, ErrCodeInvalidJoin)
}

// IsInvalidConfig 檢查是否為配置錯誤
func IsInvalidConfig(err error) bool {
	return hasCode(err, ErrCodeInvalidConfig)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
