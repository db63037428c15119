package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型，所有组件共享同一套错误分类。
type ErrorCode string

const (
	// ErrLockNotAcquired 表示在超时时间内未能获得键锁。
	ErrLockNotAcquired ErrorCode = "LOCK_NOT_ACQUIRED"
	// ErrRateLimitExceeded 表示客户端请求超出了当前窗口的配额。
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrSessionNotFound 表示会话不存在或已过期。
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrInvalidSessionKey 表示会话键为空、过长或包含非法字符。
	ErrInvalidSessionKey ErrorCode = "INVALID_SESSION_KEY"
	// ErrWordNotFound 表示词库中不存在请求的单词。
	ErrWordNotFound ErrorCode = "WORD_NOT_FOUND"
	// ErrCacheMiss 表示缓存中未找到请求的条目。
	ErrCacheMiss ErrorCode = "CACHE_MISS"
	// ErrStoreUnavailable 表示底层存储（Redis、词库等）暂时不可用。
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// ErrConfigInvalid 表示配置无效。
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	// ErrInvalidArgument 表示调用参数无效。
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrInternalError 表示发生了未知的内部错误。
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// QuizError 是服务内部统一的错误类型。
// 它包含了错误代码、消息、可选的原始错误(cause)和附加上下文信息。
type QuizError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// Error 实现 error 接口。
func (e *QuizError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 允许访问被包装的原始错误。
func (e *QuizError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码判断两个 QuizError 是否相同。
func (e *QuizError) Is(target error) bool {
	var qErr *QuizError
	if errors.As(target, &qErr) {
		return e.Code == qErr.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *QuizError) WithContext(key string, value interface{}) *QuizError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewQuizError 创建一个新的 QuizError。
func NewQuizError(code ErrorCode, message string) *QuizError {
	return &QuizError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 将一个已有的 error 包装成 QuizError。
func WrapError(code ErrorCode, message string, cause error) *QuizError {
	return &QuizError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// CodeOf 返回错误链中第一个 QuizError 的错误代码，没有则返回 ErrInternalError。
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var qErr *QuizError
	if errors.As(err, &qErr) {
		return qErr.Code
	}
	return ErrInternalError
}

// HasCode 判断错误链中是否包含指定代码的 QuizError。
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &QuizError{Code: code})
}
