package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"

	// 配置错误，启动时致命
	ErrCodeConfiguration      ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeMissingCollection  ErrorCode = "MISSING_COLLECTION"
	ErrCodeEmbeddingModelDiff ErrorCode = "EMBEDDING_MODEL_MISMATCH"

	// 临时依赖错误，可重试
	ErrCodeIndexUnavailable ErrorCode = "INDEX_UNAVAILABLE"
	ErrCodeQueueUnavailable ErrorCode = "QUEUE_UNAVAILABLE"
	ErrCodeStorageFailed    ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeEmbeddingFailed  ErrorCode = "EMBEDDING_FAILED"
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// 永久任务错误，重试到上限后进入死信
	ErrCodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeIOError           ErrorCode = "IO_ERROR"
	ErrCodeEmptyDocument     ErrorCode = "EMPTY_DOCUMENT"
	ErrCodeDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"
	ErrCodeNoAnswer          ErrorCode = "NO_ANSWER"
	ErrCodeInvalidRequest    ErrorCode = "INVALID_DEPENDENCY_REQUEST"

	// 用户请求错误，立即拒绝
	ErrCodeEmptyQuery    ErrorCode = "EMPTY_QUERY"
	ErrCodeInvalidUpload ErrorCode = "INVALID_UPLOAD"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeTransient
	ErrorTypePermanent
	ErrorTypeUserRequest
)

// String 错误类型名称
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeUserRequest:
		return "user_request"
	default:
		return "system"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	HTTPCode  int         `json:"-"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
	RequestID string      `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithRequestID 添加请求ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// 错误构造函数

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeSystem,
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeConfiguration,
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewTransientError 创建临时依赖错误
func NewTransientError(code ErrorCode, message string) *AppError {
	httpCode := http.StatusServiceUnavailable
	if code == ErrCodeTimeout {
		httpCode = http.StatusGatewayTimeout
	}
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeTransient,
		HTTPCode: httpCode,
	}
}

// NewPermanentError 创建永久任务错误
func NewPermanentError(code ErrorCode, message string) *AppError {
	httpCode := http.StatusUnprocessableEntity
	if code == ErrCodeNoAnswer || code == ErrCodeDimensionMismatch || code == ErrCodeInvalidRequest {
		httpCode = http.StatusBadGateway
	}
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypePermanent,
		HTTPCode: httpCode,
	}
}

// NewUserRequestError 创建用户请求错误
func NewUserRequestError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeUserRequest,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		Type:     ErrorTypeUserRequest,
		HTTPCode: http.StatusNotFound,
	}
}

// IndexUnavailable 向量索引不可达
func IndexUnavailable(cause error) *AppError {
	return NewTransientError(ErrCodeIndexUnavailable, "vector index unavailable").WithCause(cause)
}

// DimensionMismatch 向量维度与集合维度不一致
func DimensionMismatch(expected, actual int) *AppError {
	return NewPermanentError(ErrCodeDimensionMismatch,
		fmt.Sprintf("vector dimension %d does not match collection dimension %d", actual, expected)).
		WithDetails(map[string]int{"expected": expected, "actual": actual})
}

// UnsupportedFormat 不支持的文档格式
func UnsupportedFormat(filename string) *AppError {
	return NewPermanentError(ErrCodeUnsupportedFormat, fmt.Sprintf("unsupported document format: %s", filename))
}

// IOError 文档读取失败
func IOError(path string, cause error) *AppError {
	return NewPermanentError(ErrCodeIOError, fmt.Sprintf("failed to read document %s", path)).WithCause(cause)
}

// AsAppError 在错误链中查找AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	_, ok := AsAppError(err)
	return ok
}

// HasCode 错误链中是否包含指定错误码
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// TypeOf 返回错误链中第一个AppError的类型，未知错误视为系统错误
func TypeOf(err error) ErrorType {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type
	}
	return ErrorTypeSystem
}

// IsTransient 是否为可重试的临时依赖错误
func IsTransient(err error) bool {
	return TypeOf(err) == ErrorTypeTransient
}

// IsUserRequest 是否为用户请求错误
func IsUserRequest(err error) bool {
	return TypeOf(err) == ErrorTypeUserRequest
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}
