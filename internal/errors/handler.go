package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrorHandler 错误处理器：记录底层原因，只向调用方返回安全的错误信息
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// Envelope 构建错误响应体
func Envelope(appErr *AppError) map[string]interface{} {
	body := map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    string(appErr.Code),
			"message": appErr.Message,
			"type":    appErr.Type.String(),
		},
	}
	if appErr.RequestID != "" {
		body["request_id"] = appErr.RequestID
	}
	// 用户请求错误的详情可以返回，其它类型可能包含内部信息
	if appErr.Details != nil && appErr.Type == ErrorTypeUserRequest {
		body["error"].(map[string]interface{})["details"] = appErr.Details
	}
	return body
}

// Handle 处理错误并转换为HTTP响应
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	appErr := GetAppError(err)
	h.logError(r, appErr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPCode)

	jsonResponse, jsonErr := json.Marshal(Envelope(appErr))
	if jsonErr != nil {
		h.logger.Error("Failed to marshal error response", zap.Error(jsonErr))
		fmt.Fprint(w, `{"success": false, "error": {"code": "INTERNAL_SERVER_ERROR", "message": "Failed to process error response"}}`)
		return
	}
	_, _ = w.Write(jsonResponse)
}

// logError 按错误类型选择日志级别
func (h *ErrorHandler) logError(r *http.Request, appErr *AppError) {
	fields := []zap.Field{
		zap.String("code", string(appErr.Code)),
		zap.String("type", appErr.Type.String()),
		zap.Int("http_code", appErr.HTTPCode),
	}
	if r != nil {
		fields = append(fields, zap.String("method", r.Method), zap.String("path", r.URL.Path))
	}
	if appErr.RequestID != "" {
		fields = append(fields, zap.String("request_id", appErr.RequestID))
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.Error(appErr.Cause))
	}

	switch appErr.Type {
	case ErrorTypeUserRequest:
		h.logger.Info("请求被拒绝", fields...)
	case ErrorTypeTransient:
		h.logger.Warn("依赖服务暂时不可用", fields...)
	default:
		h.logger.Error("请求处理失败", fields...)
	}
}
