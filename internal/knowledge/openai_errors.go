package knowledge

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// classifyOpenAIError 将 go-openai 的错误映射到错误分类：
// 超时、限流、5xx 和网络错误可重试；其它 4xx 视为永久错误
func classifyOpenAIError(err error, code apperrors.ErrorCode, message string) *apperrors.AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTransientError(apperrors.ErrCodeTimeout, message+": timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.NewTransientError(code, message+": canceled").WithCause(err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests &&
		status != http.StatusRequestTimeout {
		return apperrors.NewPermanentError(apperrors.ErrCodeInvalidRequest, message).WithCause(err).
			WithDetails(map[string]int{"status": status})
	}
	return apperrors.NewTransientError(code, message).WithCause(err)
}

// newOpenAIClient 创建客户端，baseURL 可指向兼容 OpenAI 协议的服务（如 Ollama 的 /v1）
func newOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(config)
}
