package knowledge

import (
	"context"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// Generator 根据系统提示和用户问题生成回答
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMessage string) (string, error)
	Model() string
}

// OpenAIGeneratorOptions 对话模型配置
type OpenAIGeneratorOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIGenerator 基于 Chat Completions 的生成实现
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIGenerator 创建生成器
func NewOpenAIGenerator(opts OpenAIGeneratorOptions) (*OpenAIGenerator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" && opts.BaseURL == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			"generation api key is required when no base url is configured")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4.1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &OpenAIGenerator{
		client:      newOpenAIClient(apiKey, opts.BaseURL, httpClient),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// Generate 调用模型；网络/HTTP 失败返回 GENERATION_FAILED，空回答返回 NO_ANSWER
func (g *OpenAIGenerator) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err, apperrors.ErrCodeGenerationFailed, "generation request failed")
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.NewPermanentError(apperrors.ErrCodeNoAnswer, "model returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", apperrors.NewPermanentError(apperrors.ErrCodeNoAnswer, "model returned an empty answer").
			WithDetails(map[string]string{"finish_reason": string(resp.Choices[0].FinishReason)})
	}
	return answer, nil
}

func (g *OpenAIGenerator) Model() string {
	return g.model
}
