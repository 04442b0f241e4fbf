package knowledge

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// Embedder 定义文本向量化接口，摄取和查询必须使用同一个实现和模型
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
	Ready() bool
}

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
}

// OpenAIEmbedderOptions OpenAI兼容嵌入服务配置
type OpenAIEmbedderOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	MaxConcurrency int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// OpenAIEmbedder 使用OpenAI Embedding API（或兼容接口）
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	requestDim int
	limiter    *semaphore.Weighted
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(opts OpenAIEmbedderOptions) (*OpenAIEmbedder, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" && opts.BaseURL == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			"embedding api key is required when no base url is configured")
	}
	model := opts.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	dims, known := embeddingDimensions[model]
	requestDim := 0
	if opts.Dimensions > 0 {
		// text-embedding-3 系列支持缩短维度
		if known && dims != opts.Dimensions && strings.HasPrefix(model, "text-embedding-3") {
			requestDim = opts.Dimensions
		}
		dims = opts.Dimensions
	} else if !known {
		dims = 1536
	}

	return &OpenAIEmbedder{
		client:     newOpenAIClient(apiKey, opts.BaseURL, httpClient),
		model:      model,
		dimensions: dims,
		requestDim: requestDim,
		limiter:    semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 一次请求嵌入多段文本，返回顺序与输入一致
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, apperrors.NewPermanentError(apperrors.ErrCodeEmptyDocument, "text is empty")
		}
	}
	if e.client == nil {
		return nil, errors.New("openai client not initialized")
	}

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return nil, classifyOpenAIError(err, apperrors.ErrCodeEmbeddingFailed, "embedding request aborted")
	}
	defer e.limiter.Release(1)

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      texts,
		Dimensions: e.requestDim,
	})
	if err != nil {
		return nil, classifyOpenAIError(err, apperrors.ErrCodeEmbeddingFailed, "embedding request failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeEmbeddingFailed, "embedding response incomplete")
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	result := make([][]float32, len(data))
	for i, item := range data {
		if len(item.Embedding) != e.dimensions {
			return nil, apperrors.DimensionMismatch(e.dimensions, len(item.Embedding))
		}
		vec := make([]float32, len(item.Embedding))
		copy(vec, item.Embedding)
		result[i] = vec
	}
	return result, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Ready() bool {
	return e.client != nil
}
