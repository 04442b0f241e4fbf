package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// openAICompatServer 模拟 OpenAI 兼容接口
func openAICompatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_EmbedBatchKeepsInputOrder(t *testing.T) {
	srv := openAICompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		// 倒序返回，客户端需按 index 重排
		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object": "embedding", "index": i, "embedding": []float32{float32(i), 0, 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data, "model": req.Model})
	})

	embedder, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{BaseURL: srv.URL, Model: "nomic-embed-text", Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.Dimensions())
	assert.Equal(t, "nomic-embed-text", embedder.Model())

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(0), vectors[0][0])
	assert.Equal(t, float32(2), vectors[2][0])
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := openAICompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}]}`))
	})
	embedder, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{BaseURL: srv.URL, Model: "custom", Dimensions: 3})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
}

func TestOpenAIEmbedder_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := openAICompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})
	embedder, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{BaseURL: srv.URL, APIKey: "k", Model: "text-embedding-3-small"})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeEmbeddingFailed))

	status.Store(http.StatusBadRequest)
	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypePermanent, apperrors.TypeOf(err))
}

func TestOpenAIEmbedder_RequiresKeyOrBaseURL(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{Model: "text-embedding-3-small"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.TypeOf(err))
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	embedder := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := embedder.Embed(ctx, "The mitochondria is the powerhouse of the cell.")
	require.NoError(t, err)
	b, err := embedder.Embed(ctx, "The mitochondria is the powerhouse of the cell.")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	related, err := embedder.Embed(ctx, "What is the powerhouse of the cell?")
	require.NoError(t, err)
	unrelated, err := embedder.Embed(ctx, "Quarterly revenue grew in every region.")
	require.NoError(t, err)
	assert.Greater(t, similarity(MetricCosine, a, related), similarity(MetricCosine, a, unrelated))
}

func TestOpenAIGenerator_Generate(t *testing.T) {
	var gotSystem atomic.Value
	var content atomic.Value
	content.Store("The mitochondria.")
	srv := openAICompatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.Len(t, req.Messages, 2) {
			gotSystem.Store(req.Messages[0].Content)
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "user", req.Messages[1].Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": content.Load().(string)}, "finish_reason": "stop"},
			},
		})
	})

	generator, err := NewOpenAIGenerator(OpenAIGeneratorOptions{BaseURL: srv.URL, Model: "gpt-4.1"})
	require.NoError(t, err)

	answer, err := generator.Generate(context.Background(), "system prompt", "question")
	require.NoError(t, err)
	assert.Equal(t, "The mitochondria.", answer)
	assert.Equal(t, "system prompt", gotSystem.Load())

	// 空回答与网络错误区分
	content.Store("  ")
	_, err = generator.Generate(context.Background(), "system prompt", "question")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoAnswer))
	assert.False(t, apperrors.IsTransient(err))
}

func TestOpenAIGenerator_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	generator, err := NewOpenAIGenerator(OpenAIGeneratorOptions{BaseURL: url})
	require.NoError(t, err)
	_, err = generator.Generate(context.Background(), "s", "u")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeGenerationFailed))
	assert.True(t, apperrors.IsTransient(err))
}
