package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/knowledge"
)

const testDims = 64

// staticLoader 按路径返回固定文本
type staticLoader struct {
	texts map[string]string
}

func (l *staticLoader) Load(ctx context.Context, sourcePath, filename string) (string, error) {
	text, ok := l.texts[sourcePath]
	if !ok {
		return "", apperrors.IOError(sourcePath, context.Canceled)
	}
	return text, nil
}

// flakyStore 前 failures 次写入返回索引不可用
type flakyStore struct {
	knowledge.VectorStore
	failures int32
	upserts  atomic.Int32
}

func (s *flakyStore) Upsert(ctx context.Context, entries []knowledge.IndexEntry) error {
	if s.upserts.Add(1) <= s.failures {
		return apperrors.IndexUnavailable(context.DeadlineExceeded)
	}
	return s.VectorStore.Upsert(ctx, entries)
}

func (s *flakyStore) Len() int {
	return s.VectorStore.(interface{ Len() int }).Len()
}

func newMemoryStore(t *testing.T) knowledge.VectorStore {
	store, err := knowledge.NewMemoryVectorStore(testDims, knowledge.MetricCosine)
	require.NoError(t, err)
	return store
}

func storeLen(store knowledge.VectorStore) int {
	return store.(interface{ Len() int }).Len()
}

func newTestChunker(t *testing.T, size, overlap int) *knowledge.Chunker {
	c, err := knowledge.NewChunker(size, overlap)
	require.NoError(t, err)
	return c
}

// recordingGenerator 记录收到的系统指令
type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (g *recordingGenerator) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, systemPrompt)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

func (g *recordingGenerator) Model() string { return "fake-chat" }

func (g *recordingGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// MockEmbedder 模拟向量化
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Dimensions() int { return testDims }
func (m *MockEmbedder) Model() string   { return "mock-embedder" }
func (m *MockEmbedder) Ready() bool     { return true }

// MockGenerator 模拟生成
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	args := m.Called(ctx, systemPrompt, userMessage)
	return args.String(0), args.Error(1)
}

func (m *MockGenerator) Model() string { return "mock-chat" }
