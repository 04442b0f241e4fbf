package knowledge

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// memoryVectorStore 进程内暴力检索实现，用于开发环境和测试
type memoryVectorStore struct {
	mu         sync.RWMutex
	dimensions int
	metric     Metric
	entries    map[string]IndexEntry
}

// NewMemoryVectorStore 创建内存向量存储
func NewMemoryVectorStore(dimensions int, metric Metric) (VectorStore, error) {
	if dimensions <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid vector dimension %d", dimensions))
	}
	if metric == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "similarity metric is required")
	}
	return &memoryVectorStore{
		dimensions: dimensions,
		metric:     metric,
		entries:    make(map[string]IndexEntry),
	}, nil
}

func (s *memoryVectorStore) Ensure(ctx context.Context) error { return nil }

func (s *memoryVectorStore) Upsert(ctx context.Context, entries []IndexEntry) error {
	if err := checkDimensions(s.dimensions, entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperrors.IndexUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		vec := make([]float32, len(entry.Vector))
		copy(vec, entry.Vector)
		entry.Vector = vec
		entry.Metadata = copyMetadata(entry.Metadata)
		s.entries[entry.ID] = entry
	}
	return nil
}

func (s *memoryVectorStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error) {
	if len(vector) != s.dimensions {
		return nil, apperrors.DimensionMismatch(s.dimensions, len(vector))
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]ScoredEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		results = append(results, ScoredEntry{
			ID:       entry.ID,
			Text:     entry.Text,
			Metadata: copyMetadata(entry.Metadata),
			Score:    similarity(s.metric, entry.Vector, vector),
		})
	}
	return topK(results, k), nil
}

// Len 当前条目数
func (s *memoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *memoryVectorStore) Dimensions() int { return s.dimensions }

func (s *memoryVectorStore) Metric() Metric { return s.metric }

func (s *memoryVectorStore) Ping(ctx context.Context) error { return nil }

func (s *memoryVectorStore) Close() error { return nil }
