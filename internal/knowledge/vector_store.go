package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// Metric 相似度度量
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// ParseMetric 解析度量名称，必须显式配置
func ParseMetric(value string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "cosine":
		return MetricCosine, nil
	case "dot", "dotproduct", "dot_product":
		return MetricDot, nil
	default:
		return "", apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("unsupported similarity metric %q (cosine or dot)", value))
	}
}

// IndexEntry 写入向量索引的条目
type IndexEntry struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]interface{}
}

// ScoredEntry 检索结果，按相似度从高到低排序
type ScoredEntry struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
	Score    float64                `json:"score"`
}

// VectorStore 向量存储抽象
type VectorStore interface {
	// Ensure 校验或创建集合，维度不一致或集合缺失时返回配置错误
	Ensure(ctx context.Context) error
	Upsert(ctx context.Context, entries []IndexEntry) error
	Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error)
	Dimensions() int
	Metric() Metric
	// Ping 轻量检查后端可达且集合存在
	Ping(ctx context.Context) error
	Close() error
}

// 元数据字段
const (
	MetaDocumentID     = "document_id"
	MetaChunkIndex     = "chunk_index"
	MetaCharStart      = "char_start"
	MetaCharEnd        = "char_end"
	MetaSource         = "source"
	MetaSourcePath     = "source_path"
	MetaJobID          = "job_id"
	MetaEmbeddingModel = "embedding_model"
)

var entryNamespace = uuid.MustParse("6f1c2a7e-3b8d-5c4f-9e2a-d0b7c1e5f834")

// EntryID 由文档ID和分块序号生成确定性的条目ID，重试时覆盖而不是重复写入
func EntryID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(entryNamespace, []byte(fmt.Sprintf("%s:%d", documentID, chunkIndex))).String()
}

// NewIndexEntry 由分块和向量构建索引条目
func NewIndexEntry(chunk DocumentChunk, vector []float32, model string) IndexEntry {
	metadata := make(map[string]interface{}, len(chunk.SourceMetadata)+6)
	for k, v := range chunk.SourceMetadata {
		metadata[k] = v
	}
	metadata[MetaDocumentID] = chunk.DocumentID
	metadata[MetaChunkIndex] = chunk.ChunkIndex
	metadata[MetaCharStart] = chunk.CharStart
	metadata[MetaCharEnd] = chunk.CharEnd
	if model != "" {
		metadata[MetaEmbeddingModel] = model
	}
	return IndexEntry{
		ID:       EntryID(chunk.DocumentID, chunk.ChunkIndex),
		Vector:   vector,
		Text:     chunk.Text,
		Metadata: metadata,
	}
}

// checkDimensions 发送前校验维度
func checkDimensions(expected int, entries []IndexEntry) error {
	for _, entry := range entries {
		if len(entry.Vector) != expected {
			return apperrors.DimensionMismatch(expected, len(entry.Vector))
		}
	}
	return nil
}

// similarity 计算相似度
func similarity(metric Metric, a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if metric == MetricDot {
		return dot
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK 按分数降序取前k个，分数相同时按ID排序保证稳定
func topK(results []ScoredEntry, k int) []ScoredEntry {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
