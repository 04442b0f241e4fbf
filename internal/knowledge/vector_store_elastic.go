package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// ElasticsearchOptions ES dense_vector 存储配置
type ElasticsearchOptions struct {
	Addresses        []string
	Username         string
	Password         string
	APIKey           string
	Index            string
	VectorSize       int
	Metric           Metric
	CreateCollection bool
	Transport        http.RoundTripper
}

type elasticVectorStore struct {
	client           *elasticsearch.Client
	index            string
	vectorSize       int
	metric           Metric
	createCollection bool
}

// NewElasticsearchVectorStore 创建基于ES kNN检索的向量存储
func NewElasticsearchVectorStore(opts ElasticsearchOptions) (VectorStore, error) {
	if len(opts.Addresses) == 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "elasticsearch addresses are required")
	}
	if opts.Index == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "elasticsearch index is required")
	}
	if opts.VectorSize <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid vector dimension %d", opts.VectorSize))
	}
	if opts.Metric == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "similarity metric is required")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "invalid elasticsearch configuration").WithCause(err)
	}

	return &elasticVectorStore{
		client:           client,
		index:            strings.ToLower(opts.Index),
		vectorSize:       opts.VectorSize,
		metric:           opts.Metric,
		createCollection: opts.CreateCollection,
	}, nil
}

func (e *elasticVectorStore) similarityName() string {
	if e.metric == MetricDot {
		return "dot_product"
	}
	return "cosine"
}

func (e *elasticVectorStore) Ensure(ctx context.Context) error {
	resp, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return e.verifyMapping(ctx)
	case http.StatusNotFound:
		if !e.createCollection {
			return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
				fmt.Sprintf("elasticsearch index %s does not exist", e.index))
		}
	default:
		return e.responseError("elasticsearch index lookup failed", resp)
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"document_id": map[string]interface{}{"type": "keyword"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"content":     map[string]interface{}{"type": "text"},
				"metadata":    map[string]interface{}{"type": "object", "enabled": false},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       e.vectorSize,
					"index":      true,
					"similarity": e.similarityName(),
				},
			},
		},
	}
	body, _ := json.Marshal(mapping)
	createResp, err := esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer createResp.Body.Close()
	if createResp.IsError() {
		return e.responseError("create elasticsearch index failed", createResp)
	}
	return nil
}

func (e *elasticVectorStore) verifyMapping(ctx context.Context) error {
	resp, err := esapi.IndicesGetMappingRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return e.responseError("get elasticsearch mapping failed", resp)
	}

	var mappings map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type       string `json:"type"`
				Dims       int    `json:"dims"`
				Similarity string `json:"similarity"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&mappings); err != nil {
		return fmt.Errorf("decode elasticsearch mapping: %w", err)
	}
	for _, m := range mappings {
		vector, ok := m.Mappings.Properties["vector"]
		if !ok || vector.Type != "dense_vector" {
			return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
				fmt.Sprintf("elasticsearch index %s has no dense_vector field", e.index))
		}
		if vector.Dims != 0 && vector.Dims != e.vectorSize {
			return apperrors.NewConfigurationError(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("elasticsearch index %s has dimension %d, configured %d", e.index, vector.Dims, e.vectorSize))
		}
		if vector.Similarity != "" && vector.Similarity != e.similarityName() {
			return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
				fmt.Sprintf("elasticsearch index %s uses similarity %s, configured %s", e.index, vector.Similarity, e.similarityName()))
		}
	}
	return nil
}

// Upsert 使用 bulk index，按条目ID覆盖
func (e *elasticVectorStore) Upsert(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkDimensions(e.vectorSize, entries); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		action := map[string]interface{}{"index": map[string]interface{}{"_id": entry.ID}}
		doc := map[string]interface{}{
			"document_id": entry.Metadata[MetaDocumentID],
			"chunk_index": entry.Metadata[MetaChunkIndex],
			"content":     entry.Text,
			"metadata":    entry.Metadata,
			"vector":      entry.Vector,
		}
		if err := enc.Encode(action); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	resp, err := esapi.BulkRequest{Index: e.index, Body: &buf, Refresh: "wait_for"}.Do(ctx, e.client)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return e.responseError("elasticsearch bulk failed", resp)
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("decode bulk response: %w", err))
	}
	if !bulkResp.Errors {
		return nil
	}
	for _, item := range bulkResp.Items {
		for _, result := range item {
			if result.Status < 300 {
				continue
			}
			cause := fmt.Errorf("bulk item failed with status %d: %s", result.Status, string(result.Error))
			if result.Status >= 500 || result.Status == http.StatusTooManyRequests {
				return apperrors.IndexUnavailable(cause)
			}
			return apperrors.NewPermanentError(apperrors.ErrCodeInvalidRequest, "elasticsearch rejected entries").WithCause(cause)
		}
	}
	return nil
}

func (e *elasticVectorStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error) {
	if len(vector) != e.vectorSize {
		return nil, apperrors.DimensionMismatch(e.vectorSize, len(vector))
	}
	if k <= 0 {
		return nil, nil
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	query := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"size":    k,
		"_source": []string{"content", "metadata"},
	}
	body, _ := json.Marshal(query)

	resp, err := esapi.SearchRequest{Index: []string{e.index}, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return nil, apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, e.responseError("elasticsearch knn search failed", resp)
	}

	var searchResp struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source struct {
					Content  string                 `json:"content"`
					Metadata map[string]interface{} `json:"metadata"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, apperrors.IndexUnavailable(fmt.Errorf("decode search response: %w", err))
	}

	results := make([]ScoredEntry, 0, len(searchResp.Hits.Hits))
	for _, hit := range searchResp.Hits.Hits {
		metadata := hit.Source.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		results = append(results, ScoredEntry{
			ID:       hit.ID,
			Text:     hit.Source.Content,
			Metadata: metadata,
			// ES 返回 (1 + similarity) / 2，换算回原始相似度
			Score: hit.Score*2 - 1,
		})
	}
	return results, nil
}

func (e *elasticVectorStore) responseError(op string, resp *esapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("%s: status %d %s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.IndexUnavailable(cause)
	}
	return apperrors.NewPermanentError(apperrors.ErrCodeInvalidRequest, op).WithCause(cause)
}

func (e *elasticVectorStore) Dimensions() int { return e.vectorSize }

func (e *elasticVectorStore) Metric() Metric { return e.metric }

func (e *elasticVectorStore) Ping(ctx context.Context) error {
	resp, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
			fmt.Sprintf("elasticsearch index %s does not exist", e.index))
	default:
		return e.responseError("elasticsearch index lookup failed", resp)
	}
}

func (e *elasticVectorStore) Close() error { return nil }
