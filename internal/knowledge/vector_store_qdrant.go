package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint         string
	APIKey           string
	Collection       string
	VectorSize       int
	Metric           Metric
	CreateCollection bool
	UseTLS           bool
	Timeout          time.Duration
	HTTPClient       *http.Client
}

type qdrantVectorStore struct {
	client           *http.Client
	endpoint         string
	apiKey           string
	collection       string
	vectorSize       int
	metric           Metric
	createCollection bool
}

// NewQdrantVectorStore 创建Qdrant向量存储（REST接口）
func NewQdrantVectorStore(opts QdrantOptions) (VectorStore, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "qdrant collection is required")
	}
	if opts.VectorSize <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid vector dimension %d", opts.VectorSize))
	}
	if opts.Metric == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "similarity metric is required")
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &qdrantVectorStore{
		client:           client,
		endpoint:         strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:           opts.APIKey,
		collection:       opts.Collection,
		vectorSize:       opts.VectorSize,
		metric:           opts.Metric,
		createCollection: opts.CreateCollection,
	}, nil
}

func formatDistance(metric Metric) string {
	if metric == MetricDot {
		return "Dot"
	}
	return "Cosine"
}

// Ensure 校验集合存在且维度一致，允许时自动创建
func (s *qdrantVectorStore) Ensure(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", s.collection)
	resp, err := s.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var info struct {
			Result struct {
				Config struct {
					Params struct {
						Vectors struct {
							Size     int    `json:"size"`
							Distance string `json:"distance"`
						} `json:"vectors"`
					} `json:"params"`
				} `json:"config"`
			} `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("decode qdrant collection info: %w", err)
		}
		vectors := info.Result.Config.Params.Vectors
		if vectors.Size != 0 && vectors.Size != s.vectorSize {
			return apperrors.NewConfigurationError(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("qdrant collection %s has dimension %d, configured %d", s.collection, vectors.Size, s.vectorSize))
		}
		if vectors.Distance != "" && vectors.Distance != formatDistance(s.metric) {
			return apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
				fmt.Sprintf("qdrant collection %s uses distance %s, configured %s", s.collection, vectors.Distance, s.metric))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		if !s.createCollection {
			return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
				fmt.Sprintf("qdrant collection %s does not exist", s.collection))
		}
		return s.createCollectionRequest(ctx)
	default:
		return s.statusError("qdrant collection lookup failed", resp)
	}
}

func (s *qdrantVectorStore) createCollectionRequest(ctx context.Context) error {
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.vectorSize,
			"distance": formatDistance(s.metric),
		},
	}
	resp, err := s.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", s.collection), body)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.statusError("create qdrant collection failed", resp)
	}
	return nil
}

// Upsert 批量写入，wait=true 保证返回时已落盘
func (s *qdrantVectorStore) Upsert(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkDimensions(s.vectorSize, entries); err != nil {
		return err
	}

	points := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		payload := copyMetadata(entry.Metadata)
		payload["content"] = entry.Text
		points = append(points, map[string]interface{}{
			"id":      entry.ID,
			"vector":  entry.Vector,
			"payload": payload,
		})
	}

	resp, err := s.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", s.collection), map[string]interface{}{"points": points})
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.statusError("qdrant upsert failed", resp)
	}
	return nil
}

func (s *qdrantVectorStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error) {
	if len(vector) != s.vectorSize {
		return nil, apperrors.DimensionMismatch(s.vectorSize, len(vector))
	}
	if k <= 0 {
		return nil, nil
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vectors": false,
	}
	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", s.collection), body)
	if err != nil {
		return nil, apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, s.statusError("qdrant search failed", resp)
	}

	var searchResp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, apperrors.IndexUnavailable(fmt.Errorf("decode qdrant search response: %w", err))
	}

	results := make([]ScoredEntry, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		payload := item.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		content, _ := payload["content"].(string)
		delete(payload, "content")
		results = append(results, ScoredEntry{
			ID:       fmt.Sprint(item.ID),
			Text:     content,
			Metadata: payload,
			Score:    item.Score,
		})
	}
	return results, nil
}

// statusError 5xx 视为索引不可用，其它状态码视为永久错误
func (s *qdrantVectorStore) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("%s: %s %s", op, resp.Status, strings.TrimSpace(string(raw)))
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.IndexUnavailable(cause)
	}
	return apperrors.NewPermanentError(apperrors.ErrCodeInvalidRequest, op).WithCause(cause)
}

func (s *qdrantVectorStore) Dimensions() int { return s.vectorSize }

func (s *qdrantVectorStore) Metric() Metric { return s.metric }

func (s *qdrantVectorStore) Ping(ctx context.Context) error {
	resp, err := s.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s/exists", s.collection), nil)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.statusError("qdrant collection check failed", resp)
	}
	var body struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode qdrant exists response: %w", err)
	}
	if !body.Result.Exists {
		return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
			fmt.Sprintf("qdrant collection %s does not exist", s.collection))
	}
	return nil
}

func (s *qdrantVectorStore) Close() error { return nil }

func (s *qdrantVectorStore) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}
