package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address          string
	Username         string
	Password         string
	Collection       string
	VectorSize       int
	Metric           Metric
	Database         string
	CreateCollection bool
	UseTLS           bool
	Timeout          time.Duration
	Logger           *zap.Logger
}

const (
	milvusFieldID         = "id"
	milvusFieldDocumentID = "document_id"
	milvusFieldChunkIndex = "chunk_index"
	milvusFieldContent    = "content"
	milvusFieldMetadata   = "metadata"
	milvusFieldVector     = "vector"
)

// milvusAPI 向量存储用到的Milvus操作子集
type milvusAPI interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	DescribeCollection(ctx context.Context, name string) (*entity.Collection, error)
	CreateCollection(ctx context.Context, schema *entity.Schema) error
	CreateIndex(ctx context.Context, name, field string, index entity.Index) error
	LoadCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, columns ...entity.Column) error
	Flush(ctx context.Context, name string) error
	Search(ctx context.Context, name string, outputFields []string, vector entity.Vector, field string,
		metric entity.MetricType, topK int, sp entity.SearchParam) ([]client.SearchResult, error)
	Close() error
}

// milvusSDK 基于 milvus-sdk-go 客户端实现 milvusAPI
type milvusSDK struct {
	c client.Client
}

func (m milvusSDK) HasCollection(ctx context.Context, name string) (bool, error) {
	return m.c.HasCollection(ctx, name)
}

func (m milvusSDK) DescribeCollection(ctx context.Context, name string) (*entity.Collection, error) {
	return m.c.DescribeCollection(ctx, name)
}

func (m milvusSDK) CreateCollection(ctx context.Context, schema *entity.Schema) error {
	return m.c.CreateCollection(ctx, schema, entity.DefaultShardNumber)
}

func (m milvusSDK) CreateIndex(ctx context.Context, name, field string, index entity.Index) error {
	return m.c.CreateIndex(ctx, name, field, index, false)
}

func (m milvusSDK) LoadCollection(ctx context.Context, name string) error {
	return m.c.LoadCollection(ctx, name, false)
}

func (m milvusSDK) Upsert(ctx context.Context, name string, columns ...entity.Column) error {
	_, err := m.c.Upsert(ctx, name, "", columns...)
	return err
}

func (m milvusSDK) Flush(ctx context.Context, name string) error {
	return m.c.Flush(ctx, name, false)
}

func (m milvusSDK) Search(ctx context.Context, name string, outputFields []string, vector entity.Vector, field string,
	metric entity.MetricType, topK int, sp entity.SearchParam) ([]client.SearchResult, error) {
	return m.c.Search(ctx, name, []string{}, "", outputFields, []entity.Vector{vector}, field, metric, topK, sp)
}

func (m milvusSDK) Close() error { return m.c.Close() }

type milvusVectorStore struct {
	milvusClient     milvusAPI
	collection       string
	vectorSize       int
	metric           Metric
	createCollection bool
	logger           *zap.Logger
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(ctx context.Context, opts MilvusOptions) (VectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Collection == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "milvus collection is required")
	}
	if opts.VectorSize <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid vector dimension %d", opts.VectorSize))
	}
	if opts.Metric == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "similarity metric is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 创建Milvus客户端
	milvusClient, err := client.NewClient(dialCtx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, apperrors.IndexUnavailable(fmt.Errorf("failed to create milvus client: %w", err))
	}

	return newMilvusVectorStore(milvusSDK{c: milvusClient}, opts, logger), nil
}

func newMilvusVectorStore(api milvusAPI, opts MilvusOptions, logger *zap.Logger) *milvusVectorStore {
	return &milvusVectorStore{
		milvusClient:     api,
		collection:       opts.Collection,
		vectorSize:       opts.VectorSize,
		metric:           opts.Metric,
		createCollection: opts.CreateCollection,
		logger:           logger,
	}
}

// milvusMetricType 点积对应 IP，其余按余弦
func milvusMetricType(metric Metric) entity.MetricType {
	if metric == MetricDot {
		return entity.IP
	}
	return entity.COSINE
}

func (s *milvusVectorStore) metricType() entity.MetricType {
	return milvusMetricType(s.metric)
}

// milvusIndex 优先 HNSW，参数不可用时退回 IVF_FLAT
func milvusIndex(metric entity.MetricType) (entity.Index, error) {
	var index entity.Index
	index, err := entity.NewIndexHNSW(metric, 8, 64)
	if err != nil {
		index, err = entity.NewIndexIvfFlat(metric, 128)
		if err != nil {
			return nil, fmt.Errorf("failed to build index definition: %w", err)
		}
	}
	return index, nil
}

func milvusSchema(collection string, dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: collection,
		Description:    "document chunk vectors",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       milvusFieldDocumentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:     milvusFieldChunkIndex,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       milvusFieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:     milvusFieldMetadata,
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:       milvusFieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
		},
	}
}

// Ensure 校验集合维度，允许时创建集合和HNSW索引，并加载到内存
func (s *milvusVectorStore) Ensure(ctx context.Context) error {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("failed to check collection: %w", err))
	}

	if hasCollection {
		coll, err := s.milvusClient.DescribeCollection(ctx, s.collection)
		if err != nil {
			return apperrors.IndexUnavailable(fmt.Errorf("failed to describe collection: %w", err))
		}
		if coll.Schema != nil {
			for _, field := range coll.Schema.Fields {
				if field.DataType != entity.FieldTypeFloatVector {
					continue
				}
				dim, _ := strconv.Atoi(field.TypeParams["dim"])
				if dim != s.vectorSize {
					return apperrors.NewConfigurationError(apperrors.ErrCodeDimensionMismatch,
						fmt.Sprintf("milvus collection %s has dimension %d, configured %d", s.collection, dim, s.vectorSize))
				}
			}
		}
	} else {
		if !s.createCollection {
			return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
				fmt.Sprintf("milvus collection %s does not exist", s.collection))
		}
		if err := s.create(ctx); err != nil {
			return err
		}
	}

	if err := s.milvusClient.LoadCollection(ctx, s.collection); err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("failed to load collection: %w", err))
	}
	return nil
}

func (s *milvusVectorStore) create(ctx context.Context) error {
	if err := s.milvusClient.CreateCollection(ctx, milvusSchema(s.collection, s.vectorSize)); err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("failed to create collection: %w", err))
	}

	index, err := milvusIndex(s.metricType())
	if err != nil {
		return err
	}
	if err := s.milvusClient.CreateIndex(ctx, s.collection, milvusFieldVector, index); err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("failed to create index: %w", err))
	}
	s.logger.Info("Milvus集合已创建", zap.String("collection", s.collection), zap.Int("dim", s.vectorSize))
	return nil
}

// Upsert 主键为确定性条目ID，重复写入会覆盖
func (s *milvusVectorStore) Upsert(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkDimensions(s.vectorSize, entries); err != nil {
		return err
	}

	ids := make([]string, len(entries))
	documentIDs := make([]string, len(entries))
	chunkIndexes := make([]int64, len(entries))
	contents := make([]string, len(entries))
	metadata := make([][]byte, len(entries))
	vectors := make([][]float32, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
		documentIDs[i] = fmt.Sprint(entry.Metadata[MetaDocumentID])
		chunkIndexes[i] = toInt64(entry.Metadata[MetaChunkIndex])
		contents[i] = entry.Text
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata[i] = raw
		vectors[i] = entry.Vector
	}

	err := s.milvusClient.Upsert(ctx, s.collection,
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldDocumentID, documentIDs),
		entity.NewColumnInt64(milvusFieldChunkIndex, chunkIndexes),
		entity.NewColumnVarChar(milvusFieldContent, contents),
		entity.NewColumnJSONBytes(milvusFieldMetadata, metadata),
		entity.NewColumnFloatVector(milvusFieldVector, s.vectorSize, vectors),
	)
	if err != nil {
		return apperrors.IndexUnavailable(fmt.Errorf("milvus upsert failed: %w", err))
	}

	if err := s.milvusClient.Flush(ctx, s.collection); err != nil {
		// 刷新失败不影响写入，只记录警告
		s.logger.Warn("Milvus刷新失败", zap.String("collection", s.collection), zap.Error(err))
	}
	return nil
}

func (s *milvusVectorStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error) {
	if len(vector) != s.vectorSize {
		return nil, apperrors.DimensionMismatch(s.vectorSize, len(vector))
	}
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search param: %w", err)
	}
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{milvusFieldContent, milvusFieldMetadata},
		entity.FloatVector(vector),
		milvusFieldVector,
		s.metricType(),
		k,
		sp,
	)
	if err != nil {
		return nil, apperrors.IndexUnavailable(fmt.Errorf("milvus search failed: %w", err))
	}
	if len(searchResults) == 0 {
		return []ScoredEntry{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, apperrors.IndexUnavailable(fmt.Errorf("milvus search error: %w", result.Err))
	}
	if result.ResultCount == 0 {
		return []ScoredEntry{}, nil
	}

	var ids []string
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}
	var contents []string
	var metadata [][]byte
	for _, field := range result.Fields {
		switch field.Name() {
		case milvusFieldContent:
			if val, ok := field.(*entity.ColumnVarChar); ok {
				contents = val.Data()
			}
		case milvusFieldMetadata:
			if val, ok := field.(*entity.ColumnJSONBytes); ok {
				metadata = val.Data()
			}
		}
	}

	results := make([]ScoredEntry, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		entry := ScoredEntry{Metadata: map[string]interface{}{}}
		if i < len(ids) {
			entry.ID = ids[i]
		}
		if i < len(contents) {
			entry.Text = contents[i]
		}
		if i < len(metadata) && len(metadata[i]) > 0 {
			if err := json.Unmarshal(metadata[i], &entry.Metadata); err != nil {
				// 元数据损坏时保留正文
				s.logger.Warn("Milvus元数据解析失败",
					zap.String("collection", s.collection),
					zap.String("id", entry.ID),
					zap.Error(err))
				entry.Metadata = map[string]interface{}{}
			}
		}
		if i < len(result.Scores) {
			entry.Score = float64(result.Scores[i])
		}
		results = append(results, entry)
	}
	return results, nil
}

func toInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func (s *milvusVectorStore) Dimensions() int { return s.vectorSize }

func (s *milvusVectorStore) Metric() Metric { return s.metric }

// Ping 检查集合是否存在
func (s *milvusVectorStore) Ping(ctx context.Context) error {
	if s.milvusClient == nil {
		return apperrors.IndexUnavailable(fmt.Errorf("milvus client not initialized"))
	}
	ok, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return apperrors.IndexUnavailable(err)
	}
	if !ok {
		return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
			fmt.Sprintf("milvus collection %s does not exist", s.collection))
	}
	return nil
}

func (s *milvusVectorStore) Close() error {
	if s.milvusClient == nil {
		return nil
	}
	return s.milvusClient.Close()
}
