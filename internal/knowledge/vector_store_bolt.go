package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	apperrors "github.com/aihub/docqa/internal/errors"
)

var bucketMeta = []byte("_collections")

// BoltOptions 本地单机向量存储配置
type BoltOptions struct {
	Path             string
	Collection       string
	VectorSize       int
	Metric           Metric
	CreateCollection bool
}

type boltVectorStore struct {
	db               *bbolt.DB
	collection       []byte
	vectorSize       int
	metric           Metric
	createCollection bool
}

type boltRecord struct {
	Vector   []float32              `json:"vector"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewBoltVectorStore 创建基于 bbolt 的向量存储，检索为全量扫描
func NewBoltVectorStore(opts BoltOptions) (VectorStore, error) {
	if opts.Path == "" {
		opts.Path = "./data/vectors.db"
	}
	if opts.Collection == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "collection name is required")
	}
	if opts.VectorSize <= 0 {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid vector dimension %d", opts.VectorSize))
	}
	if opts.Metric == "" {
		return nil, apperrors.NewConfigurationError(apperrors.ErrCodeConfiguration, "similarity metric is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}

	db, err := bbolt.Open(opts.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperrors.IndexUnavailable(err)
	}
	return &boltVectorStore{
		db:               db,
		collection:       []byte(opts.Collection),
		vectorSize:       opts.VectorSize,
		metric:           opts.Metric,
		createCollection: opts.CreateCollection,
	}, nil
}

func (s *boltVectorStore) Ensure(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		stored := meta.Get(s.collection)
		if stored == nil {
			if !s.createCollection {
				return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
					fmt.Sprintf("collection %s does not exist", s.collection))
			}
			if _, err := tx.CreateBucketIfNotExists(s.collection); err != nil {
				return err
			}
			return meta.Put(s.collection, []byte(strconv.Itoa(s.vectorSize)))
		}
		dims, err := strconv.Atoi(string(stored))
		if err != nil {
			return fmt.Errorf("corrupt collection metadata: %w", err)
		}
		if dims != s.vectorSize {
			return apperrors.NewConfigurationError(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("collection %s has dimension %d, configured %d", s.collection, dims, s.vectorSize))
		}
		_, err = tx.CreateBucketIfNotExists(s.collection)
		return err
	})
}

func (s *boltVectorStore) Upsert(ctx context.Context, entries []IndexEntry) error {
	if err := checkDimensions(s.vectorSize, entries); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.collection)
		if b == nil {
			return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
				fmt.Sprintf("collection %s does not exist", s.collection))
		}
		for _, entry := range entries {
			data, err := json.Marshal(boltRecord{Vector: entry.Vector, Text: entry.Text, Metadata: entry.Metadata})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(entry.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltVectorStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredEntry, error) {
	if len(vector) != s.vectorSize {
		return nil, apperrors.DimensionMismatch(s.vectorSize, len(vector))
	}
	if k <= 0 {
		return nil, nil
	}
	var results []ScoredEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.collection)
		if b == nil {
			return nil
		}
		return b.ForEach(func(key, value []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec boltRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			results = append(results, ScoredEntry{
				ID:       string(key),
				Text:     rec.Text,
				Metadata: rec.Metadata,
				Score:    similarity(s.metric, rec.Vector, vector),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return topK(results, k), nil
}

func (s *boltVectorStore) Dimensions() int { return s.vectorSize }

func (s *boltVectorStore) Metric() Metric { return s.metric }

func (s *boltVectorStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.collection) == nil {
			return apperrors.NewConfigurationError(apperrors.ErrCodeMissingCollection,
				fmt.Sprintf("collection %s does not exist", s.collection))
		}
		return nil
	})
}

func (s *boltVectorStore) Close() error { return s.db.Close() }
