package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// JobState 任务状态
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobRetrying   JobState = "retrying"
	JobCompleted  JobState = "completed"
	JobDeadLetter JobState = "dead_letter"
)

// JobStatus 供 /jobs/:id 查询的任务进度
type JobStatus struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	State      JobState  `json:"state"`
	Attempts   int       `json:"attempts"`
	Chunks     int       `json:"chunks,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStatusStore 任务状态存储，写失败不影响任务本身
type JobStatusStore interface {
	Put(ctx context.Context, status JobStatus) error
	Get(ctx context.Context, jobID string) (*JobStatus, error)
}

// MemoryStatusStore 进程内状态存储
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]JobStatus
}

// NewMemoryStatusStore 创建进程内状态存储
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]JobStatus)}
}

func (s *MemoryStatusStore) Put(ctx context.Context, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.JobID] = status
	return nil
}

func (s *MemoryStatusStore) Get(ctx context.Context, jobID string) (*JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job")
	}
	return &status, nil
}

// RedisStatusStore Redis 状态存储，API 和工作进程共享
type RedisStatusStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStatusStore 创建 Redis 状态存储
func NewRedisStatusStore(client redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

func statusKey(jobID string) string {
	return fmt.Sprintf("docqa:job:status:%s", jobID)
}

func (s *RedisStatusStore) Put(ctx context.Context, status JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.SetEx(ctx, statusKey(status.JobID), data, s.ttl).Err()
}

func (s *RedisStatusStore) Get(ctx context.Context, jobID string) (*JobStatus, error) {
	val, err := s.client.Get(ctx, statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFoundError("job")
	}
	if err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeStorageFailed, "job status unavailable").WithCause(err)
	}
	var status JobStatus
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &status, nil
}
