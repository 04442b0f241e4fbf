package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/aihub/docqa/internal/errors"
)

var (
	// ErrClosed 队列已关闭
	ErrClosed = errors.New("queue closed")
	// ErrLeaseLost 领取已过期或已被其他工作者接管
	ErrLeaseLost = errors.New("delivery lease lost")
)

// IngestionJob 待处理的上传文档
type IngestionJob struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"document_id"`
	SourcePath       string    `json:"source_path"`
	OriginalFilename string    `json:"original_filename"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	// Attempts 已被领取的次数，领取时递增
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// EnqueueRequest 入队参数
type EnqueueRequest struct {
	DocumentID       string
	SourcePath       string
	OriginalFilename string
}

// Delivery 一次领取，Ack/Release/DeadLetter 之一结束它
type Delivery struct {
	Job     IngestionJob
	receipt interface{}
}

// Stats 队列计数，未知的值为 -1
type Stats struct {
	Pending    int64 `json:"pending"`
	Delayed    int64 `json:"delayed"`
	Inflight   int64 `json:"inflight"`
	DeadLetter int64 `json:"dead_letter"`
}

// Queue 至少一次投递的任务队列
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*IngestionJob, error)
	// Claim 阻塞直到有任务或 ctx 结束
	Claim(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Release 放回队列，delay 之后可再次领取
	Release(ctx context.Context, d *Delivery, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, d *Delivery, cause error) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func newJob(req EnqueueRequest, now time.Time) (IngestionJob, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return IngestionJob{}, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "source path is required")
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		return IngestionJob{}, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidInput, "document id is required")
	}
	return IngestionJob{
		ID:               uuid.NewString(),
		DocumentID:       req.DocumentID,
		SourcePath:       req.SourcePath,
		OriginalFilename: req.OriginalFilename,
		EnqueuedAt:       now.UTC(),
	}, nil
}

func causeText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func unavailable(op string, err error) error {
	return apperrors.NewTransientError(apperrors.ErrCodeQueueUnavailable, "queue "+op+" failed").WithCause(err)
}
