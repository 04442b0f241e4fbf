package services

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/logger"
	"github.com/aihub/docqa/internal/queue"
	"github.com/aihub/docqa/internal/storage"
)

// UploadReceipt 上传受理结果，只表示已入队
type UploadReceipt struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
}

// IntakeOptions 上传受理参数
type IntakeOptions struct {
	MaxBytes int64
	// AllowedTypes 允许的扩展名，为空时不在受理阶段限制
	AllowedTypes []string
}

// IntakeService 保存上传文件并入队
type IntakeService struct {
	files    storage.FileStore
	queue    queue.Queue
	statuses JobStatusStore
	log      *zap.Logger
	opts     IntakeOptions
	allowed  map[string]struct{}
}

// NewIntakeService 创建上传受理服务
func NewIntakeService(files storage.FileStore, q queue.Queue, statuses JobStatusStore, log *zap.Logger, opts IntakeOptions) *IntakeService {
	allowed := make(map[string]struct{}, len(opts.AllowedTypes))
	for _, ext := range opts.AllowedTypes {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	if statuses == nil {
		statuses = NewMemoryStatusStore()
	}
	return &IntakeService{files: files, queue: q, statuses: statuses, log: logger.OrNop(log), opts: opts, allowed: allowed}
}

// Submit 保存文件、以内容摘要作为文档ID入队
func (s *IntakeService) Submit(ctx context.Context, filename string, r io.Reader, size int64) (*UploadReceipt, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload, "No file uploaded")
	}
	if s.opts.MaxBytes > 0 && size > s.opts.MaxBytes {
		return nil, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload,
			fmt.Sprintf("file exceeds the %d byte upload limit", s.opts.MaxBytes))
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[strings.ToLower(filepath.Ext(filename))]; !ok {
			return nil, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload,
				fmt.Sprintf("file type %q is not accepted", filepath.Ext(filename))).
				WithDetails(map[string]interface{}{"allowed_types": s.opts.AllowedTypes})
		}
	}
	if s.opts.MaxBytes > 0 {
		// 多读一个字节用于判断超限
		r = io.LimitReader(r, s.opts.MaxBytes+1)
	}

	stored, err := s.files.Save(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	if s.opts.MaxBytes > 0 && stored.Size > s.opts.MaxBytes {
		s.discard(ctx, stored)
		return nil, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload,
			fmt.Sprintf("file exceeds the %d byte upload limit", s.opts.MaxBytes))
	}
	if stored.Size == 0 {
		s.discard(ctx, stored)
		return nil, apperrors.NewUserRequestError(apperrors.ErrCodeInvalidUpload, "uploaded file is empty")
	}

	job, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		DocumentID:       stored.SHA256,
		SourcePath:       stored.SourcePath,
		OriginalFilename: filename,
	})
	if err != nil {
		s.discard(ctx, stored)
		return nil, err
	}

	if err := s.statuses.Put(ctx, JobStatus{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Filename:   filename,
		State:      JobQueued,
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		s.log.Warn("failed to record job status", zap.String("job_id", job.ID), zap.Error(err))
	}

	s.log.Info("upload queued",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.String("filename", filename),
		zap.Int64("bytes", stored.Size))
	return &UploadReceipt{JobID: job.ID, DocumentID: job.DocumentID, Filename: filename}, nil
}

// discard 删除未能入队的文件，删除失败只记日志
func (s *IntakeService) discard(ctx context.Context, stored *storage.StoredFile) {
	if err := s.files.Delete(context.WithoutCancel(ctx), stored.SourcePath); err != nil {
		s.log.Warn("failed to remove orphaned upload", zap.String("source_path", stored.SourcePath), zap.Error(err))
	}
}

// Status 查询任务状态
func (s *IntakeService) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	return s.statuses.Get(ctx, jobID)
}

// QueueStats 队列计数
func (s *IntakeService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}
