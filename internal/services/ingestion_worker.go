package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/logger"
	"github.com/aihub/docqa/internal/queue"
)

// JobProcessor 处理单个导入任务
type JobProcessor interface {
	Process(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error)
}

// WorkerPoolOptions 工作池参数
type WorkerPoolOptions struct {
	Concurrency     int
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	JobTimeout      time.Duration
	// ClaimErrorDelay 领取失败（队列不可用）后的等待
	ClaimErrorDelay time.Duration
}

// WorkerPool 固定数量的工作者并发领取和处理任务
type WorkerPool struct {
	queue     queue.Queue
	processor JobProcessor
	statuses  JobStatusStore
	metrics   *Metrics
	log       *zap.Logger
	opts      WorkerPoolOptions
}

// NewWorkerPool 创建工作池
func NewWorkerPool(q queue.Queue, processor JobProcessor, statuses JobStatusStore, metrics *Metrics, log *zap.Logger, opts WorkerPoolOptions) *WorkerPool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.ClaimErrorDelay <= 0 {
		opts.ClaimErrorDelay = time.Second
	}
	if statuses == nil {
		statuses = NewMemoryStatusStore()
	}
	return &WorkerPool{
		queue:     q,
		processor: processor,
		statuses:  statuses,
		metrics:   metrics,
		log:       logger.OrNop(log),
		opts:      opts,
	}
}

// Concurrency 工作者数量
func (p *WorkerPool) Concurrency() int { return p.opts.Concurrency }

// Run 启动所有工作者，ctx 结束后等待进行中的任务完成再返回
func (p *WorkerPool) Run(ctx context.Context) error {
	p.log.Info("worker pool started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Int("max_attempts", p.opts.MaxAttempts),
		zap.Duration("job_timeout", p.opts.JobTimeout))

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.worker(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.log.Info("worker pool stopped")
	return nil
}

func (p *WorkerPool) worker(ctx context.Context, worker int) {
	for {
		d, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.Warn("claim failed", zap.Int("worker", worker), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.ClaimErrorDelay):
			}
			continue
		}
		p.handle(ctx, d)
	}
}

// handle 处理一次领取。任务超时独立于 ctx，关闭时进行中的任务会跑完
func (p *WorkerPool) handle(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.String("filename", job.OriginalFilename),
		zap.Int("attempt", job.Attempts))

	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	base := context.WithoutCancel(ctx)

	// 租约过期导致的重复投递也计入次数
	if job.Attempts > p.opts.MaxAttempts {
		p.deadLetter(base, d, log, fmt.Errorf("attempts exhausted (%d): %s", job.Attempts-1, job.LastError))
		return
	}

	p.putStatus(base, JobStatus{JobID: job.ID, DocumentID: job.DocumentID, Filename: job.OriginalFilename,
		State: JobProcessing, Attempts: job.Attempts, LastError: job.LastError})
	log.Info("processing job")

	jobCtx, cancel := context.WithTimeout(base, p.opts.JobTimeout)
	start := time.Now()
	result, err := p.process(jobCtx, job)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && !apperrors.HasCode(err, apperrors.ErrCodeTimeout) {
		err = apperrors.NewTransientError(apperrors.ErrCodeTimeout, "job timed out").WithCause(err)
	}
	cancel()

	if err == nil {
		if ackErr := p.queue.Ack(base, d); ackErr != nil {
			log.Error("ack failed, job will be redelivered", zap.Error(ackErr))
			return
		}
		p.metrics.RecordJob(OutcomeAcked)
		p.putStatus(base, JobStatus{JobID: job.ID, DocumentID: job.DocumentID, Filename: job.OriginalFilename,
			State: JobCompleted, Attempts: job.Attempts, Chunks: result.Chunks})
		log.Info("job completed", zap.Int("chunks", result.Chunks), zap.Duration("duration", time.Since(start)))
		return
	}

	if job.Attempts < p.opts.MaxAttempts {
		delay := Backoff(p.opts.RetryBackoff, p.opts.MaxRetryBackoff, job.Attempts)
		if relErr := p.queue.Release(base, d, delay, err); relErr != nil {
			log.Error("release failed", zap.Error(relErr), zap.NamedError("cause", err))
			return
		}
		p.metrics.RecordJob(OutcomeRetried)
		p.putStatus(base, JobStatus{JobID: job.ID, DocumentID: job.DocumentID, Filename: job.OriginalFilename,
			State: JobRetrying, Attempts: job.Attempts, LastError: err.Error()})
		log.Warn("job failed, retrying",
			zap.Duration("delay", delay),
			zap.String("error_type", apperrors.TypeOf(err).String()),
			zap.Error(err))
		return
	}

	p.deadLetter(base, d, log, err)
}

func (p *WorkerPool) deadLetter(ctx context.Context, d *queue.Delivery, log *zap.Logger, cause error) {
	job := d.Job
	if err := p.queue.DeadLetter(ctx, d, cause); err != nil {
		log.Error("dead letter failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	p.metrics.RecordJob(OutcomeDeadLettered)
	p.putStatus(ctx, JobStatus{JobID: job.ID, DocumentID: job.DocumentID, Filename: job.OriginalFilename,
		State: JobDeadLetter, Attempts: job.Attempts, LastError: cause.Error()})
	log.Error("job moved to dead letter",
		zap.String("error_type", apperrors.TypeOf(cause).String()),
		zap.Error(cause))
}

// process 捕获 panic，避免一个坏文档拖垮整个进程
func (p *WorkerPool) process(ctx context.Context, job queue.IngestionJob) (result *IngestionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while processing job",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = apperrors.NewSystemError(apperrors.ErrCodeInternalServer, fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.processor.Process(ctx, job)
}

func (p *WorkerPool) putStatus(ctx context.Context, status JobStatus) {
	status.UpdatedAt = time.Now().UTC()
	if err := p.statuses.Put(ctx, status); err != nil {
		p.log.Warn("failed to record job status", zap.String("job_id", status.JobID), zap.Error(err))
	}
}
