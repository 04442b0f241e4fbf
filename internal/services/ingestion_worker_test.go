package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
	"github.com/aihub/docqa/internal/knowledge"
	"github.com/aihub/docqa/internal/queue"
)

type poolFixture struct {
	queue    *queue.MemoryQueue
	statuses *MemoryStatusStore
	metrics  *Metrics
	pool     *WorkerPool
}

func newPoolFixture(t *testing.T, processor JobProcessor, maxAttempts int) *poolFixture {
	f := &poolFixture{
		queue:    queue.NewMemoryQueue(),
		statuses: NewMemoryStatusStore(),
		metrics:  NewMetrics(nil),
	}
	f.pool = NewWorkerPool(f.queue, processor, f.statuses, f.metrics, nil, WorkerPoolOptions{
		Concurrency:     4,
		MaxAttempts:     maxAttempts,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		JobTimeout:      time.Second,
	})
	return f
}

// run 后台启动工作池，测试结束时停止并等待
func (f *poolFixture) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.pool.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *poolFixture) enqueue(t *testing.T, docID, path string) *queue.IngestionJob {
	job, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{DocumentID: docID, SourcePath: path, OriginalFilename: path})
	require.NoError(t, err)
	return job
}

func (f *poolFixture) waitForState(t *testing.T, jobID string, state JobState) *JobStatus {
	var status *JobStatus
	require.Eventually(t, func() bool {
		s, err := f.statuses.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		status = s
		return s.State == state
	}, 3*time.Second, 5*time.Millisecond)
	return status
}

func TestWorkerPool_FailTwiceThenSucceed(t *testing.T) {
	text := strings.Repeat("energy ", 60)
	loader := &staticLoader{texts: map[string]string{"/uploads/a.txt": text}}
	store := &flakyStore{VectorStore: newMemoryStore(t), failures: 2}
	pipeline, err := NewIngestionPipeline(loader, newTestChunker(t, 100, 10), knowledge.NewHashingEmbedder(testDims),
		store, nil, nil, IngestionPipelineOptions{})
	require.NoError(t, err)

	f := newPoolFixture(t, pipeline, 3)
	job := f.enqueue(t, "doc-a", "/uploads/a.txt")
	f.run(t)

	status := f.waitForState(t, job.ID, JobCompleted)
	assert.Equal(t, 3, status.Attempts)

	expected := len(newTestChunker(t, 100, 10).Chunk("doc-a", text, nil))
	assert.Equal(t, expected, status.Chunks)
	assert.Equal(t, expected, store.Len())
	assert.Equal(t, int32(3), store.upserts.Load())

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues(OutcomeAcked)))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues(OutcomeRetried)))

	stats, _ := f.queue.Stats(context.Background())
	assert.Equal(t, queue.Stats{}, stats)
}

// processorFunc 适配函数为 JobProcessor
type processorFunc func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error)

func (fn processorFunc) Process(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
	return fn(ctx, job)
}

func TestWorkerPool_ExhaustedJobIsDeadLettered(t *testing.T) {
	var calls atomic.Int32
	processor := processorFunc(func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
		calls.Add(1)
		return nil, apperrors.UnsupportedFormat(job.OriginalFilename)
	})
	f := newPoolFixture(t, processor, 3)
	job := f.enqueue(t, "doc-x", "/uploads/x.exe")
	f.run(t)

	status := f.waitForState(t, job.ID, JobDeadLetter)
	assert.Contains(t, status.LastError, "x.exe")
	assert.Equal(t, int32(3), calls.Load())

	stats, _ := f.queue.Stats(context.Background())
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues(OutcomeDeadLettered)))

	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
}

func TestWorkerPool_BadJobDoesNotAffectOthers(t *testing.T) {
	processor := processorFunc(func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
		if job.DocumentID == "poison" {
			panic("corrupt parser state")
		}
		return &IngestionResult{DocumentID: job.DocumentID, Chunks: 1}, nil
	})
	f := newPoolFixture(t, processor, 2)
	poison := f.enqueue(t, "poison", "/uploads/p.pdf")
	good := f.enqueue(t, "good", "/uploads/g.pdf")
	f.run(t)

	f.waitForState(t, good.ID, JobCompleted)
	status := f.waitForState(t, poison.ID, JobDeadLetter)
	assert.Contains(t, status.LastError, "panic")
}

func TestWorkerPool_JobTimeout(t *testing.T) {
	processor := processorFunc(func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newPoolFixture(t, processor, 1)
	f.pool.opts.JobTimeout = 20 * time.Millisecond
	job := f.enqueue(t, "slow", "/uploads/slow.pdf")
	f.run(t)

	status := f.waitForState(t, job.ID, JobDeadLetter)
	assert.Contains(t, status.LastError, "timed out")
}

func TestWorkerPool_RedeliveryBeyondBoundIsDeadLettered(t *testing.T) {
	processor := processorFunc(func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
		t.Fatal("exhausted job must not be processed")
		return nil, nil
	})
	f := newPoolFixture(t, processor, 2)
	q := queue.NewMemoryQueue()
	f.pool.queue = q

	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{DocumentID: "d", SourcePath: "/p"})
	require.NoError(t, err)
	ctx := context.Background()
	// 模拟两次租约过期后的第三次投递
	for i := 0; i < 2; i++ {
		d, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Release(ctx, d, 0, errors.New("lease expired")))
	}
	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, d.Job.Attempts)

	f.pool.handle(ctx, d)
	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(1), stats.DeadLetter)
}

func TestWorkerPool_StopsOnContextCancel(t *testing.T) {
	f := newPoolFixture(t, processorFunc(func(ctx context.Context, job queue.IngestionJob) (*IngestionResult, error) {
		return &IngestionResult{}, nil
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
