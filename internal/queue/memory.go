package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryEntry struct {
	job     IngestionJob
	readyAt time.Time
	lease   uint64
}

// MemoryQueue 进程内队列，仅适用于内嵌工作池
type MemoryQueue struct {
	mu        sync.Mutex
	pending   []*memoryEntry
	delayed   []*memoryEntry
	inflight  map[string]*memoryEntry
	dead      []IngestionJob
	nextLease uint64
	// changed 在每次状态变化时关闭并替换，用于唤醒等待者
	changed chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*memoryEntry),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

func (q *MemoryQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue 入队
func (q *MemoryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*IngestionJob, error) {
	job, err := newJob(req, q.now())
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, unavailable("enqueue", ErrClosed)
	}
	q.pending = append(q.pending, &memoryEntry{job: job})
	q.notifyLocked()
	out := job
	return &out, nil
}

func (q *MemoryQueue) promoteLocked(now time.Time) (next time.Time) {
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			q.pending = append(q.pending, e)
			continue
		}
		if next.IsZero() || e.readyAt.Before(next) {
			next = e.readyAt
		}
		kept = append(kept, e)
	}
	q.delayed = kept
	return next
}

// Claim 领取最早入队的任务
func (q *MemoryQueue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		next := q.promoteLocked(q.now())
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			e.job.Attempts++
			q.nextLease++
			e.lease = q.nextLease
			q.inflight[e.job.ID] = e
			d := &Delivery{Job: e.job, receipt: e.lease}
			q.mu.Unlock()
			return d, nil
		}
		changed := q.changed
		q.mu.Unlock()

		var timer *time.Timer
		var wake <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			wake = timer.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) takeLocked(d *Delivery) (*memoryEntry, error) {
	if d == nil {
		return nil, errors.New("nil delivery")
	}
	e, ok := q.inflight[d.Job.ID]
	if !ok || e.lease != d.receipt {
		return nil, ErrLeaseLost
	}
	delete(q.inflight, d.Job.ID)
	return e, nil
}

// Ack 确认完成
func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.takeLocked(d)
	return err
}

// Release 延迟后重新投递
func (q *MemoryQueue) Release(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.takeLocked(d)
	if err != nil {
		return err
	}
	e.job.LastError = causeText(cause)
	e.readyAt = q.now().Add(delay)
	q.delayed = append(q.delayed, e)
	q.notifyLocked()
	return nil
}

// DeadLetter 移入死信
func (q *MemoryQueue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.takeLocked(d)
	if err != nil {
		return err
	}
	e.job.LastError = causeText(cause)
	q.dead = append(q.dead, e.job)
	return nil
}

// DeadLetters 死信任务快照
func (q *MemoryQueue) DeadLetters() []IngestionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]IngestionJob, len(q.dead))
	copy(out, q.dead)
	return out
}

// Stats 队列计数
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    int64(len(q.pending)),
		Delayed:    int64(len(q.delayed)),
		Inflight:   int64(len(q.inflight)),
		DeadLetter: int64(len(q.dead)),
	}, nil
}

// Close 关闭队列并唤醒所有等待者
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
	return nil
}
