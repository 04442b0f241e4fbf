package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/logger"
)

const (
	headerNotBefore = "not_before"
	headerAttempts  = "attempts"
)

// KafkaOptions Kafka 队列配置
type KafkaOptions struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	Logger          *zap.Logger
}

// KafkaQueue 基于消费者组的队列。重试通过重新发布实现，位点只在连续完成后提交。
// 未到 not_before 的消息由定时器延后投递，同一分区后续消息照常消费
type KafkaQueue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	opts     KafkaOptions
	log      *zap.Logger
	now      func() time.Time

	deliveries chan *kafkaReceipt
	inflight   atomic.Int64
	delayed    atomic.Int64
	dead       atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type kafkaReceipt struct {
	job     IngestionJob
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
	tracker *offsetTracker
	done    atomic.Bool
}

// NewKafkaQueue 连接 Kafka 并启动消费
func NewKafkaQueue(opts KafkaOptions) (*KafkaQueue, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Timeout = 10 * time.Second
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(opts.Brokers, cfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, cfg)
	if err != nil {
		producer.Close()
		return nil, unavailable("connect", err)
	}
	return newKafkaQueue(producer, group, opts), nil
}

// newKafkaQueue group 为空时只生产，适用于 API 进程
func newKafkaQueue(producer sarama.SyncProducer, group sarama.ConsumerGroup, opts KafkaOptions) *KafkaQueue {
	if opts.Topic == "" {
		opts.Topic = "file-upload-queue"
	}
	if opts.GroupID == "" {
		opts.GroupID = "docqa-workers"
	}
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = opts.Topic + ".dlq"
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &KafkaQueue{
		producer:   producer,
		group:      group,
		opts:       opts,
		log:        logger.OrNop(opts.Logger),
		now:        time.Now,
		deliveries: make(chan *kafkaReceipt),
		ctx:        ctx,
		cancel:     cancel,
	}
	return q
}

func (q *KafkaQueue) startConsuming() {
	if q.group == nil {
		return
	}
	q.once.Do(func() {
		q.wg.Add(2)
		go func() {
			defer q.wg.Done()
			handler := &kafkaGroupHandler{q: q}
			for q.ctx.Err() == nil {
				if err := q.group.Consume(q.ctx, []string{q.opts.Topic}, handler); err != nil {
					if errors.Is(err, sarama.ErrClosedConsumerGroup) {
						return
					}
					q.log.Error("kafka consume failed", zap.Error(err))
					select {
					case <-q.ctx.Done():
					case <-time.After(5 * time.Second):
					}
				}
			}
		}()
		go func() {
			defer q.wg.Done()
			for err := range q.group.Errors() {
				q.log.Error("kafka consumer group error", zap.Error(err))
			}
		}()
	})
}

func (q *KafkaQueue) publish(ctx context.Context, topic string, job IngestionJob, notBefore time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(job.DocumentID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerAttempts), Value: []byte(strconv.Itoa(job.Attempts))},
		},
	}
	if !notBefore.IsZero() {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key: []byte(headerNotBefore), Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10)),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		return unavailable("publish", err)
	}
	q.log.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("job_id", job.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Enqueue 发布到任务主题
func (q *KafkaQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*IngestionJob, error) {
	job, err := newJob(req, q.now())
	if err != nil {
		return nil, err
	}
	if err := q.publish(ctx, q.opts.Topic, job, time.Time{}); err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim 第一次调用时启动消费
func (q *KafkaQueue) Claim(ctx context.Context) (*Delivery, error) {
	q.startConsuming()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, ErrClosed
	case r := <-q.deliveries:
		q.inflight.Add(1)
		return &Delivery{Job: r.job, receipt: r}, nil
	}
}

func (q *KafkaQueue) complete(d *Delivery) (*kafkaReceipt, error) {
	if d == nil {
		return nil, errors.New("nil delivery")
	}
	r, ok := d.receipt.(*kafkaReceipt)
	if !ok || !r.done.CompareAndSwap(false, true) {
		return nil, ErrLeaseLost
	}
	return r, nil
}

func (q *KafkaQueue) commit(r *kafkaReceipt) {
	q.inflight.Add(-1)
	if r.tracker == nil {
		return
	}
	if next, ok := r.tracker.complete(r.msg.Offset); ok {
		r.session.MarkOffset(r.msg.Topic, r.msg.Partition, next, "")
	}
}

// Ack 标记位点
func (q *KafkaQueue) Ack(ctx context.Context, d *Delivery) error {
	r, err := q.complete(d)
	if err != nil {
		return err
	}
	q.commit(r)
	return nil
}

// Release 带 not_before 头重新发布，然后提交原消息
func (q *KafkaQueue) Release(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	r, err := q.complete(d)
	if err != nil {
		return err
	}
	job := r.job
	job.LastError = causeText(cause)
	if err := q.publish(ctx, q.opts.Topic, job, q.now().Add(delay)); err != nil {
		// 未提交的原消息会在重新平衡后再次投递
		r.done.Store(false)
		return err
	}
	q.commit(r)
	return nil
}

// DeadLetter 发布到死信主题
func (q *KafkaQueue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	r, err := q.complete(d)
	if err != nil {
		return err
	}
	job := r.job
	job.LastError = causeText(cause)
	if err := q.publish(ctx, q.opts.DeadLetterTopic, job, time.Time{}); err != nil {
		r.done.Store(false)
		return err
	}
	q.dead.Add(1)
	q.commit(r)
	return nil
}

// Stats Kafka 没有廉价的积压查询，Pending 为 -1，其余为本进程计数
func (q *KafkaQueue) Stats(ctx context.Context) (Stats, error) {
	return Stats{
		Pending:    -1,
		Delayed:    q.delayed.Load(),
		Inflight:   q.inflight.Load(),
		DeadLetter: q.dead.Load(),
	}, nil
}

// Close 停止消费并关闭连接
func (q *KafkaQueue) Close() error {
	q.cancel()
	var errs []error
	if q.group != nil {
		errs = append(errs, q.group.Close())
	}
	q.wg.Wait()
	if q.producer != nil {
		errs = append(errs, q.producer.Close())
	}
	return errors.Join(errs...)
}

// kafkaGroupHandler 把消息转交给 Claim 的调用方
type kafkaGroupHandler struct {
	q *KafkaQueue
}

func (h *kafkaGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.q.log.Info("kafka session started",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation", session.GenerationID()))
	return nil
}

func (h *kafkaGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	return nil
}

func (h *kafkaGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tracker := newOffsetTracker()
	// 返回前等待延后投递的协程退出，会话结束后不再引用 session
	var timers sync.WaitGroup
	defer timers.Wait()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			tracker.add(msg.Offset)

			var job IngestionJob
			if err := json.Unmarshal(msg.Value, &job); err != nil {
				h.q.log.Error("dropping malformed kafka message",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				if next, ok := tracker.complete(msg.Offset); ok {
					session.MarkOffset(msg.Topic, msg.Partition, next, "")
				}
				continue
			}

			job.Attempts = max(job.Attempts, headerInt(msg, headerAttempts)) + 1
			r := &kafkaReceipt{job: job, msg: msg, session: session, tracker: tracker}

			if at := notBefore(msg); !at.IsZero() {
				if wait := at.Sub(h.q.now()); wait > 0 {
					// 位点保持未完成，提交不会越过这条消息
					h.q.delayed.Add(1)
					timers.Add(1)
					go func() {
						defer timers.Done()
						defer h.q.delayed.Add(-1)
						h.deliverAfter(session, r, wait)
					}()
					continue
				}
			}
			if !h.deliver(session, r) {
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *kafkaGroupHandler) deliver(session sarama.ConsumerGroupSession, r *kafkaReceipt) bool {
	select {
	case h.q.deliveries <- r:
		return true
	case <-session.Context().Done():
		return false
	}
}

// deliverAfter 会话结束时放弃投递，消息在重新平衡后从已提交位点重新消费
func (h *kafkaGroupHandler) deliverAfter(session sarama.ConsumerGroupSession, r *kafkaReceipt, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-session.Context().Done():
		return
	case <-timer.C:
	}
	h.deliver(session, r)
}

func notBefore(msg *sarama.ConsumerMessage) time.Time {
	ms := headerInt(msg, headerNotBefore)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func headerInt(msg *sarama.ConsumerMessage, key string) int {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			n, err := strconv.ParseInt(string(h.Value), 10, 64)
			if err == nil {
				return int(n)
			}
		}
	}
	return 0
}

// offsetTracker 单个分区内按顺序提交已完成的位点
type offsetTracker struct {
	mu      sync.Mutex
	pending []int64
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{done: make(map[int64]bool)}
}

func (t *offsetTracker) add(offset int64) {
	t.mu.Lock()
	t.pending = append(t.pending, offset)
	t.mu.Unlock()
}

// complete 返回可提交的下一个位点
func (t *offsetTracker) complete(offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[offset] = true
	var next int64
	advanced := false
	for len(t.pending) > 0 && t.done[t.pending[0]] {
		next = t.pending[0] + 1
		delete(t.done, t.pending[0])
		t.pending = t.pending[1:]
		advanced = true
	}
	return next, advanced
}
