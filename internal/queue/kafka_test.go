package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession 记录提交的位点
type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked map[int32]int64
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{ctx: ctx, marked: make(map[int32]int64)}
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[partition] = offset
}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) markedOffset(partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[partition]
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "uploads" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func jobMessage(t *testing.T, offset int64, job IngestionJob, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "uploads", Partition: 0, Offset: offset, Value: body, Headers: headers}
}

// startHandler 在后台运行 ConsumeClaim，返回投递消息的通道
func startHandler(t *testing.T, q *KafkaQueue) (*fakeSession, chan *sarama.ConsumerMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	session := newFakeSession(ctx)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, (&kafkaGroupHandler{q: q}).ConsumeClaim(session, claim))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return session, claim.messages
}

func claimWithin(t *testing.T, q *KafkaQueue) *Delivery {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Claim(ctx)
	require.NoError(t, err)
	return d
}

func TestKafkaQueue_EnqueuePublishesJob(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "uploads" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "doc-a.pdf" {
			return errors.New("wrong key " + string(key))
		}
		return nil
	})

	job, err := q.Enqueue(context.Background(), sampleRequest("a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "doc-a.pdf", job.DocumentID)
}

func TestKafkaQueue_PublishFailureIsQueueUnavailable(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	_, err := q.Enqueue(context.Background(), sampleRequest("a.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestKafkaQueue_CommitsOnlyContiguousOffsets(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	session, messages := startHandler(t, q)

	messages <- jobMessage(t, 10, IngestionJob{ID: "j10", DocumentID: "d10"})
	messages <- jobMessage(t, 11, IngestionJob{ID: "j11", DocumentID: "d11"})

	first := claimWithin(t, q)
	second := claimWithin(t, q)
	assert.Equal(t, "j10", first.Job.ID)
	assert.Equal(t, 1, first.Job.Attempts)

	stats, _ := q.Stats(context.Background())
	assert.Equal(t, int64(2), stats.Inflight)
	assert.Equal(t, int64(-1), stats.Pending)

	// 先完成后一条，位点不能越过未完成的前一条
	require.NoError(t, q.Ack(context.Background(), second))
	assert.Equal(t, int64(0), session.markedOffset(0))

	require.NoError(t, q.Ack(context.Background(), first))
	assert.Equal(t, int64(12), session.markedOffset(0))
	assert.ErrorIs(t, q.Ack(context.Background(), first), ErrLeaseLost)
}

func TestKafkaQueue_ReleaseRepublishesWithDelay(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	session, messages := startHandler(t, q)

	messages <- jobMessage(t, 3, IngestionJob{ID: "j3", DocumentID: "d3"})
	d := claimWithin(t, q)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		var job IngestionJob
		body, _ := msg.Value.Encode()
		if err := json.Unmarshal(body, &job); err != nil {
			return err
		}
		if job.Attempts != 1 || job.LastError != "index unavailable" {
			return errors.New("unexpected job in retry message")
		}
		want := strconv.FormatInt(now.Add(4*time.Second).UnixMilli(), 10)
		for _, h := range msg.Headers {
			if string(h.Key) == headerNotBefore && string(h.Value) == want {
				return nil
			}
		}
		return errors.New("missing not_before header")
	})

	require.NoError(t, q.Release(context.Background(), d, 4*time.Second, errors.New("index unavailable")))
	assert.Equal(t, int64(4), session.markedOffset(0))
}

func TestKafkaQueue_DelayedRetryDoesNotBlockPartition(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	session, messages := startHandler(t, q)

	notBefore := time.Now().Add(300 * time.Millisecond).UnixMilli()
	messages <- jobMessage(t, 0, IngestionJob{ID: "retry", DocumentID: "d0", Attempts: 1},
		&sarama.RecordHeader{Key: []byte(headerNotBefore), Value: []byte(strconv.FormatInt(notBefore, 10))},
		&sarama.RecordHeader{Key: []byte(headerAttempts), Value: []byte("1")})
	messages <- jobMessage(t, 1, IngestionJob{ID: "fresh", DocumentID: "d1"})

	// 新任务立即可领取
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	fresh, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", fresh.Job.ID)

	stats, _ := q.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Delayed)

	// 延后的消息未完成，位点停在它之前
	require.NoError(t, q.Ack(context.Background(), fresh))
	assert.Equal(t, int64(0), session.markedOffset(0))

	retry := claimWithin(t, q)
	assert.Equal(t, "retry", retry.Job.ID)
	assert.Equal(t, 2, retry.Job.Attempts)
	assert.GreaterOrEqual(t, time.Now().UnixMilli(), notBefore)
	require.NoError(t, q.Ack(context.Background(), retry))
	assert.Equal(t, int64(2), session.markedOffset(0))

	assert.Eventually(t, func() bool {
		stats, _ := q.Stats(context.Background())
		return stats.Delayed == 0
	}, time.Second, 5*time.Millisecond)
}

func TestKafkaQueue_RedeliveryCountsAttempts(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	_, messages := startHandler(t, q)

	messages <- jobMessage(t, 0, IngestionJob{ID: "j", DocumentID: "d", Attempts: 2},
		&sarama.RecordHeader{Key: []byte(headerAttempts), Value: []byte("2")})
	d := claimWithin(t, q)
	assert.Equal(t, 3, d.Job.Attempts)
}

func TestKafkaQueue_DeadLetterPublishesToDLQ(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	session, messages := startHandler(t, q)

	messages <- jobMessage(t, 7, IngestionJob{ID: "j7", DocumentID: "d7"})
	d := claimWithin(t, q)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "uploads.dlq" {
			return errors.New("wrong topic " + msg.Topic)
		}
		return nil
	})
	require.NoError(t, q.DeadLetter(context.Background(), d, errors.New("unsupported format")))

	stats, _ := q.Stats(context.Background())
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, int64(0), stats.Inflight)
	assert.Equal(t, int64(8), session.markedOffset(0))
}

func TestKafkaQueue_MalformedMessageIsSkipped(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	q := newKafkaQueue(producer, nil, KafkaOptions{Topic: "uploads"})
	defer q.Close()
	session, messages := startHandler(t, q)

	messages <- &sarama.ConsumerMessage{Topic: "uploads", Offset: 0, Value: []byte("{not json")}
	messages <- jobMessage(t, 1, IngestionJob{ID: "j1", DocumentID: "d1"})

	d := claimWithin(t, q)
	assert.Equal(t, "j1", d.Job.ID)
	assert.Equal(t, int64(1), session.markedOffset(0))
}

func TestOffsetTracker(t *testing.T) {
	tr := newOffsetTracker()
	for _, o := range []int64{5, 6, 7} {
		tr.add(o)
	}
	_, ok := tr.complete(7)
	assert.False(t, ok)
	_, ok = tr.complete(6)
	assert.False(t, ok)
	next, ok := tr.complete(5)
	assert.True(t, ok)
	assert.Equal(t, int64(8), next)
}
