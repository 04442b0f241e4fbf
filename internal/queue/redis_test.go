package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *fakeClock) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, RedisOptions{
		Name:              "test",
		VisibilityTimeout: time.Minute,
		PollInterval:      5 * time.Millisecond,
	})
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, mr, clock
}

func TestRedisQueue_EnqueueClaimAck(t *testing.T) {
	q, mr, _ := newTestRedisQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sampleRequest("a.pdf"))
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Job.ID)
	assert.Equal(t, "/uploads/a.pdf", d.Job.SourcePath)
	assert.Equal(t, 1, d.Job.Attempts)

	stats, _ = q.Stats(ctx)
	assert.Equal(t, Stats{Inflight: 1}, stats)

	require.NoError(t, q.Ack(ctx, d))
	assert.ErrorIs(t, q.Ack(ctx, d), ErrLeaseLost)

	stats, _ = q.Stats(ctx)
	assert.Equal(t, Stats{}, stats)
	assert.False(t, mr.Exists("docqa:queue:test:jobs"))
}

func TestRedisQueue_CancelledAfterClaimReturnsJob(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, sampleRequest("a.pdf"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, sampleRequest("b.pdf"))
	require.NoError(t, err)

	d, err := q.tryClaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	got, err := q.deliver(cancelled, d, nil)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.Canceled)

	stats, _ := q.Stats(ctx)
	assert.Equal(t, Stats{Pending: 2}, stats)

	// 放回队首，领取次数不变
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.Job.ID)
	assert.Equal(t, 1, again.Job.Attempts)
	assert.ErrorIs(t, q.Ack(ctx, d), ErrLeaseLost)
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()
	for _, name := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(ctx, sampleRequest(name))
		require.NoError(t, err)
	}
	for _, name := range []string{"1", "2", "3"} {
		d, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, "doc-"+name, d.Job.DocumentID)
	}
}

func TestRedisQueue_ReleaseWaitsForDelay(t *testing.T) {
	q, _, clock := newTestRedisQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleRequest("retry"))
	require.NoError(t, err)

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, d, 10*time.Second, errors.New("embedding failed")))

	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Inflight)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Claim(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.advance(11 * time.Second)
	d2, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.Job.ID, d2.Job.ID)
	assert.Equal(t, 2, d2.Job.Attempts)
	assert.Equal(t, "embedding failed", d2.Job.LastError)
}

func TestRedisQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q, _, clock := newTestRedisQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleRequest("stalled"))
	require.NoError(t, err)

	first, err := q.Claim(ctx)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Job.Attempts)

	// 过期的领取不能确认
	assert.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestRedisQueue_DeadLetter(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleRequest("bad.exe"))
	require.NoError(t, err)

	d, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, d, errors.New("unsupported format")))

	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, int64(0), stats.Pending)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, d.Job.ID, dead[0].ID)
	assert.Equal(t, "unsupported format", dead[0].LastError)
}

func TestRedisQueue_UnavailableIsTransient(t *testing.T) {
	q, mr, _ := newTestRedisQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), sampleRequest("a"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeQueueUnavailable))
	assert.True(t, apperrors.IsTransient(err))
}
