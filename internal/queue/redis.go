package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/logger"
)

// 领取：pending 尾部出队，写入租约和次数
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', KEYS[3], id, ARGV[2])
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local body = redis.call('HGET', KEYS[5], id)
return {id, attempts, body or ''}
`)

// 回收超时租约和到期的延迟任务
var promoteScript = redis.NewScript(`
local moved = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('RPUSH', KEYS[1], id)
  moved = moved + 1
end
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
  moved = moved + 1
end
return moved
`)

// 结束一次领取。ARGV[3]: ack | release | dead | return
// return 放回 pending 队首并撤销本次领取计数
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[3] == 'ack' then
  redis.call('HDEL', KEYS[3], ARGV[1])
  redis.call('HDEL', KEYS[4], ARGV[1])
elseif ARGV[3] == 'release' then
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])
elseif ARGV[3] == 'return' then
  redis.call('HINCRBY', KEYS[4], ARGV[1], -1)
  redis.call('RPUSH', KEYS[7], ARGV[1])
else
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('LPUSH', KEYS[6], ARGV[1])
end
return 1
`)

// RedisOptions Redis 队列配置
type RedisOptions struct {
	Name string
	// VisibilityTimeout 租约时长，超时未确认的任务重新投递
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Logger            *zap.Logger
}

// RedisQueue 基于 Redis 列表和有序集合的持久队列
type RedisQueue struct {
	client redis.UniversalClient
	opts   RedisOptions
	keys   redisKeys
	log    *zap.Logger
	now    func() time.Time
}

type redisKeys struct {
	pending, inflight, delayed, dead, jobs, attempts, leases string
}

func newRedisKeys(name string) redisKeys {
	prefix := "docqa:queue:" + name
	return redisKeys{
		pending:  prefix + ":pending",
		inflight: prefix + ":inflight",
		delayed:  prefix + ":delayed",
		dead:     prefix + ":dead",
		jobs:     prefix + ":jobs",
		attempts: prefix + ":attempts",
		leases:   prefix + ":leases",
	}
}

// NewRedisQueue 创建 Redis 队列
func NewRedisQueue(client redis.UniversalClient, opts RedisOptions) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Name == "" {
		opts.Name = "file-upload-queue"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		keys:   newRedisKeys(opts.Name),
		log:    logger.OrNop(opts.Logger),
		now:    time.Now,
	}, nil
}

// Enqueue 写入任务体并推入 pending
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*IngestionJob, error) {
	job, err := newJob(req, q.now())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.jobs, job.ID, body)
		pipe.LPush(ctx, q.keys.pending, job.ID)
		return nil
	})
	if err != nil {
		return nil, unavailable("enqueue", err)
	}
	q.log.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("document_id", job.DocumentID))
	return &job, nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client,
		[]string{q.keys.pending, q.keys.inflight, q.keys.delayed, q.keys.leases}, now).Err()
}

func (q *RedisQueue) tryClaim(ctx context.Context) (*Delivery, error) {
	if err := q.promote(ctx); err != nil {
		return nil, unavailable("claim", err)
	}
	token := uuid.NewString()
	deadline := q.now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.pending, q.keys.inflight, q.keys.leases, q.keys.attempts, q.keys.jobs},
		deadline, token).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected claim reply: %v", res)
	}

	id, _ := res[0].(string)
	attempts, _ := res[1].(int64)
	body, _ := res[2].(string)

	var job IngestionJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		// 任务体损坏，直接进入死信避免反复领取
		d := &Delivery{Job: IngestionJob{ID: id, Attempts: int(attempts)}, receipt: token}
		q.log.Error("corrupt job body, dead-lettering", zap.String("job_id", id), zap.Error(err))
		if dlErr := q.DeadLetter(ctx, d, fmt.Errorf("corrupt job body: %w", err)); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}
	job.Attempts = int(attempts)
	return &Delivery{Job: job, receipt: token}, nil
}

// Claim 轮询直到领取到任务
func (q *RedisQueue) Claim(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		d, err := q.tryClaim(ctx)
		if err != nil || d != nil {
			return q.deliver(ctx, d, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// deliver 领取成功但调用方已取消时把任务原样放回
func (q *RedisQueue) deliver(ctx context.Context, d *Delivery, err error) (*Delivery, error) {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return d, err
	}
	if d != nil {
		returnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := q.finish(returnCtx, d, "return", nil, time.Time{}); rerr != nil {
			q.log.Warn("failed to return claimed job, waiting for lease expiry",
				zap.String("job_id", d.Job.ID), zap.Error(rerr))
		}
	}
	return nil, ctxErr
}

func (q *RedisQueue) finish(ctx context.Context, d *Delivery, action string, job *IngestionJob, readyAt time.Time) error {
	if d == nil {
		return errors.New("nil delivery")
	}
	token, _ := d.receipt.(string)
	var body []byte
	if job != nil {
		var err error
		if body, err = json.Marshal(job); err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
	}
	ok, err := finishScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.leases, q.keys.jobs, q.keys.attempts, q.keys.delayed, q.keys.dead, q.keys.pending},
		d.Job.ID, token, action, body, readyAt.UnixMilli()).Int()
	if err != nil {
		return unavailable(action, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack 删除任务
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.finish(ctx, d, "ack", nil, time.Time{})
}

// Release 放入延迟集合，到期后回到 pending
func (q *RedisQueue) Release(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	job := d.Job
	job.LastError = causeText(cause)
	return q.finish(ctx, d, "release", &job, q.now().Add(delay))
}

// DeadLetter 移入死信列表，任务体保留
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, cause error) error {
	job := d.Job
	job.LastError = causeText(cause)
	return q.finish(ctx, d, "dead", &job, time.Time{})
}

// DeadLetters 读取最近的死信任务
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]IngestionJob, error) {
	ids, err := q.client.LRange(ctx, q.keys.dead, 0, limit-1).Result()
	if err != nil {
		return nil, unavailable("dead letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := q.client.HMGet(ctx, q.keys.jobs, ids...).Result()
	if err != nil {
		return nil, unavailable("dead letters", err)
	}
	jobs := make([]IngestionJob, 0, len(bodies))
	for _, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var job IngestionJob
		if err := json.Unmarshal([]byte(s), &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Stats 队列计数
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.keys.pending)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	inflight := pipe.ZCard(ctx, q.keys.inflight)
	dead := pipe.LLen(ctx, q.keys.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Inflight:   inflight.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// Ping 检查 Redis 连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close 客户端由调用方持有，这里不关闭
func (q *RedisQueue) Close() error { return nil }
