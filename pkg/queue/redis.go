package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue is a Queue shared by every process connected to the same Redis
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps an existing client. prefix defaults to "pulse:queue".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "pulse:queue"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	job.Status = StatusPending
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), job.ID, data)
		pipe.LPush(ctx, q.key("ready"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	for {
		id, err := q.pop(ctx, timeout)
		if err != nil || id == "" {
			return nil, err
		}

		job, err := q.claim(ctx, id)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, ErrUnavailable) {
			// still leased in processing; RequeueStalled hands it out again
			return nil, err
		}
		if err := q.bury(ctx, id, err); err != nil {
			return nil, err
		}
		timeout = 0
	}
}

// pop moves the next ready id to processing and leases it
func (q *RedisQueue) pop(ctx context.Context, timeout time.Duration) (string, error) {
	if err := q.promoteDue(ctx); err != nil {
		return "", err
	}

	id, err := q.client.RPopLPush(ctx, q.key("ready"), q.key("processing")).Result()
	if err == redis.Nil && timeout > 0 {
		id, err = q.client.BRPopLPush(ctx, q.key("ready"), q.key("processing"), timeout).Result()
	}
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// an id left without a lease is adopted by the next RequeueStalled
	lease := &redis.Z{Score: float64(q.now().UnixMilli()), Member: id}
	if err := q.client.ZAdd(ctx, q.key("reserved"), lease).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

// claim loads a popped job and records the attempt
func (q *RedisQueue) claim(ctx context.Context, id string) (*Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Attempts++
	job.Status = StatusActive
	if err := q.save(ctx, q.client, job); err != nil {
		return nil, err
	}
	return job, nil
}

// bury dead-letters a reserved id whose stored job cannot be read. The raw body, if any, is
// kept as the payload for inspection.
func (q *RedisQueue) bury(ctx context.Context, id string, cause error) error {
	now := q.now().UTC()
	job := &Job{
		ID:         id,
		EnqueuedAt: now,
		RunAt:      now,
		Status:     StatusFailed,
		LastError:  cause.Error(),
	}
	if raw, err := q.client.HGet(ctx, q.key("jobs"), id).Result(); err == nil {
		job.Payload, _ = json.Marshal(raw)
	}

	return q.resolve(ctx, job, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, q.key("dead"), job.ID)
	})
}

// promoteScript moves every due id from the delayed set to the ready list in one step
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// promoteDue moves retries whose run-at has passed onto the ready list
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	keys := []string{q.key("delayed"), q.key("ready")}
	if err := promoteScript.Run(ctx, q.client, keys, q.now().UnixMilli()).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// requeueScript returns ids leased before ARGV[2] to the consumer end of the ready list. An id
// in processing without a lease gets one dated ARGV[1].
var requeueScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
	local at = redis.call('ZSCORE', KEYS[2], id)
	if not at then
		redis.call('ZADD', KEYS[2], ARGV[1], id)
	elseif tonumber(at) <= tonumber(ARGV[2]) then
		redis.call('LREM', KEYS[1], 1, id)
		redis.call('ZREM', KEYS[2], id)
		redis.call('RPUSH', KEYS[3], id)
		n = n + 1
	end
end
return n
`)

func (q *RedisQueue) RequeueStalled(ctx context.Context, after time.Duration) (int, error) {
	now := q.now()
	keys := []string{q.key("processing"), q.key("reserved"), q.key("ready")}
	n, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), now.Add(-after).UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	now := q.now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &now

	return q.resolve(ctx, job, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.key("completed"), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	})
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration, err error) error {
	job.Status = StatusPending
	job.LastError = errString(err)
	job.RunAt = q.now().UTC().Add(delay)

	return q.resolve(ctx, job, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	})
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, err error) error {
	job.Status = StatusFailed
	job.LastError = errString(err)

	return q.resolve(ctx, job, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, q.key("dead"), job.ID)
	})
}

// resolve removes the job from processing, stores its new state and applies move atomically
func (q *RedisQueue) resolve(ctx context.Context, job *Job, move func(pipe redis.Pipeliner)) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.ZRem(ctx, q.key("reserved"), job.ID)
		pipe.HSet(ctx, q.key("jobs"), job.ID, data)
		move(pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.LRange(ctx, q.key("dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, q.key("jobs"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, jobID string) error {
	removed, err := q.client.LRem(ctx, q.key("dead"), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if removed == 0 {
		return ErrJobNotFound
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts = 0
	job.RunAt = q.now().UTC()
	return q.Enqueue(ctx, job)
}

func (q *RedisQueue) ReclaimCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.key("completed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("completed"), members...)
		pipe.HDel(ctx, q.key("jobs"), ids...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(ids), nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.key("ready"))
	active := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Stats{
		Pending:   pending.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Recover moves every job left in processing back to ready without waiting for its lease to
// expire. Run it before starting consumers after a crash, and only when no other consumer is
// running.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.key("processing"), q.key("ready")).Result()
		if err == redis.Nil {
			break
		} else if err != nil {
			return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		n++
	}
	if err := q.client.Del(ctx, q.key("reserved")).Err(); err != nil {
		return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close closes the underlying client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, q.key("jobs"), id).Result()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.HSet(ctx, q.key("jobs"), job.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
