// Package queue implements the durable generation job queue on Redis.
// Delivery is at-least-once: a dequeued task holds a visibility-timeout
// lease, and expired leases are re-enqueued by the worker sweep.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey    = "comics:ready"
	inflightKey = "comics:inflight"
	retryKey    = "comics:retry"
)

// Queue coordinates ready, in-flight, and retry task sets in Redis.
type Queue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	dlqKey        string
}

// Options tune queue behavior.
type Options struct {
	VisibilityTimeout time.Duration
	DLQKey            string
}

// New builds a queue around an existing Redis client.
func New(client *redis.Client, opts Options) *Queue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQKey
	if dlq == "" {
		dlq = "comics:dlq"
	}
	return &Queue{
		client:        client,
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Ping verifies the Redis connection; submission-time availability check.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a task to the ready queue.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.RPush(ctx, readyKey, taskID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// DequeueWithLease pops a ready task and places it into inflight with a
// visibility deadline. Returns "" when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *Queue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, inflightKey, taskID).Err()
}

// Retry acks the in-flight lease and schedules the task to re-enter the
// ready queue after delay.
func (q *Queue) Retry(ctx context.Context, taskID string, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, taskID)
	pipe.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: taskID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteRetries moves due retry tasks into the ready queue. Returns how
// many were promoted.
func (q *Queue) PromoteRetries(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, retryKey, now, limit)
}

// RequeueExpired reclaims in-flight leases that timed out, re-enqueuing
// them for another delivery.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, inflightKey, now, limit)
}

func (q *Queue) moveDue(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *Queue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
