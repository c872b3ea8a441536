package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list holding pending job ids.
const DefaultQueueName = "assetimport:jobs:pending"

// RedisQueue stores job ids in a Redis list: LPUSH to enqueue, BRPOP to dequeue.
type RedisQueue struct {
	redis       *redis.Client
	key         string
	pollTimeout time.Duration
	closed      atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps client; an empty name selects DefaultQueueName.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &RedisQueue{redis: client, key: name, pollTimeout: 2 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.redis.LPush(ctx, q.key, jobID.String()).Err(); err != nil {
		return errors.Wrap(err, "enqueue job")
	}
	return nil
}

// Dequeue polls with a bounded BRPOP so that Close and context cancellation
// are noticed within pollTimeout.
func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		if q.closed.Load() {
			return uuid.Nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}
		result, err := q.redis.BRPop(ctx, q.pollTimeout, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			return uuid.Nil, errors.Wrap(err, "dequeue job")
		}
		// BRPOP answers with [key, value].
		if len(result) != 2 {
			return uuid.Nil, errors.Errorf("dequeue job: unexpected reply %v", result)
		}
		id, err := uuid.Parse(result[1])
		if err != nil {
			return uuid.Nil, errors.Wrapf(err, "dequeue job: invalid id %q", result[1])
		}
		return id, nil
	}
}

func (q *RedisQueue) Remove(ctx context.Context, jobID uuid.UUID) (bool, error) {
	removed, err := q.redis.LRem(ctx, q.key, 0, jobID.String()).Result()
	if err != nil {
		return false, errors.Wrap(err, "remove job")
	}
	return removed > 0, nil
}

// Close stops Dequeue; the Redis client stays owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
