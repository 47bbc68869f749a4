package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/model"
)

// RedisQueue is a Queue on a Redis list: RPUSH at the tail, LPOP at the head.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates a queue stored under key.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, ev model.BrokerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue.Push marshal: %w", err)
	}
	return q.rdb.RPush(ctx, q.key, data).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (*model.BrokerEvent, error) {
	data, err := q.rdb.LPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("queue.Pop: %w", err)
	}
	var ev model.BrokerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("queue.Pop decode: %w", err)
	}
	return &ev, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// RedisDelayQueue is a DelayQueue on a sorted set scored by due time in
// Unix milliseconds.
type RedisDelayQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisDelayQueue creates a delay queue stored under key.
func NewRedisDelayQueue(rdb *redis.Client, key string) *RedisDelayQueue {
	return &RedisDelayQueue{rdb: rdb, key: key}
}

func (q *RedisDelayQueue) Schedule(ctx context.Context, id string, at time.Time) error {
	return q.rdb.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: id,
	}).Err()
}

func (q *RedisDelayQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := q.rdb.ZRangeByScore(ctx, q.key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("queue.Due: %w", err)
	}
	return ids, nil
}

func (q *RedisDelayQueue) Complete(ctx context.Context, id string) error {
	return q.rdb.ZRem(ctx, q.key, id).Err()
}
