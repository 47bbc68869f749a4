package orderstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
)

// RedisCache implements Cache on Redis string keys holding JSON, each set
// with its TTL so entries survive restarts and expire on their own.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttls   TTLs
}

// NewRedisCache creates a Redis-backed cache. prefix namespaces every key.
func NewRedisCache(rdb *redis.Client, prefix string, ttls TTLs) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, ttls: ttls}
}

func (c *RedisCache) MapOrder(ctx context.Context, orderID string, ref model.OrderRef) error {
	return c.setJSON(ctx, c.refKey(orderID), ref, c.ttls.OrderMap)
}

func (c *RedisCache) LookupOrder(ctx context.Context, orderID string) (*model.OrderRef, error) {
	var ref model.OrderRef
	if err := c.getJSON(ctx, c.refKey(orderID), &ref); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.NotFound("order mapping", orderID)
		}
		return nil, fmt.Errorf("orderstate.LookupOrder %s: %w", orderID, err)
	}
	return &ref, nil
}

func (c *RedisCache) GetOrder(ctx context.Context, orderID string) (*model.OrderState, error) {
	var st model.OrderState
	if err := c.getJSON(ctx, c.orderKey(orderID), &st); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.NotFound("order state", orderID)
		}
		return nil, fmt.Errorf("orderstate.GetOrder %s: %w", orderID, err)
	}
	return &st, nil
}

func (c *RedisCache) PutOrder(ctx context.Context, st *model.OrderState) error {
	return c.setJSON(ctx, c.orderKey(st.OrderID), st, c.ttls.OrderState)
}

func (c *RedisCache) DeleteOrder(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, c.orderKey(orderID)).Err()
}

func (c *RedisCache) MarkProcessed(ctx context.Context, orderID string) error {
	return c.rdb.Set(ctx, c.processedKey(orderID), 1, c.ttls.Processed).Err()
}

func (c *RedisCache) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.processedKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("orderstate.IsProcessed %s: %w", orderID, err)
	}
	return n > 0, nil
}

func (c *RedisCache) GetPredictionStatus(ctx context.Context, advisorID, predictionID string) (*model.PredictionOrderStatus, error) {
	var st model.PredictionOrderStatus
	if err := c.getJSON(ctx, c.statusKey(advisorID, predictionID), &st); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.NotFound("prediction order status", statusKey(advisorID, predictionID))
		}
		return nil, fmt.Errorf("orderstate.GetPredictionStatus: %w", err)
	}
	return &st, nil
}

func (c *RedisCache) PutPredictionStatus(ctx context.Context, st *model.PredictionOrderStatus) error {
	return c.setJSON(ctx, c.statusKey(st.AdvisorID, st.PredictionID), st, c.ttls.OrderState)
}

func (c *RedisCache) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *RedisCache) refKey(id string) string {
	return fmt.Sprintf("%s:ordermap:%s", c.prefix, id)
}

func (c *RedisCache) orderKey(id string) string {
	return fmt.Sprintf("%s:order:%s", c.prefix, id)
}

func (c *RedisCache) processedKey(id string) string {
	return fmt.Sprintf("%s:processed:%s", c.prefix, id)
}

func (c *RedisCache) statusKey(advisorID, predictionID string) string {
	return fmt.Sprintf("%s:orderstatus:%s", c.prefix, statusKey(advisorID, predictionID))
}
