package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/security"
)

// MemoryQuoteCache is a process-local QuoteCache.
type MemoryQuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewMemoryQuoteCache creates an empty cache.
func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{quotes: make(map[string]model.Quote)}
}

func (c *MemoryQuoteCache) Put(_ context.Context, sec model.Security, q model.Quote) error {
	c.mu.Lock()
	c.quotes[security.Key(sec)] = q
	c.mu.Unlock()
	return nil
}

func (c *MemoryQuoteCache) Get(_ context.Context, sec model.Security) (*model.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[security.Key(sec)]
	if !ok {
		return nil, errs.NotFound("quote", security.Key(sec))
	}
	return &q, nil
}

// RedisQuoteCache stores last-known quotes as JSON with a TTL.
type RedisQuoteCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisQuoteCache creates a Redis-backed quote cache.
func NewRedisQuoteCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisQuoteCache {
	return &RedisQuoteCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisQuoteCache) Put(ctx context.Context, sec model.Security, q model.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(sec), data, c.ttl).Err()
}

func (c *RedisQuoteCache) Get(ctx context.Context, sec model.Security) (*model.Quote, error) {
	data, err := c.rdb.Get(ctx, c.key(sec)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.NotFound("quote", security.Key(sec))
		}
		return nil, fmt.Errorf("price.RedisQuoteCache.Get: %w", err)
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *RedisQuoteCache) key(sec model.Security) string {
	return fmt.Sprintf("%s:quote:%s", c.prefix, security.Key(sec))
}
