// Package lock provides expiring mutual-exclusion locks for the drain worker
// and the lifecycle evaluator. The Redis implementation makes them hold
// across process instances.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/errs"
)

// Release gives up a held lock. Releasing after expiry, or after another
// holder acquired the key, is a no-op.
type Release func(ctx context.Context) error

// Locker acquires named locks without blocking.
type Locker interface {
	// TryAcquire takes key for ttl or returns errs.ErrLocked.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type held struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

// NewMemoryLocker creates a process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]held), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.locks[key]; ok && now.Before(h.expiresAt) {
		return nil, fmt.Errorf("%w: %s", errs.ErrLocked, key)
	}

	token := uuid.New().String()
	l.locks[key] = held{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.locks[key]; ok && h.token == token {
			delete(l.locks, key)
		}
		return nil
	}, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. prefix namespaces keys.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	full := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock.TryAcquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrLocked, key)
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{full}, token).Err()
	}, nil
}
