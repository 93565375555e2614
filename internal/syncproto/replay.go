package syncproto

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers seen nonces for the replay window.
//
// Seen consumes the nonce: it returns true only the first time a
// (nonce, timestamp) pair is presented within the TTL.

type ReplayCache interface {
	// Seen records nonce and reports whether it was already present.
	Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisReplayCache shares the replay window across worker instances.
type RedisReplayCache struct {
	rdb *redis.Client
}

func NewRedisReplayCache(rdb *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{rdb: rdb}
}

func (c *RedisReplayCache) Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "sync:nonce:"+nonce, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// MemoryReplayCache is a single-process cache useful for tests.
type MemoryReplayCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{seen: make(map[string]time.Time), clock: time.Now}
}

// SetClock overrides time for deterministic expiry tests.
func (c *MemoryReplayCache) SetClock(clock func() time.Time) { c.clock = clock }

func (c *MemoryReplayCache) Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if exp, ok := c.seen[nonce]; ok && now.Before(exp) {
		return true, nil
	}
	c.seen[nonce] = now.Add(ttl)

	// Opportunistic expiry so the map does not grow without bound.
	for k, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, k)
		}
	}
	return false, nil
}
