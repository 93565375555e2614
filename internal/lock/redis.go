package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker on a shared Redis instance.
//
// Lock value format: "<holder_id>:<acquired_at_unix_ms>". The acquisition time
// travels inside the value so any worker can judge staleness without a second
// key.
//
// Safety properties:
// - Atomic acquire via SET NX.
// - Stale reclaim and owner-checked release via Lua, so a slow worker cannot
//   delete a lock that was already reclaimed from it.

type RedisLocker struct {
	rdb      *redis.Client
	holderID string

	staleAfter   time.Duration
	pollInterval time.Duration
	clock        func() time.Time
}

type RedisLockerOptions struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
}

func NewRedisLocker(rdb *redis.Client, opts RedisLockerOptions) *RedisLocker {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &RedisLocker{
		rdb:          rdb,
		holderID:     uuid.NewString(),
		staleAfter:   opts.StaleAfter,
		pollInterval: opts.PollInterval,
		clock:        time.Now,
	}
}

// HolderID identifies this worker process in lock values.
func (l *RedisLocker) HolderID() string { return l.holderID }

func lockKey(sessionID string) string { return "session:lock:" + sessionID }

var reclaimScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = expected current value (the stale value we observed)
-- ARGV[2] = new value
-- ARGV[3] = ttl_ms
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder id prefix ("<holder>:")
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1
`)

func (l *RedisLocker) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	if sessionID == "" {
		return false, ErrInvalidKey
	}
	deadline := l.clock().Add(timeout)
	key := lockKey(sessionID)

	for {
		now := l.clock()
		val := l.holderID + ":" + strconv.FormatInt(now.UnixMilli(), 10)

		// TTL is a backstop slightly beyond the staleness window; explicit
		// reclaim below handles the common crashed-holder case sooner than
		// waiting on expiry alone would under clock drift.
		ok, err := l.rdb.SetNX(ctx, key, val, l.staleAfter+time.Minute).Result()
		if err != nil {
			return false, fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			return true, nil
		}

		current, err := l.rdb.Get(ctx, key).Result()
		if err == nil && l.isStale(current, now) {
			reclaimed, err := reclaimScript.Run(ctx, l.rdb, []string{key},
				current, val, (l.staleAfter + time.Minute).Milliseconds()).Int()
			if err != nil {
				return false, fmt.Errorf("lock reclaim: %w", err)
			}
			if reclaimed == 1 {
				return true, nil
			}
		} else if err != nil && err != redis.Nil {
			return false, fmt.Errorf("lock inspect: %w", err)
		}

		if l.clock().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidKey
	}
	_, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(sessionID)}, l.holderID+":").Result()
	return err
}

func (l *RedisLocker) isStale(value string, now time.Time) bool {
	i := strings.LastIndexByte(value, ':')
	if i < 0 {
		return true
	}
	ms, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(ms)) > l.staleAfter
}
