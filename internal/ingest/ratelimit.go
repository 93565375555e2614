package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SyncLimiter throttles sync calls per session. Allow returns whether the call
// may proceed and, when denied, how long the caller should wait.
type SyncLimiter interface {
	Allow(ctx context.Context, sessionID string) (bool, time.Duration, error)
}

// DefaultSyncLimit is requests per window per session.
const (
	DefaultSyncLimit  = 60
	DefaultSyncWindow = time.Minute
)

var syncLimitScript = redis.NewScript(`
-- KEYS[1] = window counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = window_ms (int)
--
-- Returns: {allowed (0/1), retry_after_ms}
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    ttl = tonumber(ARGV[2])
  end
  return {0, ttl}
end
return {1, 0}
`)

// RedisSyncLimiter is a fixed-window counter shared by all workers.
type RedisSyncLimiter struct {
	rdb    *redis.Client
	Limit  int
	Window time.Duration
}

func NewRedisSyncLimiter(rdb *redis.Client) *RedisSyncLimiter {
	return &RedisSyncLimiter{rdb: rdb, Limit: DefaultSyncLimit, Window: DefaultSyncWindow}
}

func (l *RedisSyncLimiter) Allow(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	if sessionID == "" {
		return false, 0, ErrInvalidArgument
	}
	res, err := syncLimitScript.Run(ctx, l.rdb,
		[]string{"sync:rate:" + sessionID}, l.Limit, l.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sync limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sync limit script: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// MemorySyncLimiter is a single-process fixed window useful for tests.
type MemorySyncLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   func() time.Time
	windows map[string]*countWindow
}

type countWindow struct {
	count   int
	resetAt time.Time
}

func NewMemorySyncLimiter(limit int, window time.Duration) *MemorySyncLimiter {
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	if window <= 0 {
		window = DefaultSyncWindow
	}
	return &MemorySyncLimiter{
		limit:   limit,
		window:  window,
		clock:   time.Now,
		windows: make(map[string]*countWindow),
	}
}

// SetClock overrides time for tests.
func (l *MemorySyncLimiter) SetClock(clock func() time.Time) { l.clock = clock }

func (l *MemorySyncLimiter) Allow(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	if sessionID == "" {
		return false, 0, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[sessionID]
	if !ok || !now.Before(w.resetAt) {
		w = &countWindow{resetAt: now.Add(l.window)}
		l.windows[sessionID] = w
	}
	w.count++
	if w.count > l.limit {
		return false, w.resetAt.Sub(now), nil
	}
	return true, 0, nil
}
