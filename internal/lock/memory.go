package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker useful for tests and single-worker
// deployments. It honours the same staleness semantics as the Redis locker.

type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock

	holderID     string
	staleAfter   time.Duration
	pollInterval time.Duration

	// Clock is injectable for deterministic staleness tests.
	Clock func() time.Time
}

type memoryLock struct {
	holder     string
	acquiredAt time.Time
}

func NewMemoryLocker(holderID string, staleAfter time.Duration) *MemoryLocker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &MemoryLocker{
		locks:        make(map[string]memoryLock),
		holderID:     holderID,
		staleAfter:   staleAfter,
		pollInterval: time.Millisecond,
		Clock:        time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, sessionID string, timeout time.Duration) (bool, error) {
	if sessionID == "" {
		return false, ErrInvalidKey
	}
	deadline := l.Clock().Add(timeout)
	for {
		if l.tryAcquire(sessionID) {
			return true, nil
		}
		if !l.Clock().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *MemoryLocker) tryAcquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Clock()
	cur, held := l.locks[sessionID]
	if held && now.Sub(cur.acquiredAt) <= l.staleAfter {
		return false
	}
	// Free or stale: take it.
	l.locks[sessionID] = memoryLock{holder: l.holderID, acquiredAt: now}
	return true
}

func (l *MemoryLocker) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[sessionID]; ok && cur.holder == l.holderID {
		delete(l.locks, sessionID)
	}
	return nil
}

// Held reports whether sessionID is currently locked (test helper).
func (l *MemoryLocker) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[sessionID]
	return ok && l.Clock().Sub(cur.acquiredAt) <= l.staleAfter
}
