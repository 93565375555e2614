package lock

import (
	"context"
	"errors"
	"time"
)

// Locker provides cross-process mutual exclusion keyed by session id.
//
// Rules:
// - Acquire blocks, polling at a fixed interval, until the lock is obtained or
//   timeout elapses. It returns false (not an error) on timeout.
// - A lock older than the staleness window is considered abandoned and may be
//   reclaimed by a different holder.
// - Release is idempotent and only removes locks owned by this holder.
// - Callers must release in a defer covering all exit paths.

type Locker interface {
	Acquire(ctx context.Context, sessionID string, timeout time.Duration) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

var ErrInvalidKey = errors.New("lock: session id is required")

const (
	// DefaultStaleAfter is how old a lock may get before another holder
	// forcibly reclaims it from a crashed owner.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultPollInterval is the acquire retry cadence.
	DefaultPollInterval = 100 * time.Millisecond
)
