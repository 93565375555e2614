package health

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"messaging-platform/internal/cleanup"
	"messaging-platform/internal/lock"
	"messaging-platform/internal/session"
)

// Reconnector is the slice of the session manager the monitor drives.
type Reconnector interface {
	Reconnect(ctx context.Context, sessionID string) (session.Session, error)
}

// Auditor records health-check outcomes on the cleanup audit trail.
type Auditor interface {
	RecordHealthCheck(ctx context.Context, sess session.Session, outcome, reason string)
}

// Monitor periodically recomputes session health and reconnects viable
// disconnected sessions.
//
// Reconnect policy:
// - Only sessions in disconnected with health at or above the viability floor.
// - Bounded attempts with increasing backoff; bookkeeping lives in session
//   metadata so any worker instance can pick up where another left off.
// - Exceeding the attempt budget moves the session to failed and writes a
//   health_check audit entry.
//
// Safe to run redundantly across workers: every mutation goes through the
// lock manager.

type Monitor struct {
	store       session.Store
	locks       lock.Locker
	reconnector Reconnector
	auditor     Auditor

	opts  Options
	clock func() time.Time
	log   *slog.Logger
}

type Options struct {
	// ViabilityFloor is the minimum health score for auto-reconnect.
	ViabilityFloor int
	// MaxReconnectAttempts bounds retries before the session is failed.
	MaxReconnectAttempts int
	// BaseBackoff is the delay after the first failed attempt; it doubles per
	// attempt.
	BaseBackoff time.Duration
	// LockTimeout for score updates; short, the sweep just skips busy sessions.
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ViabilityFloor <= 0 {
		out.ViabilityFloor = 20
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = time.Minute
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = time.Second
	}
	return out
}

const (
	metaReconnectAttempts = "reconnect_attempts"
	metaReconnectAfter    = "reconnect_not_before"
)

func NewMonitor(store session.Store, locks lock.Locker, reconnector Reconnector, auditor Auditor, opts Options, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:       store,
		locks:       locks,
		reconnector: reconnector,
		auditor:     auditor,
		opts:        opts.withDefaults(),
		clock:       time.Now,
		log:         log,
	}
}

// Sweep runs one health pass: refresh scores, then attempt reconnects.
func (m *Monitor) Sweep(ctx context.Context) error {
	active, err := m.store.ListByStatus(ctx,
		session.StatusInitializing, session.StatusQRPending, session.StatusAuthenticated,
		session.StatusConnected, session.StatusDisconnected)
	if err != nil {
		return err
	}

	now := m.clock().UTC()
	for _, sess := range active {
		if err := m.refreshScore(ctx, sess, now); err != nil {
			m.log.Warn("health score update failed", "session_id", sess.ID, "err", err)
		}
	}

	for _, sess := range active {
		if sess.Status != session.StatusDisconnected {
			continue
		}
		m.maybeReconnect(ctx, sess.ID, now)
	}
	return nil
}

// refreshScore persists the recomputed score under the session lock. Busy
// sessions are skipped; the next sweep catches them.
func (m *Monitor) refreshScore(ctx context.Context, sess session.Session, now time.Time) error {
	want := Score(sess.Status, sess.LastActivityAt, now)
	if want == sess.HealthScore {
		return nil
	}

	ok, err := m.locks.Acquire(ctx, sess.ID, m.opts.LockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer m.release(sess.ID)

	cur, err := m.store.Get(ctx, sess.ID)
	if err != nil {
		return err
	}
	cur.HealthScore = Score(cur.Status, cur.LastActivityAt, now)
	cur.UpdatedAt = now
	return m.store.Update(ctx, cur)
}

// maybeReconnect applies the backoff/attempt policy for one disconnected
// session. The bookkeeping read-modify-write happens under the lock; the
// reconnect itself goes through the manager, which takes the lock again, so we
// must not hold it across that call.
func (m *Monitor) maybeReconnect(ctx context.Context, sessionID string, now time.Time) {
	ok, err := m.locks.Acquire(ctx, sessionID, m.opts.LockTimeout)
	if err != nil || !ok {
		return
	}

	cur, err := m.store.Get(ctx, sessionID)
	if err != nil || cur.Status != session.StatusDisconnected {
		m.release(sessionID)
		return
	}
	if cur.HealthScore < m.opts.ViabilityFloor {
		m.release(sessionID)
		return
	}

	attempts := metaInt(cur.Metadata, metaReconnectAttempts)
	if after := metaTime(cur.Metadata, metaReconnectAfter); !after.IsZero() && now.Before(after) {
		m.release(sessionID)
		return
	}

	if attempts >= m.opts.MaxReconnectAttempts {
		// Budget exhausted: terminal.
		if session.CanTransition(cur.Status, session.StatusFailed) {
			cur.Status = session.StatusFailed
			cur.LastActivityAt = now
			cur.UpdatedAt = now
			if err := m.store.Update(ctx, cur); err != nil {
				m.log.Error("failed to terminalize session", "session_id", sessionID, "err", err)
			} else if m.auditor != nil {
				m.auditor.RecordHealthCheck(ctx, cur, cleanup.OutcomeFailed,
					"reconnect attempts exhausted ("+strconv.Itoa(attempts)+")")
			}
		}
		m.release(sessionID)
		return
	}

	m.release(sessionID)

	_, err = m.reconnector.Reconnect(ctx, sessionID)
	if err == nil {
		m.markReconnected(ctx, sessionID, now)
		return
	}
	if errors.Is(err, session.ErrBusy) {
		return
	}
	m.recordFailedAttempt(ctx, sessionID, attempts, now)
}

func (m *Monitor) recordFailedAttempt(ctx context.Context, sessionID string, prevAttempts int, now time.Time) {
	ok, err := m.locks.Acquire(ctx, sessionID, m.opts.LockTimeout)
	if err != nil || !ok {
		return
	}
	defer m.release(sessionID)

	cur, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	attempts := prevAttempts + 1
	backoff := m.opts.BaseBackoff << (attempts - 1)
	if cur.Metadata == nil {
		cur.Metadata = make(map[string]string)
	}
	cur.Metadata[metaReconnectAttempts] = strconv.Itoa(attempts)
	cur.Metadata[metaReconnectAfter] = now.Add(backoff).Format(time.RFC3339)
	cur.UpdatedAt = now
	if err := m.store.Update(ctx, cur); err != nil {
		m.log.Error("reconnect bookkeeping failed", "session_id", sessionID, "err", err)
	}
}

// markReconnected clears the attempt counter and sets a short settle window so
// the next sweep does not restart a session that is still authenticating.
func (m *Monitor) markReconnected(ctx context.Context, sessionID string, now time.Time) {
	ok, err := m.locks.Acquire(ctx, sessionID, m.opts.LockTimeout)
	if err != nil || !ok {
		return
	}
	defer m.release(sessionID)

	cur, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if cur.Metadata == nil {
		cur.Metadata = make(map[string]string)
	}
	delete(cur.Metadata, metaReconnectAttempts)
	cur.Metadata[metaReconnectAfter] = now.Add(m.opts.BaseBackoff).Format(time.RFC3339)
	_ = m.store.Update(ctx, cur)
}

func (m *Monitor) release(sessionID string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.locks.Release(releaseCtx, sessionID)
}

func metaInt(meta map[string]string, key string) int {
	if meta == nil {
		return 0
	}
	n, _ := strconv.Atoi(meta[key])
	return n
}

func metaTime(meta map[string]string, key string) time.Time {
	if meta == nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, meta[key])
	return t
}
