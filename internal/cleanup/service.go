package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"messaging-platform/internal/lock"
	"messaging-platform/internal/session"

	"github.com/google/uuid"
)

// Repository is the persistence contract for the cleanup audit trail.
//
// It MUST be append-only. No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e LogEntry) error
	CountSince(ctx context.Context, action Action, since time.Time) (int, error)
}

// Service finds long-stale sessions, moves them to a terminal state and
// records the audit trail.
//
// Safety:
// - Every mutation routes through the lock manager, so running the scan on
//   every worker instance concurrently is safe.
// - A session whose lock is held by another worker is skipped, never touched.
// - Audit failures are logged but do not block the cleanup itself.

type Service struct {
	store session.Store
	locks lock.Locker
	repo  Repository

	opts  Options
	clock func() time.Time
	log   *slog.Logger
}

type Options struct {
	// InactiveAfter is how long a disconnected/failed/stuck-qr session may
	// idle before it is cleaned up.
	InactiveAfter time.Duration

	// LockTimeout is intentionally short: a held lock means another worker is
	// operating the session right now, and the scan should move on.
	LockTimeout time.Duration

	// LowHealthBelow is the health score threshold for the stats endpoint.
	LowHealthBelow int
}

func (o Options) withDefaults() Options {
	out := o
	if out.InactiveAfter <= 0 {
		out.InactiveAfter = 24 * time.Hour
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = time.Second
	}
	if out.LowHealthBelow <= 0 {
		out.LowHealthBelow = 30
	}
	return out
}

func NewService(store session.Store, locks lock.Locker, repo Repository, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		locks: locks,
		repo:  repo,
		opts:  opts.withDefaults(),
		clock: time.Now,
		log:   log,
	}
}

var ErrInvalidReason = errors.New("cleanup: reason is required")

// Run executes one cleanup cycle and returns how many sessions were cleaned.
// Idempotent: a second run over the same data finds nothing left to do.
func (s *Service) Run(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.opts.InactiveAfter)
	stale, err := s.store.ListInactiveSince(ctx, cutoff,
		session.StatusDisconnected, session.StatusFailed, session.StatusQRPending)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, sess := range stale {
		ok, err := s.cleanupOne(ctx, sess, "inactive beyond threshold")
		if err != nil {
			s.log.Warn("cleanup failed", "session_id", sess.ID, "err", err)
			continue
		}
		if ok {
			cleaned++
		}
	}
	return cleaned, nil
}

// CleanupSession terminates one session with an operator-supplied reason.
func (s *Service) CleanupSession(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		return ErrInvalidReason
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	ok, err := s.cleanupOne(ctx, sess, reason)
	if err != nil {
		return err
	}
	if !ok {
		return session.ErrBusy
	}
	return nil
}

func (s *Service) cleanupOne(ctx context.Context, sess session.Session, reason string) (bool, error) {
	acquired, err := s.locks.Acquire(ctx, sess.ID, s.opts.LockTimeout)
	if err != nil {
		return false, err
	}
	if !acquired {
		// Another worker is operating this session; never touch it.
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.locks.Release(releaseCtx, sess.ID)
	}()

	// Re-read under lock; the record may have changed since the scan.
	cur, err := s.store.Get(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	if cur.Status == session.StatusFailed {
		// Already terminal: only record the sweep outcome.
		s.append(ctx, cur, ActionCleanup, OutcomeSkipped, "already terminal: "+reason)
		return false, nil
	}
	if !session.CanTransition(cur.Status, session.StatusFailed) {
		s.append(ctx, cur, ActionCleanup, OutcomeSkipped, fmt.Sprintf("status %s not cleanable", cur.Status))
		return false, nil
	}

	now := s.clock().UTC()
	cur.Status = session.StatusFailed
	cur.LastActivityAt = now
	cur.UpdatedAt = now
	if err := s.store.Update(ctx, cur); err != nil {
		s.append(ctx, cur, ActionCleanup, OutcomeFailed, err.Error())
		return false, err
	}

	s.append(ctx, cur, ActionCleanup, OutcomeSuccess, reason)
	return true, nil
}

// RecordHealthCheck lets the health monitor write its failure audit entries
// through the same append-only trail.
func (s *Service) RecordHealthCheck(ctx context.Context, sess session.Session, outcome, reason string) {
	s.append(ctx, sess, ActionHealthCheck, outcome, reason)
}

// Stats aggregates cleanup activity and current session health.
func (s *Service) Stats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := s.clock().UTC().AddDate(0, 0, -days)
	cleanups, err := s.repo.CountSince(ctx, ActionCleanup, since)
	if err != nil {
		return Stats{}, err
	}

	byStatus := make(map[string]int)
	lowHealth := 0
	all, err := s.store.ListByStatus(ctx,
		session.StatusInitializing, session.StatusQRPending, session.StatusAuthenticated,
		session.StatusConnected, session.StatusDisconnected, session.StatusFailed)
	if err != nil {
		return Stats{}, err
	}
	for _, sess := range all {
		byStatus[string(sess.Status)]++
		if sess.HealthScore < s.opts.LowHealthBelow && !sess.Status.Terminal() {
			lowHealth++
		}
	}

	return Stats{
		CleanupsLastNDays: cleanups,
		Days:              days,
		SessionsByStatus:  byStatus,
		LowHealthSessions: lowHealth,
	}, nil
}

func (s *Service) append(ctx context.Context, sess session.Session, action Action, outcome, reason string) {
	e := LogEntry{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		WorkspaceID: sess.WorkspaceID,
		Action:      action,
		Outcome:     outcome,
		Reason:      reason,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.repo.Append(ctx, e); err != nil {
		s.log.Error("audit append failed", "session_id", sess.ID, "action", action, "err", err)
	}
}
