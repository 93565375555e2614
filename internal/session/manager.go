package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"messaging-platform/internal/driver"
	"messaging-platform/internal/lock"
)

// DriverFactory builds a driver handle for one automated session.
type DriverFactory func(sessionID string) driver.Driver

// Manager owns the in-process registry of live automation-driver handles and
// drives the session state machine.
//
// Concurrency contract:
// - Every mutating operation acquires the session's distributed lock first and
//   releases it in a defer, so a panic or timeout never leaves the lock held.
// - The store is authoritative; the driver registry is a per-worker cache.
// - Lock timeout surfaces as ErrBusy; the caller retries, we do not.
// - A driver failure moves the session to failed and is reported. Reconnects
//   are the health monitor's job, never retried inline here.

type Manager struct {
	store     Store
	locks     lock.Locker
	newDriver DriverFactory

	opts  ManagerOptions
	clock func() time.Time
	log   *slog.Logger

	mu      sync.Mutex
	drivers map[string]driver.Driver
	pumps   sync.WaitGroup
}

type ManagerOptions struct {
	// LockTimeout bounds how long a mutating call waits for the session lock.
	LockTimeout time.Duration
	// OpTimeout bounds each driver round trip.
	OpTimeout time.Duration
	// MultiSession permits more than one connected automated session per
	// workspace.
	MultiSession bool
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.LockTimeout <= 0 {
		out.LockTimeout = 10 * time.Second
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = 30 * time.Second
	}
	return out
}

func NewManager(store Store, locks lock.Locker, newDriver DriverFactory, opts ManagerOptions, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		locks:     locks,
		newDriver: newDriver,
		opts:      opts.withDefaults(),
		clock:     time.Now,
		log:       log,
		drivers:   make(map[string]driver.Driver),
	}
}

type CreateOptions struct {
	Provider ProviderType      `json:"provider"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateSession registers a new session record and starts its driver.
// The caller gets the record back in initializing; qr_pending and later states
// arrive asynchronously through driver events.
func (m *Manager) CreateSession(ctx context.Context, sessionID, workspaceID string, opts CreateOptions) (Session, error) {
	if sessionID == "" || workspaceID == "" {
		return Session{}, ErrInvalidArgument
	}
	if opts.Provider == "" {
		opts.Provider = ProviderAutomated
	}
	if !opts.Provider.Valid() {
		return Session{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidArgument, opts.Provider)
	}

	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer release()

	if _, err := m.store.Get(ctx, sessionID); err == nil {
		return Session{}, fmt.Errorf("%w: session %q already exists", ErrInvalidArgument, sessionID)
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	if !m.opts.MultiSession && opts.Provider == ProviderAutomated {
		n, err := m.store.CountConnected(ctx, workspaceID, opts.Provider)
		if err != nil {
			return Session{}, err
		}
		if n > 0 {
			return Session{}, ErrAlreadyConnected
		}
	}

	now := m.clock().UTC()
	s := Session{
		ID:             sessionID,
		WorkspaceID:    workspaceID,
		Provider:       opts.Provider,
		Status:         StatusInitializing,
		HealthScore:    50,
		LastActivityAt: now,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, err
	}

	if opts.Provider == ProviderAutomated {
		if err := m.startDriver(ctx, &s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// GetStatus returns the authoritative session record. Read-only: no lock.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	return m.store.Get(ctx, sessionID)
}

// ListSessions returns all sessions for a workspace.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	return m.store.List(ctx, workspaceID)
}

// Disconnect stops the driver and moves the session to disconnected.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer release()

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !CanTransition(s.Status, StatusDisconnected) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, StatusDisconnected)
	}

	m.stopDriver(ctx, sessionID)
	return m.transitionLocked(ctx, s, StatusDisconnected)
}

// Reconnect restarts the driver for an existing disconnected session, reusing
// its identity and workspace association.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	release, err := m.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer release()

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, s.Status)
	}
	if s.Provider != ProviderAutomated {
		return s, fmt.Errorf("%w: reconnect applies to automated sessions", ErrInvalidArgument)
	}

	m.stopDriver(ctx, sessionID)
	if s.Status != StatusDisconnected {
		if !CanTransition(s.Status, StatusDisconnected) {
			return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, StatusDisconnected)
		}
		s, err = m.transitionLocked(ctx, s, StatusDisconnected)
		if err != nil {
			return s, err
		}
	}

	if err := m.startDriver(ctx, &s); err != nil {
		return s, err
	}
	return s, nil
}

// RegenerateQR forces a fresh scannable credential without discarding the
// session's workspace association. The new code arrives as a qr event.
func (m *Manager) RegenerateQR(ctx context.Context, sessionID string) (Session, error) {
	return m.Reconnect(ctx, sessionID)
}

// ApplyEvent runs one driver event through the locked transition path. It is
// exported for the worker-plane status push, which reports events observed by
// another process.
func (m *Manager) ApplyEvent(ctx context.Context, ev driver.Event) error {
	target, ok := eventTarget(ev.Kind)
	if !ok {
		// Non-lifecycle events (messages, mobile activity) are not ours.
		return nil
	}

	release, err := m.acquire(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	defer release()

	s, err := m.store.Get(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if s.Status == target {
		// Duplicate event (e.g. refreshed qr code): touch activity only.
		_, err = m.touchLocked(ctx, s, ev)
		return err
	}
	if !CanTransition(s.Status, target) {
		return fmt.Errorf("%w: %s -> %s (event %s)", ErrIllegalTransition, s.Status, target, ev.Kind)
	}

	if ev.PhoneNumber != "" {
		s.PhoneNumber = ev.PhoneNumber
	}
	if ev.QRCode != "" {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata["qr_code"] = ev.QRCode
	}
	_, err = m.transitionLocked(ctx, s, target)
	return err
}

func eventTarget(kind driver.EventKind) (Status, bool) {
	switch kind {
	case driver.EventQR:
		return StatusQRPending, true
	case driver.EventAuthenticated:
		return StatusAuthenticated, true
	case driver.EventReady:
		return StatusConnected, true
	case driver.EventLoggedOut:
		return StatusDisconnected, true
	case driver.EventFailure:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Driver returns the live driver handle for a session, if this worker owns one.
func (m *Manager) Driver(sessionID string) (driver.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[sessionID]
	return d, ok
}

// Close disconnects all drivers owned by this worker and waits for their event
// pumps to drain.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopDriver(ctx, id)
	}
	m.pumps.Wait()
}

// --- internals (caller must hold the session lock) ---

func (m *Manager) acquire(ctx context.Context, sessionID string) (func(), error) {
	ok, err := m.locks.Acquire(ctx, sessionID, m.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		// Release must survive a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.locks.Release(releaseCtx, sessionID); err != nil {
			m.log.Error("lock release failed", "session_id", sessionID, "err", err)
		}
	}, nil
}

func (m *Manager) startDriver(ctx context.Context, s *Session) error {
	d := m.newDriver(s.ID)

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	if err := d.Connect(opCtx); err != nil {
		// A timed-out or failed connect must not leave the record ambiguous.
		if failed, ferr := m.transitionLocked(ctx, *s, StatusFailed); ferr == nil {
			*s = failed
		}
		return fmt.Errorf("driver connect: %w", err)
	}

	m.mu.Lock()
	m.drivers[s.ID] = d
	m.mu.Unlock()

	m.pumps.Add(1)
	go m.pumpEvents(s.ID, d)
	return nil
}

func (m *Manager) stopDriver(ctx context.Context, sessionID string) {
	m.mu.Lock()
	d, ok := m.drivers[sessionID]
	delete(m.drivers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	if err := d.Disconnect(opCtx); err != nil {
		m.log.Warn("driver disconnect failed", "session_id", sessionID, "err", err)
	}
}

func (m *Manager) pumpEvents(sessionID string, d driver.Driver) {
	defer m.pumps.Done()
	for ev := range d.Events() {
		ev.SessionID = sessionID
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpTimeout)
		if err := m.ApplyEvent(ctx, ev); err != nil {
			m.log.Warn("event rejected", "session_id", sessionID, "kind", ev.Kind, "err", err)
		}
		cancel()
	}
}

// transitionLocked persists a status change; every transition bumps
// last_activity_at and is stored before being acknowledged.
func (m *Manager) transitionLocked(ctx context.Context, s Session, to Status) (Session, error) {
	if !CanTransition(s.Status, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
	}
	now := m.clock().UTC()
	s.Status = to
	s.LastActivityAt = now
	s.UpdatedAt = now
	if to == StatusConnected {
		t := now
		s.LastConnectedAt = &t
	}
	if err := m.store.Update(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) touchLocked(ctx context.Context, s Session, ev driver.Event) (Session, error) {
	now := m.clock().UTC()
	s.LastActivityAt = now
	s.UpdatedAt = now
	if ev.QRCode != "" {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata["qr_code"] = ev.QRCode
	}
	if err := m.store.Update(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}
