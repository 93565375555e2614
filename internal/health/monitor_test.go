package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"messaging-platform/internal/cleanup"
	"messaging-platform/internal/lock"
	"messaging-platform/internal/session"
)

type stubReconnector struct {
	calls int
	err   error
}

func (s *stubReconnector) Reconnect(ctx context.Context, sessionID string) (session.Session, error) {
	s.calls++
	return session.Session{ID: sessionID}, s.err
}

type stubAuditor struct {
	entries []string
}

func (s *stubAuditor) RecordHealthCheck(ctx context.Context, sess session.Session, outcome, reason string) {
	s.entries = append(s.entries, outcome+": "+reason)
}

func seed(t *testing.T, store *session.MemoryStore, id string, status session.Status, score int, lastActivity time.Time, meta map[string]string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), session.Session{
		ID:             id,
		WorkspaceID:    "w1",
		Provider:       session.ProviderAutomated,
		Status:         status,
		HealthScore:    score,
		LastActivityAt: lastActivity,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newTestMonitor(store *session.MemoryStore, rec *stubReconnector, aud *stubAuditor) *Monitor {
	locker := lock.NewMemoryLocker("health-test", time.Minute)
	return NewMonitor(store, locker, rec, aud, Options{
		ViabilityFloor:       20,
		MaxReconnectAttempts: 3,
		BaseBackoff:          time.Minute,
		LockTimeout:          10 * time.Millisecond,
	}, nil)
}

func TestSweep_RefreshesScores(t *testing.T) {
	store := session.NewMemoryStore()
	m := newTestMonitor(store, &stubReconnector{}, nil)

	// Stale connected session whose stored score is out of date.
	seed(t, store, "s1", session.StatusConnected, 100, time.Now().UTC().Add(-2*time.Hour), nil)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	got, _ := store.Get(context.Background(), "s1")
	if got.HealthScore >= 100 {
		t.Fatalf("expected decayed score, got %d", got.HealthScore)
	}
	want := Score(session.StatusConnected, got.LastActivityAt, time.Now().UTC())
	if got.HealthScore != want {
		t.Fatalf("expected deterministic score %d, got %d", want, got.HealthScore)
	}
}

func TestSweep_ReconnectsViableDisconnectedSessions(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{}
	m := newTestMonitor(store, rec, nil)

	seed(t, store, "viable", session.StatusDisconnected, 40, time.Now().UTC(), nil)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one reconnect attempt, got %d", rec.calls)
	}
}

func TestSweep_SkipsSessionsBelowViabilityFloor(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{}
	m := newTestMonitor(store, rec, nil)

	// Score refresh keeps recently-active disconnected at 40, but this one is
	// very stale, so its recomputed score falls under the floor.
	seed(t, store, "hopeless", session.StatusDisconnected, 40, time.Now().UTC().Add(-6*time.Hour), nil)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no reconnect below viability floor, got %d", rec.calls)
	}
}

func TestSweep_RespectsBackoffWindow(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{}
	m := newTestMonitor(store, rec, nil)

	notBefore := time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
	seed(t, store, "cooling", session.StatusDisconnected, 40, time.Now().UTC(), map[string]string{
		metaReconnectAttempts: "1",
		metaReconnectAfter:    notBefore,
	})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no reconnect inside backoff window, got %d", rec.calls)
	}
}

func TestSweep_FailedAttemptIncrementsBookkeeping(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{err: errors.New("agent down")}
	m := newTestMonitor(store, rec, nil)

	seed(t, store, "flaky", session.StatusDisconnected, 40, time.Now().UTC(), nil)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	got, _ := store.Get(context.Background(), "flaky")
	if got.Metadata[metaReconnectAttempts] != "1" {
		t.Fatalf("expected attempt recorded, got %q", got.Metadata[metaReconnectAttempts])
	}
	if got.Metadata[metaReconnectAfter] == "" {
		t.Fatalf("expected backoff window recorded")
	}
}

func TestSweep_ExhaustedBudgetFailsSessionAndAudits(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{err: errors.New("agent down")}
	aud := &stubAuditor{}
	m := newTestMonitor(store, rec, aud)

	seed(t, store, "done", session.StatusDisconnected, 40, time.Now().UTC(), map[string]string{
		metaReconnectAttempts: "3",
	})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	got, _ := store.Get(context.Background(), "done")
	if got.Status != session.StatusFailed {
		t.Fatalf("expected failed after exhausted budget, got %s", got.Status)
	}
	if rec.calls != 0 {
		t.Fatalf("no further reconnects after budget exhaustion")
	}
	if len(aud.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(aud.entries))
	}
	if aud.entries[0] != cleanup.OutcomeFailed+": reconnect attempts exhausted (3)" {
		t.Fatalf("unexpected audit entry: %q", aud.entries[0])
	}
}

func TestSweep_SuccessfulReconnectClearsAttempts(t *testing.T) {
	store := session.NewMemoryStore()
	rec := &stubReconnector{}
	m := newTestMonitor(store, rec, nil)

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	seed(t, store, "back", session.StatusDisconnected, 40, time.Now().UTC(), map[string]string{
		metaReconnectAttempts: "2",
		metaReconnectAfter:    past,
	})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected reconnect attempt, got %d", rec.calls)
	}
	got, _ := store.Get(context.Background(), "back")
	if _, ok := got.Metadata[metaReconnectAttempts]; ok {
		t.Fatalf("expected attempt counter cleared")
	}
}
