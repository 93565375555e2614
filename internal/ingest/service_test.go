package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"messaging-platform/internal/audit"
	"messaging-platform/internal/driver"
	"messaging-platform/internal/session"
)

type recordingQueue struct {
	mu    sync.Mutex
	items []Item
	full  bool
}

func (q *recordingQueue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

type recordingApplier struct {
	events []driver.Event
	err    error
}

func (a *recordingApplier) ApplyEvent(ctx context.Context, ev driver.Event) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, ev)
	return nil
}

type recordingConflicts struct {
	sessions []string
	tiers    []int
}

func (c *recordingConflicts) OnMobileActivity(ctx context.Context, workspaceID, sessionID string, tierLevel int) error {
	c.sessions = append(c.sessions, sessionID)
	c.tiers = append(c.tiers, tierLevel)
	return nil
}

func seedSession(t *testing.T, store session.Store, id, workspaceID string, meta map[string]string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), session.Session{
		ID: id, WorkspaceID: workspaceID,
		Provider: session.ProviderAutomated, Status: session.StatusConnected,
		HealthScore: 100, LastActivityAt: now, Metadata: meta,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func textRecords(n int) []ChatRecord {
	out := make([]ChatRecord, n)
	for i := range out {
		out[i] = ChatRecord{
			MessageID: "m" + strconv.Itoa(i),
			Contact:   "+1555",
			Kind:      KindText,
			Body:      "hi",
			Timestamp: time.Now().UTC(),
		}
	}
	return out
}

func newTestService(store session.Store, queue Enqueuer, applier EventApplier, conflicts ConflictNotifier) (*Service, *audit.MemoryRepo) {
	repo := audit.NewMemoryRepo()
	svc := NewService(store, NewMemorySyncLimiter(60, time.Minute), queue, applier, conflicts, audit.NewService(repo), nil)
	return svc, repo
}

func TestIngestBatch_FullBatchQueued(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{}
	svc, _ := newTestService(store, q, &recordingApplier{}, nil)

	res, err := svc.IngestBatch(context.Background(), BatchRequest{
		SessionID: "s1", WorkspaceID: "7", Records: textRecords(MaxBatchSize),
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != "queued" {
		t.Fatalf("expected queued ack, got %q", res.Status)
	}
	if res.Accepted != MaxBatchSize || len(res.Rejected) != 0 {
		t.Fatalf("expected all accepted, got %+v", res)
	}
	if len(q.items) != MaxBatchSize {
		t.Fatalf("expected %d queued items, got %d", MaxBatchSize, len(q.items))
	}
}

func TestIngestBatch_OversizedBatchRejected(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{}
	svc, _ := newTestService(store, q, &recordingApplier{}, nil)

	_, err := svc.IngestBatch(context.Background(), BatchRequest{
		SessionID: "s1", WorkspaceID: "7", Records: textRecords(MaxBatchSize + 1),
	}, "10.0.0.1")
	var tooLarge *BatchTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected batch-size error, got %v", err)
	}
	if tooLarge.Size != 51 {
		t.Fatalf("expected size 51, got %d", tooLarge.Size)
	}
	if len(q.items) != 0 {
		t.Fatalf("oversized batch must not write anything")
	}
}

func TestIngestBatch_WorkspaceMismatchRejectedBeforeWrite(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{}
	svc, repo := newTestService(store, q, &recordingApplier{}, nil)

	// Workspace 8 claims a session owned by workspace 7.
	_, err := svc.IngestBatch(context.Background(), BatchRequest{
		SessionID: "s1", WorkspaceID: "8", Records: textRecords(1),
	}, "10.0.0.1")
	if !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("expected workspace mismatch, got %v", err)
	}
	if len(q.items) != 0 {
		t.Fatalf("mismatch must reject before any write")
	}

	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeSecurity {
		t.Fatalf("expected one security audit event, got %+v", evs)
	}
}

func TestIngestBatch_BadItemRejectsItemNotBatch(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{}
	svc, _ := newTestService(store, q, &recordingApplier{}, nil)

	records := []ChatRecord{
		{MessageID: "m1", Contact: "+1", Kind: KindText, Body: "ok"},
		{MessageID: "m2", Contact: "+1", Kind: "carrier_pigeon", Body: "bad kind"},
		{MessageID: "", Contact: "+1", Kind: KindText, Body: "missing id"},
		{MessageID: "m4", Contact: "+1", Kind: KindMedia, MediaURL: "https://cdn/x.jpg"},
	}
	res, err := svc.IngestBatch(context.Background(), BatchRequest{
		SessionID: "s1", WorkspaceID: "7", Records: records,
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", res.Accepted)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejected, got %+v", res.Rejected)
	}
	if res.Rejected[0].Index != 1 || res.Rejected[0].Field != "kind" {
		t.Fatalf("expected kind rejection at index 1, got %+v", res.Rejected[0])
	}
	if res.Rejected[1].Index != 2 || res.Rejected[1].Field != "message_id" {
		t.Fatalf("expected message_id rejection at index 2, got %+v", res.Rejected[1])
	}
}

func TestIngestBatch_RateLimitCarriesRetryAfter(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{}

	limiter := NewMemorySyncLimiter(2, time.Minute)
	now := time.Now().UTC()
	limiter.SetClock(func() time.Time { return now })
	svc := NewService(store, limiter, q, &recordingApplier{}, nil, nil, nil)

	req := BatchRequest{SessionID: "s1", WorkspaceID: "7", Records: textRecords(1)}
	for i := 0; i < 2; i++ {
		if _, err := svc.IngestBatch(context.Background(), req, ""); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := svc.IngestBatch(context.Background(), req, "")
	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > time.Minute {
		t.Fatalf("expected retry-after within the window, got %s", limited.RetryAfter)
	}

	// A fresh window admits the session again.
	now = now.Add(time.Minute + time.Second)
	if _, err := svc.IngestBatch(context.Background(), req, ""); err != nil {
		t.Fatalf("expected fresh window to admit, got %v", err)
	}
}

func TestIngestBatch_QueueFullSurfacesBackpressure(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	q := &recordingQueue{full: true}
	svc, _ := newTestService(store, q, &recordingApplier{}, nil)

	_, err := svc.IngestBatch(context.Background(), BatchRequest{
		SessionID: "s1", WorkspaceID: "7", Records: textRecords(1),
	}, "")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue-full error, got %v", err)
	}
}

func TestPushStatus_AppliesLifecycleEvent(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	applier := &recordingApplier{}
	svc, _ := newTestService(store, &recordingQueue{}, applier, nil)

	err := svc.PushStatus(context.Background(), StatusPush{
		SessionID: "s1", WorkspaceID: "7", Event: "logged_out", Reason: "phone offline",
	}, "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(applier.events) != 1 || applier.events[0].Kind != driver.EventLoggedOut {
		t.Fatalf("expected logged_out applied, got %+v", applier.events)
	}
	if applier.events[0].Reason != "phone offline" {
		t.Fatalf("expected reason forwarded")
	}
}

func TestPushStatus_UnknownEventRejected(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	svc, _ := newTestService(store, &recordingQueue{}, &recordingApplier{}, nil)

	err := svc.PushStatus(context.Background(), StatusPush{
		SessionID: "s1", WorkspaceID: "7", Event: "rebooted",
	}, "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestPushStatus_WorkspaceMismatchRejected(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)
	applier := &recordingApplier{}
	svc, repo := newTestService(store, &recordingQueue{}, applier, nil)

	err := svc.PushStatus(context.Background(), StatusPush{
		SessionID: "s1", WorkspaceID: "8", Event: "ready",
	}, "10.1.1.1")
	if !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("expected workspace mismatch, got %v", err)
	}
	if len(applier.events) != 0 {
		t.Fatalf("mismatch must not reach the state machine")
	}
	if len(repo.Events()) != 1 {
		t.Fatalf("expected security audit entry")
	}
}

func TestPushStatus_MobileActivityFeedsConflictDetector(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", map[string]string{"speed_tier": "5"})
	applier := &recordingApplier{}
	conflicts := &recordingConflicts{}
	svc, _ := newTestService(store, &recordingQueue{}, applier, conflicts)

	err := svc.PushStatus(context.Background(), StatusPush{
		SessionID: "s1", WorkspaceID: "7", Event: "mobile_activity",
	}, "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(applier.events) != 0 {
		t.Fatalf("mobile activity is not a lifecycle transition")
	}
	if len(conflicts.sessions) != 1 || conflicts.sessions[0] != "s1" {
		t.Fatalf("expected conflict notification for s1")
	}
	if conflicts.tiers[0] != 5 {
		t.Fatalf("expected tier read from metadata, got %d", conflicts.tiers[0])
	}
}

func TestQueue_ActivitySinkTouchesSession(t *testing.T) {
	store := session.NewMemoryStore()
	seedSession(t, store, "s1", "7", nil)

	before, _ := store.Get(context.Background(), "s1")

	sink := NewActivitySink(store)
	sink.clock = func() time.Time { return before.LastActivityAt.Add(time.Hour) }

	err := sink.Process(context.Background(), Item{SessionID: "s1", WorkspaceID: "7"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	after, _ := store.Get(context.Background(), "s1")
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatalf("expected last activity bumped")
	}
}
