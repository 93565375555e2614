package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"messaging-platform/internal/pacing"
	"messaging-platform/internal/provider"
)

type memoryGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryGuard() *memoryGuard { return &memoryGuard{held: make(map[string]bool)} }

func (g *memoryGuard) Acquire(ctx context.Context, campaignID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[campaignID] {
		return false, nil
	}
	g.held[campaignID] = true
	return true, nil
}

func (g *memoryGuard) Release(ctx context.Context, campaignID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, campaignID)
	return nil
}

type scriptedProvider struct {
	name      string
	available bool
	err       error
	sent      []string
}

func (p *scriptedProvider) Name() string                                     { return p.name }
func (p *scriptedProvider) IsAvailable(ctx context.Context, wid string) bool { return p.available }
func (p *scriptedProvider) HealthInfo(ctx context.Context, wid string) (provider.HealthInfo, error) {
	return provider.HealthInfo{}, nil
}
func (p *scriptedProvider) SendMessage(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	if p.err != nil {
		return provider.SendResult{Provider: p.name}, p.err
	}
	p.sent = append(p.sent, req.To)
	return provider.SendResult{Success: true, Provider: p.name}, nil
}
func (p *scriptedProvider) SendMedia(ctx context.Context, req provider.SendMediaRequest) (provider.SendResult, error) {
	return provider.SendResult{Success: true, Provider: p.name}, nil
}
func (p *scriptedProvider) SendTemplate(ctx context.Context, req provider.SendTemplateRequest) (provider.SendResult, error) {
	return provider.SendResult{Success: true, Provider: p.name}, nil
}

func newTestSender(q JobQueue, providers []provider.Provider, detector *pacing.Detector) *Sender {
	sel := provider.NewSelector(providers, nil, nil)
	s := NewSender(q, sel, detector, newMemoryGuard(), SenderOptions{
		RequeueBackoff:  time.Minute,
		MaxSendAttempts: 3,
	}, nil)
	// Tests never really sleep.
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func enqueue(t *testing.T, q JobQueue, id, campaignID, contact string) {
	t.Helper()
	now := time.Now().UTC()
	err := q.Enqueue(context.Background(), SendJob{
		ID: id, CampaignID: campaignID, WorkspaceID: "w1", SessionID: "s1",
		Contact: contact, Body: "hello", SpeedTier: 3,
		Status: JobPending, NotBefore: now.Add(-time.Second),
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestSender_DrainsQueueWithAttribution(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: true}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	s := newTestSender(q, []provider.Provider{p}, detector)

	enqueue(t, q, "j1", "c1", "+100")
	enqueue(t, q, "j2", "c1", "+200")

	sent, err := s.Run(context.Background(), "c1", "w1", "s1", 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sends, got %d", sent)
	}
	for _, id := range []string{"j1", "j2"} {
		j, _ := q.Job(id)
		if j.Status != JobSent {
			t.Fatalf("%s: expected sent, got %s", id, j.Status)
		}
		if j.Provider != "automated" {
			t.Fatalf("%s: expected provider attribution, got %q", id, j.Provider)
		}
	}
}

func TestSender_RequeuesWhenNoProviderAvailable(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: false}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	s := newTestSender(q, []provider.Provider{p}, detector)

	enqueue(t, q, "j1", "c1", "+100")

	sent, err := s.Run(context.Background(), "c1", "w1", "s1", 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected no sends, got %d", sent)
	}
	j, _ := q.Job("j1")
	if j.Status != JobPending {
		t.Fatalf("expected job requeued pending, got %s", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("expected retry bookkeeping, got attempts=%d", j.Attempts)
	}
	if !j.NotBefore.After(time.Now().UTC()) {
		t.Fatalf("expected backoff not_before in the future")
	}
}

func TestSender_FailsJobAfterRetryBudget(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: false}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	s := newTestSender(q, []provider.Provider{p}, detector)

	now := time.Now().UTC()
	err := q.Enqueue(context.Background(), SendJob{
		ID: "j1", CampaignID: "c1", WorkspaceID: "w1",
		Contact: "+100", Body: "hello",
		Status: JobPending, NotBefore: now.Add(-time.Second),
		Attempts:  2, // one attempt left of the budget of 3
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := s.Run(context.Background(), "c1", "w1", "s1", 3); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	j, _ := q.Job("j1")
	if j.Status != JobFailed {
		t.Fatalf("expected failed after retry budget, got %s", j.Status)
	}
}

func TestSender_SendErrorFallsThroughToRequeue(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: true, err: errors.New("driver crash")}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	s := newTestSender(q, []provider.Provider{p}, detector)

	enqueue(t, q, "j1", "c1", "+100")

	// A send error after availability passed falls through the selector as
	// no-provider; with a fresh job that means requeue, not failure.
	sent, err := s.Run(context.Background(), "c1", "w1", "s1", 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected no sends, got %d", sent)
	}
	j, _ := q.Job("j1")
	if j.Status != JobPending || j.Attempts != 1 {
		t.Fatalf("expected requeue bookkeeping, got status=%s attempts=%d", j.Status, j.Attempts)
	}
}

func TestSender_ConflictHoldsSendsUntilCooldownExpires(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: true}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 2, nil)

	// Simulated time: sleeps advance the clock instead of blocking, so the
	// loop's pause polling plays out against the real cooldown arithmetic.
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	detector.SetClock(clock)

	sel := provider.NewSelector([]provider.Provider{p}, nil, nil)
	s := NewSender(q, sel, detector, newMemoryGuard(), SenderOptions{}, nil)
	s.clock = clock
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
		return ctx.Err()
	}

	start := clock()
	err := q.Enqueue(context.Background(), SendJob{
		ID: "j1", CampaignID: "c1", WorkspaceID: "w1", SessionID: "s1",
		Contact: "+100", Body: "hello", SpeedTier: 1,
		Status: JobPending, NotBefore: start.Add(-time.Second),
		CreatedAt: start, UpdatedAt: start,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.OnMobileActivity(context.Background(), "w1", "s1", 1); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	expiry := start.Add(pacing.TierFor(1).ConflictCooldown)

	// The tier-1 cooldown takes many poll intervals to pass, far more than the
	// attempt cap of 2: polling must not shorten it.
	sent, err := s.Run(context.Background(), "c1", "w1", "s1", 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected send after cooldown, got %d", sent)
	}
	if clock().Before(expiry) {
		t.Fatalf("send allowed %s after conflict, before cooldown expiry (%s)",
			clock().Sub(start), pacing.TierFor(1).ConflictCooldown)
	}
	if len(p.sent) != 1 {
		t.Fatalf("expected exactly one send")
	}
}

func TestSender_RequeuedJobPickedUpByNextSweep(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: false}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	s := newTestSender(q, []provider.Provider{p}, detector)

	var mu sync.Mutex
	now := time.Now().UTC()
	s.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	enqueue(t, q, "j1", "c1", "+100")
	if _, err := s.Run(context.Background(), "c1", "w1", "s1", 3); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if j, _ := q.Job("j1"); j.Status != JobPending {
		t.Fatalf("expected requeued pending job, got %s", j.Status)
	}

	// The backoff holds: no campaign is due yet.
	refs, err := q.DueCampaigns(context.Background(), s.clock())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected no due campaigns during backoff, got %d", len(refs))
	}

	// Provider recovers; once the backoff elapses the sweep retries the job.
	p.available = true
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	sent, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected one send on sweep, got %d", sent)
	}
	if j, _ := q.Job("j1"); j.Status != JobSent {
		t.Fatalf("expected sent after sweep, got %s", j.Status)
	}
}

func TestSender_SecondRunnerBacksOff(t *testing.T) {
	q := NewMemoryQueue()
	p := &scriptedProvider{name: "automated", available: true}
	detector := pacing.NewDetector(pacing.NewMemoryConflictStore(), 3, nil)
	guard := newMemoryGuard()

	sel := provider.NewSelector([]provider.Provider{p}, nil, nil)
	s := NewSender(q, sel, detector, guard, SenderOptions{}, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	if ok, _ := guard.Acquire(context.Background(), "c1"); !ok {
		t.Fatalf("setup acquire failed")
	}

	enqueue(t, q, "j1", "c1", "+100")
	sent, err := s.Run(context.Background(), "c1", "w1", "s1", 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sent != 0 {
		t.Fatalf("second runner must not send, got %d", sent)
	}
	j, _ := q.Job("j1")
	if j.Status != JobPending {
		t.Fatalf("job must be untouched by backed-off runner")
	}
}
