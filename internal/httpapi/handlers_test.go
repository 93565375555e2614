package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"messaging-platform/internal/audit"
	"messaging-platform/internal/auth"
	"messaging-platform/internal/campaign"
	"messaging-platform/internal/cleanup"
	"messaging-platform/internal/driver"
	"messaging-platform/internal/ingest"
	"messaging-platform/internal/lock"
	"messaging-platform/internal/session"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

type testEnv struct {
	store   *session.MemoryStore
	manager *session.Manager
	router  *gin.Engine
	queue   *capturedQueue
	limiter *ingest.MemorySyncLimiter
	jobs    *campaign.MemoryQueue
	audits  *audit.MemoryRepo
}

type capturedQueue struct {
	items []ingest.Item
}

func (q *capturedQueue) Enqueue(item ingest.Item) error {
	q.items = append(q.items, item)
	return nil
}

func newTestEnv(t *testing.T, workspaceID string) *testEnv {
	t.Helper()
	store := session.NewMemoryStore()
	locks := lock.NewMemoryLocker("worker-test", lock.DefaultStaleAfter)
	manager := session.NewManager(store, locks, func(id string) driver.Driver {
		return driver.NewFake()
	}, session.ManagerOptions{}, nil)
	t.Cleanup(func() { manager.Close(context.Background()) })

	cleanupSvc := cleanup.NewService(store, locks, cleanup.NewMemoryRepo(), cleanup.Options{}, nil)

	queue := &capturedQueue{}
	limiter := ingest.NewMemorySyncLimiter(60, time.Minute)
	ingestSvc := ingest.NewService(store, limiter, queue, manager, nil, nil, nil)

	jobs := campaign.NewMemoryQueue()
	auditRepo := audit.NewMemoryRepo()
	h := Handlers{
		Sessions: manager, Cleanup: cleanupSvc, Ingest: ingestSvc,
		Jobs: jobs, Audits: audit.NewService(auditRepo),
	}

	r := gin.New()
	// Stand-in for the JWT middleware: inject a fixed identity.
	identity := func(c *gin.Context) {
		c.Request = c.Request.WithContext(
			auth.WithIdentity(c.Request.Context(), "u1", workspaceID, "owner"))
		c.Next()
	}

	v1 := r.Group("/v1", identity)
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/sessions/:session_id", h.GetSessionStatus)
	v1.POST("/sessions/:session_id/disconnect", h.DisconnectSession)
	v1.POST("/campaigns/:campaign_id/dispatch", h.DispatchCampaign)
	v1.POST("/cleanup/run", h.TriggerCleanup)
	v1.POST("/cleanup/sessions/:session_id", h.CleanupSession)
	v1.GET("/cleanup/stats", h.CleanupStats)

	// Worker plane, without the signature middleware: signing is covered by the
	// protocol package's own tests.
	r.POST("/sync/webhook", h.SyncWebhook)
	r.POST("/sync/sessions/:session_id/status", h.SyncPushStatus)

	return &testEnv{
		store: store, manager: manager, router: r, queue: queue,
		limiter: limiter, jobs: jobs, audits: auditRepo,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, id, workspaceID string, status session.Status) {
	t.Helper()
	now := time.Now().UTC()
	err := e.store.Create(context.Background(), session.Session{
		ID: id, WorkspaceID: workspaceID, Provider: session.ProviderAutomated,
		Status: status, HealthScore: 100, LastActivityAt: now,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestGetSessionStatus_UnknownIs404(t *testing.T) {
	env := newTestEnv(t, "7")
	w := env.do(t, http.MethodGet, "/v1/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetSessionStatus_CrossWorkspaceIs404(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s-other", "8", session.StatusConnected)

	w := env.do(t, http.MethodGet, "/v1/sessions/s-other", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", w.Code)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t, "7")

	w := env.do(t, http.MethodPost, "/v1/sessions", gin.H{"session_id": "s1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/v1/sessions/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["status"] != string(session.StatusInitializing) {
		t.Fatalf("expected initializing, got %v", view["status"])
	}
}

func TestDisconnect_IllegalTransitionIs409(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusInitializing)

	w := env.do(t, http.MethodPost, "/v1/sessions/s1/disconnect", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for initializing->disconnected, got %d", w.Code)
	}
}

func TestCleanupSession_RequiresReason(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusDisconnected)

	w := env.do(t, http.MethodPost, "/v1/cleanup/sessions/s1", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/v1/cleanup/sessions/s1", gin.H{"reason": "operator request"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with reason, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDisconnect_WritesAdminAuditEntry(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusConnected)

	w := env.do(t, http.MethodPost, "/v1/sessions/s1/disconnect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	found := false
	for _, e := range env.audits.Events() {
		if e.Type == audit.EventTypeAdminAction && e.SessionID == "s1" && e.ActorUserID == "u1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected admin_action audit entry for the disconnect")
	}
}

func TestDispatchCampaign_EnqueuesJobs(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusConnected)

	w := env.do(t, http.MethodPost, "/v1/campaigns/c1/dispatch", gin.H{
		"session_id": "s1", "body": "hi", "speed_tier": 3,
		"contacts": []string{"+100", "+200"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["enqueued"] != float64(2) {
		t.Fatalf("expected 2 enqueued, got %v", res["enqueued"])
	}

	job, err := env.jobs.NextPending(context.Background(), "c1", time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("expected pending job: %v", err)
	}
	if job.WorkspaceID != "7" || job.SessionID != "s1" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestDispatchCampaign_ForeignSessionIs404(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s-other", "8", session.StatusConnected)

	w := env.do(t, http.MethodPost, "/v1/campaigns/c1/dispatch", gin.H{
		"session_id": "s-other", "body": "hi", "speed_tier": 3,
		"contacts": []string{"+100"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", w.Code)
	}
	if refs, _ := env.jobs.DueCampaigns(context.Background(), time.Now().UTC().Add(time.Second)); len(refs) != 0 {
		t.Fatalf("no jobs may be enqueued for a foreign session")
	}
}

func TestCleanupStats_RejectsBadDays(t *testing.T) {
	env := newTestEnv(t, "7")
	w := env.do(t, http.MethodGet, "/v1/cleanup/stats?days=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func webhookBody(sessionID, workspaceID string, n int) gin.H {
	records := make([]gin.H, n)
	for i := range records {
		records[i] = gin.H{
			"message_id": "m" + strconv.Itoa(i),
			"contact":    "+1555",
			"kind":       "text",
			"body":       "hi",
		}
	}
	return gin.H{"session_id": sessionID, "workspace_id": workspaceID, "records": records}
}

func TestSyncWebhook_ScenarioStatuses(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusConnected)

	// Workspace 8 claiming workspace 7's session.
	w := env.do(t, http.MethodPost, "/sync/webhook", webhookBody("s1", "8", 1))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 workspace mismatch, got %d", w.Code)
	}

	// 51 records: batch-size validation error.
	w = env.do(t, http.MethodPost, "/sync/webhook", webhookBody("s1", "7", 51))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", w.Code)
	}

	// 50 records: accepted and acked as queued.
	w = env.do(t, http.MethodPost, "/sync/webhook", webhookBody("s1", "7", 50))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var res ingest.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "queued" || res.Accepted != 50 {
		t.Fatalf("expected queued/50, got %+v", res)
	}
	if len(env.queue.items) != 50 {
		t.Fatalf("expected 50 queued items, got %d", len(env.queue.items))
	}
}

func TestSyncWebhook_RateLimitCarriesRetryAfter(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusConnected)

	limiter := ingest.NewMemorySyncLimiter(1, time.Minute)
	// Swap in a tight limiter through a fresh ingest service.
	h := Handlers{Ingest: ingest.NewService(env.store, limiter, env.queue, env.manager, nil, nil, nil)}
	r := gin.New()
	r.POST("/sync/webhook", h.SyncWebhook)
	env.router = r

	if w := env.do(t, http.MethodPost, "/sync/webhook", webhookBody("s1", "7", 1)); w.Code != http.StatusAccepted {
		t.Fatalf("first call should pass, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/sync/webhook", webhookBody("s1", "7", 1))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["retry_after"]; !ok {
		t.Fatalf("expected retry_after hint in body")
	}
}

func TestSyncPushStatus_DrivesStateMachine(t *testing.T) {
	env := newTestEnv(t, "7")
	env.seed(t, "s1", "7", session.StatusQRPending)

	w := env.do(t, http.MethodPost, "/sync/sessions/s1/status", gin.H{
		"workspace_id": "7", "event": "authenticated", "phone_number": "+15550001111",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s, err := env.store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != session.StatusAuthenticated {
		t.Fatalf("expected authenticated, got %s", s.Status)
	}
	if s.PhoneNumber != "+15550001111" {
		t.Fatalf("expected phone captured, got %q", s.PhoneNumber)
	}
}
