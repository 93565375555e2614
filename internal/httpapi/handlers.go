package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"messaging-platform/internal/audit"
	"messaging-platform/internal/auth"
	"messaging-platform/internal/campaign"
	"messaging-platform/internal/cleanup"
	"messaging-platform/internal/ingest"
	"messaging-platform/internal/rbac"
	"messaging-platform/internal/session"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Sessions *session.Manager
	Cleanup  *cleanup.Service
	Ingest   *ingest.Service
	Jobs     campaign.JobQueue

	// Audits records operator actions; nil disables the trail.
	Audits *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Sessions (operator API) ---

type createSessionRequest struct {
	SessionID string            `json:"session_id"`
	Provider  string            `json:"provider,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h Handlers) CreateSession(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	s, err := h.Sessions.CreateSession(c.Request.Context(), req.SessionID, workspaceID, session.CreateOptions{
		Provider: session.ProviderType(req.Provider),
		Metadata: req.Metadata,
	})
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionView(s))
}

// GetSessionStatus returns the authoritative session record.
// Unknown session id is an explicit 404, never an empty success.
func (h Handlers) GetSessionStatus(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	s, err := h.Sessions.GetStatus(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	// Cross-workspace reads 404 rather than leak existence.
	if s.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

func (h Handlers) ListSessions(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	sessions, err := h.Sessions.ListSessions(c.Request.Context(), workspaceID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h Handlers) DisconnectSession(c *gin.Context) {
	h.mutateSession(c, "session disconnect", h.Sessions.Disconnect)
}

func (h Handlers) ReconnectSession(c *gin.Context) {
	h.mutateSession(c, "session reconnect", h.Sessions.Reconnect)
}

func (h Handlers) RegenerateQR(c *gin.Context) {
	h.mutateSession(c, "qr regeneration", h.Sessions.RegenerateQR)
}

// --- Campaigns (operator API) ---

type dispatchCampaignRequest struct {
	SessionID string   `json:"session_id"`
	Body      string   `json:"body"`
	SpeedTier int      `json:"speed_tier"`
	Contacts  []string `json:"contacts"`
}

// DispatchCampaign enqueues one send job per contact. Nothing is sent yet;
// the scheduler's sweep drains the queue, hence 202.
func (h Handlers) DispatchCampaign(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	if h.Jobs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaigns not configured"})
		return
	}
	campaignID := c.Param("campaign_id")

	var req dispatchCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	// The sending session must exist and belong to the caller's workspace.
	s, err := h.Sessions.GetStatus(c.Request.Context(), req.SessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if s.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	n, err := campaign.Dispatch(c.Request.Context(), h.Jobs, campaignID, workspaceID, req.SessionID, req.Body, req.SpeedTier, req.Contacts)
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	h.logAdmin(c, workspaceID, req.SessionID, "campaign dispatch: "+campaignID)
	c.JSON(http.StatusAccepted, gin.H{"campaign_id": campaignID, "enqueued": n})
}

// --- Cleanup (operator API) ---

// TriggerCleanup runs one manual cleanup cycle.
func (h Handlers) TriggerCleanup(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	cleaned, err := h.Cleanup.Run(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cleanup cycle failed"})
		return
	}
	h.logAdmin(c, workspaceID, "", "manual cleanup cycle")
	c.JSON(http.StatusOK, gin.H{"cleaned": cleaned})
}

type cleanupSessionRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) CleanupSession(c *gin.Context) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	var req cleanupSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	s, err := h.Sessions.GetStatus(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if s.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := h.Cleanup.CleanupSession(c.Request.Context(), sessionID, req.Reason); err != nil {
		if errors.Is(err, cleanup.ErrInvalidReason) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reason required"})
			return
		}
		h.sessionError(c, err)
		return
	}
	h.logAdmin(c, workspaceID, sessionID, "manual cleanup: "+req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

func (h Handlers) CleanupStats(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}
	stats, err := h.Cleanup.Stats(c.Request.Context(), days)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// --- Worker plane (signed protocol, no JWT) ---

type syncCreateRequest struct {
	SessionID   string            `json:"session_id"`
	WorkspaceID string            `json:"workspace_id"`
	Provider    string            `json:"provider,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h Handlers) SyncCreateSession(c *gin.Context) {
	var req syncCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" || req.WorkspaceID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id and workspace_id required"})
		return
	}
	s, err := h.Sessions.CreateSession(c.Request.Context(), req.SessionID, req.WorkspaceID, session.CreateOptions{
		Provider: session.ProviderType(req.Provider),
		Metadata: req.Metadata,
	})
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionView(s))
}

func (h Handlers) SyncPushStatus(c *gin.Context) {
	var push ingest.StatusPush
	if err := c.ShouldBindJSON(&push); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	// The path is authoritative for which session is being reported.
	push.SessionID = c.Param("session_id")

	if err := h.Ingest.PushStatus(c.Request.Context(), push, c.ClientIP()); err != nil {
		h.ingestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (h Handlers) SyncWebhook(c *gin.Context) {
	var req ingest.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	result, err := h.Ingest.IngestBatch(c.Request.Context(), req, c.ClientIP())
	if err != nil {
		h.ingestError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// --- shared plumbing ---

func (h Handlers) callerWorkspace(c *gin.Context) (string, bool) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", false
	}
	return workspaceID, true
}

func (h Handlers) mutateSession(c *gin.Context, action string, op func(ctx context.Context, sessionID string) (session.Session, error)) {
	workspaceID, ok := h.callerWorkspace(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	current, err := h.Sessions.GetStatus(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if current.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	s, err := op(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.logAdmin(c, workspaceID, sessionID, action)
	c.JSON(http.StatusOK, sessionView(s))
}

// logAdmin writes a best-effort audit entry for an operator action.
func (h Handlers) logAdmin(c *gin.Context, workspaceID, sessionID, message string) {
	if h.Audits == nil {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	_ = h.Audits.LogAdminAction(c.Request.Context(), workspaceID, userID, role, c.ClientIP(), message, sessionID, "")
}

func (h Handlers) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrBusy):
		// Transient: another worker holds the session lock.
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session busy, retry"})
	case errors.Is(err, session.ErrIllegalTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrAlreadyConnected):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h Handlers) ingestError(c *gin.Context, err error) {
	var tooLarge *ingest.BatchTooLargeError
	var limited *ingest.RateLimitError
	switch {
	case errors.As(err, &tooLarge):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": tooLarge.Error()})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": int(limited.RetryAfter.Seconds()) + 1,
		})
	case errors.Is(err, ingest.ErrWorkspaceMismatch):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "workspace mismatch"})
	case errors.Is(err, ingest.ErrQueueFull):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "processing queue full, retry"})
	case errors.Is(err, ingest.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		h.sessionError(c, err)
	}
}

func sessionView(s session.Session) gin.H {
	view := gin.H{
		"session_id":       s.ID,
		"workspace_id":     s.WorkspaceID,
		"provider":         s.Provider,
		"status":           s.Status,
		"health_score":     s.HealthScore,
		"last_activity_at": s.LastActivityAt,
	}
	if s.PhoneNumber != "" {
		view["phone_number"] = s.PhoneNumber
	}
	if s.LastConnectedAt != nil {
		view["last_connected_at"] = s.LastConnectedAt
	}
	return view
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
