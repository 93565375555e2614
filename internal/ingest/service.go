package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"messaging-platform/internal/audit"
	"messaging-platform/internal/driver"
	"messaging-platform/internal/session"
)

// EventApplier runs a worker-reported lifecycle event through the locked
// transition path. Satisfied by session.Manager.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev driver.Event) error
}

// ConflictNotifier feeds mobile-activity observations into the pacing state.
// Satisfied by campaign.Sender.
type ConflictNotifier interface {
	OnMobileActivity(ctx context.Context, workspaceID, sessionID string, tierLevel int) error
}

// Service is the worker-plane ingestion surface: webhook/sync batches and
// session status pushes. Requests reach it already signature-verified; the
// service still enforces workspace isolation before any write.
type Service struct {
	store     session.Store
	limiter   SyncLimiter
	queue     Enqueuer
	applier   EventApplier
	conflicts ConflictNotifier
	audits    *audit.Service
	log       *slog.Logger
}

func NewService(store session.Store, limiter SyncLimiter, queue Enqueuer, applier EventApplier, conflicts ConflictNotifier, audits *audit.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		limiter:   limiter,
		queue:     queue,
		applier:   applier,
		conflicts: conflicts,
		audits:    audits,
		log:       log,
	}
}

// IngestBatch validates and queues one webhook/sync batch. Item-level problems
// reject that item only; batch-level problems (size, rate, workspace) reject
// the whole call with no side effects.
func (s *Service) IngestBatch(ctx context.Context, req BatchRequest, remoteIP string) (BatchResult, error) {
	if req.SessionID == "" || req.WorkspaceID == "" {
		return BatchResult{}, fmt.Errorf("%w: session_id and workspace_id required", ErrInvalidArgument)
	}
	if len(req.Records) > MaxBatchSize {
		return BatchResult{}, &BatchTooLargeError{Size: len(req.Records)}
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, req.SessionID)
	if err != nil {
		return BatchResult{}, err
	}
	if !allowed {
		return BatchResult{}, &RateLimitError{RetryAfter: retryAfter}
	}

	sess, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		return BatchResult{}, err
	}
	if sess.WorkspaceID != req.WorkspaceID {
		s.logSecurity(ctx, req.WorkspaceID, remoteIP, req.SessionID,
			"webhook workspace mismatch")
		return BatchResult{}, ErrWorkspaceMismatch
	}

	result := BatchResult{Status: "queued"}
	for i, rec := range req.Records {
		if itemErr := validateRecord(i, rec); itemErr != nil {
			result.Rejected = append(result.Rejected, *itemErr)
			continue
		}
		err := s.queue.Enqueue(Item{
			SessionID:   req.SessionID,
			WorkspaceID: req.WorkspaceID,
			Record:      rec,
		})
		if err != nil {
			// Backpressure: already-queued items stay queued, the worker
			// retries the batch.
			return BatchResult{}, err
		}
		result.Accepted++
	}
	return result, nil
}

// PushStatus applies a worker-observed lifecycle event. Mobile-activity
// observations go to the pacing conflict detector instead of the state
// machine.
func (s *Service) PushStatus(ctx context.Context, push StatusPush, remoteIP string) error {
	if push.SessionID == "" || push.WorkspaceID == "" {
		return fmt.Errorf("%w: session_id and workspace_id required", ErrInvalidArgument)
	}
	kind := driver.EventKind(push.Event)
	if !validEventKind(kind) {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidArgument, push.Event)
	}

	sess, err := s.store.Get(ctx, push.SessionID)
	if err != nil {
		return err
	}
	if sess.WorkspaceID != push.WorkspaceID {
		s.logSecurity(ctx, push.WorkspaceID, remoteIP, push.SessionID,
			"status push workspace mismatch")
		return ErrWorkspaceMismatch
	}

	if kind == driver.EventMobileActivity {
		if s.conflicts == nil {
			return nil
		}
		return s.conflicts.OnMobileActivity(ctx, sess.WorkspaceID, sess.ID, sessionTier(sess))
	}

	return s.applier.ApplyEvent(ctx, driver.Event{
		Kind:        kind,
		SessionID:   push.SessionID,
		QRCode:      push.QRCode,
		PhoneNumber: push.PhoneNumber,
		Reason:      push.Reason,
	})
}

func validateRecord(index int, rec ChatRecord) *ItemError {
	if rec.MessageID == "" {
		return &ItemError{Index: index, Field: "message_id", Reason: "required"}
	}
	if rec.Contact == "" {
		return &ItemError{Index: index, Field: "contact", Reason: "required"}
	}
	if !rec.Kind.Valid() {
		return &ItemError{Index: index, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", rec.Kind)}
	}
	if rec.Kind == KindText && rec.Body == "" {
		return &ItemError{Index: index, Field: "body", Reason: "required for text records"}
	}
	if rec.Kind == KindMedia && rec.MediaURL == "" {
		return &ItemError{Index: index, Field: "media_url", Reason: "required for media records"}
	}
	return nil
}

func validEventKind(kind driver.EventKind) bool {
	switch kind {
	case driver.EventQR, driver.EventAuthenticated, driver.EventReady,
		driver.EventLoggedOut, driver.EventFailure, driver.EventMobileActivity:
		return true
	default:
		return false
	}
}

// sessionTier reads the campaign speed tier from session metadata; absent or
// malformed values fall back to the middle tier.
func sessionTier(s session.Session) int {
	v, ok := s.Metadata["speed_tier"]
	if !ok {
		return 3
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 3
	}
	return n
}

func (s *Service) logSecurity(ctx context.Context, workspaceID, ip, sessionID, message string) {
	s.log.Warn("rejected worker-plane request",
		"workspace_id", workspaceID, "session_id", sessionID, "reason", message)
	if s.audits == nil {
		return
	}
	if err := s.audits.LogSecurityEvent(ctx, workspaceID, ip, sessionID, message); err != nil {
		s.log.Error("security audit append failed", "err", err)
	}
}
