package ingest

import (
	"errors"
	"fmt"
	"time"
)

// MaxBatchSize caps one sync/webhook call. Larger batches are rejected
// outright; the worker is expected to page.
const MaxBatchSize = 50

// ChatRecord is one inbound chat/message record pushed by a session worker.
type ChatRecord struct {
	MessageID string `json:"message_id"`

	// Contact is the remote party (E.164 where possible).
	Contact string `json:"contact"`

	Kind RecordKind `json:"kind"`
	Body string     `json:"body,omitempty"`

	// MediaURL is required for media records.
	MediaURL string `json:"media_url,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

type RecordKind string

const (
	KindText     RecordKind = "text"
	KindMedia    RecordKind = "media"
	KindLocation RecordKind = "location"
	KindContact  RecordKind = "contact_card"
)

func (k RecordKind) Valid() bool {
	switch k {
	case KindText, KindMedia, KindLocation, KindContact:
		return true
	default:
		return false
	}
}

// BatchRequest is one signed webhook/sync call: a page of records for a single
// session, claiming a workspace. The claim is verified against the session
// record before anything is written.
type BatchRequest struct {
	SessionID   string       `json:"session_id"`
	WorkspaceID string       `json:"workspace_id"`
	Records     []ChatRecord `json:"records"`
}

// ItemError rejects one record without failing the batch.
type ItemError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// BatchResult acknowledges a batch. Accepted records are queued, not yet
// processed, when this is returned.
type BatchResult struct {
	Status   string      `json:"status"` // always "queued"
	Accepted int         `json:"accepted"`
	Rejected []ItemError `json:"rejected,omitempty"`
}

// StatusPush is a worker-observed lifecycle event reported to the control
// plane.
type StatusPush struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`

	// Event is a driver event kind (qr, authenticated, ready, logged_out,
	// failure, mobile_activity).
	Event string `json:"event"`

	QRCode      string `json:"qr_code,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

var (
	ErrInvalidArgument   = errors.New("ingest: invalid argument")
	ErrWorkspaceMismatch = errors.New("ingest: session does not belong to workspace")
	ErrQueueFull         = errors.New("ingest: processing queue full")
)

// BatchTooLargeError carries the offending size so the 400 body can say what
// the cap is.
type BatchTooLargeError struct {
	Size int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("ingest: batch of %d exceeds limit of %d", e.Size, MaxBatchSize)
}

// RateLimitError carries the retry-after hint; the request is rejected, not
// dropped silently.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ingest: rate limit exceeded, retry after %s", e.RetryAfter)
}
