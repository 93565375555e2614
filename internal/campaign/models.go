package campaign

import (
	"errors"
	"time"
)

// SendJob is one queued outbound message for a campaign.
//
// Lifecycle: created pending when the campaign is dispatched; consumed by the
// send loop and marked sent/failed. After a terminal outcome the record is
// immutable except for retry bookkeeping (attempts, not_before).

type SendJob struct {
	ID          string `json:"id" db:"id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// SessionID names the automated session whose conflict state gates the
	// campaign's send loop.
	SessionID string `json:"session_id" db:"session_id"`

	// Contact is the destination identifier (E.164 where possible).
	Contact string `json:"contact" db:"contact"`
	Body    string `json:"body" db:"body"`

	SpeedTier int `json:"speed_tier" db:"speed_tier"`

	Status JobStatus `json:"status" db:"status"`

	// Provider records which adapter actually handled the send (attribution).
	Provider string `json:"provider,omitempty" db:"provider"`

	// NotBefore delays the job (batch scheduling, requeue backoff).
	NotBefore time.Time `json:"not_before" db:"not_before"`

	Attempts  int    `json:"attempts" db:"attempts"`
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// RunRef identifies a campaign with runnable pending work, as reported by
// JobQueue.DueCampaigns.
type RunRef struct {
	CampaignID  string
	WorkspaceID string
	SessionID   string
	SpeedTier   int
}

var (
	ErrNoJob           = errors.New("campaign: no pending job")
	ErrInvalidArgument = errors.New("campaign: invalid argument")
)
