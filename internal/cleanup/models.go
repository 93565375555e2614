package cleanup

import "time"

// LogEntry is an immutable, append-only cleanup/audit record.
//
// Invariants:
// - Entries are never updated or deleted; they form the audit trail.
// - session_id is required.
//
// Storage recommendation (Postgres):
// - Table cleanup_log with an INSERT-only policy.

type LogEntry struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	WorkspaceID string `json:"workspace_id,omitempty" db:"workspace_id"`

	Action  Action `json:"action" db:"action"`
	Outcome string `json:"outcome" db:"outcome"`

	// Reason is a short operator- or system-supplied explanation.
	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionCleanup     Action = "cleanup"
	ActionRemove      Action = "remove"
	ActionRestore     Action = "restore"
	ActionHealthCheck Action = "health_check"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCleanup, ActionRemove, ActionRestore, ActionHealthCheck:
		return true
	default:
		return false
	}
}

const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Stats aggregates the audit trail for the operator endpoints.
type Stats struct {
	CleanupsLastNDays int            `json:"cleanups_last_n_days"`
	Days              int            `json:"days"`
	SessionsByStatus  map[string]int `json:"sessions_by_status"`
	LowHealthSessions int            `json:"low_health_sessions"`
}
