package session

import (
	"errors"
	"time"
)

// Session is the durable record of one messaging session.
//
// Invariants:
// - ID is globally unique.
// - workspace_id is required for tenancy isolation.
// - At most one connected automated session per (workspace_id, provider)
//   unless multi-session is explicitly enabled.
// - Rows are never physically deleted; terminal states are retained for audit.
//
// Storage recommendation (Postgres):
// - Table sessions with a partial unique index on (workspace_id, provider)
//   WHERE status = 'connected' when multi-session is disabled.

type Session struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Provider indicates which transport owns this session.
	Provider ProviderType `json:"provider" db:"provider"`

	Status Status `json:"status" db:"status"`

	// PhoneNumber is empty until the session has authenticated.
	PhoneNumber string `json:"phone_number,omitempty" db:"phone_number"`

	// HealthScore is a derived 0-100 reliability metric maintained by the
	// health monitor. It is not authoritative for routing decisions.
	HealthScore int `json:"health_score" db:"health_score"`

	LastActivityAt  time.Time  `json:"last_activity_at" db:"last_activity_at"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty" db:"last_connected_at"`

	// Metadata is optional provider-specific detail (device id, agent version).
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ProviderType string

const (
	ProviderAutomated ProviderType = "automated"
	ProviderHostedAPI ProviderType = "hosted-api"
)

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderAutomated, ProviderHostedAPI:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusDisconnected  Status = "disconnected"
	StatusFailed        Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusQRPending, StatusAuthenticated,
		StatusConnected, StatusDisconnected, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool { return s == StatusFailed }

var (
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidArgument   = errors.New("session: invalid argument")
	ErrIllegalTransition = errors.New("session: illegal status transition")
	ErrAlreadyConnected  = errors.New("session: workspace already has a connected session for this provider")
	ErrBusy              = errors.New("session: busy, retry")
)

// legalTransitions is the full transition table. Anything not listed is
// rejected, never coerced.
//
// Forward path: initializing -> qr_pending -> authenticated -> connected.
// Recoverable cycle: connected/disconnected <-> qr_pending (re-login).
// failed is terminal.
var legalTransitions = map[Status][]Status{
	StatusInitializing:  {StatusQRPending, StatusFailed},
	StatusQRPending:     {StatusAuthenticated, StatusDisconnected, StatusFailed},
	StatusAuthenticated: {StatusConnected, StatusDisconnected, StatusFailed},
	StatusConnected:     {StatusDisconnected, StatusQRPending, StatusFailed},
	StatusDisconnected:  {StatusQRPending, StatusFailed},
	StatusFailed:        {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
