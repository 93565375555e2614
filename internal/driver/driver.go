package driver

import (
	"context"
	"errors"
)

// Driver is the boundary to one browser-automation session.
//
// The automation wire protocol is deliberately opaque here: adapters translate
// agent events into Event values and forward opaque payloads on send. No
// business logic (pacing, provider selection, state transitions) belongs in a
// driver implementation.

type Driver interface {
	// Connect starts (or resumes) the underlying automated session.
	Connect(ctx context.Context) error

	SendText(ctx context.Context, to, body string, opts SendOptions) (string, error)
	SendMedia(ctx context.Context, to, mediaURL, caption string, opts SendOptions) (string, error)

	Disconnect(ctx context.Context) error

	// Events delivers the session's lifecycle and message events. The channel
	// is closed when the driver shuts down.
	Events() <-chan Event
}

type SendOptions struct {
	// SimulateTyping asks the agent to emit typing indicators before the send.
	SimulateTyping bool
}

// Event is one notification from the automation agent.
type Event struct {
	Kind EventKind `json:"kind"`

	SessionID string `json:"session_id"`

	// QRCode is set for EventQR.
	QRCode string `json:"qr_code,omitempty"`

	// PhoneNumber is set once the account is known (EventAuthenticated and later).
	PhoneNumber string `json:"phone_number,omitempty"`

	// Reason carries failure/logout detail.
	Reason string `json:"reason,omitempty"`

	// Payload is the opaque agent payload for message/device events.
	Payload map[string]any `json:"payload,omitempty"`
}

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventLoggedOut     EventKind = "logged_out"
	EventFailure       EventKind = "failure"
	EventMessage       EventKind = "message"

	// EventMobileActivity signals that the account is active from a non-web
	// device; the pacing engine reacts to it.
	EventMobileActivity EventKind = "mobile_activity"
)

var ErrNotConnected = errors.New("driver: not connected")
