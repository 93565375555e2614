package provider

import (
	"context"
	"errors"
	"time"
)

// Provider is the provider-agnostic send capability used by campaign logic.
//
// Rules:
// - No driver or hosted-API calls outside provider adapters.
// - All requests are workspace-scoped (workspace_id required).
// - Request/response types stay provider-agnostic; raw provider payloads go in
//   SendResult.ProviderData.

type Provider interface {
	Name() string

	// IsAvailable reports whether this provider can send for the workspace
	// right now. It must be cheap enough to call before every send.
	IsAvailable(ctx context.Context, workspaceID string) bool

	SendMessage(ctx context.Context, req SendRequest) (SendResult, error)
	SendMedia(ctx context.Context, req SendMediaRequest) (SendResult, error)
	SendTemplate(ctx context.Context, req SendTemplateRequest) (SendResult, error)

	HealthInfo(ctx context.Context, workspaceID string) (HealthInfo, error)
}

type SendRequest struct {
	WorkspaceID string `json:"workspace_id"`

	// To is the destination contact identifier (E.164 where possible).
	To   string `json:"to"`
	Body string `json:"body"`

	// SimulateTyping is honoured by the automated provider only.
	SimulateTyping bool `json:"simulate_typing,omitempty"`
}

type SendMediaRequest struct {
	WorkspaceID string `json:"workspace_id"`

	To       string `json:"to"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption,omitempty"`

	SimulateTyping bool `json:"simulate_typing,omitempty"`
}

type SendTemplateRequest struct {
	WorkspaceID string `json:"workspace_id"`

	To           string            `json:"to"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// SendResult records the outcome of one send, including which provider
// actually handled it (auditable per-message attribution).
type SendResult struct {
	Success bool `json:"success"`

	// Provider is the name of the adapter that performed the send.
	Provider string `json:"provider"`

	// ProviderMessageID is the provider's identifier for the message.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	// ProviderData is opaque provider detail for debugging/audit.
	ProviderData string `json:"provider_data,omitempty"`
}

type HealthInfo struct {
	Status       string    `json:"status"`
	HealthScore  int       `json:"health_score"`
	LastActivity time.Time `json:"last_activity"`
}

var (
	ErrUnavailable         = errors.New("provider: unavailable")
	ErrNoProviderAvailable = errors.New("provider: no provider available")
)
