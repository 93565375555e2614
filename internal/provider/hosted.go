package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"messaging-platform/internal/session"
)

// Hosted delegates sends to the hosted business-messaging HTTP API.
// The hosted API's wire format is opaque; we post provider-agnostic JSON and
// keep the raw response body as ProviderData.

type Hosted struct {
	baseURL string
	token   string
	client  *http.Client
	clock   func() time.Time
}

type HostedConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewHosted(cfg HostedConfig) *Hosted {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Hosted{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		clock:   time.Now,
	}
}

func (p *Hosted) Name() string { return string(session.ProviderHostedAPI) }

func (p *Hosted) IsAvailable(ctx context.Context, workspaceID string) bool {
	if p.baseURL == "" || p.token == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Hosted) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	return p.post(ctx, "/messages", map[string]any{
		"workspace_id": req.WorkspaceID,
		"to":           req.To,
		"type":         "text",
		"body":         req.Body,
	})
}

func (p *Hosted) SendMedia(ctx context.Context, req SendMediaRequest) (SendResult, error) {
	return p.post(ctx, "/messages", map[string]any{
		"workspace_id": req.WorkspaceID,
		"to":           req.To,
		"type":         "media",
		"media_url":    req.MediaURL,
		"caption":      req.Caption,
	})
}

func (p *Hosted) SendTemplate(ctx context.Context, req SendTemplateRequest) (SendResult, error) {
	return p.post(ctx, "/messages", map[string]any{
		"workspace_id": req.WorkspaceID,
		"to":           req.To,
		"type":         "template",
		"template":     req.TemplateName,
		"variables":    req.Variables,
	})
}

func (p *Hosted) HealthInfo(ctx context.Context, workspaceID string) (HealthInfo, error) {
	if !p.IsAvailable(ctx, workspaceID) {
		return HealthInfo{Status: "unavailable"}, ErrUnavailable
	}
	return HealthInfo{
		Status:       "connected",
		HealthScore:  100,
		LastActivity: p.clock().UTC(),
	}, nil
}

type hostedSendResponse struct {
	MessageID string `json:"message_id"`
}

func (p *Hosted) post(ctx context.Context, path string, payload map[string]any) (SendResult, error) {
	if p.baseURL == "" || p.token == "" {
		return SendResult{Provider: p.Name()}, ErrUnavailable
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Provider: p.Name()}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return SendResult{Provider: p.Name()}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{Provider: p.Name()}, fmt.Errorf("hosted send: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{Provider: p.Name(), ProviderData: string(raw)},
			fmt.Errorf("hosted send: status %d", resp.StatusCode)
	}

	var out hostedSendResponse
	_ = json.Unmarshal(raw, &out)
	return SendResult{
		Success:           true,
		Provider:          p.Name(),
		ProviderMessageID: out.MessageID,
		ProviderData:      string(raw),
	}, nil
}
