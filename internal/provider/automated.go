package provider

import (
	"context"
	"fmt"
	"strings"

	"messaging-platform/internal/driver"
	"messaging-platform/internal/session"
)

// Automated sends through the browser-automation session owned by this worker.
//
// Availability is judged from the session store (the source of truth); the
// send itself needs a live driver handle in the local manager. A connected
// session whose driver lives on another worker is treated as unavailable here
// and the selector falls back.

type Automated struct {
	manager *session.Manager
}

func NewAutomated(manager *session.Manager) *Automated {
	return &Automated{manager: manager}
}

func (p *Automated) Name() string { return string(session.ProviderAutomated) }

func (p *Automated) IsAvailable(ctx context.Context, workspaceID string) bool {
	s, d := p.liveSession(ctx, workspaceID)
	return s.ID != "" && d != nil
}

func (p *Automated) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	s, d, err := p.requireSession(ctx, req.WorkspaceID)
	if err != nil {
		return SendResult{Provider: p.Name()}, err
	}
	msgID, err := d.SendText(ctx, req.To, req.Body, driver.SendOptions{SimulateTyping: req.SimulateTyping})
	if err != nil {
		return SendResult{Provider: p.Name()}, fmt.Errorf("automated send: %w", err)
	}
	return SendResult{
		Success:           true,
		Provider:          p.Name(),
		ProviderMessageID: msgID,
		ProviderData:      "session_id=" + s.ID,
	}, nil
}

func (p *Automated) SendMedia(ctx context.Context, req SendMediaRequest) (SendResult, error) {
	s, d, err := p.requireSession(ctx, req.WorkspaceID)
	if err != nil {
		return SendResult{Provider: p.Name()}, err
	}
	msgID, err := d.SendMedia(ctx, req.To, req.MediaURL, req.Caption, driver.SendOptions{SimulateTyping: req.SimulateTyping})
	if err != nil {
		return SendResult{Provider: p.Name()}, fmt.Errorf("automated send media: %w", err)
	}
	return SendResult{
		Success:           true,
		Provider:          p.Name(),
		ProviderMessageID: msgID,
		ProviderData:      "session_id=" + s.ID,
	}, nil
}

func (p *Automated) SendTemplate(ctx context.Context, req SendTemplateRequest) (SendResult, error) {
	// The automated transport has no template registry; render inline.
	body := req.TemplateName
	for k, v := range req.Variables {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return p.SendMessage(ctx, SendRequest{
		WorkspaceID: req.WorkspaceID,
		To:          req.To,
		Body:        body,
	})
}

func (p *Automated) HealthInfo(ctx context.Context, workspaceID string) (HealthInfo, error) {
	s, _ := p.liveSession(ctx, workspaceID)
	if s.ID == "" {
		return HealthInfo{}, ErrUnavailable
	}
	return HealthInfo{
		Status:       string(s.Status),
		HealthScore:  s.HealthScore,
		LastActivity: s.LastActivityAt,
	}, nil
}

func (p *Automated) requireSession(ctx context.Context, workspaceID string) (session.Session, driver.Driver, error) {
	s, d := p.liveSession(ctx, workspaceID)
	if s.ID == "" || d == nil {
		return session.Session{}, nil, ErrUnavailable
	}
	return s, d, nil
}

// liveSession finds a connected automated session for the workspace and its
// local driver handle, if this worker owns one.
func (p *Automated) liveSession(ctx context.Context, workspaceID string) (session.Session, driver.Driver) {
	sessions, err := p.manager.ListSessions(ctx, workspaceID)
	if err != nil {
		return session.Session{}, nil
	}
	for _, s := range sessions {
		if s.Provider != session.ProviderAutomated || s.Status != session.StatusConnected {
			continue
		}
		if d, ok := p.manager.Driver(s.ID); ok {
			return s, d
		}
	}
	return session.Session{}, nil
}
