package provider

import (
	"context"
	"fmt"
	"log/slog"
)

// Selector picks a provider per workspace based on configured preference and
// live availability.
//
// Fallback is deterministic and one-shot: if the preferred provider reports
// unavailable (or the send fails with ErrUnavailable), the other provider is
// tried exactly once before ErrNoProviderAvailable surfaces. Every result
// carries the name of the provider that actually handled the send, so a
// campaign can audit provider attribution per message.

type Selector struct {
	providers []Provider

	// Preference resolves the preferred provider name for a workspace.
	// Empty string means "first configured".
	Preference func(ctx context.Context, workspaceID string) string

	log *slog.Logger
}

func NewSelector(providers []Provider, preference func(ctx context.Context, workspaceID string) string, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{providers: providers, Preference: preference, log: log}
}

// Order returns the providers in the order they should be tried for the
// workspace: preferred first, then the rest in configured order.
func (s *Selector) Order(ctx context.Context, workspaceID string) []Provider {
	preferred := ""
	if s.Preference != nil {
		preferred = s.Preference(ctx, workspaceID)
	}
	if preferred == "" {
		return s.providers
	}
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Name() == preferred {
			out = append(out, p)
		}
	}
	for _, p := range s.providers {
		if p.Name() != preferred {
			out = append(out, p)
		}
	}
	return out
}

// SendMessage routes one text send through the preferred provider with
// one-shot fallback.
func (s *Selector) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	return s.trySend(ctx, req.WorkspaceID, func(p Provider) (SendResult, error) {
		return p.SendMessage(ctx, req)
	})
}

// SendMedia routes one media send.
func (s *Selector) SendMedia(ctx context.Context, req SendMediaRequest) (SendResult, error) {
	return s.trySend(ctx, req.WorkspaceID, func(p Provider) (SendResult, error) {
		return p.SendMedia(ctx, req)
	})
}

// SendTemplate routes one template send.
func (s *Selector) SendTemplate(ctx context.Context, req SendTemplateRequest) (SendResult, error) {
	return s.trySend(ctx, req.WorkspaceID, func(p Provider) (SendResult, error) {
		return p.SendTemplate(ctx, req)
	})
}

func (s *Selector) trySend(ctx context.Context, workspaceID string, send func(Provider) (SendResult, error)) (SendResult, error) {
	var lastErr error
	for _, p := range s.Order(ctx, workspaceID) {
		if !p.IsAvailable(ctx, workspaceID) {
			lastErr = fmt.Errorf("%w: %s", ErrUnavailable, p.Name())
			continue
		}
		res, err := send(p)
		if err == nil {
			return res, nil
		}
		lastErr = err
		s.log.Warn("provider send failed, falling back",
			"provider", p.Name(), "workspace_id", workspaceID, "err", err)
	}
	if lastErr != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrNoProviderAvailable, lastErr)
	}
	return SendResult{}, ErrNoProviderAvailable
}
