package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests.
// It is not intended for production use.

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (r *MemoryStore) Create(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrInvalidArgument
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemoryStore) Get(ctx context.Context, sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *MemoryStore) Update(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemoryStore) List(ctx context.Context, workspaceID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if statusIn(s.Status, statuses) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *MemoryStore) ListInactiveSince(ctx context.Context, cutoff time.Time, statuses ...Status) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if statusIn(s.Status, statuses) && s.LastActivityAt.Before(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r *MemoryStore) CountConnected(ctx context.Context, workspaceID string, provider ProviderType) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID && s.Provider == provider && s.Status == StatusConnected {
			n++
		}
	}
	return n, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneSession(s Session) Session {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.LastConnectedAt != nil {
		t := *s.LastConnectedAt
		out.LastConnectedAt = &t
	}
	return out
}
