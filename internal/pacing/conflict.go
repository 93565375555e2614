package pacing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConflictState tracks a campaign paused because the underlying account showed
// activity from a non-web device. On resume a non-paused marker keeps the
// attempt count, so a session that keeps re-conflicting escalates toward a
// forced resume.

type ConflictState struct {
	Paused            bool      `json:"paused"`
	ResumeAttempts    int       `json:"resume_attempts"`
	CooldownExpiresAt time.Time `json:"cooldown_expires_at"`
}

// ConflictStore persists per-(workspace, session) conflict state so a paused
// campaign stays paused across worker restarts.
type ConflictStore interface {
	Get(ctx context.Context, workspaceID, sessionID string) (ConflictState, bool, error)
	Put(ctx context.Context, workspaceID, sessionID string, st ConflictState) error
	Delete(ctx context.Context, workspaceID, sessionID string) error
}

// Detector applies the pause/cooldown/forced-resume policy.
type Detector struct {
	store ConflictStore

	// MaxResumeAttempts is how many expired-cooldown resumes may fail (the
	// conflict re-observed afterwards) before the next resume is forced
	// unconditionally, so a noisy mobile device cannot stall a campaign forever.
	MaxResumeAttempts int

	clock func() time.Time
	log   *slog.Logger
}

func NewDetector(store ConflictStore, maxResumeAttempts int, log *slog.Logger) *Detector {
	if maxResumeAttempts <= 0 {
		maxResumeAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{store: store, MaxResumeAttempts: maxResumeAttempts, clock: time.Now, log: log}
}

// SetClock overrides the time source (tests).
func (d *Detector) SetClock(clock func() time.Time) { d.clock = clock }

// OnConflict pauses the campaign and schedules the tier-dependent cooldown.
// A conflict arriving after an earlier resume keeps that resume's attempt
// count; the resume evidently failed.
func (d *Detector) OnConflict(ctx context.Context, workspaceID, sessionID string, tier Tier) error {
	prev, ok, err := d.store.Get(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}
	st := ConflictState{
		Paused:            true,
		CooldownExpiresAt: d.clock().UTC().Add(tier.ConflictCooldown),
	}
	if ok {
		st.ResumeAttempts = prev.ResumeAttempts
	}
	d.log.Info("conflict detected, pausing sends",
		"workspace_id", workspaceID, "session_id", sessionID,
		"cooldown", tier.ConflictCooldown.String())
	return d.store.Put(ctx, workspaceID, sessionID, st)
}

// Paused reports whether the send loop must hold off right now.
func (d *Detector) Paused(ctx context.Context, workspaceID, sessionID string) (bool, error) {
	st, ok, err := d.store.Get(ctx, workspaceID, sessionID)
	if err != nil {
		return false, err
	}
	return ok && st.Paused, nil
}

// TryResume is called by the send loop when it wants to continue. It returns
// true when sending may proceed:
//   - no conflict recorded, or
//   - the cooldown has expired, or
//   - the session re-conflicted after MaxResumeAttempts resumes, in which
//     case the resume is forced and the state cleared.
//
// Polling inside the cooldown never shortens it: attempts count resumes whose
// conflict was later re-observed, not polls.
func (d *Detector) TryResume(ctx context.Context, workspaceID, sessionID string) (bool, error) {
	st, ok, err := d.store.Get(ctx, workspaceID, sessionID)
	if err != nil {
		return false, err
	}
	if !ok || !st.Paused {
		return true, nil
	}

	now := d.clock().UTC()
	if !now.Before(st.CooldownExpiresAt) {
		// Resume, keeping a marker so a re-conflict carries the attempt count.
		st.Paused = false
		st.ResumeAttempts++
		if err := d.store.Put(ctx, workspaceID, sessionID, st); err != nil {
			return false, err
		}
		return true, nil
	}

	if st.ResumeAttempts >= d.MaxResumeAttempts {
		d.log.Warn("resume attempt cap exceeded, forcing resume",
			"workspace_id", workspaceID, "session_id", sessionID,
			"attempts", st.ResumeAttempts)
		if err := d.store.Delete(ctx, workspaceID, sessionID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// --- stores ---

// RedisConflictStore shares conflict state across workers. Entries carry a TTL
// comfortably beyond the cooldown so abandoned state self-cleans.
type RedisConflictStore struct {
	rdb *redis.Client
}

func NewRedisConflictStore(rdb *redis.Client) *RedisConflictStore {
	return &RedisConflictStore{rdb: rdb}
}

func conflictKey(workspaceID, sessionID string) string {
	return "pacing:conflict:" + workspaceID + ":" + sessionID
}

func (s *RedisConflictStore) Get(ctx context.Context, workspaceID, sessionID string) (ConflictState, bool, error) {
	raw, err := s.rdb.Get(ctx, conflictKey(workspaceID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ConflictState{}, false, nil
	}
	if err != nil {
		return ConflictState{}, false, err
	}
	var st ConflictState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ConflictState{}, false, err
	}
	return st, true, nil
}

func (s *RedisConflictStore) Put(ctx context.Context, workspaceID, sessionID string, st ConflictState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := time.Until(st.CooldownExpiresAt) + time.Hour
	return s.rdb.Set(ctx, conflictKey(workspaceID, sessionID), raw, ttl).Err()
}

func (s *RedisConflictStore) Delete(ctx context.Context, workspaceID, sessionID string) error {
	return s.rdb.Del(ctx, conflictKey(workspaceID, sessionID)).Err()
}

// MemoryConflictStore is an in-memory ConflictStore useful for tests.
type MemoryConflictStore struct {
	mu     sync.Mutex
	states map[string]ConflictState
}

func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{states: make(map[string]ConflictState)}
}

func (s *MemoryConflictStore) Get(ctx context.Context, workspaceID, sessionID string) (ConflictState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conflictKey(workspaceID, sessionID)]
	return st, ok, nil
}

func (s *MemoryConflictStore) Put(ctx context.Context, workspaceID, sessionID string, st ConflictState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[conflictKey(workspaceID, sessionID)] = st
	return nil
}

func (s *MemoryConflictStore) Delete(ctx context.Context, workspaceID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conflictKey(workspaceID, sessionID))
	return nil
}
