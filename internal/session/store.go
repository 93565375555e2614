package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Store is the persistence contract for session records.
//
// The store is the single source of truth for session state; in-memory driver
// registries held by workers are caches invalidated through the lock manager.
//
// There is no Delete: terminal sessions are retained for audit.

type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	Update(ctx context.Context, s Session) error
	List(ctx context.Context, workspaceID string) ([]Session, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Session, error)

	// ListInactiveSince returns sessions in any of statuses whose
	// last_activity_at is older than cutoff.
	ListInactiveSince(ctx context.Context, cutoff time.Time, statuses ...Status) ([]Session, error)

	// CountConnected counts connected sessions for a workspace/provider pair.
	CountConnected(ctx context.Context, workspaceID string, provider ProviderType) (int, error)
}

// PostgresStore implements Store over database/sql (pgx stdlib driver).
//
// NOTE: assumes a sessions table:
//   id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL, provider TEXT NOT NULL,
//   status TEXT NOT NULL, phone_number TEXT, health_score INT NOT NULL,
//   last_activity_at TIMESTAMPTZ NOT NULL, last_connected_at TIMESTAMPTZ,
//   metadata JSONB, created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const sessionColumns = `id, workspace_id, provider, status, phone_number, health_score, last_activity_at, last_connected_at, metadata, created_at, updated_at`

func (r *PostgresStore) Create(ctx context.Context, s Session) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err = r.db.ExecContext(ctx, q,
		s.ID, s.WorkspaceID, s.Provider, s.Status,
		nullString(s.PhoneNumber), s.HealthScore,
		s.LastActivityAt, s.LastConnectedAt, meta, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.db.QueryRowContext(ctx, q, sessionID))
}

func (r *PostgresStore) Update(ctx context.Context, s Session) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE sessions
SET status = $2, phone_number = $3, health_score = $4,
    last_activity_at = $5, last_connected_at = $6, metadata = $7, updated_at = $8
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		s.ID, s.Status, nullString(s.PhoneNumber), s.HealthScore,
		s.LastActivityAt, s.LastConnectedAt, meta, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) List(ctx context.Context, workspaceID string) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE workspace_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY last_activity_at`
	rows, err := r.db.QueryContext(ctx, q, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresStore) ListInactiveSince(ctx context.Context, cutoff time.Time, statuses ...Status) ([]Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE status = ANY($1) AND last_activity_at < $2
ORDER BY last_activity_at
`
	rows, err := r.db.QueryContext(ctx, q, statusStrings(statuses), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (r *PostgresStore) CountConnected(ctx context.Context, workspaceID string, provider ProviderType) (int, error) {
	const q = `
SELECT COUNT(*) FROM sessions
WHERE workspace_id = $1 AND provider = $2 AND status = 'connected'
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, workspaceID, provider).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var phone sql.NullString
	var lastConn sql.NullTime
	var meta []byte
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.Provider, &s.Status,
		&phone, &s.HealthScore, &s.LastActivityAt, &lastConn, &meta,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if phone.Valid {
		s.PhoneNumber = phone.String
	}
	if lastConn.Valid {
		t := lastConn.Time
		s.LastConnectedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return Session{}, err
		}
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
