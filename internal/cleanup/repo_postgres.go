package cleanup

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRepo persists the cleanup audit trail.
//
// NOTE: assumes a cleanup_log table:
//   id TEXT PRIMARY KEY, session_id TEXT NOT NULL, workspace_id TEXT,
//   action TEXT NOT NULL, outcome TEXT NOT NULL, reason TEXT,
//   created_at TIMESTAMPTZ NOT NULL
// with an INSERT-only policy.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e LogEntry) error {
	const q = `
INSERT INTO cleanup_log (id, session_id, workspace_id, action, outcome, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.SessionID, nullable(e.WorkspaceID), e.Action, e.Outcome, nullable(e.Reason), e.CreatedAt)
	return err
}

func (r *PostgresRepo) CountSince(ctx context.Context, action Action, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM cleanup_log WHERE action = $1 AND created_at >= $2`
	var n int
	if err := r.db.QueryRowContext(ctx, q, action, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
