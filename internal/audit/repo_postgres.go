package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo persists audit events into an INSERT-only table.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const stmt = `
INSERT INTO audit_events (id, workspace_id, type, actor_user_id, actor_role, ip_address, session_id, campaign_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := r.db.ExecContext(ctx, stmt,
		e.ID, e.WorkspaceID, e.Type, nullIfEmpty(e.ActorUserID), nullIfEmpty(e.ActorRole),
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.SessionID), nullIfEmpty(e.CampaignID),
		nullIfEmpty(e.Message), nullIfEmpty(e.Metadata), e.CreatedAt)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
