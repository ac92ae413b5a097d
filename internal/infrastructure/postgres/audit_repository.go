package postgres

import (
	"context"
	"database/sql"
	"log"

	"ledgersync/internal/domain/audit"
)

// AuditRepository persists audit entries. It implements audit.Recorder, so
// write failures are logged and never returned to the caller.
type AuditRepository struct {
	db *DB
}

var _ audit.Recorder = (*AuditRepository)(nil)

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Record(ctx context.Context, entry audit.Entry) {
	query := `
		INSERT INTO audit_entries (id, user_id, connection_id, action, severity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var connectionID, detail sql.NullString
	if entry.ConnectionID != "" {
		connectionID = sql.NullString{String: entry.ConnectionID, Valid: true}
	}
	if entry.Detail != "" {
		detail = sql.NullString{String: entry.Detail, Valid: true}
	}

	_, err := r.db.ExecContext(context.WithoutCancel(ctx), query,
		entry.ID, entry.UserID, connectionID, entry.Action, string(entry.Severity), detail, entry.CreatedAt,
	)
	if err != nil {
		log.Printf("Audit: failed to record %s for connection %s: %v", entry.Action, entry.ConnectionID, err)
	}
}
