package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ledgersync/internal/domain/connection"
)

const connectionColumns = `id, item_id, user_id, credential, cursor, status, error_code, error_message,
	created_at, updated_at, last_synced_at, last_webhook_at, deletion_requested_at, deleted_at`

// ConnectionRepository implements the connection.Repository interface for PostgreSQL
type ConnectionRepository struct {
	db *DB
}

var _ connection.Repository = (*ConnectionRepository)(nil)

// NewConnectionRepository creates a new PostgreSQL connection repository
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*connection.Connection, error) {
	var c connection.Connection
	var cursor, errorCode, errorMessage sql.NullString
	var lastSynced, lastWebhook, deletionRequested, deleted sql.NullTime

	err := row.Scan(
		&c.ID, &c.ItemID, &c.UserID, &c.Credential, &cursor, &c.Status, &errorCode, &errorMessage,
		&c.CreatedAt, &c.UpdatedAt, &lastSynced, &lastWebhook, &deletionRequested, &deleted,
	)
	if err != nil {
		return nil, err
	}

	c.Cursor = stringPtr(cursor)
	c.ErrorCode = stringPtr(errorCode)
	c.ErrorMessage = stringPtr(errorMessage)
	c.LastSyncedAt = timePtr(lastSynced)
	c.LastWebhookAt = timePtr(lastWebhook)
	c.DeletionRequestedAt = timePtr(deletionRequested)
	c.DeletedAt = timePtr(deleted)
	return &c, nil
}

// Create inserts a new active connection
func (r *ConnectionRepository) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	query := `
		INSERT INTO connections (id, item_id, user_id, credential, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING ` + connectionColumns

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query,
		params.ID, params.ItemID, params.UserID, params.Credential,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, connection.ErrAlreadyLinked
		}
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, nil
}

// GetByID retrieves a connection by its ID
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// GetByItemID retrieves the connection that owns a provider item
func (r *ConnectionRepository) GetByItemID(ctx context.Context, itemID string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE item_id = $1`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, itemID))
	if err == sql.ErrNoRows {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by item: %w", err)
	}
	return conn, nil
}

// ListByUserID retrieves all connections for a user
func (r *ConnectionRepository) ListByUserID(ctx context.Context, userID int64) ([]*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE user_id = $1 ORDER BY created_at`
	return r.list(ctx, query, userID)
}

// ListByStatus retrieves all connections in a status
func (r *ConnectionRepository) ListByStatus(ctx context.Context, status connection.Status) ([]*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE status = $1 ORDER BY id`
	return r.list(ctx, query, string(status))
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*connection.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*connection.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return out, nil
}

// TransitionStatus applies a guarded status change. The guard runs in the
// UPDATE itself so racing writers cannot move a terminal connection.
func (r *ConnectionRepository) TransitionStatus(ctx context.Context, id string, change connection.StatusChange) (bool, error) {
	sources := connection.SourcesFor(change.To)
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	var errorCode, errorMessage sql.NullString
	if change.To == connection.StatusError {
		errorCode = nullStringPtr(change.ErrorCode)
		errorMessage = nullStringPtr(change.ErrorMessage)
	}

	query := `
		UPDATE connections
		SET status = $2,
		    error_code = $3,
		    error_message = $4,
		    credential = COALESCE($5, credential),
		    deleted_at = CASE WHEN $2 = 'deleted' THEN $6 ELSE deleted_at END,
		    updated_at = $6
		WHERE id = $1 AND status = ANY($7)
	`

	result, err := r.db.ExecContext(ctx, query,
		id, string(change.To), errorCode, errorMessage, nullStringPtr(change.Credential), change.At, pq.Array(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	// Distinguish a rejected transition from a missing connection
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkDeletionRequested stamps the time this system asked the provider to remove the item
func (r *ConnectionRepository) MarkDeletionRequested(ctx context.Context, id string, at time.Time) error {
	return r.touch(ctx, `UPDATE connections SET deletion_requested_at = $2, updated_at = $2 WHERE id = $1`, id, at)
}

// TouchSynced records a completed sync
func (r *ConnectionRepository) TouchSynced(ctx context.Context, id string, at time.Time) error {
	return r.touch(ctx, `UPDATE connections SET last_synced_at = $2 WHERE id = $1`, id, at)
}

// TouchWebhook records the most recent webhook for the connection
func (r *ConnectionRepository) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	return r.touch(ctx, `UPDATE connections SET last_webhook_at = $2 WHERE id = $1`, id, at)
}

func (r *ConnectionRepository) touch(ctx context.Context, query, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return connection.ErrNotFound
	}
	return nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
