package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ledgersync/internal/domain/webhook"
)

// WebhookRepository implements the webhook.Repository interface for PostgreSQL
type WebhookRepository struct {
	db *DB
}

var _ webhook.Repository = (*WebhookRepository)(nil)

// NewWebhookRepository creates a new PostgreSQL webhook record repository
func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create appends a webhook record
func (r *WebhookRepository) Create(ctx context.Context, record *webhook.Record) error {
	query := `
		INSERT INTO webhook_records (id, webhook_type, webhook_code, item_id, connection_id, payload,
		                             processed, processing_error, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var itemID sql.NullString
	if record.ItemID != "" {
		itemID = sql.NullString{String: record.ItemID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.WebhookType, record.WebhookCode, itemID,
		nullStringPtr(record.ConnectionID), []byte(record.Payload),
		record.Processed, nullStringPtr(record.ProcessingError), record.ReceivedAt, record.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook record: %w", err)
	}
	return nil
}

// MarkProcessed flags a record as processed
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_records SET processed = TRUE, processed_at = $2, processing_error = NULL WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

// RecordFailure stores the processing error and increments the redelivery counter
func (r *WebhookRepository) RecordFailure(ctx context.Context, id string, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_records SET processing_error = $2, redelivery_count = redelivery_count + 1 WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

// ListUnprocessed returns unprocessed records received before cutoff, oldest first
func (r *WebhookRepository) ListUnprocessed(ctx context.Context, cutoff time.Time, limit int) ([]*webhook.Record, error) {
	query := `
		SELECT id, webhook_type, webhook_code, item_id, connection_id, payload, processed,
		       processing_error, redelivery_count, received_at, processed_at
		FROM webhook_records
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhooks: %w", err)
	}
	defer rows.Close()

	var records []*webhook.Record
	for rows.Next() {
		var rec webhook.Record
		var itemID, connectionID, processingError sql.NullString
		var processedAt sql.NullTime
		var payload []byte

		err := rows.Scan(
			&rec.ID, &rec.WebhookType, &rec.WebhookCode, &itemID, &connectionID, &payload, &rec.Processed,
			&processingError, &rec.RedeliveryCount, &rec.ReceivedAt, &processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook record: %w", err)
		}

		rec.ItemID = itemID.String
		rec.ConnectionID = stringPtr(connectionID)
		rec.ProcessingError = stringPtr(processingError)
		rec.ProcessedAt = timePtr(processedAt)
		rec.Payload = payload
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook records: %w", err)
	}
	return records, nil
}

// PruneProcessed deletes processed records received before cutoff
func (r *WebhookRepository) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_records WHERE processed = TRUE AND received_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook records: %w", err)
	}
	return result.RowsAffected()
}
