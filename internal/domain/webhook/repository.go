package webhook

import (
	"context"
	"time"
)

// Repository defines the interface for webhook record persistence
type Repository interface {
	// Create appends a record. Records are never deduplicated.
	Create(ctx context.Context, record *Record) error

	// MarkProcessed flags a record as processed and clears its last error
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// RecordFailure stores the processing error and increments the redelivery counter
	RecordFailure(ctx context.Context, id string, message string) error

	// ListUnprocessed returns unprocessed records received before cutoff, oldest first
	ListUnprocessed(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)

	// PruneProcessed deletes processed records received before cutoff.
	// Unprocessed records are never pruned.
	PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error)
}
