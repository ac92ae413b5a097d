package connection

import (
	"context"
	"time"
)

// Repository defines the interface for connection data access.
// The cursor is advanced by transaction.Repository.ApplyPage, in the same
// database transaction as the records it covers.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Connection, error)

	// GetByID returns ErrNotFound when no connection has the given ID
	GetByID(ctx context.Context, id string) (*Connection, error)

	// GetByItemID returns ErrNotFound when the item is not linked
	GetByItemID(ctx context.Context, itemID string) (*Connection, error)

	ListByUserID(ctx context.Context, userID int64) ([]*Connection, error)
	ListByStatus(ctx context.Context, status Status) ([]*Connection, error)

	// TransitionStatus applies change if the current status allows it.
	// Returns false when the guard rejected the change.
	TransitionStatus(ctx context.Context, id string, change StatusChange) (bool, error)

	MarkDeletionRequested(ctx context.Context, id string, at time.Time) error
	TouchSynced(ctx context.Context, id string, at time.Time) error
	TouchWebhook(ctx context.Context, id string, at time.Time) error
}
