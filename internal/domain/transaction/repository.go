package transaction

import "context"

// Repository defines the interface for mirrored transaction data access
type Repository interface {
	// ApplyPage reconciles one delta page and advances the owning connection's
	// cursor to nextCursor, all in a single database transaction. Deletions are
	// applied before upserts.
	ApplyPage(ctx context.Context, connectionID string, delta Delta, nextCursor string) error

	GetByID(ctx context.Context, id string) (*Transaction, error)
	ListByUserID(ctx context.Context, userID int64, limit, offset int) ([]*Transaction, error)
	ListByConnectionID(ctx context.Context, connectionID string, limit, offset int) ([]*Transaction, error)
	CountByConnectionID(ctx context.Context, connectionID string) (int64, error)
}
