package account

import "context"

// Repository defines the interface for mirrored account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// UpsertMany writes an account snapshot in one transaction. On conflict only
	// mutable fields (balances, names, currency) change and updated_at is touched.
	UpsertMany(ctx context.Context, params []UpsertParams) error

	// GetByID retrieves an account by its upstream ID
	GetByID(ctx context.Context, id string) (*Account, error)

	// ListByUserID retrieves all mirrored accounts for a user
	ListByUserID(ctx context.Context, userID int64) ([]*Account, error)

	// ListByConnectionID retrieves the accounts of one connection
	ListByConnectionID(ctx context.Context, connectionID string) ([]*Account, error)
}
