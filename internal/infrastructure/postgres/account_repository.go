package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"ledgersync/internal/domain/account"
)

const accountColumns = `id, connection_id, user_id, name, official_name, account_type, subtype, mask, currency,
	current_balance, available_balance, credit_limit, created_at, updated_at`

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

var _ account.Repository = (*AccountRepository)(nil)

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var acc account.Account
	var officialName, subtype, mask sql.NullString

	err := row.Scan(
		&acc.ID, &acc.ConnectionID, &acc.UserID, &acc.Name, &officialName,
		&acc.Type, &subtype, &mask, &acc.Currency,
		&acc.CurrentBalance, &acc.AvailableBalance, &acc.CreditLimit,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	acc.OfficialName = stringPtr(officialName)
	acc.Subtype = stringPtr(subtype)
	acc.Mask = stringPtr(mask)
	return &acc, nil
}

// UpsertMany writes an account snapshot in one transaction. Identity columns
// (id, connection_id, user_id) are never rewritten.
func (r *AccountRepository) UpsertMany(ctx context.Context, params []account.UpsertParams) error {
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid account %s: %w", p.ID, err)
		}
	}

	query := `
		INSERT INTO mirrored_accounts (id, connection_id, user_id, name, official_name, account_type, subtype, mask,
		                               currency, current_balance, available_balance, credit_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			subtype = EXCLUDED.subtype,
			mask = EXCLUDED.mask,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			credit_limit = EXCLUDED.credit_limit,
			updated_at = NOW()
	`

	return r.db.InTx(ctx, "UpsertAccounts", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare account upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range params {
			_, err := stmt.ExecContext(ctx,
				p.ID, p.ConnectionID, p.UserID, p.Name, nullStringPtr(p.OfficialName), p.Type,
				nullStringPtr(p.Subtype), nullStringPtr(p.Mask), p.Currency,
				p.CurrentBalance, p.AvailableBalance, p.CreditLimit,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert account %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// GetByID retrieves an account by its upstream ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM mirrored_accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListByUserID retrieves all mirrored accounts for a user
func (r *AccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM mirrored_accounts WHERE user_id = $1 ORDER BY name, id`
	return r.list(ctx, query, userID)
}

// ListByConnectionID retrieves the accounts of one connection
func (r *AccountRepository) ListByConnectionID(ctx context.Context, connectionID string) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM mirrored_accounts WHERE connection_id = $1 ORDER BY name, id`
	return r.list(ctx, query, connectionID)
}

func (r *AccountRepository) list(ctx context.Context, query string, args ...any) ([]*account.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}
