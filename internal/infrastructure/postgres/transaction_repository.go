package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/transaction"
)

const transactionColumns = `t.id, t.account_id, t.connection_id, t.amount, t.currency, t.name, t.merchant_name,
	t.category, t.transaction_date, t.authorized_date, t.pending, t.pending_transaction_id, t.raw,
	t.created_at, t.updated_at`

// TransactionRepository implements the transaction.Repository interface for PostgreSQL
type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var merchantName, category, pendingID sql.NullString
	var authorizedDate sql.NullTime
	var raw []byte

	err := row.Scan(
		&t.ID, &t.AccountID, &t.ConnectionID, &t.Amount, &t.Currency, &t.Name, &merchantName,
		&category, &t.Date, &authorizedDate, &t.Pending, &pendingID, &raw,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.MerchantName = stringPtr(merchantName)
	t.Category = stringPtr(category)
	t.PendingTransactionID = stringPtr(pendingID)
	t.AuthorizedDate = timePtr(authorizedDate)
	if len(raw) > 0 {
		t.Raw = raw
	}
	return &t, nil
}

// ApplyPage reconciles one delta page and advances the connection cursor in a
// single transaction: deletions first, then upserts, then the cursor.
func (r *TransactionRepository) ApplyPage(ctx context.Context, connectionID string, delta transaction.Delta, nextCursor string) error {
	upserts := delta.Upserts()
	for _, p := range upserts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid transaction %s: %w", p.ID, err)
		}
	}
	deletions := delta.Deletions()

	upsertQuery := `
		INSERT INTO mirrored_transactions (id, account_id, connection_id, amount, currency, name, merchant_name,
		                                   category, transaction_date, authorized_date, pending,
		                                   pending_transaction_id, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			name = EXCLUDED.name,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			transaction_date = EXCLUDED.transaction_date,
			authorized_date = EXCLUDED.authorized_date,
			pending = EXCLUDED.pending,
			pending_transaction_id = EXCLUDED.pending_transaction_id,
			raw = EXCLUDED.raw,
			updated_at = NOW()
	`

	return r.db.InTx(ctx, "ApplyPage", func(ctx context.Context, tx *sql.Tx) error {
		// Lock the connection row so concurrent pages for it commit one at a time
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM connections WHERE id = $1 FOR UPDATE`, connectionID).Scan(&status)
		if err == sql.ErrNoRows {
			return connection.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock connection: %w", err)
		}
		if connection.Status(status).IsTerminal() {
			return fmt.Errorf("connection %s is %s: %w", connectionID, status, connection.ErrInactive)
		}

		if len(deletions) > 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM mirrored_transactions WHERE connection_id = $1 AND id = ANY($2)`,
				connectionID, pq.Array(deletions),
			)
			if err != nil {
				return fmt.Errorf("failed to delete transactions: %w", err)
			}
		}

		if len(upserts) > 0 {
			stmt, err := tx.PrepareContext(ctx, upsertQuery)
			if err != nil {
				return fmt.Errorf("failed to prepare transaction upsert: %w", err)
			}
			defer stmt.Close()

			for _, p := range upserts {
				var raw any
				if len(p.Raw) > 0 {
					raw = []byte(p.Raw)
				}
				var authorized sql.NullTime
				if p.AuthorizedDate != nil {
					authorized = sql.NullTime{Time: *p.AuthorizedDate, Valid: true}
				}

				_, err := stmt.ExecContext(ctx,
					p.ID, p.AccountID, p.ConnectionID, p.Amount, p.Currency, p.Name, nullStringPtr(p.MerchantName),
					nullStringPtr(p.Category), p.Date, authorized, p.Pending, nullStringPtr(p.PendingTransactionID), raw,
				)
				if err != nil {
					return fmt.Errorf("failed to upsert transaction %s: %w", p.ID, err)
				}
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE connections SET cursor = $2, updated_at = NOW() WHERE id = $1`,
			connectionID, nextCursor,
		)
		if err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a transaction by its upstream ID
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM mirrored_transactions t WHERE t.id = $1`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListByUserID retrieves a page of a user's transactions across all connections
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM mirrored_transactions t
		JOIN connections c ON c.id = t.connection_id
		WHERE c.user_id = $1
		ORDER BY t.transaction_date DESC, t.id
		LIMIT $2 OFFSET $3
	`
	return r.list(ctx, query, userID, limit, offset)
}

// ListByConnectionID retrieves a page of one connection's transactions
func (r *TransactionRepository) ListByConnectionID(ctx context.Context, connectionID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM mirrored_transactions t
		WHERE t.connection_id = $1
		ORDER BY t.transaction_date DESC, t.id
		LIMIT $2 OFFSET $3
	`
	return r.list(ctx, query, connectionID, limit, offset)
}

// CountByConnectionID counts the mirrored transactions of a connection
func (r *TransactionRepository) CountByConnectionID(ctx context.Context, connectionID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mirrored_transactions WHERE connection_id = $1`, connectionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]*transaction.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return transactions, nil
}
