// Package mirror serves read-only, user-scoped queries over the mirrored
// accounts and transactions. Data behind an unhealthy connection is never
// returned as if it were current.
package mirror

import (
	"context"
	"errors"
	"fmt"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/transaction"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var ErrConnectionUnavailable = errors.New("connection unavailable")

// StatusError reports that a connection-scoped query hit a connection that is
// not active.
type StatusError struct {
	ConnectionID string
	Status       connection.Status
	ErrorCode    *string
}

func (e *StatusError) Error() string {
	if e.ErrorCode != nil {
		return fmt.Sprintf("connection %s is %s (%s)", e.ConnectionID, e.Status, *e.ErrorCode)
	}
	return fmt.Sprintf("connection %s is %s", e.ConnectionID, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrConnectionUnavailable }

// ConnectionReader is the subset of the connection registry used for scoping
type ConnectionReader interface {
	GetForUser(ctx context.Context, id string, userID int64) (*connection.Connection, error)
	ListByUser(ctx context.Context, userID int64) ([]*connection.Connection, error)
}

// AccountView annotates an account with the status of its connection
type AccountView struct {
	*account.Account
	ConnectionStatus connection.Status `json:"connectionStatus"`
}

// TransactionView annotates a transaction with the status of its connection
type TransactionView struct {
	*transaction.Transaction
	ConnectionStatus connection.Status `json:"connectionStatus"`
}

// Service answers mirror queries
type Service struct {
	connections  ConnectionReader
	accounts     account.Repository
	transactions transaction.Repository
}

// NewService creates a mirror query service
func NewService(connections ConnectionReader, accounts account.Repository, transactions transaction.Repository) *Service {
	return &Service{
		connections:  connections,
		accounts:     accounts,
		transactions: transactions,
	}
}

// ListAccounts returns every mirrored account of the user, each carrying its connection status
func (s *Service) ListAccounts(ctx context.Context, userID int64) ([]AccountView, error) {
	statuses, err := s.statuses(ctx, userID)
	if err != nil {
		return nil, err
	}

	accounts, err := s.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	views := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, AccountView{Account: a, ConnectionStatus: statuses[a.ConnectionID]})
	}
	return views, nil
}

// ListConnectionAccounts returns the accounts of one connection. It fails
// with a *StatusError when the connection is not active.
func (s *Service) ListConnectionAccounts(ctx context.Context, userID int64, connectionID string) ([]*account.Account, error) {
	if _, err := s.requireActive(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	return s.accounts.ListByConnectionID(ctx, connectionID)
}

// ListTransactions returns a page of the user's transactions across all connections
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]TransactionView, error) {
	statuses, err := s.statuses(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit, offset = clampPage(limit, offset)
	txs, err := s.transactions.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	views := make([]TransactionView, 0, len(txs))
	for _, t := range txs {
		views = append(views, TransactionView{Transaction: t, ConnectionStatus: statuses[t.ConnectionID]})
	}
	return views, nil
}

// ListConnectionTransactions returns a page of one connection's transactions.
// It fails with a *StatusError when the connection is not active.
func (s *Service) ListConnectionTransactions(ctx context.Context, userID int64, connectionID string, limit, offset int) ([]*transaction.Transaction, error) {
	if _, err := s.requireActive(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	return s.transactions.ListByConnectionID(ctx, connectionID, limit, offset)
}

func (s *Service) requireActive(ctx context.Context, userID int64, connectionID string) (*connection.Connection, error) {
	conn, err := s.connections.GetForUser(ctx, connectionID, userID)
	if err != nil {
		return nil, err
	}
	if conn.Status != connection.StatusActive {
		return nil, &StatusError{ConnectionID: conn.ID, Status: conn.Status, ErrorCode: conn.ErrorCode}
	}
	return conn, nil
}

func (s *Service) statuses(ctx context.Context, userID int64) (map[string]connection.Status, error) {
	conns, err := s.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := make(map[string]connection.Status, len(conns))
	for _, c := range conns {
		out[c.ID] = c.Status
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
