// Package memstore provides in-memory implementations of the domain
// repositories for tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/domain/webhook"
)

// Store holds all tables behind one mutex, so ApplyPage is atomic like a DB transaction.
type Store struct {
	mu           sync.Mutex
	connections  map[string]*connection.Connection
	accounts     map[string]*account.Account
	transactions map[string]*transaction.Transaction
	webhooks     []*webhook.Record

	// BeforeApply runs before each page is applied; a non-nil error aborts the page
	BeforeApply func(connectionID string, delta transaction.Delta, nextCursor string) error

	Now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		connections:  make(map[string]*connection.Connection),
		accounts:     make(map[string]*account.Account),
		transactions: make(map[string]*transaction.Transaction),
		Now:          time.Now,
	}
}

func (s *Store) Connections() *Connections   { return &Connections{s} }
func (s *Store) Accounts() *Accounts         { return &Accounts{s} }
func (s *Store) Transactions() *Transactions { return &Transactions{s} }
func (s *Store) Webhooks() *Webhooks         { return &Webhooks{s} }

// Connections implements connection.Repository
type Connections struct{ s *Store }

var _ connection.Repository = (*Connections)(nil)

func (r *Connections) Create(_ context.Context, params connection.CreateParams) (*connection.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.connections {
		if c.ItemID == params.ItemID {
			return nil, connection.ErrAlreadyLinked
		}
	}
	now := r.s.Now()
	c := &connection.Connection{
		ID:         params.ID,
		ItemID:     params.ItemID,
		UserID:     params.UserID,
		Credential: params.Credential,
		Status:     connection.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.s.connections[c.ID] = c
	cp := *c
	return &cp, nil
}

// Put inserts or replaces a connection as-is
func (r *Connections) Put(c connection.Connection) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.connections[c.ID] = &c
}

func (r *Connections) GetByID(_ context.Context, id string) (*connection.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.connections[id]
	if !ok {
		return nil, connection.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Connections) GetByItemID(_ context.Context, itemID string) (*connection.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.connections {
		if c.ItemID == itemID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, connection.ErrNotFound
}

func (r *Connections) ListByUserID(_ context.Context, userID int64) ([]*connection.Connection, error) {
	return r.list(func(c *connection.Connection) bool { return c.UserID == userID }), nil
}

func (r *Connections) ListByStatus(_ context.Context, status connection.Status) ([]*connection.Connection, error) {
	return r.list(func(c *connection.Connection) bool { return c.Status == status }), nil
}

func (r *Connections) list(match func(*connection.Connection) bool) []*connection.Connection {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*connection.Connection
	for _, c := range r.s.connections {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Connections) TransitionStatus(_ context.Context, id string, change connection.StatusChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.connections[id]
	if !ok {
		return false, connection.ErrNotFound
	}
	if !connection.CanTransition(c.Status, change.To) {
		return false, nil
	}

	c.Status = change.To
	c.UpdatedAt = change.At
	if change.To == connection.StatusError {
		c.ErrorCode = change.ErrorCode
		c.ErrorMessage = change.ErrorMessage
	} else {
		c.ErrorCode = nil
		c.ErrorMessage = nil
	}
	if change.Credential != nil {
		c.Credential = *change.Credential
	}
	if change.To == connection.StatusDeleted {
		at := change.At
		c.DeletedAt = &at
	}
	return true, nil
}

func (r *Connections) MarkDeletionRequested(_ context.Context, id string, at time.Time) error {
	return r.touch(id, func(c *connection.Connection) { c.DeletionRequestedAt = &at })
}

func (r *Connections) TouchSynced(_ context.Context, id string, at time.Time) error {
	return r.touch(id, func(c *connection.Connection) { c.LastSyncedAt = &at })
}

func (r *Connections) TouchWebhook(_ context.Context, id string, at time.Time) error {
	return r.touch(id, func(c *connection.Connection) { c.LastWebhookAt = &at })
}

func (r *Connections) touch(id string, fn func(*connection.Connection)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.connections[id]
	if !ok {
		return connection.ErrNotFound
	}
	fn(c)
	return nil
}

// Accounts implements account.Repository
type Accounts struct{ s *Store }

var _ account.Repository = (*Accounts)(nil)

func (r *Accounts) UpsertMany(_ context.Context, params []account.UpsertParams) error {
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.Now()
	for _, p := range params {
		a, ok := r.s.accounts[p.ID]
		if !ok {
			a = &account.Account{ID: p.ID, ConnectionID: p.ConnectionID, UserID: p.UserID, Type: p.Type, CreatedAt: now}
			r.s.accounts[p.ID] = a
		}
		a.Name = p.Name
		a.OfficialName = p.OfficialName
		a.Subtype = p.Subtype
		a.Mask = p.Mask
		a.Currency = p.Currency
		a.CurrentBalance = p.CurrentBalance
		a.AvailableBalance = p.AvailableBalance
		a.CreditLimit = p.CreditLimit
		a.UpdatedAt = now
	}
	return nil
}

func (r *Accounts) GetByID(_ context.Context, id string) (*account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Accounts) ListByUserID(_ context.Context, userID int64) ([]*account.Account, error) {
	return r.list(func(a *account.Account) bool { return a.UserID == userID }), nil
}

func (r *Accounts) ListByConnectionID(_ context.Context, connectionID string) ([]*account.Account, error) {
	return r.list(func(a *account.Account) bool { return a.ConnectionID == connectionID }), nil
}

func (r *Accounts) list(match func(*account.Account) bool) []*account.Account {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*account.Account
	for _, a := range r.s.accounts {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transactions implements transaction.Repository
type Transactions struct{ s *Store }

var _ transaction.Repository = (*Transactions)(nil)

func (r *Transactions) ApplyPage(_ context.Context, connectionID string, delta transaction.Delta, nextCursor string) error {
	if r.s.BeforeApply != nil {
		if err := r.s.BeforeApply(connectionID, delta, nextCursor); err != nil {
			return err
		}
	}

	upserts := delta.Upserts()
	for _, p := range upserts {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	conn, ok := r.s.connections[connectionID]
	if !ok {
		return connection.ErrNotFound
	}
	if conn.Status.IsTerminal() {
		return fmt.Errorf("connection %s is %s: %w", connectionID, conn.Status, connection.ErrInactive)
	}

	for _, id := range delta.Deletions() {
		if t, ok := r.s.transactions[id]; ok && t.ConnectionID == connectionID {
			delete(r.s.transactions, id)
		}
	}

	now := r.s.Now()
	for _, p := range upserts {
		t, ok := r.s.transactions[p.ID]
		if !ok {
			t = &transaction.Transaction{ID: p.ID, ConnectionID: p.ConnectionID, CreatedAt: now}
			r.s.transactions[p.ID] = t
		}
		t.AccountID = p.AccountID
		t.Amount = p.Amount
		t.Currency = p.Currency
		t.Name = p.Name
		t.MerchantName = p.MerchantName
		t.Category = p.Category
		t.Date = p.Date
		t.AuthorizedDate = p.AuthorizedDate
		t.Pending = p.Pending
		t.PendingTransactionID = p.PendingTransactionID
		t.Raw = p.Raw
		t.UpdatedAt = now
	}

	cursor := nextCursor
	conn.Cursor = &cursor
	conn.UpdatedAt = now
	return nil
}

func (r *Transactions) GetByID(_ context.Context, id string) (*transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transactions[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *Transactions) ListByUserID(_ context.Context, userID int64, limit, offset int) ([]*transaction.Transaction, error) {
	r.s.mu.Lock()
	owned := make(map[string]bool)
	for _, c := range r.s.connections {
		if c.UserID == userID {
			owned[c.ID] = true
		}
	}
	r.s.mu.Unlock()

	return r.page(func(t *transaction.Transaction) bool { return owned[t.ConnectionID] }, limit, offset), nil
}

func (r *Transactions) ListByConnectionID(_ context.Context, connectionID string, limit, offset int) ([]*transaction.Transaction, error) {
	return r.page(func(t *transaction.Transaction) bool { return t.ConnectionID == connectionID }, limit, offset), nil
}

func (r *Transactions) CountByConnectionID(_ context.Context, connectionID string) (int64, error) {
	return int64(len(r.page(func(t *transaction.Transaction) bool { return t.ConnectionID == connectionID }, 0, 0))), nil
}

// page returns matches ordered by date desc then ID. limit <= 0 means no limit.
func (r *Transactions) page(match func(*transaction.Transaction) bool, limit, offset int) []*transaction.Transaction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*transaction.Transaction
	for _, t := range r.s.transactions {
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Webhooks implements webhook.Repository
type Webhooks struct{ s *Store }

var _ webhook.Repository = (*Webhooks)(nil)

func (r *Webhooks) Create(_ context.Context, record *webhook.Record) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *record
	r.s.webhooks = append(r.s.webhooks, &cp)
	return nil
}

func (r *Webhooks) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(rec *webhook.Record) {
		rec.Processed = true
		rec.ProcessedAt = &at
		rec.ProcessingError = nil
	})
}

func (r *Webhooks) RecordFailure(_ context.Context, id string, message string) error {
	return r.update(id, func(rec *webhook.Record) {
		rec.ProcessingError = &message
		rec.RedeliveryCount++
	})
}

func (r *Webhooks) update(id string, fn func(*webhook.Record)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, rec := range r.s.webhooks {
		if rec.ID == id {
			fn(rec)
			return nil
		}
	}
	return nil
}

func (r *Webhooks) ListUnprocessed(_ context.Context, cutoff time.Time, limit int) ([]*webhook.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*webhook.Record
	for _, rec := range r.s.webhooks {
		if !rec.Processed && rec.ReceivedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Webhooks) PruneProcessed(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var kept []*webhook.Record
	var pruned int64
	for _, rec := range r.s.webhooks {
		if rec.Processed && rec.ReceivedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	r.s.webhooks = kept
	return pruned, nil
}

// SetReceivedAt backdates a record
func (r *Webhooks) SetReceivedAt(id string, at time.Time) {
	r.update(id, func(rec *webhook.Record) { rec.ReceivedAt = at })
}

// All returns copies of every stored record in insertion order
func (r *Webhooks) All() []webhook.Record {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]webhook.Record, 0, len(r.s.webhooks))
	for _, rec := range r.s.webhooks {
		out = append(out, *rec)
	}
	return out
}

// PlainVault is a reversible stand-in for the credential vault
type PlainVault struct {
	DecryptErr error
}

func (v PlainVault) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (v PlainVault) Decrypt(ciphertext string) (string, error) {
	if v.DecryptErr != nil {
		return "", v.DecryptErr
	}
	if len(ciphertext) < 4 {
		return ciphertext, nil
	}
	return ciphertext[4:], nil
}
