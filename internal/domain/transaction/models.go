// Package transaction holds the local mirror of upstream transactions and the
// delta pages used to reconcile it.
package transaction

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is the local copy of an upstream transaction. Its ID is the
// upstream transaction id and is unique across every connection.
type Transaction struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"accountId"`
	ConnectionID         string          `json:"connectionId"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Name                 string          `json:"name"`
	MerchantName         *string         `json:"merchantName,omitempty"`
	Category             *string         `json:"category,omitempty"`
	Date                 time.Time       `json:"date"`
	AuthorizedDate       *time.Time      `json:"authorizedDate,omitempty"`
	Pending              bool            `json:"pending"`
	PendingTransactionID *string         `json:"pendingTransactionId,omitempty"`
	Raw                  json.RawMessage `json:"raw,omitempty"` // Upstream payload as received
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// UpsertParams is one added or modified record from a delta page.
// On conflict amount, category, pending, names, dates and raw are overwritten;
// the ID and the owning connection are preserved.
type UpsertParams struct {
	ID                   string
	AccountID            string
	ConnectionID         string
	Amount               decimal.Decimal
	Currency             string
	Name                 string
	MerchantName         *string
	Category             *string
	Date                 time.Time
	AuthorizedDate       *time.Time
	Pending              bool
	PendingTransactionID *string
	Raw                  json.RawMessage
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ID == "" {
		return errors.New("transaction ID is required")
	}
	if p.AccountID == "" {
		return errors.New("account ID is required")
	}
	if p.ConnectionID == "" {
		return errors.New("connection ID is required")
	}
	if p.Date.IsZero() {
		return errors.New("transaction date is required")
	}
	return nil
}

// Delta is one page of upstream changes.
type Delta struct {
	Added    []UpsertParams
	Modified []UpsertParams
	Removed  []string
}

// IsEmpty reports whether the page carries no changes.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Upserts returns added and modified records merged by ID. When an ID repeats,
// the later record wins and keeps the position of the first occurrence.
func (d Delta) Upserts() []UpsertParams {
	out := make([]UpsertParams, 0, len(d.Added)+len(d.Modified))
	index := make(map[string]int, cap(out))

	for _, list := range [][]UpsertParams{d.Added, d.Modified} {
		for _, p := range list {
			if i, ok := index[p.ID]; ok {
				out[i] = p
				continue
			}
			index[p.ID] = len(out)
			out = append(out, p)
		}
	}
	return out
}

// Deletions returns the IDs to hard-delete before upserting: the explicit
// removals plus pending rows superseded by a posted record that references
// them under a new ID. IDs that are upserted in the same page are kept.
func (d Delta) Deletions() []string {
	upserts := d.Upserts()
	upserted := make(map[string]struct{}, len(upserts))
	for _, p := range upserts {
		upserted[p.ID] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range d.Removed {
		add(id)
	}
	for _, p := range upserts {
		if p.Pending || p.PendingTransactionID == nil {
			continue
		}
		if _, ok := upserted[*p.PendingTransactionID]; ok {
			continue
		}
		add(*p.PendingTransactionID)
	}
	return out
}
