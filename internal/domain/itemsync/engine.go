// Package itemsync drains the provider's transaction delta stream for a
// connection into the local mirror, one committed page at a time.
package itemsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/audit"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/transaction"
	agg "ledgersync/internal/infrastructure/aggregator"
)

var (
	syncTracer     = otel.Tracer("ledgersync/itemsync")
	syncMeter      = otel.Meter("ledgersync/itemsync")
	pagesTotal, _  = syncMeter.Int64Counter("itemsync.pages", metric.WithDescription("Delta pages applied"))
	recordTotal, _ = syncMeter.Int64Counter("itemsync.records", metric.WithDescription("Transaction records applied by kind"))
	syncTotal, _   = syncMeter.Int64Counter("itemsync.runs", metric.WithDescription("Sync invocations by trigger and result"))
)

// Errors surfaced to callers
var (
	// ErrCredentialInvalid means the credential must be re-established by re-linking; retrying cannot help.
	ErrCredentialInvalid = errors.New("credential invalid")
	// ErrProviderUnavailable is transient; the cursor is left at the last committed page.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is a permanent provider refusal; retrying the same request will not help.
	ErrProviderRejected = errors.New("provider rejected request")
)

// Trigger identifies what started a sync
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerWebhook   Trigger = "webhook"
	TriggerScheduled Trigger = "scheduled"
	TriggerReplay    Trigger = "replay"
)

// Result summarizes one SyncConnection invocation. Cursor is always the last
// cursor committed together with its page.
type Result struct {
	ConnectionID string `json:"connectionId"`
	Accounts     int    `json:"accounts"`
	Added        int    `json:"added"`
	Modified     int    `json:"modified"`
	Removed      int    `json:"removed"`
	Pages        int    `json:"pages"`
	Cursor       string `json:"-"`
	HasMore      bool   `json:"hasMore"`
}

// Options bounds a single invocation
type Options struct {
	MaxPages     int           // Pages drained per invocation; the next trigger resumes
	CallTimeout  time.Duration // Per provider call
	LeaseTimeout time.Duration // Wait for the per-connection lease before proceeding without it
	ApplyTimeout time.Duration // Per page commit; not tied to the caller's context
}

// DefaultOptions returns the limits used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxPages:     50,
		CallTimeout:  30 * time.Second,
		LeaseTimeout: 5 * time.Second,
		ApplyTimeout: 30 * time.Second,
	}
}

// Decrypter opens stored credentials
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Engine synchronizes connections against the aggregation provider
type Engine struct {
	client       agg.ClientInterface
	connections  connection.Repository
	accounts     account.Repository
	transactions transaction.Repository
	vault        Decrypter
	lease        Lease
	recorder     audit.Recorder
	opts         Options
	now          func() time.Time
}

// NewEngine creates a sync engine. A nil lease disables per-connection serialization.
func NewEngine(
	client agg.ClientInterface,
	connections connection.Repository,
	accounts account.Repository,
	transactions transaction.Repository,
	vault Decrypter,
	lease Lease,
	recorder audit.Recorder,
	opts Options,
) *Engine {
	defaults := DefaultOptions()
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaults.MaxPages
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaults.CallTimeout
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaults.LeaseTimeout
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaults.ApplyTimeout
	}
	if lease == nil {
		lease = NopLease{}
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	return &Engine{
		client:       client,
		connections:  connections,
		accounts:     accounts,
		transactions: transactions,
		vault:        vault,
		lease:        lease,
		recorder:     recorder,
		opts:         opts,
		now:          time.Now,
	}
}

// SyncConnection refreshes the account snapshot and drains outstanding
// transaction changes for one connection. On error the returned Result (when
// non-nil) reflects the pages committed before the failure.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string, trigger Trigger) (*Result, error) {
	ctx, span := syncTracer.Start(ctx, "itemsync.SyncConnection",
		trace.WithAttributes(
			attribute.String("connection.id", connectionID),
			attribute.String("sync.trigger", string(trigger)),
		),
	)
	defer span.End()

	result, err := e.sync(ctx, connectionID, trigger)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if result != nil {
		span.SetAttributes(
			attribute.Int("sync.pages", result.Pages),
			attribute.Bool("sync.has_more", result.HasMore),
		)
	}
	syncTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("result", outcome),
	))
	return result, err
}

func (e *Engine) sync(ctx context.Context, connectionID string, trigger Trigger) (*Result, error) {
	// The cursor must be read under the lease so a waiter resumes from what the holder committed.
	release := e.acquireLease(ctx, connectionID)
	defer release()

	conn, err := e.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if !conn.Usable() {
		return nil, fmt.Errorf("connection %s is %s: %w", conn.ID, conn.Status, connection.ErrInactive)
	}

	token, err := e.vault.Decrypt(conn.Credential)
	if err != nil {
		e.recordCredentialInvalid(ctx, conn, "credential could not be decrypted")
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	result := &Result{ConnectionID: conn.ID}
	if conn.Cursor != nil {
		result.Cursor = *conn.Cursor
	}

	n, err := e.refreshAccounts(ctx, conn, token)
	if err != nil {
		return nil, err
	}
	result.Accounts = n

	if err := e.drain(ctx, conn, token, result); err != nil {
		return result, err
	}

	if err := e.connections.TouchSynced(ctx, conn.ID, e.now()); err != nil {
		return result, fmt.Errorf("failed to touch last synced: %w", err)
	}

	if trigger == TriggerManual && conn.Status == connection.StatusError {
		e.recover(ctx, conn)
	}

	log.Printf("Connection %s: %s sync complete (%d accounts, +%d ~%d -%d over %d pages, has_more=%v)",
		conn.ID, trigger, result.Accounts, result.Added, result.Modified, result.Removed, result.Pages, result.HasMore)
	return result, nil
}

// drain applies delta pages until the stream is exhausted, MaxPages is
// reached or ctx is cancelled. Cancellation is only observed between pages.
func (e *Engine) drain(ctx context.Context, conn *connection.Connection, token string, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			result.HasMore = true
			log.Printf("Connection %s: sync cancelled at cursor boundary after %d pages", conn.ID, result.Pages)
			return err
		}
		if result.Pages >= e.opts.MaxPages {
			result.HasMore = true
			log.Printf("Connection %s: page cap %d reached, resuming on next trigger", conn.ID, e.opts.MaxPages)
			return nil
		}

		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		page, err := e.client.FetchTransactionDelta(callCtx, token, result.Cursor)
		cancel()
		if err != nil {
			return e.providerError(ctx, conn, "transaction delta", err)
		}

		delta, err := toDelta(conn.ID, page)
		if err != nil {
			return fmt.Errorf("failed to convert delta page: %w", err)
		}

		next := page.NextCursor
		if next == "" {
			next = result.Cursor
		}

		// A page is committed atomically with its cursor, so cancellation must not interrupt it.
		applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ApplyTimeout)
		err = e.transactions.ApplyPage(applyCtx, conn.ID, delta, next)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to apply delta page: %w", err)
		}

		result.Cursor = next
		result.Pages++
		result.Added += len(delta.Added)
		result.Modified += len(delta.Modified)
		result.Removed += len(delta.Removed)
		result.HasMore = page.HasMore

		pagesTotal.Add(ctx, 1)
		recordTotal.Add(ctx, int64(len(delta.Added)), metric.WithAttributes(attribute.String("kind", "added")))
		recordTotal.Add(ctx, int64(len(delta.Modified)), metric.WithAttributes(attribute.String("kind", "modified")))
		recordTotal.Add(ctx, int64(len(delta.Removed)), metric.WithAttributes(attribute.String("kind", "removed")))

		if !page.HasMore {
			return nil
		}
	}
}

func (e *Engine) refreshAccounts(ctx context.Context, conn *connection.Connection, token string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	accounts, err := e.client.FetchAccounts(callCtx, token)
	if err != nil {
		return 0, e.providerError(ctx, conn, "accounts", err)
	}
	if len(accounts) == 0 {
		return 0, nil
	}

	params := make([]account.UpsertParams, 0, len(accounts))
	for _, a := range accounts {
		params = append(params, toAccountParams(conn, a))
	}
	if err := e.accounts.UpsertMany(ctx, params); err != nil {
		return 0, fmt.Errorf("failed to upsert accounts: %w", err)
	}
	return len(params), nil
}

func (e *Engine) acquireLease(ctx context.Context, connectionID string) func() {
	leaseCtx, cancel := context.WithTimeout(ctx, e.opts.LeaseTimeout)
	defer cancel()

	release, err := e.lease.Acquire(leaseCtx, connectionID)
	if err != nil {
		log.Printf("Connection %s: WARNING - lease not acquired (%v), syncing without it", connectionID, err)
		return func() {}
	}
	return release
}

// providerError maps a failed provider call onto the engine's error taxonomy.
func (e *Engine) providerError(ctx context.Context, conn *connection.Connection, op string, err error) error {
	switch {
	case agg.IsLoginRequired(err):
		e.recordCredentialInvalid(ctx, conn, err.Error())
		return fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	case ctx.Err() != nil:
		return fmt.Errorf("sync interrupted during %s: %w", op, ctx.Err())
	case agg.IsTransient(err):
		return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, op, err)
	default:
		log.Printf("Connection %s: provider rejected %s request: %v", conn.ID, op, err)
		return fmt.Errorf("%w: %s: %w", ErrProviderRejected, op, err)
	}
}

func (e *Engine) recover(ctx context.Context, conn *connection.Connection) {
	applied, err := e.connections.TransitionStatus(ctx, conn.ID, connection.StatusChange{
		To: connection.StatusActive,
		At: e.now(),
	})
	if err != nil {
		log.Printf("Connection %s: failed to clear error after manual sync: %v", conn.ID, err)
		return
	}
	if !applied {
		return
	}
	e.recorder.Record(ctx, audit.Entry{
		ID:           uuid.NewString(),
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Action:       audit.ActionConnectionReactivated,
		Severity:     audit.SeverityInfo,
		Detail:       "manual sync succeeded",
		CreatedAt:    e.now(),
	})
	log.Printf("Connection %s: error cleared by successful manual sync", conn.ID)
}

func (e *Engine) recordCredentialInvalid(ctx context.Context, conn *connection.Connection, detail string) {
	log.Printf("Connection %s: credential invalid, re-link required", conn.ID)
	e.recorder.Record(ctx, audit.Entry{
		ID:           uuid.NewString(),
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Action:       audit.ActionCredentialInvalid,
		Severity:     audit.SeverityFailure,
		Detail:       detail,
		CreatedAt:    e.now(),
	})
}

func toAccountParams(conn *connection.Connection, a agg.Account) account.UpsertParams {
	accountType := a.Type
	if !account.IsValidType(accountType) {
		accountType = "other"
	}

	current := decimal.Zero
	if a.Balances.Current.Valid {
		current = a.Balances.Current.Decimal
	}

	return account.UpsertParams{
		ID:               a.AccountID,
		ConnectionID:     conn.ID,
		UserID:           conn.UserID,
		Name:             a.Name,
		OfficialName:     a.OfficialName,
		Type:             accountType,
		Subtype:          a.Subtype,
		Mask:             a.Mask,
		Currency:         a.Balances.Currency(),
		CurrentBalance:   current,
		AvailableBalance: a.Balances.Available,
		CreditLimit:      a.Balances.Limit,
	}
}

func toDelta(connectionID string, page *agg.TransactionDelta) (transaction.Delta, error) {
	var delta transaction.Delta
	var err error

	if delta.Added, err = toUpserts(connectionID, page.Added); err != nil {
		return delta, err
	}
	if delta.Modified, err = toUpserts(connectionID, page.Modified); err != nil {
		return delta, err
	}
	for _, r := range page.Removed {
		delta.Removed = append(delta.Removed, r.TransactionID)
	}
	return delta, nil
}

func toUpserts(connectionID string, txs []agg.Transaction) ([]transaction.UpsertParams, error) {
	out := make([]transaction.UpsertParams, 0, len(txs))
	for i := range txs {
		tx := &txs[i]

		date, err := tx.GetDate()
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.TransactionID, err)
		}
		authorized, err := tx.GetAuthorizedDate()
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.TransactionID, err)
		}

		currency := "USD"
		if tx.ISOCurrencyCode != nil && *tx.ISOCurrencyCode != "" {
			currency = *tx.ISOCurrencyCode
		}

		out = append(out, transaction.UpsertParams{
			ID:                   tx.TransactionID,
			AccountID:            tx.AccountID,
			ConnectionID:         connectionID,
			Amount:               tx.Amount,
			Currency:             currency,
			Name:                 tx.Name,
			MerchantName:         tx.MerchantName,
			Category:             tx.Category(),
			Date:                 date,
			AuthorizedDate:       authorized,
			Pending:              tx.Pending,
			PendingTransactionID: tx.PendingTransactionID,
			Raw:                  tx.Raw,
		})
	}
	return out, nil
}
