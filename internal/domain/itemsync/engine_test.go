package itemsync_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/audit"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
	"ledgersync/internal/domain/transaction"
	agg "ledgersync/internal/infrastructure/aggregator"
	"ledgersync/internal/testutil/memstore"
)

// scriptedClient serves delta pages keyed by the cursor they are requested with
type scriptedClient struct {
	mu       sync.Mutex
	accounts []agg.Account
	pages    map[string]*agg.TransactionDelta
	errs     map[string]error
	cursors  []string
	calls    int

	onAccounts func() // Runs outside the lock on every FetchAccounts
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		accounts: []agg.Account{{
			AccountID: "acc-1",
			Name:      "Checking",
			Type:      "depository",
			Balances:  agg.Balances{Current: decimal.NewNullDecimal(decimal.RequireFromString("100.00"))},
		}},
		pages: make(map[string]*agg.TransactionDelta),
		errs:  make(map[string]error),
	}
}

func (c *scriptedClient) FetchAccounts(context.Context, string) ([]agg.Account, error) {
	c.mu.Lock()
	c.calls++
	hook := c.onAccounts
	accounts := c.accounts
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return accounts, nil
}

func (c *scriptedClient) requested() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors...)
}

// signallingLease reports each Acquire attempt before delegating
type signallingLease struct {
	itemsync.Lease
	acquiring chan string
}

func (l *signallingLease) Acquire(ctx context.Context, key string) (func(), error) {
	l.acquiring <- key
	return l.Lease.Acquire(ctx, key)
}

func (c *scriptedClient) FetchTransactionDelta(_ context.Context, _ string, cursor string) (*agg.TransactionDelta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.cursors = append(c.cursors, cursor)
	if err, ok := c.errs[cursor]; ok {
		return nil, err
	}
	page, ok := c.pages[cursor]
	if !ok {
		return &agg.TransactionDelta{NextCursor: cursor}, nil
	}
	return page, nil
}

func (c *scriptedClient) FetchVerificationKey(context.Context, string) (*agg.VerificationKey, error) {
	return nil, errors.New("not used")
}

type recordingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingRecorder) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func tx(id, amount string) agg.Transaction {
	return agg.Transaction{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        decimal.RequireFromString(amount),
		Name:          "Purchase " + id,
		DateString:    "2025-03-01",
	}
}

func removed(ids ...string) []agg.RemovedTransaction {
	var out []agg.RemovedTransaction
	for _, id := range ids {
		out = append(out, agg.RemovedTransaction{TransactionID: id})
	}
	return out
}

type fixture struct {
	store    *memstore.Store
	client   *scriptedClient
	recorder *recordingRecorder
	engine   *itemsync.Engine
	opts     itemsync.Options
}

func newFixture(t *testing.T, status connection.Status, opts itemsync.Options) *fixture {
	t.Helper()
	store := memstore.New()
	store.Connections().Put(connection.Connection{
		ID:         "conn-1",
		ItemID:     "item-1",
		UserID:     1,
		Credential: "enc:access-token",
		Status:     status,
	})

	f := &fixture{
		store:    store,
		client:   newScriptedClient(),
		recorder: &recordingRecorder{},
		opts:     opts,
	}
	f.engine = f.newEngine(memstore.PlainVault{}, itemsync.NewLocalLease())
	return f
}

// newEngine builds another engine over the fixture's store and client
func (f *fixture) newEngine(vault itemsync.Decrypter, lease itemsync.Lease) *itemsync.Engine {
	return itemsync.NewEngine(f.client, f.store.Connections(), f.store.Accounts(), f.store.Transactions(),
		vault, lease, f.recorder, f.opts)
}

func (f *fixture) cursor(t *testing.T) *string {
	t.Helper()
	conn, err := f.store.Connections().GetByID(context.Background(), "conn-1")
	require.NoError(t, err)
	return conn.Cursor
}

func (f *fixture) mirror(t *testing.T) map[string]string {
	t.Helper()
	txs, err := f.store.Transactions().ListByConnectionID(context.Background(), "conn-1", 0, 0)
	require.NoError(t, err)
	out := make(map[string]string, len(txs))
	for _, tx := range txs {
		out[tx.ID] = tx.Amount.String()
	}
	return out
}

func TestSyncConnection_ExampleScenario(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx := context.Background()

	f.client.pages[""] = &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T1", "10.00"), tx("T2", "20.00")},
		NextCursor: "c1",
	}

	result, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 1, result.Accounts)
	assert.Equal(t, map[string]string{"T1": "10", "T2": "20"}, f.mirror(t))
	require.NotNil(t, f.cursor(t))
	assert.Equal(t, "c1", *f.cursor(t))

	f.client.pages["c1"] = &agg.TransactionDelta{
		Modified:   []agg.Transaction{tx("T1", "12.50")},
		Removed:    removed("T2"),
		NextCursor: "c2",
	}

	result, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Modified)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, map[string]string{"T1": "12.5"}, f.mirror(t))
	assert.Equal(t, "c2", *f.cursor(t))

	conn, err := f.store.Connections().GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.NotNil(t, conn.LastSyncedAt)

	acc, err := f.store.Accounts().GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, acc.CurrentBalance.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, "USD", acc.Currency)
}

func TestSyncConnection_IdempotentReapply(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx := context.Background()

	batch := &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T1", "10.00"), tx("T3", "5.00")},
		Modified:   []agg.Transaction{tx("T1", "11.00")},
		Removed:    removed("T2"),
		NextCursor: "c1",
	}
	// The same batch is served again from the advanced cursor
	f.client.pages[""] = batch
	f.client.pages["c1"] = batch

	_, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	once := f.mirror(t)

	_, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)

	assert.Equal(t, once, f.mirror(t))
	assert.Equal(t, map[string]string{"T1": "11", "T3": "5"}, once)
}

func TestSyncConnection_ResumesFromLastCommittedPage(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx := context.Background()

	f.client.pages[""] = &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T1", "10.00"), tx("T2", "20.00")},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.client.pages["c1"] = &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T3", "30.00")},
		Modified:   []agg.Transaction{tx("T1", "15.00")},
		Removed:    removed("T2"),
		NextCursor: "c2",
	}

	crash := true
	f.store.BeforeApply = func(_ string, _ transaction.Delta, next string) error {
		if next == "c2" && crash {
			crash = false
			return errors.New("connection reset by peer")
		}
		return nil
	}

	result, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "c1", result.Cursor)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, "c1", *f.cursor(t))
	assert.Equal(t, map[string]string{"T1": "10", "T2": "20"}, f.mirror(t))

	result, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, "c2", result.Cursor)
	assert.Equal(t, map[string]string{"T1": "15", "T3": "30"}, f.mirror(t))
	assert.Equal(t, []string{"", "c1", "c1"}, f.client.cursors)
}

func TestSyncConnection_MaxPagesCap(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{MaxPages: 2})
	ctx := context.Background()

	f.client.pages[""] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T1", "1")}, NextCursor: "c1", HasMore: true}
	f.client.pages["c1"] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T2", "2")}, NextCursor: "c2", HasMore: true}
	f.client.pages["c2"] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T3", "3")}, NextCursor: "c3"}

	result, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerScheduled)
	require.NoError(t, err)
	assert.True(t, result.HasMore)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, "c2", *f.cursor(t))

	result, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerScheduled)
	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Equal(t, "c3", *f.cursor(t))
	assert.Len(t, f.mirror(t), 3)
}

func TestSyncConnection_PendingReplacedByPosted(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx := context.Background()

	pending := tx("P1", "9.99")
	pending.Pending = true
	f.client.pages[""] = &agg.TransactionDelta{Added: []agg.Transaction{pending}, NextCursor: "c1"}

	_, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"P1": "9.99"}, f.mirror(t))

	posted := tx("T1", "9.99")
	posted.PendingTransactionID = strPtr("P1")
	f.client.pages["c1"] = &agg.TransactionDelta{Added: []agg.Transaction{posted}, NextCursor: "c2"}

	_, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"T1": "9.99"}, f.mirror(t))
}

func TestSyncConnection_CredentialDecryptFailure(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	f.engine = f.newEngine(memstore.PlainVault{DecryptErr: errors.New("cipher: message authentication failed")}, itemsync.NewLocalLease())

	result, err := f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerManual)
	assert.ErrorIs(t, err, itemsync.ErrCredentialInvalid)
	assert.Nil(t, result)
	assert.Zero(t, f.client.calls)
	assert.Nil(t, f.cursor(t))
	assert.Equal(t, []string{audit.ActionCredentialInvalid}, f.recorder.actions())

	conn, _ := f.store.Connections().GetByID(context.Background(), "conn-1")
	assert.Equal(t, connection.StatusActive, conn.Status)
}

func TestSyncConnection_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "server error is transient",
			err:     &agg.APIError{StatusCode: 500, ErrorType: "API_ERROR", ErrorCode: "INTERNAL_SERVER_ERROR"},
			wantErr: itemsync.ErrProviderUnavailable,
		},
		{
			name:    "network error is transient",
			err:     errors.New("dial tcp: i/o timeout"),
			wantErr: itemsync.ErrProviderUnavailable,
		},
		{
			name:    "rate limit is transient",
			err:     &agg.APIError{StatusCode: 429, ErrorType: "RATE_LIMIT_EXCEEDED", ErrorCode: agg.CodeRateLimitExceeded},
			wantErr: itemsync.ErrProviderUnavailable,
		},
		{
			name:    "invalid request is permanent",
			err:     &agg.APIError{StatusCode: 400, ErrorType: "INVALID_REQUEST", ErrorCode: "INVALID_FIELD"},
			wantErr: itemsync.ErrProviderRejected,
		},
		{
			name:    "login required needs relink",
			err:     &agg.APIError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: agg.CodeItemLoginRequired},
			wantErr: itemsync.ErrCredentialInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, connection.StatusActive, itemsync.Options{})
			f.client.pages[""] = &agg.TransactionDelta{
				Added:      []agg.Transaction{tx("T1", "1")},
				NextCursor: "c1",
				HasMore:    true,
			}
			f.client.errs["c1"] = tt.err

			result, err := f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerWebhook)
			require.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, result)
			assert.Equal(t, "c1", result.Cursor)
			assert.Equal(t, "c1", *f.cursor(t))
			assert.Equal(t, map[string]string{"T1": "1"}, f.mirror(t))

			var apiErr *agg.APIError
			if errors.As(tt.err, &apiErr) {
				assert.ErrorAs(t, err, &apiErr)
			}
		})
	}
}

func TestSyncConnection_InactiveConnection(t *testing.T) {
	for _, status := range []connection.Status{connection.StatusRevoked, connection.StatusDeleted} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, status, itemsync.Options{})

			_, err := f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerManual)
			assert.ErrorIs(t, err, connection.ErrInactive)
			assert.Zero(t, f.client.calls)
		})
	}
}

func TestSyncConnection_OnlyManualSyncClearsError(t *testing.T) {
	f := newFixture(t, connection.StatusError, itemsync.Options{})
	ctx := context.Background()

	_, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	conn, _ := f.store.Connections().GetByID(ctx, "conn-1")
	assert.Equal(t, connection.StatusError, conn.Status)

	_, err = f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerManual)
	require.NoError(t, err)
	conn, _ = f.store.Connections().GetByID(ctx, "conn-1")
	assert.Equal(t, connection.StatusActive, conn.Status)
	assert.Equal(t, []string{audit.ActionConnectionReactivated}, f.recorder.actions())
}

func TestSyncConnection_CancelStopsAtPageBoundary(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.client.pages[""] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T1", "1")}, NextCursor: "c1", HasMore: true}
	f.client.pages["c1"] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T2", "2")}, NextCursor: "c2"}

	f.store.BeforeApply = func(_ string, _ transaction.Delta, next string) error {
		if next == "c1" {
			cancel()
		}
		return nil
	}

	result, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Pages)
	assert.True(t, result.HasMore)
	assert.Equal(t, "c1", *f.cursor(t))
	assert.Equal(t, map[string]string{"T1": "1"}, f.mirror(t))
}

func TestSyncConnection_ProceedsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{LeaseTimeout: 10 * time.Millisecond})
	lease := itemsync.NewLocalLease()
	f.engine = f.newEngine(memstore.PlainVault{}, lease)

	release, err := lease.Acquire(context.Background(), "conn-1")
	require.NoError(t, err)
	defer release()

	f.client.pages[""] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T1", "1")}, NextCursor: "c1"}

	_, err = f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, "c1", *f.cursor(t))
}

func TestSyncConnection_NotFound(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})

	_, err := f.engine.SyncConnection(context.Background(), "missing", itemsync.TriggerManual)
	assert.ErrorIs(t, err, connection.ErrNotFound)
}

func TestSyncConnection_ConcurrentInvocationsConverge(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	f.client.pages[""] = &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T1", "1"), tx("T2", "2")},
		NextCursor: "c1",
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerWebhook)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ids := make([]string, 0)
	for id := range f.mirror(t) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"T1", "T2"}, ids)
	assert.Equal(t, "c1", *f.cursor(t))
}

func TestSyncConnection_WaiterResumesFromCommittedCursor(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	lease := &signallingLease{Lease: itemsync.NewLocalLease(), acquiring: make(chan string, 2)}
	f.engine = f.newEngine(memstore.PlainVault{}, lease)

	f.client.pages[""] = &agg.TransactionDelta{
		Added:      []agg.Transaction{tx("T1", "1"), tx("T2", "2")},
		NextCursor: "c1",
	}

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.client.onAccounts = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}

	results := make(chan *itemsync.Result, 2)
	run := func() {
		result, err := f.engine.SyncConnection(context.Background(), "conn-1", itemsync.TriggerWebhook)
		assert.NoError(t, err)
		results <- result
	}

	go run()
	assert.Equal(t, "conn-1", <-lease.acquiring)
	<-entered

	// The second sync starts while the first holds the lease
	go run()
	assert.Equal(t, "conn-1", <-lease.acquiring)
	close(proceed)

	first, second := <-results, <-results
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Equal(t, []string{"", "c1"}, f.client.requested())
	assert.Equal(t, 2, first.Added+second.Added)
	assert.Equal(t, map[string]string{"T1": "1", "T2": "2"}, f.mirror(t))
	assert.Equal(t, "c1", *f.cursor(t))
}

func TestSyncConnection_RevokedMidSyncStopsApplying(t *testing.T) {
	f := newFixture(t, connection.StatusActive, itemsync.Options{})
	ctx := context.Background()

	f.client.pages[""] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T1", "1")}, NextCursor: "c1", HasMore: true}
	f.client.pages["c1"] = &agg.TransactionDelta{Added: []agg.Transaction{tx("T2", "2")}, NextCursor: "c2"}

	f.store.BeforeApply = func(id string, _ transaction.Delta, next string) error {
		if next == "c2" {
			_, err := f.store.Connections().TransitionStatus(ctx, id, connection.StatusChange{
				To: connection.StatusRevoked,
				At: time.Now(),
			})
			return err
		}
		return nil
	}

	result, err := f.engine.SyncConnection(ctx, "conn-1", itemsync.TriggerWebhook)
	require.ErrorIs(t, err, connection.ErrInactive)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, "c1", *f.cursor(t))
	assert.Equal(t, map[string]string{"T1": "1"}, f.mirror(t))
}

func strPtr(s string) *string { return &s }
