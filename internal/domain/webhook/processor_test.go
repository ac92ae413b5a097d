package webhook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/audit"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
	"ledgersync/internal/domain/webhook"
	agg "ledgersync/internal/infrastructure/aggregator"
	"ledgersync/internal/testutil/memstore"
)

const (
	newDataBody = `{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`
	revokedBody = `{"webhook_type":"ITEM","webhook_code":"USER_PERMISSION_REVOKED","item_id":"item-1"}`
	errorBody   = `{"webhook_type":"ITEM","webhook_code":"ERROR","item_id":"item-1","error":{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"credentials changed"}}`
	removedBody = `{"webhook_type":"ITEM","webhook_code":"ITEM_REMOVED","item_id":"item-1"}`
)

type deltaClient struct {
	mu    sync.Mutex
	pages map[string]*agg.TransactionDelta
	err   error
}

func (c *deltaClient) FetchAccounts(context.Context, string) ([]agg.Account, error) {
	return nil, nil
}

func (c *deltaClient) FetchTransactionDelta(_ context.Context, _ string, cursor string) (*agg.TransactionDelta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if page, ok := c.pages[cursor]; ok {
		return page, nil
	}
	return &agg.TransactionDelta{NextCursor: cursor}, nil
}

func (c *deltaClient) FetchVerificationKey(context.Context, string) (*agg.VerificationKey, error) {
	return nil, errors.New("not used")
}

type nopRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *nopRecorder) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, e.Action)
}

type fixture struct {
	store     *memstore.Store
	client    *deltaClient
	recorder  *nopRecorder
	conns     *connection.Service
	processor *webhook.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.Connections().Put(connection.Connection{
		ID:         "conn-1",
		ItemID:     "item-1",
		UserID:     1,
		Credential: "enc:token",
		Status:     connection.StatusActive,
	})

	client := &deltaClient{pages: map[string]*agg.TransactionDelta{
		"": {
			Added: []agg.Transaction{{
				TransactionID: "T1",
				AccountID:     "acc-1",
				Amount:        decimal.RequireFromString("4.20"),
				Name:          "Coffee",
				DateString:    "2025-03-01",
			}},
			NextCursor: "c1",
		},
	}}
	recorder := &nopRecorder{}
	conns := connection.NewService(store.Connections(), memstore.PlainVault{}, recorder)
	engine := itemsync.NewEngine(client, store.Connections(), store.Accounts(), store.Transactions(),
		memstore.PlainVault{}, itemsync.NewLocalLease(), recorder, itemsync.Options{})
	verifier := webhook.NewVerifier(nil, webhook.VerifierConfig{Hardened: false})

	return &fixture{
		store:     store,
		client:    client,
		recorder:  recorder,
		conns:     conns,
		processor: webhook.NewProcessor(verifier, store.Webhooks(), conns, engine),
	}
}

func (f *fixture) status(t *testing.T) connection.Status {
	t.Helper()
	conn, err := f.store.Connections().GetByID(context.Background(), "conn-1")
	require.NoError(t, err)
	return conn.Status
}

func TestProcessor_RedeliveryHasSingleNetEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.processor.Handle(ctx, []byte(newDataBody), ""))
	}

	records := f.store.Webhooks().All()
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.True(t, rec.Processed)
		require.NotNil(t, rec.ConnectionID)
		assert.Equal(t, "conn-1", *rec.ConnectionID)
		assert.Equal(t, "SYNC_UPDATES_AVAILABLE", rec.WebhookCode)
	}

	count, err := f.store.Transactions().CountByConnectionID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	conn, err := f.store.Connections().GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", *conn.Cursor)
	assert.NotNil(t, conn.LastWebhookAt)
}

func TestProcessor_RevokedIsNotOverriddenByLateError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx, []byte(revokedBody), ""))
	require.NoError(t, f.processor.Handle(ctx, []byte(errorBody), ""))

	assert.Equal(t, connection.StatusRevoked, f.status(t))
	assert.Equal(t, []string{audit.ActionConnectionRevoked}, f.recorder.actions)

	for _, rec := range f.store.Webhooks().All() {
		assert.True(t, rec.Processed)
	}
}

func TestProcessor_ErrorStoresDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx, []byte(errorBody), ""))

	conn, err := f.store.Connections().GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusError, conn.Status)
	require.NotNil(t, conn.ErrorCode)
	assert.Equal(t, "ITEM_LOGIN_REQUIRED", *conn.ErrorCode)
	assert.Equal(t, "credentials changed", *conn.ErrorMessage)

	// A webhook-triggered sync does not clear the error
	require.NoError(t, f.processor.Handle(ctx, []byte(newDataBody), ""))
	assert.Equal(t, connection.StatusError, f.status(t))
}

func TestProcessor_DeletionAcknowledgement(t *testing.T) {
	t.Run("unrequested is ignored", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.processor.Handle(context.Background(), []byte(removedBody), ""))
		assert.Equal(t, connection.StatusActive, f.status(t))
	})

	t.Run("requested completes deletion", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		_, err := f.conns.RequestDeletion(ctx, "conn-1", 1)
		require.NoError(t, err)
		require.NoError(t, f.processor.Handle(ctx, []byte(removedBody), ""))

		conn, err := f.store.Connections().GetByID(ctx, "conn-1")
		require.NoError(t, err)
		assert.Equal(t, connection.StatusDeleted, conn.Status)
		assert.NotNil(t, conn.DeletedAt)

		// New data for a deleted connection is a no-op, not a failure
		require.NoError(t, f.processor.Handle(ctx, []byte(newDataBody), ""))
		count, _ := f.store.Transactions().CountByConnectionID(ctx, "conn-1")
		assert.Zero(t, count)
	})
}

func TestProcessor_UnknownItemAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx,
		[]byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"other"}`), ""))
	require.NoError(t, f.processor.Handle(ctx,
		[]byte(`{"webhook_type":"INCOME","webhook_code":"PRODUCT_READY","item_id":"item-1"}`), ""))

	records := f.store.Webhooks().All()
	require.Len(t, records, 2)
	assert.Nil(t, records[0].ConnectionID)
	assert.True(t, records[0].Processed)
	assert.True(t, records[1].Processed)
	assert.Equal(t, connection.StatusActive, f.status(t))
}

func TestProcessor_SyncFailureIsRetryableAndReplayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.err = &agg.APIError{StatusCode: 503, ErrorType: "API_ERROR", ErrorCode: "PLANNED_MAINTENANCE"}

	err := f.processor.Handle(ctx, []byte(newDataBody), "")
	require.ErrorIs(t, err, webhook.ErrProcessingFailed)
	assert.ErrorIs(t, err, itemsync.ErrProviderUnavailable)

	records := f.store.Webhooks().All()
	require.Len(t, records, 1)
	assert.False(t, records[0].Processed)
	assert.Equal(t, 1, records[0].RedeliveryCount)
	require.NotNil(t, records[0].ProcessingError)

	f.store.Webhooks().SetReceivedAt(records[0].ID, time.Now().Add(-time.Hour))
	f.client.err = nil

	replayed, failed, err := f.processor.ReplayPending(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Zero(t, failed)

	records = f.store.Webhooks().All()
	require.Len(t, records, 1, "replay must not create new records")
	assert.True(t, records[0].Processed)
	assert.Nil(t, records[0].ProcessingError)

	count, _ := f.store.Transactions().CountByConnectionID(ctx, "conn-1")
	assert.Equal(t, int64(1), count)
}

func TestProcessor_RejectsBeforeRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hardened := webhook.NewProcessor(
		webhook.NewVerifier(nil, webhook.VerifierConfig{Hardened: true}),
		f.store.Webhooks(), f.conns, nil,
	)
	err := hardened.Handle(ctx, []byte(newDataBody), "")
	assert.ErrorIs(t, err, webhook.ErrVerificationFailed)

	err = f.processor.Handle(ctx, []byte(`{"webhook_type":`), "")
	assert.ErrorIs(t, err, webhook.ErrMalformedPayload)

	assert.Empty(t, f.store.Webhooks().All())
}

func TestProcessor_IncompleteNotificationIsRecordedAsProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.processor.Handle(ctx, []byte(`{"webhook_type":"TRANSACTIONS","item_id":"item-1"}`), "")
	require.ErrorIs(t, err, webhook.ErrMalformedPayload)

	records := f.store.Webhooks().All()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "TRANSACTIONS", rec.WebhookType)
	assert.Empty(t, rec.WebhookCode)
	assert.True(t, rec.Processed)
	assert.NotNil(t, rec.ProcessedAt)
	require.NotNil(t, rec.ProcessingError)
	assert.Contains(t, *rec.ProcessingError, "webhook_code")
	require.NotNil(t, rec.ConnectionID)
	assert.Equal(t, "conn-1", *rec.ConnectionID)

	// Closed out records are never replayed and do not trigger a sync
	f.store.Webhooks().SetReceivedAt(rec.ID, time.Now().Add(-time.Hour))
	replayed, failed, err := f.processor.ReplayPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	assert.Zero(t, failed)
	count, _ := f.store.Transactions().CountByConnectionID(ctx, "conn-1")
	assert.Zero(t, count)
}

func TestProcessor_Prune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Handle(ctx, []byte(revokedBody), ""))
	require.NoError(t, f.processor.Handle(ctx, []byte(errorBody), ""))

	old := time.Now().Add(-100 * 24 * time.Hour)
	for _, rec := range f.store.Webhooks().All() {
		f.store.Webhooks().SetReceivedAt(rec.ID, old)
	}

	// An unprocessed record survives pruning regardless of age
	f.store.Webhooks().Create(ctx, &webhook.Record{ID: "pending", ReceivedAt: old})

	pruned, err := f.processor.Prune(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	remaining := f.store.Webhooks().All()
	require.Len(t, remaining, 1)
	assert.Equal(t, "pending", remaining[0].ID)
}
