package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
)

var (
	webhookMeter       = otel.Meter("ledgersync/webhook")
	webhookReceived, _ = webhookMeter.Int64Counter("webhook.received", metric.WithDescription("Webhooks received by family and result"))
)

// Syncer runs the synchronization engine for a connection
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string, trigger itemsync.Trigger) (*itemsync.Result, error)
}

// Connections is the subset of the connection registry the processor drives
type Connections interface {
	GetByItemID(ctx context.Context, itemID string) (*connection.Connection, error)
	MarkError(ctx context.Context, conn *connection.Connection, code, message string) (bool, error)
	MarkRevoked(ctx context.Context, conn *connection.Connection) (bool, error)
	AcknowledgeDeletion(ctx context.Context, conn *connection.Connection) (bool, error)
	RecordWebhookReceived(ctx context.Context, conn *connection.Connection) error
}

// Processor persists every notification and routes it to its effect
type Processor struct {
	verifier    *Verifier
	records     Repository
	connections Connections
	syncer      Syncer
	now         func() time.Time
}

// NewProcessor creates a webhook processor
func NewProcessor(verifier *Verifier, records Repository, connections Connections, syncer Syncer) *Processor {
	return &Processor{
		verifier:    verifier,
		records:     records,
		connections: connections,
		syncer:      syncer,
		now:         time.Now,
	}
}

// Handle verifies, decodes and processes one inbound webhook body.
// ErrVerificationFailed and ErrMalformedPayload mean reject without retry;
// ErrProcessingFailed means the sender should redeliver.
func (p *Processor) Handle(ctx context.Context, body []byte, token string) error {
	if err := p.verifier.Verify(ctx, body, token); err != nil {
		webhookReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("family", "unverified"),
			attribute.String("result", "rejected"),
		))
		return err
	}

	n, err := Decode(body)
	if err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		p.recordRejected(ctx, n, err)
		return err
	}
	return p.Process(ctx, n)
}

// recordRejected keeps an authentic but incomplete notification in the log,
// closed out with its error so it is never replayed.
func (p *Processor) recordRejected(ctx context.Context, n *Notification, cause error) {
	webhookReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", string(FamilyUnknown)),
		attribute.String("result", "rejected"),
	))

	now := p.now()
	msg := cause.Error()
	record := &Record{
		ID:              uuid.NewString(),
		WebhookType:     n.Type,
		WebhookCode:     n.Code,
		ItemID:          n.ItemID,
		Payload:         n.Raw,
		Processed:       true,
		ProcessingError: &msg,
		ReceivedAt:      now,
		ProcessedAt:     &now,
	}
	if conn, err := p.resolve(ctx, n.ItemID); err == nil && conn != nil {
		record.ConnectionID = &conn.ID
	}

	if err := p.records.Create(ctx, record); err != nil {
		log.Printf("Webhook %s: failed to persist rejected notification: %v", record.ID, err)
		return
	}
	log.Printf("Webhook %s: WARNING - rejected %q/%q for item %q: %v", record.ID, n.Type, n.Code, n.ItemID, cause)
}

// Process records the notification and applies its effect. Redelivering the
// same notification is safe: each delivery is recorded, effects are idempotent.
func (p *Processor) Process(ctx context.Context, n *Notification) error {
	conn, err := p.resolve(ctx, n.ItemID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}

	record := &Record{
		ID:          uuid.NewString(),
		WebhookType: n.Type,
		WebhookCode: n.Code,
		ItemID:      n.ItemID,
		Payload:     n.Raw,
		ReceivedAt:  p.now(),
	}
	if conn != nil {
		record.ConnectionID = &conn.ID
		if err := p.connections.RecordWebhookReceived(ctx, conn); err != nil {
			log.Printf("Webhook %s: failed to touch connection %s: %v", record.ID, conn.ID, err)
		}
	}

	if err := p.records.Create(ctx, record); err != nil {
		return fmt.Errorf("%w: failed to persist record: %w", ErrProcessingFailed, err)
	}

	return p.complete(ctx, record, conn, n.Event, itemsync.TriggerWebhook)
}

// Replay re-dispatches a stored record that was never marked processed.
// No new record is created.
func (p *Processor) Replay(ctx context.Context, record *Record) error {
	n, err := Parse(record.Payload)
	if err != nil {
		// Undecodable records can never succeed; close them out.
		log.Printf("Webhook %s: dropping undecodable record on replay: %v", record.ID, err)
		return p.records.MarkProcessed(ctx, record.ID, p.now())
	}

	conn, err := p.resolve(ctx, n.ItemID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}
	return p.complete(ctx, record, conn, n.Event, itemsync.TriggerReplay)
}

// ReplayPending replays unprocessed records older than grace. It stops at
// the first error that is not a processing failure of an individual record.
func (p *Processor) ReplayPending(ctx context.Context, grace time.Duration, limit int) (replayed, failed int, err error) {
	records, err := p.records.ListUnprocessed(ctx, p.now().Add(-grace), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list unprocessed webhooks: %w", err)
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		if err := p.Replay(ctx, record); err != nil {
			failed++
			log.Printf("Webhook %s: replay failed: %v", record.ID, err)
			continue
		}
		replayed++
	}
	return replayed, failed, nil
}

// Prune deletes processed records older than retention
func (p *Processor) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := p.records.PruneProcessed(ctx, p.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhooks: %w", err)
	}
	return n, nil
}

func (p *Processor) resolve(ctx context.Context, itemID string) (*connection.Connection, error) {
	if itemID == "" {
		return nil, nil
	}
	conn, err := p.connections.GetByItemID(ctx, itemID)
	if errors.Is(err, connection.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item %s: %w", itemID, err)
	}
	return conn, nil
}

func (p *Processor) complete(ctx context.Context, record *Record, conn *connection.Connection, event Event, trigger itemsync.Trigger) error {
	family := string(event.Family())

	if err := p.dispatch(ctx, record, conn, event, trigger); err != nil {
		webhookReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("family", family),
			attribute.String("result", "failed"),
		))
		if ferr := p.records.RecordFailure(ctx, record.ID, err.Error()); ferr != nil {
			log.Printf("Webhook %s: failed to record processing error: %v", record.ID, ferr)
		}
		return fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}

	if err := p.records.MarkProcessed(ctx, record.ID, p.now()); err != nil {
		return fmt.Errorf("%w: failed to mark processed: %w", ErrProcessingFailed, err)
	}

	webhookReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("result", "processed"),
	))
	return nil
}

func (p *Processor) dispatch(ctx context.Context, record *Record, conn *connection.Connection, event Event, trigger itemsync.Trigger) error {
	if _, ok := event.(Unknown); ok {
		log.Printf("Webhook %s: WARNING - %v: %s/%s", record.ID, ErrUnknownNotification, record.WebhookType, record.WebhookCode)
		return nil
	}
	if _, ok := event.(Informational); ok {
		log.Printf("Webhook %s: informational %s/%s", record.ID, record.WebhookType, record.WebhookCode)
		return nil
	}
	if conn == nil {
		log.Printf("Webhook %s: no connection for item %q, nothing to apply", record.ID, record.ItemID)
		return nil
	}

	switch ev := event.(type) {
	case ConnectionError:
		_, err := p.connections.MarkError(ctx, conn, ev.Code, ev.Message)
		return err

	case ConnectionRevoked:
		_, err := p.connections.MarkRevoked(ctx, conn)
		return err

	case DeletionAcknowledged:
		_, err := p.connections.AcknowledgeDeletion(ctx, conn)
		return err

	case NewDataAvailable:
		result, err := p.syncer.SyncConnection(ctx, conn.ID, trigger)
		if errors.Is(err, connection.ErrInactive) {
			log.Printf("Webhook %s: connection %s is no longer usable, skipping sync", record.ID, conn.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("sync after %s: %w", ev.Code, err)
		}
		if result.HasMore {
			log.Printf("Webhook %s: connection %s has more pages, continuing on next trigger", record.ID, conn.ID)
		}
		return nil
	}

	return nil
}
