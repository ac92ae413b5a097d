package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
)

// Syncer runs the sync engine for one connection
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string, trigger itemsync.Trigger) (*itemsync.Result, error)
}

// WebhookMaintainer covers the webhook log sweeps
type WebhookMaintainer interface {
	ReplayPending(ctx context.Context, grace time.Duration, limit int) (replayed, failed int, err error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SyncJob syncs one connection
type SyncJob struct {
	connectionID string
	trigger      itemsync.Trigger
	syncer       Syncer
}

func NewSyncJob(connectionID string, trigger itemsync.Trigger, syncer Syncer) *SyncJob {
	return &SyncJob{connectionID: connectionID, trigger: trigger, syncer: syncer}
}

func (j *SyncJob) Execute(ctx context.Context) error {
	result, err := j.syncer.SyncConnection(ctx, j.connectionID, j.trigger)
	switch {
	case errors.Is(err, connection.ErrInactive), errors.Is(err, connection.ErrNotFound):
		log.Printf("Connection %s: skipping %s sync: %v", j.connectionID, j.trigger, err)
		return nil
	case err != nil:
		return fmt.Errorf("sync failed: %w", err)
	}

	if result.HasMore {
		log.Printf("Connection %s: page cap reached, more changes pending", j.connectionID)
	}
	return nil
}

func (j *SyncJob) Key() string {
	return "sync:" + j.connectionID
}

func (j *SyncJob) Description() string {
	return fmt.Sprintf("%s sync of connection %s", j.trigger, j.connectionID)
}

// ReplayJob re-dispatches webhook records left unprocessed past a grace period
type ReplayJob struct {
	webhooks WebhookMaintainer
	grace    time.Duration
	limit    int
}

func NewReplayJob(webhooks WebhookMaintainer, grace time.Duration, limit int) *ReplayJob {
	return &ReplayJob{webhooks: webhooks, grace: grace, limit: limit}
}

func (j *ReplayJob) Execute(ctx context.Context) error {
	replayed, failed, err := j.webhooks.ReplayPending(ctx, j.grace, j.limit)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	if replayed+failed > 0 {
		log.Printf("Webhook replay: %d replayed, %d still failing", replayed, failed)
	}
	return nil
}

func (j *ReplayJob) Key() string         { return "webhook-replay" }
func (j *ReplayJob) Description() string { return "webhook replay sweep" }

// PruneJob deletes processed webhook records past retention
type PruneJob struct {
	webhooks  WebhookMaintainer
	retention time.Duration
}

func NewPruneJob(webhooks WebhookMaintainer, retention time.Duration) *PruneJob {
	return &PruneJob{webhooks: webhooks, retention: retention}
}

func (j *PruneJob) Execute(ctx context.Context) error {
	n, err := j.webhooks.Prune(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	log.Printf("Webhook prune: removed %d records older than %s", n, j.retention)
	return nil
}

func (j *PruneJob) Key() string         { return "webhook-prune" }
func (j *PruneJob) Description() string { return "webhook retention sweep" }
