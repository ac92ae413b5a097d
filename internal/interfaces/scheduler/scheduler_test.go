package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
)

type mockSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
	done  chan string
}

func (m *mockSyncer) SyncConnection(ctx context.Context, id string, trigger itemsync.Trigger) (*itemsync.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fmt.Sprintf("%s:%s", trigger, id))
	m.mu.Unlock()
	if m.done != nil {
		m.done <- id
	}
	if m.err != nil {
		return nil, m.err
	}
	return &itemsync.Result{ConnectionID: id}, nil
}

type mockLister struct {
	conns []*connection.Connection
}

func (m *mockLister) ListActive(context.Context) ([]*connection.Connection, error) {
	return m.conns, nil
}

type mockWebhooks struct {
	replayGrace time.Duration
	replayLimit int
	retention   time.Duration
	err         error
}

func (m *mockWebhooks) ReplayPending(ctx context.Context, grace time.Duration, limit int) (int, int, error) {
	m.replayGrace, m.replayLimit = grace, limit
	return 2, 1, m.err
}

func (m *mockWebhooks) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	m.retention = retention
	return 5, m.err
}

func TestSyncJob_Execute(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success", nil, false},
		{"inactive is skipped", connection.ErrInactive, false},
		{"deleted row is skipped", connection.ErrNotFound, false},
		{"provider failure", itemsync.ErrProviderUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewSyncJob("c1", itemsync.TriggerScheduled, &mockSyncer{err: tt.err})
			err := job.Execute(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, tt.err) {
				t.Errorf("Execute() error = %v, want wrapping %v", err, tt.err)
			}
		})
	}
}

func TestMaintenanceJobs(t *testing.T) {
	webhooks := &mockWebhooks{}

	if err := NewReplayJob(webhooks, time.Minute, 25).Execute(context.Background()); err != nil {
		t.Fatalf("ReplayJob.Execute() failed: %v", err)
	}
	if webhooks.replayGrace != time.Minute || webhooks.replayLimit != 25 {
		t.Errorf("ReplayPending called with (%v, %d)", webhooks.replayGrace, webhooks.replayLimit)
	}

	if err := NewPruneJob(webhooks, 48*time.Hour).Execute(context.Background()); err != nil {
		t.Fatalf("PruneJob.Execute() failed: %v", err)
	}
	if webhooks.retention != 48*time.Hour {
		t.Errorf("Prune called with %v", webhooks.retention)
	}

	webhooks.err = errors.New("db down")
	if err := NewPruneJob(webhooks, time.Hour).Execute(context.Background()); err == nil {
		t.Error("PruneJob.Execute() expected error, got nil")
	}
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(Config{SyncSpec: "not a cron spec", WorkerCount: 1, QueueSize: 1},
		&mockLister{}, &mockSyncer{}, &mockWebhooks{})
	if err == nil {
		t.Error("NewScheduler() expected error for invalid spec, got nil")
	}
}

func TestScheduler_EnqueueSync(t *testing.T) {
	syncer := &mockSyncer{done: make(chan string, 1)}
	s, err := NewScheduler(Config{WorkerCount: 1, QueueSize: 4}, &mockLister{}, syncer, &mockWebhooks{})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	s.Start()
	defer s.Shutdown(time.Second)

	if err := s.EnqueueSync("c9", itemsync.TriggerWebhook); err != nil {
		t.Fatalf("EnqueueSync() failed: %v", err)
	}

	select {
	case id := <-syncer.done:
		if id != "c9" {
			t.Errorf("synced %q, want c9", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync job did not run")
	}
}

func TestScheduler_RunOnStartupSyncsActiveConnections(t *testing.T) {
	syncer := &mockSyncer{done: make(chan string, 2)}
	lister := &mockLister{conns: []*connection.Connection{{ID: "c1"}, {ID: "c2"}}}

	s, err := NewScheduler(Config{WorkerCount: 2, QueueSize: 4, RunOnStartup: true}, lister, syncer, &mockWebhooks{})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	s.Start()
	defer s.Shutdown(time.Second)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-syncer.done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("synced %v, want c1 and c2", seen)
		}
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	for _, call := range syncer.calls {
		if call != "scheduled:c1" && call != "scheduled:c2" {
			t.Errorf("unexpected sync call %q", call)
		}
	}
}
