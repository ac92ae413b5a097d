package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
)

// ConnectionLister enumerates connections due for a scheduled sync
type ConnectionLister interface {
	ListActive(ctx context.Context) ([]*connection.Connection, error)
}

// Config holds the cron specs and pool sizing. An empty spec disables that sweep.
type Config struct {
	SyncSpec     string
	ReplaySpec   string
	PruneSpec    string
	WorkerCount  int
	JobDelay     time.Duration
	QueueSize    int
	RunOnStartup bool
	ReplayGrace  time.Duration
	ReplayBatch  int
	Retention    time.Duration
}

// Scheduler drives the periodic sweeps on cron specs and feeds the worker pool.
type Scheduler struct {
	cfg         Config
	cron        *cron.Cron
	pool        *WorkerPool
	connections ConnectionLister
	syncer      Syncer
	webhooks    WebhookMaintainer
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler validates the specs and registers the sweeps.
func NewScheduler(cfg Config, connections ConnectionLister, syncer Syncer, webhooks WebhookMaintainer) (*Scheduler, error) {
	logger := cron.PrintfLogger(log.Default())
	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	s := &Scheduler{
		cfg:         cfg,
		cron:        c,
		pool:        NewWorkerPool(cfg.WorkerCount, cfg.JobDelay, cfg.QueueSize),
		connections: connections,
		syncer:      syncer,
		webhooks:    webhooks,
		ctx:         ctx,
		cancel:      cancel,
	}

	entries := []struct {
		name string
		spec string
		run  func()
	}{
		{"sync", cfg.SyncSpec, s.enqueueScheduledSyncs},
		{"replay", cfg.ReplaySpec, func() { s.submit(NewReplayJob(webhooks, cfg.ReplayGrace, cfg.ReplayBatch)) }},
		{"prune", cfg.PruneSpec, func() { s.submit(NewPruneJob(webhooks, cfg.Retention)) }},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, e.run); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", e.name, e.spec, err)
		}
	}

	log.Printf("Scheduler initialized (sync=%q replay=%q prune=%q, %d workers)",
		cfg.SyncSpec, cfg.ReplaySpec, cfg.PruneSpec, cfg.WorkerCount)
	return s, nil
}

// Start launches the worker pool and the cron loop.
func (s *Scheduler) Start() {
	s.pool.Start()
	s.cron.Start()

	if s.cfg.RunOnStartup {
		log.Println("Scheduler: Running initial sync on startup")
		go s.enqueueScheduledSyncs()
	}
}

// EnqueueSync queues a sync for one connection; used for out-of-band requests.
func (s *Scheduler) EnqueueSync(connectionID string, trigger itemsync.Trigger) error {
	return s.pool.Submit(NewSyncJob(connectionID, trigger, s.syncer))
}

func (s *Scheduler) enqueueScheduledSyncs() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	conns, err := s.connections.ListActive(ctx)
	if err != nil {
		log.Printf("Scheduler: failed to list active connections: %v", err)
		return
	}

	jobs := make([]Job, 0, len(conns))
	for _, c := range conns {
		jobs = append(jobs, NewSyncJob(c.ID, itemsync.TriggerScheduled, s.syncer))
	}
	s.pool.SubmitBatch(jobs)
}

func (s *Scheduler) submit(job Job) {
	if err := s.pool.Submit(job); err != nil {
		log.Printf("Scheduler: %s not queued: %v", job.Description(), err)
	}
}

// Shutdown stops the cron loop, then drains the worker pool.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	log.Println("Shutting down scheduler...")
	s.cancel()
	<-s.cron.Stop().Done()
	s.pool.Shutdown(timeout)
	log.Println("Scheduler stopped")
}
