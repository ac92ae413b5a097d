package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/internal/domain/itemsync"
	"ledgersync/internal/infrastructure/postgres/listener"
	"ledgersync/internal/interfaces/scheduler"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		})
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
		if err != nil {
			return err
		}
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.DB.Migrate(ctx); err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	var syncListener *listener.SyncListener
	if cfg.Scheduler.Enabled {
		log.Println("Initializing scheduler...")
		sched, err = scheduler.NewScheduler(scheduler.Config{
			SyncSpec:     cfg.Scheduler.SyncSpec,
			ReplaySpec:   cfg.Scheduler.ReplaySpec,
			PruneSpec:    cfg.Scheduler.PruneSpec,
			WorkerCount:  cfg.Scheduler.WorkerCount,
			JobDelay:     cfg.Scheduler.JobDelay,
			QueueSize:    cfg.Scheduler.QueueSize,
			RunOnStartup: cfg.Scheduler.RunOnStartup,
			ReplayGrace:  cfg.Webhook.ReplayAge,
			ReplayBatch:  cfg.Webhook.ReplayBatch,
			Retention:    cfg.Webhook.Retention(),
		}, deps.Connections, deps.Engine, deps.Webhooks)
		if err != nil {
			return err
		}
		sched.Start()

		// Out-of-band requests, e.g. from the admin CLI
		syncListener = listener.NewSyncListener(cfg.Database.ConnectionString(), func(connectionID string) {
			if err := sched.EnqueueSync(connectionID, itemsync.TriggerManual); err != nil {
				log.Printf("Connection %s: requested sync not queued: %v", connectionID, err)
			}
		})
		syncListener.Start(ctx)
	} else {
		log.Println("Scheduler is disabled")
	}

	handler := SetupRoutes(deps, cfg)
	srv, redirectSrv := StartServers(NewServerConfigFromConfig(handler, cfg))

	<-ctx.Done()
	GracefulShutdown(srv, redirectSrv, sched, syncListener, shutdownTimeout)
	return nil
}
