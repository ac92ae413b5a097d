package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
	"ledgersync/internal/domain/webhook"
	agg "ledgersync/internal/infrastructure/aggregator"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/infrastructure/postgres/listener"
	"ledgersync/internal/infrastructure/redis"
	"ledgersync/internal/shared/config"
)

const usage = `LedgerSync Admin CLI - Maintenance commands for the LedgerSync API

Usage:
  admin <command> [options]

Commands:
  migrate           Apply the database schema
  sync              Run a sync for one or more connections in this process
  request-sync      Ask the running API to sync a connection
  replay-webhooks   Re-apply webhook records that were never processed
  prune-webhooks    Delete processed webhook records past retention
  reactivate        Move an errored connection back to active with a new access token
  status            Print the status of connections

Examples:
  # Sync two connections directly
  admin sync --connection-id=3f2a...,9b1c...

  # Sync every active connection with 8 workers
  admin sync --all --workers=8 --timeout=1h

  # Let the API's scheduler pick up a sync
  admin request-sync --connection-id=3f2a...

  # Replay records older than ten minutes
  admin replay-webhooks --older-than=10m --limit=500

  # Prune with a custom retention
  admin prune-webhooks --retention-days=30
`

func printUsage(w io.Writer) {
	fmt.Fprint(w, usage)
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate(os.Args[2:])
	case "sync":
		runSync(os.Args[2:])
	case "request-sync":
		runRequestSync(os.Args[2:])
	case "replay-webhooks":
		runReplayWebhooks(os.Args[2:])
	case "prune-webhooks":
		runPruneWebhooks(os.Args[2:])
	case "reactivate":
		runReactivate(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage(os.Stdout)
		os.Exit(1)
	}
}

// app holds what the commands share. Fields are built on demand.
type app struct {
	cfg         *config.Config
	db          *postgres.DB
	redis       *goredis.Client
	client      *agg.Client
	connections *connection.Service
	engine      *itemsync.Engine
}

func openApp() *app {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("Connected to database")

	return &app{cfg: cfg, db: db}
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

// buildEngine wires the sync engine the same way the API does, so an admin
// sync and an API sync of the same connection share the lease.
func (a *app) buildEngine(ctx context.Context) {
	encryptor, err := crypto.NewEncryptor(a.cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	connectionRepo := postgres.NewConnectionRepository(a.db)
	auditRepo := postgres.NewAuditRepository(a.db)

	var lease itemsync.Lease = itemsync.NewLocalLease()
	if a.cfg.Redis.URL != "" {
		a.redis, err = redis.NewClient(ctx, a.cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		lease = redis.NewLease(a.redis, a.cfg.Sync.LeaseTTL)
	} else {
		log.Println("Warning: REDIS_URL not set; syncs here are not serialized against the API")
	}

	a.client = agg.NewClient(agg.Config{
		BaseURL:           a.cfg.Aggregator.BaseURL,
		ClientID:          a.cfg.Aggregator.ClientID,
		Secret:            a.cfg.Aggregator.Secret,
		Timeout:           a.cfg.Aggregator.Timeout,
		RequestsPerSecond: a.cfg.Aggregator.RequestsPerSecond,
		Burst:             a.cfg.Aggregator.Burst,
	})

	a.connections = connection.NewService(connectionRepo, encryptor, auditRepo)
	a.engine = itemsync.NewEngine(
		a.client,
		connectionRepo,
		postgres.NewAccountRepository(a.db),
		postgres.NewTransactionRepository(a.db),
		encryptor,
		lease,
		auditRepo,
		itemsync.Options{
			MaxPages:     a.cfg.Sync.MaxPages,
			CallTimeout:  a.cfg.Sync.CallTimeout,
			LeaseTimeout: a.cfg.Sync.LeaseTimeout,
			ApplyTimeout: a.cfg.Sync.ApplyTimeout,
		},
	)
}

// buildProcessor wires the webhook processor for replay and prune
func (a *app) buildProcessor(ctx context.Context) *webhook.Processor {
	a.buildEngine(ctx)

	verifier := webhook.NewVerifier(
		webhook.NewKeyCache(a.client, a.cfg.Webhook.KeyCacheTTL),
		webhook.VerifierConfig{Hardened: a.cfg.Webhook.Hardened, MaxAge: a.cfg.Webhook.MaxTokenAge},
	)
	return webhook.NewProcessor(verifier, postgres.NewWebhookRepository(a.db), a.connections, a.engine)
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.db.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Schema is up to date")
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)

	idsStr := fs.String("connection-id", "", "Connection ID(s) to sync (comma-separated for multiple)")
	all := fs.Bool("all", false, "Sync every active connection")
	workers := fs.Int("workers", 4, "Number of concurrent syncs")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the whole run (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin sync [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Println("  admin sync --connection-id=3f2a...")
		fmt.Println("  admin sync --all --workers=8 --timeout=1h")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *idsStr == "" && !*all {
		fmt.Println("Error: must specify --connection-id or --all")
		fs.Usage()
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a.buildEngine(ctx)

	ids := splitIDs(*idsStr)
	if *all {
		conns, err := a.connections.ListActive(ctx)
		if err != nil {
			log.Fatalf("Failed to list active connections: %v", err)
		}
		ids = ids[:0]
		for _, c := range conns {
			ids = append(ids, c.ID)
		}
		log.Printf("Found %d active connections", len(ids))
	}

	if len(ids) == 0 {
		log.Println("No connections to process")
		return
	}

	log.Printf("Starting sync for %d connection(s) with %d workers", len(ids), *workers)
	startTime := time.Now()

	var mu sync.Mutex
	results := make(map[string]syncOutcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*workers, 1))
	for _, id := range ids {
		g.Go(func() error {
			result, err := a.engine.SyncConnection(gctx, id, itemsync.TriggerManual)
			mu.Lock()
			results[id] = syncOutcome{result: result, err: err}
			mu.Unlock()
			// One failed connection never stops the others
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, id := range ids {
		out := results[id]
		printSyncResult(id, out)
		if out.err != nil {
			failed++
		}
	}

	log.Printf("Sync completed in %v (%d failed)", time.Since(startTime), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type syncOutcome struct {
	result *itemsync.Result
	err    error
}

func printSyncResult(id string, out syncOutcome) {
	fmt.Printf("\n=== Connection %s ===\n", id)
	if r := out.result; r != nil {
		fmt.Printf("  Accounts:  %d\n", r.Accounts)
		fmt.Printf("  Added:     %d\n", r.Added)
		fmt.Printf("  Modified:  %d\n", r.Modified)
		fmt.Printf("  Removed:   %d\n", r.Removed)
		fmt.Printf("  Pages:     %d\n", r.Pages)
		fmt.Printf("  Has more:  %v\n", r.HasMore)
	}
	if out.err != nil {
		fmt.Printf("  Error:     %v\n", out.err)
	}
}

func runRequestSync(args []string) {
	fs := flag.NewFlagSet("request-sync", flag.ExitOnError)
	idsStr := fs.String("connection-id", "", "Connection ID(s) to request (comma-separated for multiple)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ids := splitIDs(*idsStr)
	if len(ids) == 0 {
		fmt.Println("Error: must specify --connection-id")
		fs.Usage()
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range ids {
		if err := listener.Notify(ctx, a.db, id); err != nil {
			log.Fatalf("Connection %s: %v", id, err)
		}
		log.Printf("Connection %s: sync requested", id)
	}
}

func runReplayWebhooks(args []string) {
	fs := flag.NewFlagSet("replay-webhooks", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 5*time.Minute, "Only replay records received at least this long ago")
	limit := fs.Int("limit", 100, "Maximum records to replay")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the operation")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	processor := a.buildProcessor(ctx)

	replayed, failed, err := processor.ReplayPending(ctx, *olderThan, *limit)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	log.Printf("Replayed %d webhook record(s), %d failed", replayed, failed)
}

func runPruneWebhooks(args []string) {
	fs := flag.NewFlagSet("prune-webhooks", flag.ExitOnError)
	days := fs.Int("retention-days", 0, "Override WEBHOOK_RETENTION_DAYS")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	retention := a.cfg.Webhook.Retention()
	if *days > 0 {
		retention = time.Duration(*days) * 24 * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	n, err := postgres.NewWebhookRepository(a.db).PruneProcessed(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Fatalf("Prune failed: %v", err)
	}
	log.Printf("Pruned %d processed webhook record(s) older than %v", n, retention)
}

func runReactivate(args []string) {
	fs := flag.NewFlagSet("reactivate", flag.ExitOnError)
	id := fs.String("connection-id", "", "Connection ID to reactivate")
	token := fs.String("access-token", "", "Fresh access token from the re-link flow")
	syncAfter := fs.Bool("sync", true, "Run a manual sync after reactivating")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *id == "" || *token == "" {
		fmt.Println("Error: must specify --connection-id and --access-token")
		fs.Usage()
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a.buildEngine(ctx)

	conn, err := a.connections.Get(ctx, *id)
	if err != nil {
		log.Fatalf("Connection %s: %v", *id, err)
	}

	conn, err = a.connections.Reactivate(ctx, conn.ID, conn.UserID, *token)
	if err != nil {
		log.Fatalf("Connection %s: reactivation failed: %v", *id, err)
	}
	log.Printf("Connection %s: status is now %s", conn.ID, conn.Status)

	if *syncAfter {
		result, err := a.engine.SyncConnection(ctx, conn.ID, itemsync.TriggerManual)
		printSyncResult(conn.ID, syncOutcome{result: result, err: err})
		if err != nil {
			os.Exit(1)
		}
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	idsStr := fs.String("connection-id", "", "Connection ID(s) to show; active and errored connections when empty")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := postgres.NewConnectionRepository(a.db)

	var conns []*connection.Connection
	if ids := splitIDs(*idsStr); len(ids) > 0 {
		for _, id := range ids {
			c, err := repo.GetByID(ctx, id)
			if err != nil {
				log.Printf("Connection %s: %v", id, err)
				continue
			}
			conns = append(conns, c)
		}
	} else {
		for _, status := range []connection.Status{connection.StatusActive, connection.StatusError} {
			list, err := repo.ListByStatus(ctx, status)
			if err != nil {
				log.Fatalf("Failed to list %s connections: %v", status, err)
			}
			conns = append(conns, list...)
		}
	}

	for _, c := range conns {
		fmt.Printf("%s  item=%s  user=%d  status=%s", c.ID, c.ItemID, c.UserID, c.Status)
		if c.ErrorCode != nil {
			fmt.Printf("  error=%s", *c.ErrorCode)
		}
		if c.LastSyncedAt != nil {
			fmt.Printf("  last_synced=%s", c.LastSyncedAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
}

func splitIDs(s string) []string {
	var ids []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
