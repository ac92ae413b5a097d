package main

import (
	"context"
	"log"

	goredis "github.com/redis/go-redis/v9"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
	"ledgersync/internal/domain/mirror"
	"ledgersync/internal/domain/webhook"
	agg "ledgersync/internal/infrastructure/aggregator"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/infrastructure/redis"
	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/shared/auth"
	"ledgersync/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB    *postgres.DB
	Redis *goredis.Client

	// Handlers
	WebhookHandler    *httphandlers.WebhookHandler
	ConnectionHandler *httphandlers.ConnectionHandler
	MirrorHandler     *httphandlers.MirrorHandler
	HealthHandler     *httphandlers.HealthHandler

	// Auth
	JWT *auth.JWT

	// Used by the scheduler and the sync request listener
	Connections *connection.Service
	Engine      *itemsync.Engine
	Webhooks    *webhook.Processor
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	deps := &Dependencies{DB: db}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		deps.Close()
		return nil, err
	}

	// Repositories
	connectionRepo := postgres.NewConnectionRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	webhookRepo := postgres.NewWebhookRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	// Cross-process lease when Redis is configured, otherwise in-process
	var lease itemsync.Lease = itemsync.NewLocalLease()
	if cfg.Redis.URL != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = client
		lease = redis.NewLease(client, cfg.Sync.LeaseTTL)
		log.Println("Using Redis sync lease")
	}

	aggClient := agg.NewClient(agg.Config{
		BaseURL:           cfg.Aggregator.BaseURL,
		ClientID:          cfg.Aggregator.ClientID,
		Secret:            cfg.Aggregator.Secret,
		Timeout:           cfg.Aggregator.Timeout,
		RequestsPerSecond: cfg.Aggregator.RequestsPerSecond,
		Burst:             cfg.Aggregator.Burst,
	})

	// Domain services
	connections := connection.NewService(connectionRepo, encryptor, auditRepo)
	engine := itemsync.NewEngine(
		aggClient,
		connectionRepo,
		accountRepo,
		transactionRepo,
		encryptor,
		lease,
		auditRepo,
		itemsync.Options{
			MaxPages:     cfg.Sync.MaxPages,
			CallTimeout:  cfg.Sync.CallTimeout,
			LeaseTimeout: cfg.Sync.LeaseTimeout,
			ApplyTimeout: cfg.Sync.ApplyTimeout,
		},
	)

	keys := webhook.NewKeyCache(aggClient, cfg.Webhook.KeyCacheTTL)
	verifier := webhook.NewVerifier(keys, webhook.VerifierConfig{
		Hardened: cfg.Webhook.Hardened,
		MaxAge:   cfg.Webhook.MaxTokenAge,
	})
	processor := webhook.NewProcessor(verifier, webhookRepo, connections, engine)
	if !cfg.Webhook.Hardened {
		log.Println("Warning: webhook verification is permissive")
	}

	mirrorService := mirror.NewService(connections, accountRepo, transactionRepo)

	deps.WebhookHandler = httphandlers.NewWebhookHandler(processor)
	deps.ConnectionHandler = httphandlers.NewConnectionHandler(connections, engine)
	deps.MirrorHandler = httphandlers.NewMirrorHandler(mirrorService)
	deps.HealthHandler = httphandlers.NewHealthHandler(db)
	deps.JWT = auth.NewJWT(cfg.JWT.Secret)
	deps.Connections = connections
	deps.Engine = engine
	deps.Webhooks = processor

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
