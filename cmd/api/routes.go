package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry(cfg.Telemetry.ServiceName))
		r.Use(middleware.Tracing)
	}
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(cfg.Server.AllowedHosts))
	if cfg.TLS.Enabled {
		r.Use(middleware.HSTS)
		log.Println("TLS security middleware enabled (HSTS)")
	}

	r.Get("/health", deps.HealthHandler.HandleHealth)

	// Provider notifications authenticate with a signed token, not a session
	r.Post("/webhooks/aggregator", deps.WebhookHandler.HandleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.JWT))

		r.Route("/api/connections", func(r chi.Router) {
			r.Post("/", deps.ConnectionHandler.HandleLink)
			r.Get("/", deps.ConnectionHandler.HandleList)
			r.Get("/{id}", deps.ConnectionHandler.HandleGetStatus)
			r.Delete("/{id}", deps.ConnectionHandler.HandleDelete)
			r.Post("/{id}/sync", deps.ConnectionHandler.HandleSync)
			r.Post("/{id}/reactivate", deps.ConnectionHandler.HandleReactivate)
		})

		r.Get("/api/accounts", deps.MirrorHandler.HandleListAccounts)
		r.Get("/api/transactions", deps.MirrorHandler.HandleListTransactions)
	})

	return r
}
