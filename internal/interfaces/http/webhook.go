package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"ledgersync/internal/domain/webhook"
)

const (
	// VerificationHeader carries the aggregator's signed JWT
	VerificationHeader = "Aggregator-Verification"
	maxWebhookBody     = 1 << 20
)

// WebhookProcessor verifies and applies one delivery
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte, token string) error
}

type WebhookHandler struct {
	processor WebhookProcessor
}

func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleWebhook answers 2xx when the delivery was applied, 4xx when it must not
// be retried and 5xx when the sender should redeliver it later.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		log.Printf("Webhook: failed to read body: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	err = h.processor.Handle(r.Context(), body, r.Header.Get(VerificationHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, webhook.ErrVerificationFailed):
		writeError(w, http.StatusUnauthorized, "Verification failed")
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "Malformed payload")
	default:
		log.Printf("Webhook: processing failed, requesting redelivery: %v", err)
		writeError(w, http.StatusInternalServerError, "Processing failed")
	}
}
