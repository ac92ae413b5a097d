package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/mirror"
	"ledgersync/internal/domain/transaction"
)

// MirrorService answers read-only queries over mirrored data
type MirrorService interface {
	ListAccounts(ctx context.Context, userID int64) ([]mirror.AccountView, error)
	ListConnectionAccounts(ctx context.Context, userID int64, connectionID string) ([]*account.Account, error)
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]mirror.TransactionView, error)
	ListConnectionTransactions(ctx context.Context, userID int64, connectionID string, limit, offset int) ([]*transaction.Transaction, error)
}

type MirrorHandler struct {
	mirror MirrorService
}

func NewMirrorHandler(mirror MirrorService) *MirrorHandler {
	return &MirrorHandler{mirror: mirror}
}

// ConnectionUnavailableResponse tells the caller why data was withheld
type ConnectionUnavailableResponse struct {
	Error        string  `json:"error"`
	ConnectionID string  `json:"connectionId"`
	Status       string  `json:"status"`
	ErrorCode    *string `json:"errorCode,omitempty"`
}

// HandleListAccounts lists mirrored accounts, optionally for one connection
func (h *MirrorHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if connectionID := r.URL.Query().Get("connection_id"); connectionID != "" {
		accounts, err := h.mirror.ListConnectionAccounts(r.Context(), userID, connectionID)
		if err != nil {
			h.writeMirrorError(w, userID, err)
			return
		}
		if accounts == nil {
			accounts = []*account.Account{}
		}
		writeJSON(w, http.StatusOK, accounts)
		return
	}

	views, err := h.mirror.ListAccounts(r.Context(), userID)
	if err != nil {
		h.writeMirrorError(w, userID, err)
		return
	}
	if views == nil {
		views = []mirror.AccountView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleListTransactions lists mirrored transactions, newest first
func (h *MirrorHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)

	if connectionID := r.URL.Query().Get("connection_id"); connectionID != "" {
		txs, err := h.mirror.ListConnectionTransactions(r.Context(), userID, connectionID, limit, offset)
		if err != nil {
			h.writeMirrorError(w, userID, err)
			return
		}
		if txs == nil {
			txs = []*transaction.Transaction{}
		}
		writeJSON(w, http.StatusOK, txs)
		return
	}

	views, err := h.mirror.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeMirrorError(w, userID, err)
		return
	}
	if views == nil {
		views = []mirror.TransactionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *MirrorHandler) writeMirrorError(w http.ResponseWriter, userID int64, err error) {
	var statusErr *mirror.StatusError

	switch {
	case errors.As(err, &statusErr):
		writeJSON(w, http.StatusConflict, ConnectionUnavailableResponse{
			Error:        "Connection is not active; data may be stale",
			ConnectionID: statusErr.ConnectionID,
			Status:       string(statusErr.Status),
			ErrorCode:    statusErr.ErrorCode,
		})
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, connection.ErrForbidden):
		writeError(w, http.StatusNotFound, "Connection not found")
	default:
		log.Printf("Error querying mirror for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to query data")
	}
}
