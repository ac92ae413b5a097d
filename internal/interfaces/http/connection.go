package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/itemsync"
	agg "ledgersync/internal/infrastructure/aggregator"
)

// ConnectionService is the registry surface used by the API
type ConnectionService interface {
	Link(ctx context.Context, userID int64, itemID, accessToken string) (*connection.Connection, error)
	ListByUser(ctx context.Context, userID int64) ([]*connection.Connection, error)
	GetForUser(ctx context.Context, id string, userID int64) (*connection.Connection, error)
	Reactivate(ctx context.Context, id string, userID int64, accessToken string) (*connection.Connection, error)
	RequestDeletion(ctx context.Context, id string, userID int64) (*connection.Connection, error)
}

// Syncer runs an on-demand sync
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID string, trigger itemsync.Trigger) (*itemsync.Result, error)
}

type ConnectionHandler struct {
	connections ConnectionService
	syncer      Syncer
}

func NewConnectionHandler(connections ConnectionService, syncer Syncer) *ConnectionHandler {
	return &ConnectionHandler{connections: connections, syncer: syncer}
}

type LinkConnectionRequest struct {
	ItemID      string `json:"itemId"`
	AccessToken string `json:"accessToken"`
}

type ReactivateConnectionRequest struct {
	AccessToken string `json:"accessToken"`
}

// ConnectionStatusResponse is the getConnectionStatus payload
type ConnectionStatusResponse struct {
	ID           string            `json:"id"`
	Status       connection.Status `json:"status"`
	ErrorCode    *string           `json:"errorCode,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	LastSyncedAt *string           `json:"lastSyncedAt,omitempty"`
}

// SyncResponse reports one on-demand sync
type SyncResponse struct {
	*itemsync.Result
	Status connection.Status `json:"status"`
}

// HandleLink stores a new connection for the authenticated user
func (h *ConnectionHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req LinkConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conn, err := h.connections.Link(r.Context(), userID, req.ItemID, req.AccessToken)
	if err != nil {
		h.writeConnectionError(w, "link", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// HandleList returns the user's connections with their status
func (h *ConnectionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conns, err := h.connections.ListByUser(r.Context(), userID)
	if err != nil {
		log.Printf("Error listing connections for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}
	if conns == nil {
		conns = []*connection.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// HandleGetStatus returns the lifecycle status of one connection
func (h *ConnectionHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	conn, err := h.connections.GetForUser(r.Context(), id, userID)
	if err != nil {
		h.writeConnectionError(w, "get", id, err)
		return
	}

	resp := ConnectionStatusResponse{
		ID:           conn.ID,
		Status:       conn.Status,
		ErrorCode:    conn.ErrorCode,
		ErrorMessage: conn.ErrorMessage,
	}
	if conn.LastSyncedAt != nil {
		s := conn.LastSyncedAt.UTC().Format(time.RFC3339)
		resp.LastSyncedAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSync runs a manual sync and waits for it
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := h.connections.GetForUser(r.Context(), id, userID); err != nil {
		h.writeConnectionError(w, "sync", id, err)
		return
	}

	result, err := h.syncer.SyncConnection(r.Context(), id, itemsync.TriggerManual)
	if err != nil {
		h.writeConnectionError(w, "sync", id, err)
		return
	}

	conn, err := h.connections.GetForUser(r.Context(), id, userID)
	if err != nil {
		h.writeConnectionError(w, "sync", id, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Result: result, Status: conn.Status})
}

// HandleReactivate moves an errored connection back to active with a fresh token
func (h *ConnectionHandler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req ReactivateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conn, err := h.connections.Reactivate(r.Context(), id, userID, req.AccessToken)
	if err != nil {
		h.writeConnectionError(w, "reactivate", id, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// HandleDelete requests deletion; the connection turns deleted once the
// aggregator acknowledges it.
func (h *ConnectionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	conn, err := h.connections.RequestDeletion(r.Context(), id, userID)
	if err != nil {
		h.writeConnectionError(w, "delete", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, conn)
}

func (h *ConnectionHandler) writeConnectionError(w http.ResponseWriter, op, id string, err error) {
	var apiErr *agg.APIError

	switch {
	case errors.Is(err, connection.ErrNotFound):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, connection.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, connection.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connection.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "Item is already linked")
	case errors.Is(err, connection.ErrInactive):
		writeError(w, http.StatusConflict, "Connection is revoked or deleted")
	case errors.Is(err, connection.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Connection cannot be reactivated from its current status")
	case errors.Is(err, itemsync.ErrCredentialInvalid):
		writeError(w, http.StatusConflict, "Credential must be re-established by re-linking")
	case errors.Is(err, itemsync.ErrProviderUnavailable):
		if errors.As(err, &apiErr) {
			log.Printf("Connection %s: %s failed upstream (%s, request %s)", id, op, apiErr.ErrorCode, apiErr.RequestID)
		}
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "Provider unavailable, retry later")
	case errors.Is(err, itemsync.ErrProviderRejected):
		if errors.As(err, &apiErr) {
			log.Printf("Connection %s: %s rejected upstream (%s, request %s)", id, op, apiErr.ErrorCode, apiErr.RequestID)
		}
		writeError(w, http.StatusBadGateway, "Provider rejected the request")
	default:
		log.Printf("Connection %s: %s failed: %v", id, op, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
