// Package connection is the registry of linked external account groups (items):
// identity, encrypted credential, sync cursor and lifecycle status.
package connection

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
	StatusDeleted Status = "deleted"
)

// Domain errors
var (
	ErrNotFound          = errors.New("connection not found")
	ErrForbidden         = errors.New("access forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInactive          = errors.New("connection is revoked or deleted")
	ErrAlreadyLinked     = errors.New("item is already linked")
)

// transitions lists, for each target status, the statuses it may be entered from.
// Nothing leaves revoked or deleted, and error never overrides either of them.
var transitions = map[Status][]Status{
	StatusActive:  {StatusError},
	StatusError:   {StatusActive, StatusError},
	StatusRevoked: {StatusActive, StatusError},
	StatusDeleted: {StatusActive, StatusError},
}

// Connection is one linked external account group and its sync state.
type Connection struct {
	ID                  string     `json:"id"`
	ItemID              string     `json:"itemId"` // Provider's item identifier, globally unique
	UserID              int64      `json:"userId"`
	Credential          string     `json:"-"` // Ciphertext only
	Cursor              *string    `json:"-"`
	Status              Status     `json:"status"`
	ErrorCode           *string    `json:"errorCode,omitempty"`
	ErrorMessage        *string    `json:"errorMessage,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	LastSyncedAt        *time.Time `json:"lastSyncedAt,omitempty"`
	LastWebhookAt       *time.Time `json:"lastWebhookAt,omitempty"`
	DeletionRequestedAt *time.Time `json:"deletionRequestedAt,omitempty"`
	DeletedAt           *time.Time `json:"deletedAt,omitempty"`
}

// HasSynced reports whether the delta stream was ever drained for this connection.
func (c *Connection) HasSynced() bool {
	return c.Cursor != nil && *c.Cursor != ""
}

// Usable reports whether the connection may still be synced.
func (c *Connection) Usable() bool {
	return !c.Status.IsTerminal()
}

// IsTerminal reports whether no transition can leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusRevoked || s == StatusDeleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusError, StatusRevoked, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether a connection in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses from which to may be entered.
func SourcesFor(to Status) []Status {
	src := transitions[to]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// CreateParams contains parameters for linking a new connection
type CreateParams struct {
	ID         string
	ItemID     string
	UserID     int64
	Credential string // Already encrypted
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" {
		return errors.New("connection ID is required")
	}
	if p.ItemID == "" {
		return errors.New("item ID is required")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.Credential == "" {
		return errors.New("credential is required")
	}
	return nil
}

// StatusChange describes a guarded status transition. The store applies it only
// when the current status is one of SourcesFor(To).
type StatusChange struct {
	To           Status
	ErrorCode    *string
	ErrorMessage *string
	Credential   *string // Replaces the stored ciphertext when set
	At           time.Time
}
