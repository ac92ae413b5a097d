// Package audit defines security-relevant event records. The core only writes them.
package audit

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityFailure Severity = "failure"
)

// Actions recorded by the registry and sync engine.
const (
	ActionConnectionLinked      = "connection.linked"
	ActionConnectionError       = "connection.error"
	ActionConnectionRevoked     = "connection.revoked"
	ActionConnectionReactivated = "connection.reactivated"
	ActionDeletionRequested     = "connection.deletion_requested"
	ActionConnectionDeleted     = "connection.deleted"
	ActionCredentialInvalid     = "sync.credential_invalid"
)

// Entry is a single audit record keyed by user and connection.
type Entry struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Action       string    `json:"action"`
	Severity     Severity  `json:"severity"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Recorder is fire-and-forget: implementations log their own failures.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// NopRecorder discards entries.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) {}
