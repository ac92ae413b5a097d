// Package webhook verifies, records and dispatches provider notifications.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors surfaced to the webhook transport
var (
	// ErrVerificationFailed means the notification is not authentic; do not retry.
	ErrVerificationFailed = errors.New("webhook verification failed")
	// ErrMalformedPayload means the body could not be decoded; do not retry.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrProcessingFailed is transient; redelivery is safe because processing is idempotent.
	ErrProcessingFailed = errors.New("webhook processing failed")
	// ErrUnknownNotification is logged only and never returned to the transport.
	ErrUnknownNotification = errors.New("unknown webhook notification")
)

// Family groups webhook codes by the effect they have
type Family string

const (
	FamilyConnectionError      Family = "connection_error"
	FamilyConnectionRevoked    Family = "connection_revoked"
	FamilyDeletionAcknowledged Family = "deletion_acknowledged"
	FamilyNewData              Family = "new_data"
	FamilyInformational        Family = "informational"
	FamilyUnknown              Family = "unknown"
)

// Event is the typed content of a notification. The set of implementations is closed.
type Event interface {
	Family() Family
	isEvent()
}

// ConnectionError reports that the item needs attention at the provider
type ConnectionError struct {
	Code    string
	Message string
}

// ConnectionRevoked reports that the user withdrew consent at the institution
type ConnectionRevoked struct {
	Code string
}

// DeletionAcknowledged confirms that the provider removed the item
type DeletionAcknowledged struct{}

// NewDataAvailable signals that the transaction delta stream has advanced
type NewDataAvailable struct {
	Code            string
	NewTransactions int
}

// Informational covers codes that require no state change
type Informational struct {
	Code string
}

// Unknown is any type/code pair this service does not recognize
type Unknown struct {
	Type string
	Code string
}

func (ConnectionError) Family() Family      { return FamilyConnectionError }
func (ConnectionRevoked) Family() Family    { return FamilyConnectionRevoked }
func (DeletionAcknowledged) Family() Family { return FamilyDeletionAcknowledged }
func (NewDataAvailable) Family() Family     { return FamilyNewData }
func (Informational) Family() Family        { return FamilyInformational }
func (Unknown) Family() Family              { return FamilyUnknown }

func (ConnectionError) isEvent()      {}
func (ConnectionRevoked) isEvent()    {}
func (DeletionAcknowledged) isEvent() {}
func (NewDataAvailable) isEvent()     {}
func (Informational) isEvent()        {}
func (Unknown) isEvent()              {}

// Envelope is the JSON body the provider posts
type Envelope struct {
	WebhookType     string         `json:"webhook_type"`
	WebhookCode     string         `json:"webhook_code"`
	ItemID          string         `json:"item_id"`
	Error           *EnvelopeError `json:"error"`
	NewTransactions int            `json:"new_transactions"`
	Environment     string         `json:"environment"`
}

// EnvelopeError is the provider error attached to ITEM/ERROR notifications
type EnvelopeError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Notification is a decoded webhook body
type Notification struct {
	Type   string
	Code   string
	ItemID string
	Event  Event
	Raw    json.RawMessage
}

// Parse decodes a raw webhook body and classifies it. Unrecognized type/code
// pairs yield an Unknown event, not an error.
func Parse(raw []byte) (*Notification, error) {
	n, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Decode is Parse without the type/code requirement
func Decode(raw []byte) (*Notification, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return &Notification{
		Type:   env.WebhookType,
		Code:   env.WebhookCode,
		ItemID: env.ItemID,
		Event:  Classify(env),
		Raw:    append(json.RawMessage(nil), raw...),
	}, nil
}

// Validate rejects a notification without a type or code
func (n *Notification) Validate() error {
	if n.Type == "" || n.Code == "" {
		return fmt.Errorf("%w: webhook_type and webhook_code are required", ErrMalformedPayload)
	}
	return nil
}

// Classify maps a webhook type/code pair onto its event family
func Classify(env Envelope) Event {
	switch env.WebhookType {
	case "TRANSACTIONS":
		switch env.WebhookCode {
		case "SYNC_UPDATES_AVAILABLE", "DEFAULT_UPDATE", "INITIAL_UPDATE", "HISTORICAL_UPDATE", "TRANSACTIONS_REMOVED":
			return NewDataAvailable{Code: env.WebhookCode, NewTransactions: env.NewTransactions}
		}
	case "ITEM":
		switch env.WebhookCode {
		case "ERROR":
			ev := ConnectionError{Code: "UNKNOWN_ERROR"}
			if env.Error != nil {
				ev.Code = env.Error.ErrorCode
				ev.Message = env.Error.ErrorMessage
			}
			return ev
		case "USER_PERMISSION_REVOKED", "USER_ACCOUNT_REVOKED":
			return ConnectionRevoked{Code: env.WebhookCode}
		case "ITEM_REMOVED":
			return DeletionAcknowledged{}
		case "WEBHOOK_UPDATE_ACKNOWLEDGED", "PENDING_EXPIRATION", "PENDING_DISCONNECT", "LOGIN_REPAIRED":
			return Informational{Code: env.WebhookCode}
		}
	}
	return Unknown{Type: env.WebhookType, Code: env.WebhookCode}
}

// Record is the append-only log entry for one received notification. It is
// never deduplicated: the provider legitimately resends the same type/code.
type Record struct {
	ID              string          `json:"id"`
	WebhookType     string          `json:"webhookType"`
	WebhookCode     string          `json:"webhookCode"`
	ItemID          string          `json:"itemId,omitempty"`
	ConnectionID    *string         `json:"connectionId,omitempty"` // Nil when the item is unknown
	Payload         json.RawMessage `json:"payload"`
	Processed       bool            `json:"processed"`
	ProcessingError *string         `json:"processingError,omitempty"`
	RedeliveryCount int             `json:"redeliveryCount"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
}
