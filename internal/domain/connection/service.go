package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain/audit"
)

// Encryptor protects credentials at rest
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Service contains the lifecycle rules for connections
type Service struct {
	repo     Repository
	vault    Encryptor
	recorder audit.Recorder
	now      func() time.Time
}

// NewService creates a new connection service
func NewService(repo Repository, vault Encryptor, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{
		repo:     repo,
		vault:    vault,
		recorder: recorder,
		now:      time.Now,
	}
}

// Link stores a new active connection for an item, encrypting its access token.
func (s *Service) Link(ctx context.Context, userID int64, itemID, accessToken string) (*Connection, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrInvalidInput)
	}

	existing, err := s.repo.GetByItemID(ctx, itemID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing item: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyLinked
	}

	ciphertext, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	params := CreateParams{
		ID:         uuid.NewString(),
		ItemID:     itemID,
		UserID:     userID,
		Credential: ciphertext,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	conn, err := s.repo.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	s.record(ctx, conn, audit.ActionConnectionLinked, audit.SeverityInfo, "")
	log.Printf("Connection %s: linked item %s for user %d", conn.ID, itemID, userID)
	return conn, nil
}

// Get returns a connection by ID
func (s *Service) Get(ctx context.Context, id string) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

// GetForUser returns a connection after verifying ownership
func (s *Service) GetForUser(ctx context.Context, id string, userID int64) (*Connection, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, ErrForbidden
	}
	return conn, nil
}

// GetByItemID resolves the connection that owns a provider item
func (s *Service) GetByItemID(ctx context.Context, itemID string) (*Connection, error) {
	return s.repo.GetByItemID(ctx, itemID)
}

// GetStatus returns the lifecycle status of a connection
func (s *Service) GetStatus(ctx context.Context, id string) (Status, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return conn.Status, nil
}

// ListByUser returns all connections owned by a user
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]*Connection, error) {
	if userID <= 0 {
		return nil, errors.New("valid user ID is required")
	}
	return s.repo.ListByUserID(ctx, userID)
}

// ListActive returns every connection that scheduled syncs should visit
func (s *Service) ListActive(ctx context.Context) ([]*Connection, error) {
	return s.repo.ListByStatus(ctx, StatusActive)
}

// MarkError records a provider-reported error. It never overrides revoked or
// deleted, and is not cleared automatically.
func (s *Service) MarkError(ctx context.Context, conn *Connection, code, message string) (bool, error) {
	applied, err := s.repo.TransitionStatus(ctx, conn.ID, StatusChange{
		To:           StatusError,
		ErrorCode:    &code,
		ErrorMessage: &message,
		At:           s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark connection error: %w", err)
	}
	if !applied {
		log.Printf("Connection %s: ignoring error %s, status no longer accepts it", conn.ID, code)
		return false, nil
	}

	s.record(ctx, conn, audit.ActionConnectionError, audit.SeverityFailure, code+": "+message)
	log.Printf("Connection %s: marked error (%s)", conn.ID, code)
	return true, nil
}

// MarkRevoked blocks further use of a connection immediately
func (s *Service) MarkRevoked(ctx context.Context, conn *Connection) (bool, error) {
	applied, err := s.repo.TransitionStatus(ctx, conn.ID, StatusChange{To: StatusRevoked, At: s.now()})
	if err != nil {
		return false, fmt.Errorf("failed to mark connection revoked: %w", err)
	}
	if !applied {
		log.Printf("Connection %s: revocation ignored, already terminal", conn.ID)
		return false, nil
	}

	s.record(ctx, conn, audit.ActionConnectionRevoked, audit.SeverityInfo, "")
	log.Printf("Connection %s: revoked", conn.ID)
	return true, nil
}

// RequestDeletion stamps the connection so a later deletion acknowledgement is honored
func (s *Service) RequestDeletion(ctx context.Context, id string, userID int64) (*Connection, error) {
	conn, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if conn.Status.IsTerminal() {
		return nil, ErrInactive
	}

	now := s.now()
	if err := s.repo.MarkDeletionRequested(ctx, conn.ID, now); err != nil {
		return nil, fmt.Errorf("failed to request deletion: %w", err)
	}
	conn.DeletionRequestedAt = &now

	s.record(ctx, conn, audit.ActionDeletionRequested, audit.SeverityInfo, "")
	return conn, nil
}

// AcknowledgeDeletion completes a deletion this system requested. An
// acknowledgement nobody asked for is informational only.
func (s *Service) AcknowledgeDeletion(ctx context.Context, conn *Connection) (bool, error) {
	if conn.DeletionRequestedAt == nil {
		log.Printf("Connection %s: deletion acknowledged but never requested, ignoring", conn.ID)
		return false, nil
	}

	applied, err := s.repo.TransitionStatus(ctx, conn.ID, StatusChange{To: StatusDeleted, At: s.now()})
	if err != nil {
		return false, fmt.Errorf("failed to mark connection deleted: %w", err)
	}
	if !applied {
		log.Printf("Connection %s: deletion acknowledgement ignored (status %s)", conn.ID, conn.Status)
		return false, nil
	}

	s.record(ctx, conn, audit.ActionConnectionDeleted, audit.SeverityInfo, "")
	log.Printf("Connection %s: deleted", conn.ID)
	return true, nil
}

// Reactivate is the human-driven error -> active transition: the user re-linked
// the item and supplied a fresh access token.
func (s *Service) Reactivate(ctx context.Context, id string, userID int64, accessToken string) (*Connection, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrInvalidInput)
	}

	conn, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(conn.Status, StatusActive) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.Status, StatusActive)
	}

	ciphertext, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	applied, err := s.repo.TransitionStatus(ctx, conn.ID, StatusChange{
		To:         StatusActive,
		Credential: &ciphertext,
		At:         s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate connection: %w", err)
	}
	if !applied {
		// Lost a race against a terminal transition
		return nil, fmt.Errorf("%w: connection changed status concurrently", ErrInvalidTransition)
	}

	s.record(ctx, conn, audit.ActionConnectionReactivated, audit.SeverityInfo, "")
	log.Printf("Connection %s: reactivated", conn.ID)
	return s.repo.GetByID(ctx, conn.ID)
}

// RecordWebhookReceived touches the last-webhook timestamp
func (s *Service) RecordWebhookReceived(ctx context.Context, conn *Connection) error {
	return s.repo.TouchWebhook(ctx, conn.ID, s.now())
}

func (s *Service) record(ctx context.Context, conn *Connection, action string, severity audit.Severity, detail string) {
	s.recorder.Record(ctx, audit.Entry{
		ID:           uuid.NewString(),
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Action:       action,
		Severity:     severity,
		Detail:       detail,
		CreatedAt:    s.now(),
	})
}
