package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Audit is internal-only;
// callers treat failures as best-effort and log them.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeAdminCredit && (e.ActorUserID == "" || e.SubjectUserID == "") {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogAdminCredit records a manual credit granted by an operator.
func (s *Service) LogAdminCredit(ctx context.Context, actorUserID, actorRole, ip, subjectUserID, transactionID, reason, metadata string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeAdminCredit,
		ActorUserID:   actorUserID,
		ActorRole:     actorRole,
		IPAddress:     ip,
		SubjectUserID: subjectUserID,
		TransactionID: transactionID,
		Message:       reason,
		Metadata:      metadata,
	})
}

// LogWebhookRejected records a delivery whose signature could not be verified.
func (s *Service) LogWebhookRejected(ctx context.Context, gateway, externalID, ip, reason string) error {
	return s.Append(ctx, Event{
		Type:       EventTypeWebhookRejected,
		Gateway:    gateway,
		ExternalID: externalID,
		IPAddress:  ip,
		Message:    reason,
	})
}

// LogPaymentVerified records an operator- or user-triggered status poll.
func (s *Service) LogPaymentVerified(ctx context.Context, actorUserID, gateway, externalID, outcome string) error {
	return s.Append(ctx, Event{
		Type:        EventTypePaymentVerified,
		ActorUserID: actorUserID,
		Gateway:     gateway,
		ExternalID:  externalID,
		Message:     outcome,
	})
}
