package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block money flows on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (empty for gateway callbacks).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// SubjectUserID is the account owner affected by the event.
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	Gateway       string `json:"gateway,omitempty" db:"gateway"`
	ExternalID    string `json:"external_id,omitempty" db:"external_id"`
	TransactionID string `json:"transaction_id,omitempty" db:"transaction_id"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminCredit     EventType = "admin_credit"
	EventTypeWebhookRejected EventType = "webhook_rejected"
	EventTypePaymentVerified EventType = "payment_verified"
)
