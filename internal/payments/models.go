package payments

import "time"

// PaymentStatus is the local lifecycle of one external charge attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	// PaymentRefunded is kept for rows imported from manual refunds; reconciliation never sets it.
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentRefunded
}

// Purpose selects the ledger effect applied when the payment completes.
type Purpose string

const (
	PurposeDeposit      Purpose = "deposit"       // petition_balance credit
	PurposeCreditPack   Purpose = "credit_pack"   // ai_credits credit
	PurposePlanPurchase Purpose = "plan_purchase" // one-time plan activation
)

type Method string

const (
	MethodPix  Method = "pix"
	MethodCard Method = "card"
)

// Payment is one row per external charge attempt.
// ExternalID is unique per gateway once assigned.
type Payment struct {
	ID         string        `json:"id" db:"id"`
	UserID     string        `json:"user_id" db:"user_id"`
	Amount     int64         `json:"amount" db:"amount"` // centavos
	Currency   string        `json:"currency" db:"currency"`
	Gateway    string        `json:"gateway" db:"gateway"`
	ExternalID string        `json:"external_id,omitempty" db:"external_id"`
	Status     PaymentStatus `json:"status" db:"status"`
	Method     Method        `json:"method" db:"method"`
	Purpose    Purpose       `json:"purpose" db:"purpose"`

	// Credits is the ai_credits amount granted by a credit_pack purchase.
	Credits int64 `json:"credits,omitempty" db:"credits"`
	// SubscriptionID links a plan_purchase to the pending UserPlan it activates.
	SubscriptionID string `json:"subscription_id,omitempty" db:"subscription_id"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	PaidAt            *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	FailedAt          *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty" db:"webhook_received_at"`
}

// SubscriptionStatus is the UserPlan lifecycle.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription (UserPlan) is one billing relationship between a user and a plan.
//
// Invariants:
// - At most one row per user has IsCurrent = true.
// - Rows are never deleted.
type Subscription struct {
	ID         string             `json:"id" db:"id"`
	UserID     string             `json:"user_id" db:"user_id"`
	PlanID     string             `json:"plan_id" db:"plan_id"`
	Gateway    string             `json:"gateway,omitempty" db:"gateway"`
	ExternalID string             `json:"external_id,omitempty" db:"external_id"`
	Status     SubscriptionStatus `json:"status" db:"status"`
	IsCurrent  bool               `json:"is_current" db:"is_current"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	RenewalDate *time.Time `json:"renewal_date,omitempty" db:"renewal_date"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BillingStatus is the per-user billing standing consulted by usage metering.
type BillingStatus string

const (
	BillingPendingPayment BillingStatus = "pending_payment"
	BillingActive         BillingStatus = "active"
	BillingInactive       BillingStatus = "inactive"
	BillingDelinquent     BillingStatus = "delinquent"
)

type BillingProfile struct {
	UserID    string        `json:"user_id" db:"user_id"`
	Status    BillingStatus `json:"status" db:"status"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}
