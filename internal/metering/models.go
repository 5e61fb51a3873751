package metering

import (
	"time"

	"petition-billing/internal/plans"
)

type Resource string

const (
	ResourcePetition     Resource = "petition"
	ResourceAIGeneration Resource = "ai_generation"
)

// UsageRecord is written once per generation and never mutated.
type UsageRecord struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Cycle          string    `json:"cycle" db:"cycle"`
	Resource       Resource  `json:"resource" db:"resource"`
	PetitionType   string    `json:"petition_type,omitempty" db:"petition_type"`
	PetitionRef    string    `json:"petition_ref,omitempty" db:"petition_ref"`
	Billable       bool      `json:"billable" db:"billable"`
	Charged        int64     `json:"charged" db:"charged"`
	PlanID         string    `json:"plan_id,omitempty" db:"plan_id"`
	SubscriptionID string    `json:"subscription_id,omitempty" db:"subscription_id"`
	TransactionID  string    `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Reason string

const (
	ReasonAllowed              Reason = "allowed"
	ReasonUnlimited            Reason = "unlimited"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonBillingDelinquent    Reason = "billing_delinquent"
	ReasonUnsupportedPetition  Reason = "petition_type_unsupported"
	ReasonInsufficientBalance  Reason = "insufficient_balance"
	ReasonMonthlyLimitReached  Reason = "monthly_limit_reached"
)

// Decision is the result of a usage check. It is a value, not an error:
// a denial is an expected outcome the caller must branch on.
type Decision struct {
	CanGenerate bool           `json:"can_generate"`
	Reason      Reason         `json:"reason"`
	PlanID      string         `json:"plan_id,omitempty"`
	PlanType    plans.PlanType `json:"plan_type,omitempty"`
	Cycle       string         `json:"cycle"`
	Billable    bool           `json:"billable"`
	Unlimited   bool           `json:"unlimited,omitempty"`

	// Price is what recordUsage will debit from petition_balance (0 when nothing is charged).
	Price   int64  `json:"price"`
	Balance *int64 `json:"balance,omitempty"`
	Missing int64  `json:"missing,omitempty"`

	Used  int  `json:"used"`
	Limit *int `json:"limit,omitempty"`

	subscriptionID string
}

// Summary reports consumption for one cycle.
type Summary struct {
	Cycle    string         `json:"cycle"`
	PlanID   string         `json:"plan_id,omitempty"`
	PlanType plans.PlanType `json:"plan_type,omitempty"`
	Used     int            `json:"used"`
	Limit    *int           `json:"limit,omitempty"`
	Records  []UsageRecord  `json:"records"`
}
