package reporting

import (
	"time"

	"petition-billing/internal/ledger"
)

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SpendSummaryRequest requests aggregated ledger movements of one user.
// Kind is optional; empty means both balance kinds.
type SpendSummaryRequest struct {
	UserID string      `json:"user_id"`
	Kind   ledger.Kind `json:"kind,omitempty"`
	Range  TimeRange   `json:"range"`
}

// KindSpend aggregates the immutable transactions of one balance kind.
type KindSpend struct {
	Kind ledger.Kind `json:"kind"`

	Credited int64 `json:"credited"`
	Debited  int64 `json:"debited"`
	Net      int64 `json:"net"`

	ByType       map[ledger.TxType]int64 `json:"by_type"`
	Transactions int                     `json:"transactions"`
}

type SpendSummary struct {
	UserID string      `json:"user_id"`
	Range  TimeRange   `json:"range"`
	Kinds  []KindSpend `json:"kinds"`
}

// UsageSummaryRequest requests generation counts for one billing cycle ("YYYY-MM").
type UsageSummaryRequest struct {
	UserID string `json:"user_id"`
	Cycle  string `json:"cycle"`
}

type UsageSummary struct {
	UserID string `json:"user_id"`
	Cycle  string `json:"cycle"`

	Petitions      int            `json:"petitions"`
	Billable       int            `json:"billable"`
	AIGenerations  int            `json:"ai_generations"`
	Charged        int64          `json:"charged"`
	ByPetitionType map[string]int `json:"by_petition_type"`
}
