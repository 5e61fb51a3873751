package ledger

import "time"

// Kind identifies which balance an account tracks.
// ai_credits is an integer credit count; petition_balance is BRL in centavos.
type Kind string

const (
	KindAICredits       Kind = "ai_credits"
	KindPetitionBalance Kind = "petition_balance"
)

func (k Kind) Valid() bool {
	return k == KindAICredits || k == KindPetitionBalance
}

// TxType is the business category of a ledger transaction.
type TxType string

const (
	TxPurchase       TxType = "purchase"
	TxBonus          TxType = "bonus"
	TxUsage          TxType = "usage"
	TxRefund         TxType = "refund"
	TxMonthlyRenewal TxType = "monthly_renewal"
	TxDeposit        TxType = "deposit"
)

// IsCredit reports whether the type is allowed on the credit path.
func (t TxType) IsCredit() bool {
	switch t {
	case TxPurchase, TxBonus, TxRefund, TxMonthlyRenewal, TxDeposit:
		return true
	default:
		return false
	}
}

// Account is the balance projection for one (user, kind).
//
// Invariants:
// - Balance equals the sum of Amount over all transactions of the account.
// - Balance never goes negative.
// - Rows are created lazily and never deleted.
type Account struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Kind   Kind   `json:"kind" db:"kind"`

	Balance int64 `json:"balance" db:"balance"`

	// Lifetime totals. TotalIn is "purchased" for credits and "deposited" for money.
	TotalIn    int64 `json:"total_in" db:"total_in"`
	TotalUsed  int64 `json:"total_used" db:"total_used"`
	TotalBonus int64 `json:"total_bonus" db:"total_bonus"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger row. Amount is signed: credits > 0, debits < 0.
type Transaction struct {
	ID           string `json:"id" db:"id"`
	AccountID    string `json:"account_id" db:"account_id"`
	UserID       string `json:"user_id" db:"user_id"`
	Kind         Kind   `json:"kind" db:"kind"`
	Type         TxType `json:"type" db:"type"`
	Amount       int64  `json:"amount" db:"amount"`
	BalanceAfter int64  `json:"balance_after" db:"balance_after"`
	Description  string `json:"description" db:"description"`

	// PaymentID links a credit to the local payment that funded it (unique when set).
	PaymentID string `json:"payment_id,omitempty" db:"payment_id"`
	// Reference links to the originating generation event or admin action.
	Reference string `json:"reference,omitempty" db:"reference"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExportRow is the external export format of the transaction log.
type ExportRow struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Kind         Kind      `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Transaction) ExportRow() ExportRow {
	return ExportRow{
		ID:           t.ID,
		Account:      t.AccountID,
		Kind:         t.Kind,
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Description:  t.Description,
		CreatedAt:    t.CreatedAt,
	}
}

// Delta is applied to an account row in a single guarded statement.
type Delta struct {
	Amount     int64
	TotalIn    int64
	TotalUsed  int64
	TotalBonus int64
}

// BalanceView is the balance query response for one kind.
// Balance is nil for unlimited accounts.
type BalanceView struct {
	Kind           Kind   `json:"kind"`
	Balance        *int64 `json:"balance"`
	Unlimited      bool   `json:"unlimited"`
	TotalPurchased *int64 `json:"total_purchased,omitempty"`
	TotalDeposited *int64 `json:"total_deposited,omitempty"`
	TotalUsed      int64  `json:"total_used"`
	TotalBonus     int64  `json:"total_bonus"`
}

type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	out := p
	if out.Number <= 0 {
		out.Number = 1
	}
	if out.Size <= 0 {
		out.Size = 20
	}
	if out.Size > 100 {
		out.Size = 100
	}
	return out
}

func (p Page) Offset() int {
	p = p.normalize()
	return (p.Number - 1) * p.Size
}

type TransactionPage struct {
	Items    []Transaction `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}
