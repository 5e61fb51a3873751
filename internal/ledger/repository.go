package ledger

import (
	"context"
	"time"
)

// Repository is the persistence contract of the ledger.
//
// Every method must join the unit of work carried by ctx (see utils.TxRunner).
// Transactions are append-only: there is no Update/Delete for them.
type Repository interface {
	// EnsureAccount inserts a when no row exists for (a.UserID, a.Kind). Existing rows are untouched.
	EnsureAccount(ctx context.Context, a Account) error
	// LockAccount reads the account and locks it until the unit of work ends.
	LockAccount(ctx context.Context, userID string, kind Kind) (Account, error)
	GetAccount(ctx context.Context, userID string, kind Kind) (Account, bool, error)
	// ApplyDelta updates balance and totals in one statement, guarded by balance+delta >= 0.
	// ok=false means the guard rejected the update and nothing changed.
	ApplyDelta(ctx context.Context, accountID string, d Delta, now time.Time) (acc Account, ok bool, err error)

	InsertTransaction(ctx context.Context, t Transaction) error
	FindTransactionByPayment(ctx context.Context, paymentID string) (Transaction, bool, error)
	// ListTransactions returns newest first, plus the total count for the account.
	ListTransactions(ctx context.Context, userID string, kind Kind, limit, offset int) ([]Transaction, int, error)
	// ExportTransactions streams oldest first.
	ExportTransactions(ctx context.Context, userID string, kind Kind, fn func(Transaction) error) error
	// ListTransactionsBetween returns every transaction of the user in [from, to), any kind when kind is empty.
	ListTransactionsBetween(ctx context.Context, userID string, kind Kind, from, to time.Time) ([]Transaction, error)
}
