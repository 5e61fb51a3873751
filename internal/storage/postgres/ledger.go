package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"petition-billing/internal/ledger"
)

const accountColumns = `id, user_id, kind, balance, total_in, total_used, total_bonus, created_at, updated_at`

func scanAccount(row scanner) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Kind,
		&a.Balance,
		&a.TotalIn,
		&a.TotalUsed,
		&a.TotalBonus,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

func (s *Store) EnsureAccount(ctx context.Context, a ledger.Account) error {
	const q = `
INSERT INTO ledger_accounts (` + accountColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (user_id, kind) DO NOTHING
`
	_, err := s.conn(ctx).ExecContext(ctx, q,
		a.ID, a.UserID, a.Kind, a.Balance, a.TotalIn, a.TotalUsed, a.TotalBonus, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *Store) LockAccount(ctx context.Context, userID string, kind ledger.Kind) (ledger.Account, error) {
	// Serializes every balance change of one account.
	const q = `
SELECT ` + accountColumns + `
FROM ledger_accounts
WHERE user_id = $1 AND kind = $2
FOR UPDATE
`
	a, err := scanAccount(s.conn(ctx).QueryRowContext(ctx, q, userID, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, err
}

func (s *Store) GetAccount(ctx context.Context, userID string, kind ledger.Kind) (ledger.Account, bool, error) {
	const q = `
SELECT ` + accountColumns + `
FROM ledger_accounts
WHERE user_id = $1 AND kind = $2
`
	a, err := scanAccount(s.conn(ctx).QueryRowContext(ctx, q, userID, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

func (s *Store) ApplyDelta(ctx context.Context, accountID string, d ledger.Delta, now time.Time) (ledger.Account, bool, error) {
	// The balance guard lives in the statement itself; a rejected update returns no row.
	const q = `
UPDATE ledger_accounts
SET balance     = balance + $2,
    total_in    = total_in + $3,
    total_used  = GREATEST(total_used + $4, 0),
    total_bonus = total_bonus + $5,
    updated_at  = $6
WHERE id = $1 AND balance + $2 >= 0
RETURNING ` + accountColumns
	a, err := scanAccount(s.conn(ctx).QueryRowContext(ctx, q, accountID, d.Amount, d.TotalIn, d.TotalUsed, d.TotalBonus, now))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, true, nil
}

const transactionColumns = `id, account_id, user_id, kind, type, amount, balance_after, description, payment_id, reference, created_at`

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t         ledger.Transaction
		paymentID sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.UserID,
		&t.Kind,
		&t.Type,
		&t.Amount,
		&t.BalanceAfter,
		&t.Description,
		&paymentID,
		&t.Reference,
		&t.CreatedAt,
	)
	t.PaymentID = paymentID.String
	return t, err
}

func (s *Store) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	const q = `
INSERT INTO ledger_transactions (` + transactionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (payment_id) WHERE payment_id IS NOT NULL DO NOTHING
`
	res, err := s.conn(ctx).ExecContext(ctx, q,
		t.ID,
		t.AccountID,
		t.UserID,
		t.Kind,
		t.Type,
		t.Amount,
		t.BalanceAfter,
		t.Description,
		nullString(t.PaymentID),
		t.Reference,
		t.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrDuplicatePaymentCredit
	}
	return nil
}

func (s *Store) FindTransactionByPayment(ctx context.Context, paymentID string) (ledger.Transaction, bool, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM ledger_transactions
WHERE payment_id = $1
`
	t, err := scanTransaction(s.conn(ctx).QueryRowContext(ctx, q, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, kind ledger.Kind, limit, offset int) ([]ledger.Transaction, int, error) {
	const countQ = `SELECT count(*) FROM ledger_transactions WHERE user_id = $1 AND kind = $2`
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, countQ, userID, kind).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}

	const q = `
SELECT ` + transactionColumns + `
FROM ledger_transactions
WHERE user_id = $1 AND kind = $2
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4
`
	out, err := s.queryTransactions(ctx, q, userID, kind, limit, offset)
	return out, total, err
}

func (s *Store) ExportTransactions(ctx context.Context, userID string, kind ledger.Kind, fn func(ledger.Transaction) error) error {
	const q = `
SELECT ` + transactionColumns + `
FROM ledger_transactions
WHERE user_id = $1 AND kind = $2
ORDER BY created_at, id
`
	rows, err := s.conn(ctx).QueryContext(ctx, q, userID, kind)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) ListTransactionsBetween(ctx context.Context, userID string, kind ledger.Kind, from, to time.Time) ([]ledger.Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM ledger_transactions
WHERE user_id = $1 AND ($2 = '' OR kind = $2) AND created_at >= $3 AND created_at < $4
ORDER BY created_at, id
`
	return s.queryTransactions(ctx, q, userID, string(kind), from, to)
}

func (s *Store) queryTransactions(ctx context.Context, q string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
