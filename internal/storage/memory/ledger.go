package memory

import (
	"context"
	"slices"
	"time"

	"petition-billing/internal/ledger"
)

func (s *Store) EnsureAccount(ctx context.Context, a ledger.Account) error {
	return s.do(ctx, func(st *state) error {
		k := key(a.UserID, string(a.Kind))
		if _, ok := st.accountIdx[k]; ok {
			return nil
		}
		st.accounts[a.ID] = a
		st.accountIdx[k] = a.ID
		return nil
	})
}

func (s *Store) LockAccount(ctx context.Context, userID string, kind ledger.Kind) (ledger.Account, error) {
	acc, ok, err := s.GetAccount(ctx, userID, kind)
	if err != nil {
		return ledger.Account{}, err
	}
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string, kind ledger.Kind) (ledger.Account, bool, error) {
	var (
		out ledger.Account
		ok  bool
	)
	err := s.do(ctx, func(st *state) error {
		id, found := st.accountIdx[key(userID, string(kind))]
		if !found {
			return nil
		}
		out, ok = st.accounts[id]
		return nil
	})
	return out, ok, err
}

func (s *Store) ApplyDelta(ctx context.Context, accountID string, d ledger.Delta, now time.Time) (ledger.Account, bool, error) {
	var (
		out ledger.Account
		ok  bool
	)
	err := s.do(ctx, func(st *state) error {
		acc, found := st.accounts[accountID]
		if !found || acc.Balance+d.Amount < 0 {
			return nil
		}
		acc.Balance += d.Amount
		acc.TotalIn += d.TotalIn
		acc.TotalUsed = max(acc.TotalUsed+d.TotalUsed, 0)
		acc.TotalBonus += d.TotalBonus
		acc.UpdatedAt = now
		st.accounts[accountID] = acc
		out, ok = acc, true
		return nil
	})
	return out, ok, err
}

func (s *Store) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	return s.do(ctx, func(st *state) error {
		if t.PaymentID != "" {
			if _, dup := st.txPayment[t.PaymentID]; dup {
				return ledger.ErrDuplicatePaymentCredit
			}
			st.txPayment[t.PaymentID] = t.ID
		}
		st.txs = append(st.txs, t)
		return nil
	})
}

func (s *Store) FindTransactionByPayment(ctx context.Context, paymentID string) (ledger.Transaction, bool, error) {
	var (
		out ledger.Transaction
		ok  bool
	)
	err := s.do(ctx, func(st *state) error {
		id, found := st.txPayment[paymentID]
		if !found {
			return nil
		}
		for _, t := range st.txs {
			if t.ID == id {
				out, ok = t, true
				break
			}
		}
		return nil
	})
	return out, ok, err
}

func (s *Store) ListTransactions(ctx context.Context, userID string, kind ledger.Kind, limit, offset int) ([]ledger.Transaction, int, error) {
	var (
		out   []ledger.Transaction
		total int
	)
	err := s.do(ctx, func(st *state) error {
		var all []ledger.Transaction
		for _, t := range st.txs {
			if t.UserID == userID && t.Kind == kind {
				all = append(all, t)
			}
		}
		slices.Reverse(all)
		total = len(all)
		if offset >= total {
			return nil
		}
		end := min(offset+limit, total)
		out = slices.Clone(all[offset:end])
		return nil
	})
	return out, total, err
}

func (s *Store) ExportTransactions(ctx context.Context, userID string, kind ledger.Kind, fn func(ledger.Transaction) error) error {
	var rows []ledger.Transaction
	if err := s.do(ctx, func(st *state) error {
		for _, t := range st.txs {
			if t.UserID == userID && t.Kind == kind {
				rows = append(rows, t)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, t := range rows {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListTransactionsBetween(ctx context.Context, userID string, kind ledger.Kind, from, to time.Time) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	err := s.do(ctx, func(st *state) error {
		for _, t := range st.txs {
			if t.UserID != userID || (kind != "" && t.Kind != kind) {
				continue
			}
			if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Transactions returns a copy of the whole log (tests).
func (s *Store) Transactions() []ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.txs)
}
