package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"petition-billing/pkg/metrics"
	"petition-billing/pkg/utils"

	"github.com/google/uuid"
)

// Service owns account balances and the transaction log.
//
// Money invariants:
//   - No balance update without exactly one transaction row, and vice versa.
//   - The transaction log is append-only.
//   - Every mutation runs inside one unit of work with the account row locked;
//     the balance update itself is a single guarded statement.
//
// Calls made with a context that already carries a unit of work (reconciliation,
// usage metering) join it, so the caller's own writes commit or roll back with ours.
type Service struct {
	repo Repository
	tx   utils.TxRunner
	log  *slog.Logger
	m    *metrics.Metrics

	// lowBalance maps a kind to its alert threshold; zero disables the alert.
	lowBalance map[Kind]int64
	clock      func() time.Time
}

type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	LowBalance map[Kind]int64
	Clock      func() time.Time
}

func NewService(repo Repository, tx utils.TxRunner, opts Options) *Service {
	s := &Service{
		repo:       repo,
		tx:         tx,
		log:        opts.Logger,
		m:          opts.Metrics,
		lowBalance: opts.LowBalance,
		clock:      opts.Clock,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.lowBalance == nil {
		s.lowBalance = map[Kind]int64{}
	}
	return s
}

type CreditRequest struct {
	UserID      string
	Kind        Kind
	Amount      int64
	Type        TxType
	Description string
	PaymentID   string
	Reference   string
}

type DebitRequest struct {
	UserID      string
	Kind        Kind
	Amount      int64
	Description string
	Reference   string
}

// Result is returned by Credit and Debit.
type Result struct {
	Balance       int64
	TransactionID string
	Transaction   Transaction
	// CrossedLowBalance is set when a debit moved the balance below the configured threshold.
	CrossedLowBalance bool
}

// GetOrCreateAccount returns the account, creating a zero-balance row on first access.
func (s *Service) GetOrCreateAccount(ctx context.Context, userID string, kind Kind) (Account, error) {
	if err := validateAccountKey(userID, kind); err != nil {
		return Account{}, err
	}
	if acc, ok, err := s.repo.GetAccount(ctx, userID, kind); err != nil {
		return Account{}, err
	} else if ok {
		return acc, nil
	}
	if err := s.repo.EnsureAccount(ctx, s.newAccount(userID, kind)); err != nil {
		return Account{}, err
	}
	acc, ok, err := s.repo.GetAccount(ctx, userID, kind)
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

// Credit adds amount to the account and appends one transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	if err := validateAccountKey(req.UserID, req.Kind); err != nil {
		return Result{}, err
	}
	if req.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if !req.Type.IsCredit() {
		return Result{}, ErrInvalidArgument
	}

	var out Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if req.PaymentID != "" {
			if _, ok, err := s.repo.FindTransactionByPayment(ctx, req.PaymentID); err != nil {
				return err
			} else if ok {
				return ErrDuplicatePaymentCredit
			}
		}

		acc, err := s.lockOrCreate(ctx, req.UserID, req.Kind)
		if err != nil {
			return err
		}
		if _, ok := safeAdd(acc.Balance, req.Amount); !ok {
			return ErrAmountOverflow
		}

		d := Delta{Amount: req.Amount}
		switch req.Type {
		case TxBonus:
			d.TotalBonus = req.Amount
		case TxRefund:
			d.TotalUsed = -min(req.Amount, acc.TotalUsed)
		default:
			d.TotalIn = req.Amount
		}

		now := s.clock().UTC()
		after, ok, err := s.repo.ApplyDelta(ctx, acc.ID, d, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccountNotFound
		}

		t := Transaction{
			ID:           uuid.NewString(),
			AccountID:    acc.ID,
			UserID:       req.UserID,
			Kind:         req.Kind,
			Type:         req.Type,
			Amount:       req.Amount,
			BalanceAfter: after.Balance,
			Description:  req.Description,
			PaymentID:    req.PaymentID,
			Reference:    req.Reference,
			CreatedAt:    now,
		}
		if err := s.repo.InsertTransaction(ctx, t); err != nil {
			if errors.Is(err, ErrDuplicatePaymentCredit) {
				return fmt.Errorf("%w: %s", ErrPaymentCreditConflict, req.PaymentID)
			}
			return err
		}
		out = Result{Balance: after.Balance, TransactionID: t.ID, Transaction: t}
		return nil
	})
	s.observe(req.Kind, "credit", req.Amount, err)
	if err != nil {
		return Result{}, err
	}
	s.log.Debug("ledger credit", "user_id", req.UserID, "kind", req.Kind, "type", req.Type, "amount", req.Amount, "balance", out.Balance)
	return out, nil
}

// Debit subtracts amount from the account and appends one negative transaction.
// It fails with *InsufficientBalanceError when the balance does not cover amount.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	if err := validateAccountKey(req.UserID, req.Kind); err != nil {
		return Result{}, err
	}
	if req.Amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	var out Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		acc, err := s.lockOrCreate(ctx, req.UserID, req.Kind)
		if err != nil {
			return err
		}
		if acc.Balance < req.Amount {
			return &InsufficientBalanceError{Kind: req.Kind, Balance: acc.Balance, Required: req.Amount}
		}

		now := s.clock().UTC()
		after, ok, err := s.repo.ApplyDelta(ctx, acc.ID, Delta{Amount: -req.Amount, TotalUsed: req.Amount}, now)
		if err != nil {
			return err
		}
		if !ok {
			// Guard lost to a concurrent writer that bypassed the row lock.
			return &InsufficientBalanceError{Kind: req.Kind, Balance: acc.Balance, Required: req.Amount}
		}

		t := Transaction{
			ID:           uuid.NewString(),
			AccountID:    acc.ID,
			UserID:       req.UserID,
			Kind:         req.Kind,
			Type:         TxUsage,
			Amount:       -req.Amount,
			BalanceAfter: after.Balance,
			Description:  req.Description,
			Reference:    req.Reference,
			CreatedAt:    now,
		}
		if err := s.repo.InsertTransaction(ctx, t); err != nil {
			return err
		}

		out = Result{Balance: after.Balance, TransactionID: t.ID, Transaction: t}
		if th := s.lowBalance[req.Kind]; th > 0 && acc.Balance >= th && after.Balance < th {
			out.CrossedLowBalance = true
		}
		return nil
	})
	s.observe(req.Kind, "debit", req.Amount, err)
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// History returns a page of transactions, newest first.
func (s *Service) History(ctx context.Context, userID string, kind Kind, page Page) (TransactionPage, error) {
	if err := validateAccountKey(userID, kind); err != nil {
		return TransactionPage{}, err
	}
	page = page.normalize()
	items, total, err := s.repo.ListTransactions(ctx, userID, kind, page.Size, page.Offset())
	if err != nil {
		return TransactionPage{}, err
	}
	if items == nil {
		items = []Transaction{}
	}
	return TransactionPage{Items: items, Total: total, Page: page.Number, PageSize: page.Size}, nil
}

// Export streams the account's log in the external export format, oldest first.
func (s *Service) Export(ctx context.Context, userID string, kind Kind, fn func(ExportRow) error) error {
	if err := validateAccountKey(userID, kind); err != nil {
		return err
	}
	if fn == nil {
		return ErrInvalidArgument
	}
	return s.repo.ExportTransactions(ctx, userID, kind, func(t Transaction) error {
		return fn(t.ExportRow())
	})
}

// Balance builds the balance query view. Unlimited accounts report no numeric balance.
func (s *Service) Balance(ctx context.Context, userID string, kind Kind, unlimited bool) (BalanceView, error) {
	acc, err := s.GetOrCreateAccount(ctx, userID, kind)
	if err != nil {
		return BalanceView{}, err
	}
	v := BalanceView{
		Kind:       kind,
		Unlimited:  unlimited,
		TotalUsed:  acc.TotalUsed,
		TotalBonus: acc.TotalBonus,
	}
	if !unlimited {
		b := acc.Balance
		v.Balance = &b
	}
	in := acc.TotalIn
	if kind == KindAICredits {
		v.TotalPurchased = &in
	} else {
		v.TotalDeposited = &in
	}
	return v, nil
}

// TransactionsBetween is used by reporting; kind may be empty for all kinds.
func (s *Service) TransactionsBetween(ctx context.Context, userID string, kind Kind, from, to time.Time) ([]Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	if kind != "" && !kind.Valid() {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListTransactionsBetween(ctx, userID, kind, from, to)
}

func (s *Service) lockOrCreate(ctx context.Context, userID string, kind Kind) (Account, error) {
	acc, err := s.repo.LockAccount(ctx, userID, kind)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	if err := s.repo.EnsureAccount(ctx, s.newAccount(userID, kind)); err != nil {
		return Account{}, err
	}
	return s.repo.LockAccount(ctx, userID, kind)
}

func (s *Service) newAccount(userID string, kind Kind) Account {
	now := s.clock().UTC()
	return Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) observe(kind Kind, op string, amount int64, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientBalance):
		result = "insufficient"
	case errors.Is(err, ErrDuplicatePaymentCredit):
		result = "duplicate"
	case errors.Is(err, ErrPaymentCreditConflict):
		result = "conflict"
	default:
		result = "error"
	}
	s.m.LedgerOp(string(kind), op, result, amount)
}

func validateAccountKey(userID string, kind Kind) error {
	if strings.TrimSpace(userID) == "" || !kind.Valid() {
		return ErrInvalidArgument
	}
	return nil
}

func safeAdd(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}
