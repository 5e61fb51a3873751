package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount          = errors.New("ledger: invalid amount")
	ErrInvalidArgument        = errors.New("ledger: invalid argument")
	ErrInsufficientBalance    = errors.New("ledger: insufficient balance")
	ErrAccountNotFound        = errors.New("ledger: account not found")
	ErrAmountOverflow         = errors.New("ledger: amount overflow")
	ErrDuplicatePaymentCredit = errors.New("ledger: payment already credited")
	// ErrPaymentCreditConflict means another unit credited the payment after our
	// duplicate check; the balance change already applied must be rolled back.
	ErrPaymentCreditConflict = errors.New("ledger: concurrent credit for payment")
)

// InsufficientBalanceError carries the numbers needed to tell the user how much is missing.
type InsufficientBalanceError struct {
	Kind     Kind
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient %s balance: have %d, need %d", e.Kind, e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Shortfall is the amount that must be added before the debit can succeed.
func (e *InsufficientBalanceError) Shortfall() int64 {
	if e.Required <= e.Balance {
		return 0
	}
	return e.Required - e.Balance
}

// AsInsufficientBalance unwraps err into *InsufficientBalanceError.
func AsInsufficientBalance(err error) (*InsufficientBalanceError, bool) {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib, true
	}
	return nil, false
}
