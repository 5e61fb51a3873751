package metering

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionInactive    = errors.New("metering: subscription inactive")
	ErrBillingDelinquent       = errors.New("metering: billing delinquent")
	ErrMonthlyLimitReached     = errors.New("metering: monthly limit reached")
	ErrPetitionTypeUnsupported = errors.New("metering: petition type not supported by plan")
	ErrInvalidArgument         = errors.New("metering: invalid argument")
)

// DeniedError is returned by RecordUsage when the re-validation denies the generation.
// It unwraps to the reason sentinel, or to *ledger.InsufficientBalanceError for funds.
type DeniedError struct {
	Decision Decision
	cause    error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("metering: usage denied (%s): %v", e.Decision.Reason, e.cause)
}

func (e *DeniedError) Unwrap() error { return e.cause }

// AsDenied unwraps err into *DeniedError.
func AsDenied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
