package payments

import "errors"

var (
	ErrPaymentNotFound      = errors.New("payments: payment not found")
	ErrSubscriptionNotFound = errors.New("payments: subscription not found")
	ErrInvalidTransition    = errors.New("payments: invalid state transition")
	ErrInvalidArgument      = errors.New("payments: invalid argument")
)
