package payments

import (
	"context"
	"time"
)

// Repository persists payments, subscriptions and billing profiles.
// All methods join the unit of work carried by ctx.
//
// Write access is reserved to checkout (creation in pending) and the
// reconciliation engine (every state transition).
type Repository interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	// LockPaymentByExternal locks the payment row for the rest of the unit of work.
	LockPaymentByExternal(ctx context.Context, gateway, externalID string) (Payment, error)
	LockPayment(ctx context.Context, id string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	// ListStalePayments returns pending payments with an external id created before olderThan.
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error)

	CreateSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	LockSubscription(ctx context.Context, id string) (Subscription, error)
	LockSubscriptionByExternal(ctx context.Context, gateway, externalID string) (Subscription, error)
	UpdateSubscription(ctx context.Context, s Subscription) error
	// SetCurrent marks id as the user's current plan and clears the flag on every other row.
	SetCurrent(ctx context.Context, userID, id string, now time.Time) error
	CurrentSubscription(ctx context.Context, userID string) (Subscription, bool, error)
	CountActiveSubscriptions(ctx context.Context, userID, exceptID string) (int, error)
	// ListRenewalsDue returns active subscriptions whose renewal_date is before t.
	ListRenewalsDue(ctx context.Context, t time.Time, limit int) ([]Subscription, error)

	GetBillingProfile(ctx context.Context, userID string) (BillingProfile, bool, error)
	SetBillingStatus(ctx context.Context, userID string, status BillingStatus, now time.Time) error

	// MarkEventProcessed records (gateway, externalID, eventType). inserted=false means it was already there.
	MarkEventProcessed(ctx context.Context, gateway, externalID, eventType string, now time.Time) (inserted bool, err error)
}
