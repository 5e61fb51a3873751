package metering

import (
	"context"
	"time"

	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
)

// Repository persists usage records and the per-cycle notification marks.
// All methods join the unit of work carried by ctx.
type Repository interface {
	// LockUsage serializes usage writes of the user until the unit of work ends.
	LockUsage(ctx context.Context, userID string) error
	InsertUsage(ctx context.Context, r UsageRecord) error
	// CountBillableUsage counts billable petition records of the user in cycle.
	CountBillableUsage(ctx context.Context, userID, cycle string) (int, error)
	ListUsage(ctx context.Context, userID, cycle string) ([]UsageRecord, error)
	// RecordNotification marks (user, type, cycle); inserted=false when it was already marked.
	RecordNotification(ctx context.Context, userID, notifType, cycle string, now time.Time) (inserted bool, err error)
}

// SubscriptionReader is the read-only view of the payments store metering needs.
type SubscriptionReader interface {
	CurrentSubscription(ctx context.Context, userID string) (payments.Subscription, bool, error)
	GetBillingProfile(ctx context.Context, userID string) (payments.BillingProfile, bool, error)
}

type PlanCatalog interface {
	Plan(ctx context.Context, id string) (plans.Plan, error)
	PetitionType(ctx context.Context, code string) (plans.PetitionType, error)
}

// UnlimitedPolicy identifies master accounts that are never charged or limited.
type UnlimitedPolicy interface {
	IsUnlimited(ctx context.Context, userID string) bool
}
