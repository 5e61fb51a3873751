package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"petition-billing/internal/payments"
)

const paymentColumns = `id, user_id, amount, currency, gateway, external_id, status, method, purpose,
credits, subscription_id, failure_reason, created_at, updated_at, paid_at, failed_at, webhook_received_at`

func scanPayment(row scanner) (payments.Payment, error) {
	var (
		p                         payments.Payment
		externalID, subscription  sql.NullString
		paidAt, failedAt, webhook sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Gateway,
		&externalID,
		&p.Status,
		&p.Method,
		&p.Purpose,
		&p.Credits,
		&subscription,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&paidAt,
		&failedAt,
		&webhook,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payments.Payment{}, payments.ErrPaymentNotFound
		}
		return payments.Payment{}, err
	}
	p.ExternalID = externalID.String
	p.SubscriptionID = subscription.String
	p.PaidAt = timePtr(paidAt)
	p.FailedAt = timePtr(failedAt)
	p.WebhookReceivedAt = timePtr(webhook)
	return p, nil
}

func (s *Store) CreatePayment(ctx context.Context, p payments.Payment) error {
	const q = `
INSERT INTO payments (` + paymentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`
	_, err := s.conn(ctx).ExecContext(ctx, q,
		p.ID,
		p.UserID,
		p.Amount,
		p.Currency,
		p.Gateway,
		nullString(p.ExternalID),
		p.Status,
		p.Method,
		p.Purpose,
		p.Credits,
		nullString(p.SubscriptionID),
		p.FailureReason,
		p.CreatedAt,
		p.UpdatedAt,
		nullTime(p.PaidAt),
		nullTime(p.FailedAt),
		nullTime(p.WebhookReceivedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: payment %s or its external id already exists", payments.ErrInvalidArgument, p.ID)
	}
	return err
}

func (s *Store) GetPayment(ctx context.Context, id string) (payments.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.conn(ctx).QueryRowContext(ctx, q, id))
}

func (s *Store) LockPayment(ctx context.Context, id string) (payments.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(s.conn(ctx).QueryRowContext(ctx, q, id))
}

func (s *Store) LockPaymentByExternal(ctx context.Context, gateway, externalID string) (payments.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = $1 AND external_id = $2 FOR UPDATE`
	return scanPayment(s.conn(ctx).QueryRowContext(ctx, q, gateway, externalID))
}

func (s *Store) UpdatePayment(ctx context.Context, p payments.Payment) error {
	const q = `
UPDATE payments
SET external_id = $2,
    status = $3,
    failure_reason = $4,
    updated_at = $5,
    paid_at = $6,
    failed_at = $7,
    webhook_received_at = $8
WHERE id = $1
`
	res, err := s.conn(ctx).ExecContext(ctx, q,
		p.ID,
		nullString(p.ExternalID),
		p.Status,
		p.FailureReason,
		p.UpdatedAt,
		nullTime(p.PaidAt),
		nullTime(p.FailedAt),
		nullTime(p.WebhookReceivedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: external id %s already linked", payments.ErrInvalidArgument, p.ExternalID)
	}
	if err != nil {
		return err
	}
	return expectOne(res, payments.ErrPaymentNotFound)
}

func (s *Store) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]payments.Payment, error) {
	const q = `
SELECT ` + paymentColumns + `
FROM payments
WHERE status = 'pending' AND external_id IS NOT NULL AND created_at < $1
ORDER BY created_at
LIMIT $2
`
	rows, err := s.conn(ctx).QueryContext(ctx, q, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, user_id, plan_id, gateway, external_id, status, is_current,
started_at, renewal_date, cancelled_at, created_at, updated_at`

func scanSubscription(row scanner) (payments.Subscription, error) {
	var (
		sub                         payments.Subscription
		externalID                  sql.NullString
		started, renewal, cancelled sql.NullTime
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.Gateway,
		&externalID,
		&sub.Status,
		&sub.IsCurrent,
		&started,
		&renewal,
		&cancelled,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payments.Subscription{}, payments.ErrSubscriptionNotFound
		}
		return payments.Subscription{}, err
	}
	sub.ExternalID = externalID.String
	sub.StartedAt = timePtr(started)
	sub.RenewalDate = timePtr(renewal)
	sub.CancelledAt = timePtr(cancelled)
	return sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub payments.Subscription) error {
	// New rows start non-current; SetCurrent is the only way to flip the flag.
	const q = `
INSERT INTO user_plans (` + subscriptionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7,$8,$9,$10,$11)
`
	_, err := s.conn(ctx).ExecContext(ctx, q,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Gateway,
		nullString(sub.ExternalID),
		sub.Status,
		nullTime(sub.StartedAt),
		nullTime(sub.RenewalDate),
		nullTime(sub.CancelledAt),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: subscription %s or its external id already exists", payments.ErrInvalidArgument, sub.ID)
	}
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (payments.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_plans WHERE id = $1`
	return scanSubscription(s.conn(ctx).QueryRowContext(ctx, q, id))
}

func (s *Store) LockSubscription(ctx context.Context, id string) (payments.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_plans WHERE id = $1 FOR UPDATE`
	return scanSubscription(s.conn(ctx).QueryRowContext(ctx, q, id))
}

func (s *Store) LockSubscriptionByExternal(ctx context.Context, gateway, externalID string) (payments.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_plans WHERE gateway = $1 AND external_id = $2 FOR UPDATE`
	return scanSubscription(s.conn(ctx).QueryRowContext(ctx, q, gateway, externalID))
}

// UpdateSubscription never changes is_current; use SetCurrent.
func (s *Store) UpdateSubscription(ctx context.Context, sub payments.Subscription) error {
	const q = `
UPDATE user_plans
SET gateway = $2,
    external_id = $3,
    status = $4,
    started_at = $5,
    renewal_date = $6,
    cancelled_at = $7,
    updated_at = $8
WHERE id = $1
`
	res, err := s.conn(ctx).ExecContext(ctx, q,
		sub.ID,
		sub.Gateway,
		nullString(sub.ExternalID),
		sub.Status,
		nullTime(sub.StartedAt),
		nullTime(sub.RenewalDate),
		nullTime(sub.CancelledAt),
		sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectOne(res, payments.ErrSubscriptionNotFound)
}

func (s *Store) SetCurrent(ctx context.Context, userID, id string, now time.Time) error {
	// Clear first: user_plans_current_uq allows one current row per user.
	const clear = `
UPDATE user_plans SET is_current = FALSE, updated_at = $3
WHERE user_id = $1 AND is_current AND id <> $2
`
	const set = `
UPDATE user_plans SET is_current = TRUE, updated_at = $3
WHERE user_id = $1 AND id = $2
`
	if _, err := s.conn(ctx).ExecContext(ctx, clear, userID, id, now); err != nil {
		return err
	}
	res, err := s.conn(ctx).ExecContext(ctx, set, userID, id, now)
	if err != nil {
		return err
	}
	return expectOne(res, payments.ErrSubscriptionNotFound)
}

func (s *Store) CurrentSubscription(ctx context.Context, userID string) (payments.Subscription, bool, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_plans WHERE user_id = $1 AND is_current`
	sub, err := scanSubscription(s.conn(ctx).QueryRowContext(ctx, q, userID))
	if errors.Is(err, payments.ErrSubscriptionNotFound) {
		return payments.Subscription{}, false, nil
	}
	if err != nil {
		return payments.Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, userID, exceptID string) (int, error) {
	const q = `SELECT count(*) FROM user_plans WHERE user_id = $1 AND id <> $2 AND status = 'active'`
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, q, userID, exceptID).Scan(&n)
	return n, err
}

func (s *Store) ListRenewalsDue(ctx context.Context, t time.Time, limit int) ([]payments.Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
FROM user_plans
WHERE status = 'active' AND renewal_date < $1
ORDER BY renewal_date
LIMIT $2
`
	rows, err := s.conn(ctx).QueryContext(ctx, q, t, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payments.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) GetBillingProfile(ctx context.Context, userID string) (payments.BillingProfile, bool, error) {
	const q = `SELECT user_id, status, updated_at FROM billing_profiles WHERE user_id = $1`
	var bp payments.BillingProfile
	err := s.conn(ctx).QueryRowContext(ctx, q, userID).Scan(&bp.UserID, &bp.Status, &bp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.BillingProfile{}, false, nil
	}
	if err != nil {
		return payments.BillingProfile{}, false, err
	}
	return bp, true, nil
}

func (s *Store) SetBillingStatus(ctx context.Context, userID string, status payments.BillingStatus, now time.Time) error {
	const q = `
INSERT INTO billing_profiles (user_id, status, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`
	_, err := s.conn(ctx).ExecContext(ctx, q, userID, status, now)
	return err
}

func (s *Store) MarkEventProcessed(ctx context.Context, gateway, externalID, eventType string, now time.Time) (bool, error) {
	const q = `
INSERT INTO processed_events (gateway, external_id, event_type, processed_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING
`
	res, err := s.conn(ctx).ExecContext(ctx, q, gateway, externalID, eventType, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
