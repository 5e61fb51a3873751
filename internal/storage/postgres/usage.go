package postgres

import (
	"context"
	"time"

	"petition-billing/internal/audit"
	"petition-billing/internal/metering"
)

const usageColumns = `id, user_id, cycle, resource, petition_type, petition_ref, billable, charged,
plan_id, subscription_id, transaction_id, created_at`

func (s *Store) InsertUsage(ctx context.Context, r metering.UsageRecord) error {
	const q = `
INSERT INTO usage_records (` + usageColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	_, err := s.conn(ctx).ExecContext(ctx, q,
		r.ID,
		r.UserID,
		r.Cycle,
		r.Resource,
		r.PetitionType,
		r.PetitionRef,
		r.Billable,
		r.Charged,
		r.PlanID,
		r.SubscriptionID,
		r.TransactionID,
		r.CreatedAt,
	)
	return err
}

// LockUsage takes a transaction-scoped advisory lock per user. Outside a unit of
// work it is released immediately, so callers run it inside WithinTx.
func (s *Store) LockUsage(ctx context.Context, userID string) error {
	const q = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	_, err := s.conn(ctx).ExecContext(ctx, q, "usage:"+userID)
	return err
}

func (s *Store) CountBillableUsage(ctx context.Context, userID, cycle string) (int, error) {
	const q = `
SELECT count(*) FROM usage_records
WHERE user_id = $1 AND cycle = $2 AND billable AND resource = 'petition'
`
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, q, userID, cycle).Scan(&n)
	return n, err
}

func (s *Store) ListUsage(ctx context.Context, userID, cycle string) ([]metering.UsageRecord, error) {
	const q = `
SELECT ` + usageColumns + `
FROM usage_records
WHERE user_id = $1 AND cycle = $2
ORDER BY created_at, id
`
	rows, err := s.conn(ctx).QueryContext(ctx, q, userID, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metering.UsageRecord
	for rows.Next() {
		var r metering.UsageRecord
		if err := rows.Scan(
			&r.ID,
			&r.UserID,
			&r.Cycle,
			&r.Resource,
			&r.PetitionType,
			&r.PetitionRef,
			&r.Billable,
			&r.Charged,
			&r.PlanID,
			&r.SubscriptionID,
			&r.TransactionID,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RecordNotification(ctx context.Context, userID, notifType, cycle string, now time.Time) (bool, error) {
	const q = `
INSERT INTO usage_notifications (user_id, notif_type, cycle, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING
`
	res, err := s.conn(ctx).ExecContext(ctx, q, userID, notifType, cycle, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Append implements audit.Repository. audit_events is INSERT-only.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, subject_user_id,
  gateway, external_id, transaction_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := s.conn(ctx).ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.SubjectUserID,
		e.Gateway,
		e.ExternalID,
		e.TransactionID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
