package memory

import (
	"context"
	"slices"
	"time"

	"petition-billing/internal/audit"
	"petition-billing/internal/metering"
)

func (s *Store) InsertUsage(ctx context.Context, r metering.UsageRecord) error {
	return s.do(ctx, func(st *state) error {
		st.usage = append(st.usage, r)
		return nil
	})
}

// LockUsage is a no-op: units of work are already serialized by the store mutex.
func (s *Store) LockUsage(ctx context.Context, userID string) error {
	return s.do(ctx, func(*state) error { return nil })
}

func (s *Store) CountBillableUsage(ctx context.Context, userID, cycle string) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state) error {
		for _, r := range st.usage {
			if r.UserID == userID && r.Cycle == cycle && r.Billable && r.Resource == metering.ResourcePetition {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) ListUsage(ctx context.Context, userID, cycle string) ([]metering.UsageRecord, error) {
	var out []metering.UsageRecord
	err := s.do(ctx, func(st *state) error {
		for _, r := range st.usage {
			if r.UserID == userID && r.Cycle == cycle {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) RecordNotification(ctx context.Context, userID, notifType, cycle string, now time.Time) (bool, error) {
	inserted := false
	err := s.do(ctx, func(st *state) error {
		k := key(userID, notifType, cycle)
		if _, ok := st.marks[k]; ok {
			return nil
		}
		st.marks[k] = now
		inserted = true
		return nil
	})
	return inserted, err
}

// Append implements audit.Repository.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	return s.do(ctx, func(st *state) error {
		st.audits = append(st.audits, e)
		return nil
	})
}

// Usage returns every usage record (tests).
func (s *Store) Usage() []metering.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.usage)
}

// AuditEvents returns every audit event (tests).
func (s *Store) AuditEvents() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.audits)
}
