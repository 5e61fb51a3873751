package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"petition-billing/internal/payments"
)

func (s *Store) CreatePayment(ctx context.Context, p payments.Payment) error {
	return s.do(ctx, func(st *state) error {
		if _, ok := st.payments[p.ID]; ok {
			return fmt.Errorf("memory: payment %s exists", p.ID)
		}
		if p.ExternalID != "" {
			k := key(p.Gateway, p.ExternalID)
			if _, ok := st.paymentExt[k]; ok {
				return fmt.Errorf("memory: external id %s exists", k)
			}
			st.paymentExt[k] = p.ID
		}
		st.payments[p.ID] = p
		return nil
	})
}

func (s *Store) GetPayment(ctx context.Context, id string) (payments.Payment, error) {
	var out payments.Payment
	err := s.do(ctx, func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return payments.ErrPaymentNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) LockPayment(ctx context.Context, id string) (payments.Payment, error) {
	return s.GetPayment(ctx, id)
}

func (s *Store) LockPaymentByExternal(ctx context.Context, gateway, externalID string) (payments.Payment, error) {
	var out payments.Payment
	err := s.do(ctx, func(st *state) error {
		id, ok := st.paymentExt[key(gateway, externalID)]
		if !ok {
			return payments.ErrPaymentNotFound
		}
		out = st.payments[id]
		return nil
	})
	return out, err
}

func (s *Store) UpdatePayment(ctx context.Context, p payments.Payment) error {
	return s.do(ctx, func(st *state) error {
		prev, ok := st.payments[p.ID]
		if !ok {
			return payments.ErrPaymentNotFound
		}
		if p.ExternalID != "" && p.ExternalID != prev.ExternalID {
			k := key(p.Gateway, p.ExternalID)
			if other, taken := st.paymentExt[k]; taken && other != p.ID {
				return fmt.Errorf("memory: external id %s exists", k)
			}
			st.paymentExt[k] = p.ID
		}
		st.payments[p.ID] = p
		return nil
	})
}

func (s *Store) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]payments.Payment, error) {
	var out []payments.Payment
	err := s.do(ctx, func(st *state) error {
		for _, p := range st.payments {
			if p.Status == payments.PaymentPending && p.ExternalID != "" && p.CreatedAt.Before(olderThan) {
				out = append(out, p)
			}
		}
		slices.SortFunc(out, func(a, b payments.Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateSubscription(ctx context.Context, sub payments.Subscription) error {
	return s.do(ctx, func(st *state) error {
		if _, ok := st.subs[sub.ID]; ok {
			return fmt.Errorf("memory: subscription %s exists", sub.ID)
		}
		if sub.IsCurrent {
			return fmt.Errorf("memory: new subscriptions start non-current")
		}
		if sub.ExternalID != "" {
			st.subExt[key(sub.Gateway, sub.ExternalID)] = sub.ID
		}
		st.subs[sub.ID] = sub
		return nil
	})
}

func (s *Store) GetSubscription(ctx context.Context, id string) (payments.Subscription, error) {
	var out payments.Subscription
	err := s.do(ctx, func(st *state) error {
		sub, ok := st.subs[id]
		if !ok {
			return payments.ErrSubscriptionNotFound
		}
		out = sub
		return nil
	})
	return out, err
}

func (s *Store) LockSubscription(ctx context.Context, id string) (payments.Subscription, error) {
	return s.GetSubscription(ctx, id)
}

func (s *Store) LockSubscriptionByExternal(ctx context.Context, gateway, externalID string) (payments.Subscription, error) {
	var out payments.Subscription
	err := s.do(ctx, func(st *state) error {
		id, ok := st.subExt[key(gateway, externalID)]
		if !ok {
			return payments.ErrSubscriptionNotFound
		}
		out = st.subs[id]
		return nil
	})
	return out, err
}

// UpdateSubscription never changes IsCurrent; use SetCurrent.
func (s *Store) UpdateSubscription(ctx context.Context, sub payments.Subscription) error {
	return s.do(ctx, func(st *state) error {
		prev, ok := st.subs[sub.ID]
		if !ok {
			return payments.ErrSubscriptionNotFound
		}
		sub.IsCurrent = prev.IsCurrent
		if sub.ExternalID != "" {
			st.subExt[key(sub.Gateway, sub.ExternalID)] = sub.ID
		}
		st.subs[sub.ID] = sub
		return nil
	})
}

func (s *Store) SetCurrent(ctx context.Context, userID, id string, now time.Time) error {
	return s.do(ctx, func(st *state) error {
		target, ok := st.subs[id]
		if !ok || target.UserID != userID {
			return payments.ErrSubscriptionNotFound
		}
		for sid, sub := range st.subs {
			if sub.UserID == userID && sub.IsCurrent && sid != id {
				sub.IsCurrent = false
				sub.UpdatedAt = now
				st.subs[sid] = sub
			}
		}
		target.IsCurrent = true
		target.UpdatedAt = now
		st.subs[id] = target
		return nil
	})
}

func (s *Store) CurrentSubscription(ctx context.Context, userID string) (payments.Subscription, bool, error) {
	var (
		out payments.Subscription
		ok  bool
	)
	err := s.do(ctx, func(st *state) error {
		for _, sub := range st.subs {
			if sub.UserID == userID && sub.IsCurrent {
				out, ok = sub, true
				return nil
			}
		}
		return nil
	})
	return out, ok, err
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, userID, exceptID string) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state) error {
		for _, sub := range st.subs {
			if sub.UserID == userID && sub.ID != exceptID && sub.Status == payments.SubscriptionActive {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) ListRenewalsDue(ctx context.Context, t time.Time, limit int) ([]payments.Subscription, error) {
	var out []payments.Subscription
	err := s.do(ctx, func(st *state) error {
		for _, sub := range st.subs {
			if sub.Status == payments.SubscriptionActive && sub.RenewalDate != nil && sub.RenewalDate.Before(t) {
				out = append(out, sub)
			}
		}
		slices.SortFunc(out, func(a, b payments.Subscription) int { return a.RenewalDate.Compare(*b.RenewalDate) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) GetBillingProfile(ctx context.Context, userID string) (payments.BillingProfile, bool, error) {
	var (
		out payments.BillingProfile
		ok  bool
	)
	err := s.do(ctx, func(st *state) error {
		out, ok = st.profiles[userID]
		return nil
	})
	return out, ok, err
}

func (s *Store) SetBillingStatus(ctx context.Context, userID string, status payments.BillingStatus, now time.Time) error {
	return s.do(ctx, func(st *state) error {
		st.profiles[userID] = payments.BillingProfile{UserID: userID, Status: status, UpdatedAt: now}
		return nil
	})
}

func (s *Store) MarkEventProcessed(ctx context.Context, gateway, externalID, eventType string, now time.Time) (bool, error) {
	inserted := false
	err := s.do(ctx, func(st *state) error {
		k := key(gateway, externalID, eventType)
		if _, ok := st.events[k]; ok {
			return nil
		}
		st.events[k] = now
		inserted = true
		return nil
	})
	return inserted, err
}

// Subscriptions returns every subscription of a user (tests).
func (s *Store) Subscriptions(userID string) []payments.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Subscription
	for _, sub := range s.st.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}
