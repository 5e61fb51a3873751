package payments

import (
	"fmt"
	"time"
)

// Payment: pending -> completed | failed. Terminal states are final.

func (p *Payment) Complete(now time.Time) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = PaymentCompleted
	p.PaidAt = &now
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Fail(now time.Time, reason string) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, p.ID, p.Status)
	}
	p.Status = PaymentFailed
	p.FailedAt = &now
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

// Subscription transitions:
//
//	pending -> active | cancelled | expired
//	active  -> active (renewal) | paused | cancelled | expired
//	paused  -> active | cancelled | expired
//	cancelled, expired: terminal
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionPending: {SubscriptionActive, SubscriptionCancelled, SubscriptionExpired},
	SubscriptionActive:  {SubscriptionActive, SubscriptionPaused, SubscriptionCancelled, SubscriptionExpired},
	SubscriptionPaused:  {SubscriptionActive, SubscriptionCancelled, SubscriptionExpired},
}

func (s SubscriptionStatus) CanTransition(to SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCancelled || s == SubscriptionExpired
}

func (sub *Subscription) transition(to SubscriptionStatus, now time.Time) error {
	if !sub.Status.CanTransition(to) {
		return fmt.Errorf("%w: subscription %s %s -> %s", ErrInvalidTransition, sub.ID, sub.Status, to)
	}
	sub.Status = to
	sub.UpdatedAt = now
	return nil
}

// Activate moves a pending or paused subscription to active and starts a new period.
func (sub *Subscription) Activate(now time.Time, period time.Duration) error {
	if sub.Status == SubscriptionActive {
		return fmt.Errorf("%w: subscription %s already active", ErrInvalidTransition, sub.ID)
	}
	if err := sub.transition(SubscriptionActive, now); err != nil {
		return err
	}
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	renewal := now.Add(period)
	sub.RenewalDate = &renewal
	return nil
}

// DueForRenewal reports whether the current period has ended at now.
func (sub *Subscription) DueForRenewal(now time.Time) bool {
	return sub.Status == SubscriptionActive && (sub.RenewalDate == nil || !now.Before(*sub.RenewalDate))
}

// Renew keeps an active subscription active and pushes renewal_date by one period,
// anchored on the previous renewal date so late webhooks do not drift the cycle.
func (sub *Subscription) Renew(now time.Time, period time.Duration) error {
	if sub.Status != SubscriptionActive {
		return fmt.Errorf("%w: renew requires active, got %s", ErrInvalidTransition, sub.Status)
	}
	next := now.Add(period)
	if sub.RenewalDate != nil {
		next = sub.RenewalDate.Add(period)
		for !next.After(now) {
			next = next.Add(period)
		}
	}
	sub.RenewalDate = &next
	sub.UpdatedAt = now
	return nil
}

func (sub *Subscription) Pause(now time.Time) error {
	return sub.transition(SubscriptionPaused, now)
}

func (sub *Subscription) Cancel(now time.Time) error {
	if err := sub.transition(SubscriptionCancelled, now); err != nil {
		return err
	}
	sub.CancelledAt = &now
	return nil
}

func (sub *Subscription) Expire(now time.Time) error {
	return sub.transition(SubscriptionExpired, now)
}
