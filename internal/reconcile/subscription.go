package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petition-billing/internal/gateway"
	"petition-billing/internal/ledger"
	"petition-billing/internal/notify"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
)

// Monthly credits are keyed by the start date of the period they fund.
const eventPeriodCredits = "preapproval.credits:"

func (e *Engine) reconcileSubscription(ctx context.Context, gw, externalID string) (Outcome, error) {
	adapter, err := e.gateways.Get(gw)
	if err != nil {
		return "", err
	}
	detail, err := adapter.FetchSubscriptionStatus(ctx, externalID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return OutcomeNotFound, nil
	case errors.Is(err, gateway.ErrUnsupported):
		return OutcomeIgnored, nil
	case err != nil:
		return "", fmt.Errorf("reconcile: fetch subscription %s/%s: %w", gw, externalID, err)
	}
	if detail.Status == gateway.SubscriptionPending {
		return OutcomePending, nil
	}

	var (
		out Outcome
		fx  effects
	)
	err = e.tx.WithinTx(ctx, func(ctx context.Context) error {
		fx.reset()
		now := e.clock().UTC()

		sub, err := e.lockSubscription(ctx, gw, externalID, detail.Reference)
		if errors.Is(err, payments.ErrSubscriptionNotFound) {
			out = OutcomeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if sub.ExternalID == "" {
			sub.ExternalID = externalID
		}

		switch detail.Status {
		case gateway.SubscriptionAuthorized:
			out, err = e.authorize(ctx, &sub, gw, now, &fx)
		case gateway.SubscriptionPaused:
			out, err = e.deactivate(ctx, &sub, payments.SubscriptionPaused, now, &fx)
		case gateway.SubscriptionCancelled:
			out, err = e.deactivate(ctx, &sub, payments.SubscriptionCancelled, now, &fx)
		case gateway.SubscriptionExpired:
			out, err = e.deactivate(ctx, &sub, payments.SubscriptionExpired, now, &fx)
		default:
			out = OutcomeIgnored
		}
		return err
	})
	if err != nil {
		return "", err
	}
	e.fire(ctx, &fx)
	return out, nil
}

func (e *Engine) lockSubscription(ctx context.Context, gw, externalID, reference string) (payments.Subscription, error) {
	sub, err := e.repo.LockSubscriptionByExternal(ctx, gw, externalID)
	if err == nil || !errors.Is(err, payments.ErrSubscriptionNotFound) || reference == "" {
		return sub, err
	}
	sub, err = e.repo.LockSubscription(ctx, reference)
	if err != nil {
		return payments.Subscription{}, err
	}
	if sub.Gateway != gw || (sub.ExternalID != "" && sub.ExternalID != externalID) {
		return payments.Subscription{}, payments.ErrSubscriptionNotFound
	}
	return sub, nil
}

// authorize activates a pending/paused subscription, or renews an active one whose
// period has ended. An authorized event inside the current period is a duplicate.
func (e *Engine) authorize(ctx context.Context, sub *payments.Subscription, gw string, now time.Time, fx *effects) (Outcome, error) {
	switch {
	case sub.Status.Terminal():
		e.log.Warn("authorization for terminal subscription", "subscription_id", sub.ID, "status", sub.Status)
		return OutcomeIgnored, nil
	case sub.Status == payments.SubscriptionActive:
		if !sub.DueForRenewal(now) {
			return OutcomeDuplicate, nil
		}
		return e.renew(ctx, sub, gw, now, fx)
	default:
		return e.activate(ctx, sub, gw, e.creditKey(sub), now, fx)
	}
}

// activate makes sub the user's current, active plan and sets billing active.
// creditKey is the external id under which the period's monthly credits are recorded.
func (e *Engine) activate(ctx context.Context, sub *payments.Subscription, gw, creditKey string, now time.Time, fx *effects) (Outcome, error) {
	if err := sub.Activate(now, e.period); err != nil {
		return "", err
	}
	if err := e.repo.UpdateSubscription(ctx, *sub); err != nil {
		return "", err
	}
	if err := e.repo.SetCurrent(ctx, sub.UserID, sub.ID, now); err != nil {
		return "", err
	}
	if err := e.repo.SetBillingStatus(ctx, sub.UserID, payments.BillingActive, now); err != nil {
		return "", err
	}
	if err := e.grantPeriodCredits(ctx, *sub, gw, creditKey, now, now); err != nil {
		return "", err
	}
	fx.notify(sub.UserID, notify.TypeSubscriptionActivated, now, map[string]any{
		"subscription_id": sub.ID, "plan_id": sub.PlanID, "renewal_date": sub.RenewalDate,
	})
	return OutcomeProcessed, nil
}

func (e *Engine) renew(ctx context.Context, sub *payments.Subscription, gw string, now time.Time, fx *effects) (Outcome, error) {
	periodStart := *sub.RenewalDate
	if err := sub.Renew(now, e.period); err != nil {
		return "", err
	}
	if err := e.repo.UpdateSubscription(ctx, *sub); err != nil {
		return "", err
	}
	if err := e.repo.SetBillingStatus(ctx, sub.UserID, payments.BillingActive, now); err != nil {
		return "", err
	}
	if err := e.grantPeriodCredits(ctx, *sub, gw, e.creditKey(sub), periodStart, now); err != nil {
		return "", err
	}
	fx.notify(sub.UserID, notify.TypeSubscriptionRenewed, now, map[string]any{
		"subscription_id": sub.ID, "renewal_date": sub.RenewalDate,
	})
	return OutcomeProcessed, nil
}

// grantPeriodCredits credits the plan's monthly AI credits once per billing period.
func (e *Engine) grantPeriodCredits(ctx context.Context, sub payments.Subscription, gw, key string, periodStart, now time.Time) error {
	if e.catalog == nil {
		return nil
	}
	plan, err := e.catalog.Plan(ctx, sub.PlanID)
	if errors.Is(err, plans.ErrPlanNotFound) {
		e.log.Warn("subscription plan not found", "subscription_id", sub.ID, "plan_id", sub.PlanID)
		return nil
	}
	if err != nil {
		return err
	}
	if plan.MonthlyCredits <= 0 {
		return nil
	}
	inserted, err := e.repo.MarkEventProcessed(ctx, gw, key, eventPeriodCredits+periodStart.UTC().Format(time.DateOnly), now)
	if err != nil || !inserted {
		return err
	}
	_, err = e.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:      sub.UserID,
		Kind:        ledger.KindAICredits,
		Amount:      plan.MonthlyCredits,
		Type:        ledger.TxMonthlyRenewal,
		Description: "monthly credits: " + plan.Name,
		Reference:   "subscription:" + sub.ID,
	})
	return err
}

func (e *Engine) creditKey(sub *payments.Subscription) string {
	if sub.ExternalID != "" {
		return sub.ExternalID
	}
	return sub.ID
}

// deactivate moves sub to paused, cancelled or expired. Paused and expired always
// make billing inactive; a cancellation does so only when no other plan is active.
func (e *Engine) deactivate(ctx context.Context, sub *payments.Subscription, to payments.SubscriptionStatus, now time.Time, fx *effects) (Outcome, error) {
	if sub.Status == to {
		return OutcomeDuplicate, nil
	}
	if !sub.Status.CanTransition(to) {
		e.log.Warn("subscription transition ignored", "subscription_id", sub.ID, "from", sub.Status, "to", to)
		return OutcomeIgnored, nil
	}

	var err error
	switch to {
	case payments.SubscriptionPaused:
		err = sub.Pause(now)
	case payments.SubscriptionCancelled:
		err = sub.Cancel(now)
	default:
		err = sub.Expire(now)
	}
	if err != nil {
		return "", err
	}
	if err := e.repo.UpdateSubscription(ctx, *sub); err != nil {
		return "", err
	}

	inactive := true
	if to == payments.SubscriptionCancelled {
		others, err := e.repo.CountActiveSubscriptions(ctx, sub.UserID, sub.ID)
		if err != nil {
			return "", err
		}
		inactive = others == 0
	}
	if inactive {
		if err := e.repo.SetBillingStatus(ctx, sub.UserID, payments.BillingInactive, now); err != nil {
			return "", err
		}
	}

	t := notify.TypeSubscriptionInactive
	if to == payments.SubscriptionCancelled {
		t = notify.TypeSubscriptionCancelled
	}
	fx.notify(sub.UserID, t, now, map[string]any{"subscription_id": sub.ID, "status": to})
	return OutcomeProcessed, nil
}

// MarkDelinquent flags the billing profile of an active subscription whose renewal
// is overdue by more than grace. It reports whether the flag was set.
func (e *Engine) MarkDelinquent(ctx context.Context, subscriptionID string, grace time.Duration) (bool, error) {
	marked := false
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := e.clock().UTC()
		sub, err := e.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != payments.SubscriptionActive || sub.RenewalDate == nil || !now.After(sub.RenewalDate.Add(grace)) {
			return nil
		}
		bp, ok, err := e.repo.GetBillingProfile(ctx, sub.UserID)
		if err != nil {
			return err
		}
		if ok && bp.Status == payments.BillingDelinquent {
			return nil
		}
		marked = true
		return e.repo.SetBillingStatus(ctx, sub.UserID, payments.BillingDelinquent, now)
	})
	return marked, err
}
