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
)

const (
	eventPaymentApproved = "payment.approved"
	eventPaymentFailed   = "payment.failed"
)

func (e *Engine) reconcilePayment(ctx context.Context, gw, externalID string) (Outcome, error) {
	adapter, err := e.gateways.Get(gw)
	if err != nil {
		return "", err
	}
	detail, err := adapter.FetchChargeStatus(ctx, externalID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return OutcomeNotFound, nil
	case err != nil:
		return "", fmt.Errorf("reconcile: fetch charge %s/%s: %w", gw, externalID, err)
	}

	switch detail.Status {
	case gateway.ChargeApproved:
		return e.completePayment(ctx, gw, externalID, detail)
	case gateway.ChargeRejected, gateway.ChargeCancelled:
		return e.failPayment(ctx, gw, externalID, detail)
	default:
		return OutcomePending, nil
	}
}

// lockPayment finds the payment by external id, falling back to the reference the
// gateway echoes back (our payment id) when the webhook beat the external id write.
func (e *Engine) lockPayment(ctx context.Context, gw, externalID, reference string) (payments.Payment, error) {
	p, err := e.repo.LockPaymentByExternal(ctx, gw, externalID)
	if err == nil || !errors.Is(err, payments.ErrPaymentNotFound) || reference == "" {
		return p, err
	}
	p, err = e.repo.LockPayment(ctx, reference)
	if err != nil {
		return payments.Payment{}, err
	}
	if p.Gateway != gw || (p.ExternalID != "" && p.ExternalID != externalID) {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	return p, nil
}

func (e *Engine) completePayment(ctx context.Context, gw, externalID string, detail gateway.ChargeDetail) (Outcome, error) {
	var (
		out Outcome
		fx  effects
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		fx.reset()
		now := e.clock().UTC()

		p, err := e.lockPayment(ctx, gw, externalID, detail.Reference)
		if errors.Is(err, payments.ErrPaymentNotFound) {
			out = OutcomeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		switch p.Status {
		case payments.PaymentCompleted:
			out = OutcomeDuplicate
			return nil
		case payments.PaymentFailed, payments.PaymentRefunded:
			e.log.Warn("approval for terminal payment", "payment_id", p.ID, "status", p.Status)
			out = OutcomeIgnored
			return nil
		}
		if detail.Amount > 0 && detail.Amount != p.Amount {
			e.log.Error("approved amount mismatch", "payment_id", p.ID, "expected", p.Amount, "gateway_amount", detail.Amount)
			out = OutcomeIgnored
			return nil
		}

		inserted, err := e.repo.MarkEventProcessed(ctx, gw, externalID, eventPaymentApproved, now)
		if err != nil {
			return err
		}
		if !inserted {
			out = OutcomeDuplicate
			return nil
		}

		if err := p.Complete(now); err != nil {
			return err
		}
		p.ExternalID = externalID
		p.WebhookReceivedAt = &now
		if err := e.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := e.applyPaymentEffect(ctx, p, now, &fx); err != nil {
			return err
		}
		completed := p
		fx.completed = &completed
		fx.notify(p.UserID, notify.TypePaymentConfirmed, now, map[string]any{
			"payment_id": p.ID, "amount": p.Amount, "purpose": p.Purpose,
		})
		out = OutcomeProcessed
		return nil
	})
	if err != nil {
		return "", err
	}
	e.fire(ctx, &fx)
	return out, nil
}

// applyPaymentEffect performs the ledger or plan effect of a completed payment exactly once.
func (e *Engine) applyPaymentEffect(ctx context.Context, p payments.Payment, now time.Time, fx *effects) error {
	var req ledger.CreditRequest
	switch p.Purpose {
	case payments.PurposeDeposit:
		req = ledger.CreditRequest{
			UserID: p.UserID, Kind: ledger.KindPetitionBalance, Amount: p.Amount,
			Type: ledger.TxDeposit, Description: "deposit via " + string(p.Method),
		}
	case payments.PurposeCreditPack:
		req = ledger.CreditRequest{
			UserID: p.UserID, Kind: ledger.KindAICredits, Amount: p.Credits,
			Type: ledger.TxPurchase, Description: "credit pack purchase",
		}
	case payments.PurposePlanPurchase:
		if p.SubscriptionID == "" {
			return fmt.Errorf("reconcile: plan purchase %s without subscription", p.ID)
		}
		sub, err := e.repo.LockSubscription(ctx, p.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == payments.SubscriptionActive {
			return nil
		}
		_, err = e.activate(ctx, &sub, p.Gateway, sub.ID, now, fx)
		return err
	default:
		return fmt.Errorf("reconcile: payment %s has unknown purpose %q", p.ID, p.Purpose)
	}

	req.PaymentID = p.ID
	req.Reference = p.Gateway + ":" + p.ExternalID
	if _, err := e.ledger.Credit(ctx, req); err != nil {
		// Only the pre-write check is safe to settle here; a conflict after the
		// balance update propagates so the whole unit rolls back.
		if errors.Is(err, ledger.ErrDuplicatePaymentCredit) {
			e.log.Warn("payment already credited", "payment_id", p.ID)
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) failPayment(ctx context.Context, gw, externalID string, detail gateway.ChargeDetail) (Outcome, error) {
	var (
		out Outcome
		fx  effects
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		fx.reset()
		now := e.clock().UTC()

		p, err := e.lockPayment(ctx, gw, externalID, detail.Reference)
		if errors.Is(err, payments.ErrPaymentNotFound) {
			out = OutcomeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		switch p.Status {
		case payments.PaymentFailed:
			out = OutcomeDuplicate
			return nil
		case payments.PaymentCompleted, payments.PaymentRefunded:
			// Refunds and chargebacks after completion are handled manually.
			e.log.Warn("cancellation for settled payment", "payment_id", p.ID, "native_status", detail.NativeStatus)
			out = OutcomeIgnored
			return nil
		}
		inserted, err := e.repo.MarkEventProcessed(ctx, gw, externalID, eventPaymentFailed, now)
		if err != nil {
			return err
		}
		if !inserted {
			out = OutcomeDuplicate
			return nil
		}

		reason := detail.StatusDetail
		if reason == "" {
			reason = detail.NativeStatus
		}
		if err := p.Fail(now, reason); err != nil {
			return err
		}
		p.ExternalID = externalID
		p.WebhookReceivedAt = &now
		if err := e.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}
		// Nothing was credited, so there is nothing to roll back; billing status is left as is.
		fx.notify(p.UserID, notify.TypePaymentFailed, now, map[string]any{"payment_id": p.ID, "reason": reason})
		out = OutcomeProcessed
		return nil
	})
	if err != nil {
		return "", err
	}
	e.fire(ctx, &fx)
	return out, nil
}

// AbandonPayment fails a pending payment the gateway never confirmed
// (checkout error, or a stale charge the gateway no longer knows).
func (e *Engine) AbandonPayment(ctx context.Context, paymentID, reason string) (Outcome, error) {
	var out Outcome
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := e.repo.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			out = OutcomeDuplicate
			return nil
		}
		if err := p.Fail(e.clock().UTC(), reason); err != nil {
			return err
		}
		if err := e.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}
		out = OutcomeProcessed
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
