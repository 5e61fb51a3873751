package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"petition-billing/internal/gateway"
	"petition-billing/internal/ledger"
	"petition-billing/internal/notify"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
	"petition-billing/internal/webhook"
	"petition-billing/pkg/metrics"
	"petition-billing/pkg/utils"
)

// Outcome describes how a delivery was settled. None of them is an error:
// the webhook endpoint answers 200 for every outcome.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeNotFound  Outcome = "not_found"
	// OutcomePending means the gateway still reports the entity as pending.
	OutcomePending Outcome = "pending"
)

// ErrEventInFlight is returned when another replica is processing the same entity;
// the delivery fails with 500 and the gateway retries later.
var ErrEventInFlight = errors.New("reconcile: event in flight")

// Locker is an optional cross-replica lock (utils.ProcessingLock).
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// PaymentHook is the downstream collaborator notified after a payment completes
// (referral rewards, analytics). Errors are logged, never propagated.
type PaymentHook interface {
	PaymentCompleted(ctx context.Context, p payments.Payment) error
}

type PlanCatalog interface {
	Plan(ctx context.Context, id string) (plans.Plan, error)
}

// Engine is the only writer of payment and subscription state.
//
// Idempotency, for any (gateway, external_id, event_type):
//   - the payment/subscription row is locked for the whole unit of work;
//   - terminal payments and already-applied subscription states are no-ops;
//   - processed_events is inserted in the same unit as the ledger mutation;
//   - the ledger rejects a second credit for the same payment.
//
// The gateway is the source of truth: webhook bodies only identify the entity,
// its state is always fetched through the adapter before anything is written.
type Engine struct {
	tx       utils.TxRunner
	repo     payments.Repository
	ledger   *ledger.Service
	gateways *gateway.Registry
	catalog  PlanCatalog
	notifier notify.Notifier
	hooks    []PaymentHook
	lock     Locker

	period time.Duration
	log    *slog.Logger
	m      *metrics.Metrics
	clock  func() time.Time
}

type Deps struct {
	Tx       utils.TxRunner
	Payments payments.Repository
	Ledger   *ledger.Service
	Gateways *gateway.Registry
	Catalog  PlanCatalog
	Notifier notify.Notifier
	Hooks    []PaymentHook
	Lock     Locker

	// Period is the billing period added to renewal_date (default 30 days).
	Period  time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		tx:       d.Tx,
		repo:     d.Payments,
		ledger:   d.Ledger,
		gateways: d.Gateways,
		catalog:  d.Catalog,
		notifier: d.Notifier,
		hooks:    d.Hooks,
		lock:     d.Lock,
		period:   d.Period,
		log:      d.Logger,
		m:        d.Metrics,
		clock:    d.Clock,
	}
	if e.period <= 0 {
		e.period = 30 * 24 * time.Hour
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// Process applies one verified webhook event.
func (e *Engine) Process(ctx context.Context, ev webhook.Event) (Outcome, error) {
	log := e.log.With("gateway", ev.Gateway, "kind", ev.Kind, "external_id", ev.ExternalID, "request_id", ev.RequestID)
	var (
		out Outcome
		err error
	)
	switch ev.Kind {
	case webhook.KindPayment:
		out, err = e.withLock(ctx, ev.Gateway, ev.ExternalID, func() (Outcome, error) {
			return e.reconcilePayment(ctx, ev.Gateway, ev.ExternalID)
		})
	case webhook.KindPreapproval:
		out, err = e.withLock(ctx, ev.Gateway, ev.ExternalID, func() (Outcome, error) {
			return e.reconcileSubscription(ctx, ev.Gateway, ev.ExternalID)
		})
	default:
		log.Info("webhook event ignored", "type", ev.Type)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	switch out {
	case OutcomeDuplicate:
		log.Info("duplicate event")
	case OutcomeNotFound:
		log.Warn("event references untracked entity")
	default:
		log.Info("event reconciled", "outcome", out)
	}
	return out, nil
}

// Handle adapts Process to webhook.Processor.
func (e *Engine) Handle(ctx context.Context, ev webhook.Event) (string, error) {
	out, err := e.Process(ctx, ev)
	return string(out), err
}

// VerifyPayment polls the gateway for a local payment and applies the result.
func (e *Engine) VerifyPayment(ctx context.Context, paymentID string) (Outcome, error) {
	p, err := e.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if p.Status.Terminal() {
		return OutcomeDuplicate, nil
	}
	if p.ExternalID == "" {
		return OutcomePending, nil
	}
	return e.withLock(ctx, p.Gateway, p.ExternalID, func() (Outcome, error) {
		return e.reconcilePayment(ctx, p.Gateway, p.ExternalID)
	})
}

// VerifySubscription polls the gateway for a local subscription and applies the result.
func (e *Engine) VerifySubscription(ctx context.Context, subscriptionID string) (Outcome, error) {
	sub, err := e.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if sub.ExternalID == "" {
		return OutcomePending, nil
	}
	return e.withLock(ctx, sub.Gateway, sub.ExternalID, func() (Outcome, error) {
		return e.reconcileSubscription(ctx, sub.Gateway, sub.ExternalID)
	})
}

func (e *Engine) withLock(ctx context.Context, gw, externalID string, fn func() (Outcome, error)) (Outcome, error) {
	if e.lock == nil {
		return fn()
	}
	release, ok, err := e.lock.TryLock(ctx, gw+":"+externalID)
	if err != nil {
		// The row lock is the real guarantee; the redis lock only avoids duplicate gateway fetches.
		e.log.Warn("processing lock unavailable", "gateway", gw, "external_id", externalID, "err", err)
		return fn()
	}
	if !ok {
		return "", ErrEventInFlight
	}
	defer release()
	return fn()
}

// effects collects post-commit side effects of one unit of work.
type effects struct {
	notes     []notify.Notification
	completed *payments.Payment
}

func (f *effects) reset() {
	f.notes = f.notes[:0]
	f.completed = nil
}

func (f *effects) notify(userID string, t notify.Type, now time.Time, data map[string]any) {
	f.notes = append(f.notes, notify.Notification{UserID: userID, Type: t, Data: data, CreatedAt: now})
}

func (e *Engine) fire(ctx context.Context, f *effects) {
	for _, n := range f.notes {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.log.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
		}
	}
	if f.completed == nil {
		return
	}
	for _, h := range e.hooks {
		if err := h.PaymentCompleted(ctx, *f.completed); err != nil {
			e.log.Warn("payment hook failed", "payment_id", f.completed.ID, "err", err)
		}
	}
}
