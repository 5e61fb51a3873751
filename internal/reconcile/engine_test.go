package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"petition-billing/internal/gateway"
	"petition-billing/internal/ledger"
	"petition-billing/internal/notify"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
	"petition-billing/internal/reconcile"
	"petition-billing/internal/storage/memory"
	"petition-billing/internal/webhook"
	"petition-billing/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const period = 30 * 24 * time.Hour

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) ofType(t notify.Type) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type hookFunc func(ctx context.Context, p payments.Payment) error

func (f hookFunc) PaymentCompleted(ctx context.Context, p payments.Payment) error { return f(ctx, p) }

type fixture struct {
	store  *memory.Store
	ledger *ledger.Service
	mp     *gateway.Fake
	engine *reconcile.Engine
	notes  *recorder
	now    time.Time
	hooked []string
}

func newFixture(t *testing.T, lock reconcile.Locker) *fixture {
	t.Helper()
	repo := plans.NewMemoryRepo()
	repo.Plans["pro"] = plans.Plan{ID: "pro", Name: "Pro", Type: plans.PlanMonthly, MonthlyFee: 9900, MonthlyCredits: 50, Active: true}
	repo.Plans["basic"] = plans.Plan{ID: "basic", Name: "Basic", Type: plans.PlanMonthly, MonthlyFee: 4900, Active: true}
	repo.Plans["payg"] = plans.Plan{ID: "payg", Name: "Pay as you go", Type: plans.PlanPerUsage, MonthlyFee: 1990, Active: true}

	f := &fixture{
		store: memory.New(),
		mp:    gateway.NewFake("mercadopago"),
		notes: &recorder{},
		now:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.NewService(f.store, f.store, ledger.Options{Clock: clock})

	var hookMu sync.Mutex
	f.engine = reconcile.NewEngine(reconcile.Deps{
		Tx:       f.store,
		Payments: f.store,
		Ledger:   f.ledger,
		Gateways: gateway.NewRegistry(f.mp),
		Catalog:  plans.NewCatalog(repo, 0, 0),
		Notifier: f.notes,
		Hooks: []reconcile.PaymentHook{hookFunc(func(_ context.Context, p payments.Payment) error {
			hookMu.Lock()
			defer hookMu.Unlock()
			f.hooked = append(f.hooked, p.ID)
			return nil
		})},
		Lock:   lock,
		Period: period,
		Clock:  clock,
	})
	return f
}

func (f *fixture) pendingPayment(t *testing.T, p payments.Payment) payments.Payment {
	t.Helper()
	if p.Gateway == "" {
		p.Gateway = "mercadopago"
	}
	if p.Currency == "" {
		p.Currency = "BRL"
	}
	if p.Method == "" {
		p.Method = payments.MethodPix
	}
	p.Status = payments.PaymentPending
	p.CreatedAt = f.now
	p.UpdatedAt = f.now
	require.NoError(t, f.store.CreatePayment(context.Background(), p))
	return p
}

func (f *fixture) balance(t *testing.T, userID string, kind ledger.Kind) int64 {
	t.Helper()
	v, err := f.ledger.Balance(context.Background(), userID, kind, false)
	require.NoError(t, err)
	require.NotNil(t, v.Balance)
	return *v.Balance
}

func (f *fixture) billing(t *testing.T, userID string) payments.BillingStatus {
	t.Helper()
	bp, ok, err := f.store.GetBillingProfile(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	return bp.Status
}

func paymentEvent(extID string) webhook.Event {
	return webhook.Event{Gateway: "mercadopago", Kind: webhook.KindPayment, Type: "payment", ExternalID: extID}
}

func preapprovalEvent(extID string) webhook.Event {
	return webhook.Event{Gateway: "mercadopago", Kind: webhook.KindPreapproval, Type: "preapproval", ExternalID: extID}
}

func TestDeposit_CreditedOnceAcrossReplays(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 5000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 5000, Reference: p.ID})

	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	for i := 0; i < 3; i++ {
		out, err = f.engine.Process(ctx, paymentEvent("mp-1"))
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeDuplicate, out)
	}

	assert.Equal(t, int64(5000), f.balance(t, "u1", ledger.KindPetitionBalance))
	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, "pay-1", txs[0].PaymentID)
	assert.Equal(t, ledger.TxDeposit, txs[0].Type)

	got, err := f.store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentCompleted, got.Status)
	assert.NotNil(t, got.PaidAt)
	assert.NotNil(t, got.WebhookReceivedAt)

	assert.Len(t, f.notes.ofType(notify.TypePaymentConfirmed), 1)
	assert.Equal(t, []string{"pay-1"}, f.hooked)
}

func TestDeposit_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, nil)
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 2500, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 2500, Reference: "pay-1"})

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.engine.Process(context.Background(), paymentEvent("mp-1"))
			assert.NoError(t, err)
			if out == reconcile.OutcomeProcessed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(2500), f.balance(t, "u1", ledger.KindPetitionBalance))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestPayment_WebhookBeforeExternalIDIsStored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-9", Status: gateway.ChargeApproved, Amount: 1000, Reference: "pay-1"})

	out, err := f.engine.Process(ctx, paymentEvent("mp-9"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	got, err := f.store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "mp-9", got.ExternalID)
	assert.Equal(t, int64(1000), f.balance(t, "u1", ledger.KindPetitionBalance))
}

func TestPayment_UnknownEntity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.Process(ctx, paymentEvent("mp-missing"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeNotFound, out)

	// Known to the gateway but never created locally.
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-2", Status: gateway.ChargeApproved, Amount: 1000, Reference: "nope"})
	out, err = f.engine.Process(ctx, paymentEvent("mp-2"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeNotFound, out)
	assert.Empty(t, f.store.Transactions())
}

func TestPayment_GatewayUnavailableLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.Fail(gateway.ErrGatewayUnavailable)

	_, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	got, err := f.store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentPending, got.Status)

	f.mp.Fail(nil)
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1000})
	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
}

func TestPayment_StillPending(t *testing.T) {
	f := newFixture(t, nil)
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargePending, Amount: 1000})

	out, err := f.engine.Process(context.Background(), paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomePending, out)
}

func TestPayment_RejectedThenApprovedIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeRejected, StatusDetail: "cc_rejected_insufficient_amount", Amount: 1000})

	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	got, err := f.store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentFailed, got.Status)
	assert.Equal(t, "cc_rejected_insufficient_amount", got.FailureReason)
	assert.Len(t, f.notes.ofType(notify.TypePaymentFailed), 1)

	out, err = f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)

	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1000})
	out, err = f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, out)
	assert.Empty(t, f.store.Transactions())
	assert.Empty(t, f.hooked)
}

func TestPayment_AmountMismatchIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 100})

	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, out)

	got, err := f.store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentPending, got.Status)
	assert.Empty(t, f.store.Transactions())
}

func TestCreditPack_CreditsAICredits(t *testing.T) {
	f := newFixture(t, nil)
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 4990, ExternalID: "mp-1", Purpose: payments.PurposeCreditPack, Credits: 100})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 4990})

	out, err := f.engine.Process(context.Background(), paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
	assert.Equal(t, int64(100), f.balance(t, "u1", ledger.KindAICredits))
	assert.Equal(t, int64(0), f.balance(t, "u1", ledger.KindPetitionBalance))
}

func TestPlanPurchase_ActivatesSubscription(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateSubscription(ctx, payments.Subscription{
		ID: "sub-1", UserID: "u1", PlanID: "payg", Gateway: "mercadopago", Status: payments.SubscriptionPending, CreatedAt: f.now,
	}))
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1990, ExternalID: "mp-1", Purpose: payments.PurposePlanPurchase, SubscriptionID: "sub-1"})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1990})

	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	cur, ok, err := f.store.CurrentSubscription(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sub-1", cur.ID)
	assert.Equal(t, payments.SubscriptionActive, cur.Status)
	require.NotNil(t, cur.RenewalDate)
	assert.Equal(t, f.now.Add(period), *cur.RenewalDate)
	assert.Equal(t, payments.BillingActive, f.billing(t, "u1"))
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionActivated), 1)
	assert.Empty(t, f.store.Transactions())
}

func TestPreapproval_ActivationKeepsSingleCurrentPlan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := payments.Subscription{ID: "sub-old", UserID: "u1", PlanID: "basic", Gateway: "mercadopago", ExternalID: "pre-1", Status: payments.SubscriptionPending, CreatedAt: f.now}
	require.NoError(t, old.Activate(f.now, period))
	require.NoError(t, f.store.CreateSubscription(ctx, old))
	require.NoError(t, f.store.SetCurrent(ctx, "u1", old.ID, f.now))

	require.NoError(t, f.store.CreateSubscription(ctx, payments.Subscription{
		ID: "sub-new", UserID: "u1", PlanID: "pro", Gateway: "mercadopago", ExternalID: "pre-2", Status: payments.SubscriptionPending, CreatedAt: f.now,
	}))
	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: "pre-2", Status: gateway.SubscriptionAuthorized, Reference: "sub-new"})

	out, err := f.engine.Process(ctx, preapprovalEvent("pre-2"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	current := 0
	for _, s := range f.store.Subscriptions("u1") {
		if s.IsCurrent {
			current++
			assert.Equal(t, "sub-new", s.ID)
		}
	}
	assert.Equal(t, 1, current)
	assert.Equal(t, int64(50), f.balance(t, "u1", ledger.KindAICredits))
	assert.Equal(t, payments.BillingActive, f.billing(t, "u1"))

	out, err = f.engine.Process(ctx, preapprovalEvent("pre-2"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)
	assert.Equal(t, int64(50), f.balance(t, "u1", ledger.KindAICredits))
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionActivated), 1)
}

func (f *fixture) activeSubscription(t *testing.T, id, planID, extID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateSubscription(ctx, payments.Subscription{
		ID: id, UserID: "u1", PlanID: planID, Gateway: "mercadopago", ExternalID: extID, Status: payments.SubscriptionPending, CreatedAt: f.now,
	}))
	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: extID, Status: gateway.SubscriptionAuthorized, Reference: id})
	out, err := f.engine.Process(ctx, preapprovalEvent(extID))
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeProcessed, out)
}

func TestPreapproval_RenewalGrantsCreditsOncePerPeriod(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activeSubscription(t, "sub-1", "pro", "pre-1")
	start := f.now

	f.now = start.Add(period + time.Hour)
	out, err := f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	out, err = f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)

	assert.Equal(t, int64(100), f.balance(t, "u1", ledger.KindAICredits))
	sub, err := f.store.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*period), *sub.RenewalDate)
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionRenewed), 1)

	var renewals int
	for _, tx := range f.store.Transactions() {
		if tx.Type == ledger.TxMonthlyRenewal {
			renewals++
		}
	}
	assert.Equal(t, 2, renewals)
}

func TestPreapproval_CancelDeactivatesBilling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activeSubscription(t, "sub-1", "pro", "pre-1")

	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: "pre-1", Status: gateway.SubscriptionCancelled})
	out, err := f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	sub, err := f.store.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, payments.SubscriptionCancelled, sub.Status)
	assert.NotNil(t, sub.CancelledAt)
	assert.Equal(t, payments.BillingInactive, f.billing(t, "u1"))
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionCancelled), 1)

	out, err = f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)

	// Terminal: a late authorization does not resurrect it.
	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: "pre-1", Status: gateway.SubscriptionAuthorized})
	out, err = f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, out)
}

func TestPreapproval_PauseDeactivatesBillingEvenWithAnotherPlan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activeSubscription(t, "sub-1", "basic", "pre-1")
	f.activeSubscription(t, "sub-2", "pro", "pre-2")

	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: "pre-1", Status: gateway.SubscriptionPaused})
	out, err := f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
	assert.Equal(t, payments.BillingInactive, f.billing(t, "u1"))
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionInactive), 1)
}

func TestPreapproval_CancelKeepsBillingWhenAnotherPlanIsActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activeSubscription(t, "sub-1", "basic", "pre-1")
	f.activeSubscription(t, "sub-2", "pro", "pre-2")

	f.mp.SetSubscription(gateway.SubscriptionDetail{ExternalID: "pre-1", Status: gateway.SubscriptionCancelled})
	out, err := f.engine.Process(ctx, preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
	assert.Equal(t, payments.BillingActive, f.billing(t, "u1"))
	assert.Len(t, f.notes.ofType(notify.TypeSubscriptionCancelled), 1)
}

func TestPreapproval_StripeUnsupportedIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.mp.Fail(gateway.ErrUnsupported)
	out, err := f.engine.Process(context.Background(), preapprovalEvent("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, out)
}

func TestProcess_UnknownKindAndGateway(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.Process(ctx, webhook.Event{Gateway: "mercadopago", Kind: webhook.KindUnknown, Type: "merchant_order"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeIgnored, out)

	_, err = f.engine.Process(ctx, webhook.Event{Gateway: "paypal", Kind: webhook.KindPayment, ExternalID: "x"})
	require.ErrorIs(t, err, gateway.ErrUnknownGateway)
}

func TestProcess_InFlightLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := utils.NewProcessingLock(rdb, "billing:webhook:", time.Minute)

	f := newFixture(t, lock)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1000})

	release, ok, err := lock.TryLock(ctx, "mercadopago:mp-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.Process(ctx, paymentEvent("mp-1"))
	require.ErrorIs(t, err, reconcile.ErrEventInFlight)
	assert.Equal(t, 0, f.mp.Calls("fetch_charge"))

	release()
	out, err := f.engine.Process(ctx, paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
}

func TestProcess_RedisDownFallsBackToRowLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	f := newFixture(t, utils.NewProcessingLock(rdb, "billing:webhook:", time.Minute))
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1000})

	out, err := f.engine.Process(context.Background(), paymentEvent("mp-1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)
}

func TestVerifyPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-0", UserID: "u1", Amount: 1000, Purpose: payments.PurposeDeposit})
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, ExternalID: "mp-1", Purpose: payments.PurposeDeposit})
	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: "mp-1", Status: gateway.ChargeApproved, Amount: 1000})

	out, err := f.engine.VerifyPayment(ctx, "pay-0")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomePending, out)

	out, err = f.engine.VerifyPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	out, err = f.engine.VerifyPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)

	_, err = f.engine.VerifyPayment(ctx, "missing")
	require.True(t, errors.Is(err, payments.ErrPaymentNotFound))
}

func TestAbandonPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingPayment(t, payments.Payment{ID: "pay-1", UserID: "u1", Amount: 1000, Purpose: payments.PurposeDeposit})

	out, err := f.engine.AbandonPayment(ctx, "pay-1", "gateway error")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeProcessed, out)

	out, err = f.engine.AbandonPayment(ctx, "pay-1", "gateway error")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)
}

func TestMarkDelinquent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activeSubscription(t, "sub-1", "pro", "pre-1")

	marked, err := f.engine.MarkDelinquent(ctx, "sub-1", 72*time.Hour)
	require.NoError(t, err)
	assert.False(t, marked)

	f.now = f.now.Add(period + 73*time.Hour)
	marked, err = f.engine.MarkDelinquent(ctx, "sub-1", 72*time.Hour)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, payments.BillingDelinquent, f.billing(t, "u1"))

	marked, err = f.engine.MarkDelinquent(ctx, "sub-1", 72*time.Hour)
	require.NoError(t, err)
	assert.False(t, marked)
}
