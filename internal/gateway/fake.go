package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Adapter for tests and local runs.
// Charges and subscriptions start pending; tests move them with Set*.
type Fake struct {
	mu    sync.Mutex
	name  string
	err   error
	seq   int
	calls map[string]int

	charges map[string]ChargeDetail
	subs    map[string]SubscriptionDetail
}

func NewFake(name string) *Fake {
	return &Fake{
		name:    name,
		calls:   map[string]int{},
		charges: map[string]ChargeDetail{},
		subs:    map[string]SubscriptionDetail{},
	}
}

func (f *Fake) Name() string { return f.name }

// Fail makes every following call return err (nil restores normal behavior).
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) SetCharge(d ChargeDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[d.ExternalID] = d
}

func (f *Fake) SetSubscription(d SubscriptionDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[d.ExternalID] = d
}

func (f *Fake) CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (ChargeRef, error) {
	if err := Validate(req); err != nil {
		return ChargeRef{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_charge"]++
	if f.err != nil {
		return ChargeRef{}, f.err
	}
	f.seq++
	id := fmt.Sprintf("%s-ch-%d", f.name, f.seq)
	f.charges[id] = ChargeDetail{ExternalID: id, Status: ChargePending, Amount: req.Amount, Currency: req.Currency, Reference: req.Reference}
	return ChargeRef{ExternalID: id, Status: ChargePending, CheckoutURL: "https://pay.example.test/" + id}, nil
}

func (f *Fake) CreateRecurringSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionRef, error) {
	if err := Validate(req); err != nil {
		return SubscriptionRef{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_subscription"]++
	if f.err != nil {
		return SubscriptionRef{}, f.err
	}
	f.seq++
	id := fmt.Sprintf("%s-sub-%d", f.name, f.seq)
	f.subs[id] = SubscriptionDetail{ExternalID: id, Status: SubscriptionPending, Amount: req.Amount, Reference: req.Reference}
	return SubscriptionRef{ExternalID: id, Status: SubscriptionPending, CheckoutURL: "https://pay.example.test/" + id}, nil
}

func (f *Fake) FetchChargeStatus(ctx context.Context, externalID string) (ChargeDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fetch_charge"]++
	if f.err != nil {
		return ChargeDetail{}, f.err
	}
	d, ok := f.charges[externalID]
	if !ok {
		return ChargeDetail{}, fmt.Errorf("%w: charge %s", ErrNotFound, externalID)
	}
	return d, nil
}

func (f *Fake) FetchSubscriptionStatus(ctx context.Context, externalID string) (SubscriptionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fetch_subscription"]++
	if f.err != nil {
		return SubscriptionDetail{}, f.err
	}
	d, ok := f.subs[externalID]
	if !ok {
		return SubscriptionDetail{}, fmt.Errorf("%w: subscription %s", ErrNotFound, externalID)
	}
	return d, nil
}
