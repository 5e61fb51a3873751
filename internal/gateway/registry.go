package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"petition-billing/pkg/metrics"
)

// Registry resolves adapters by gateway name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Instrumented records latency and outcome of every adapter call.
type Instrumented struct {
	next Adapter
	m    *metrics.Metrics
	now  func() time.Time
}

func Instrument(next Adapter, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, m: m, now: time.Now}
}

func (i *Instrumented) Name() string { return i.next.Name() }

func (i *Instrumented) CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (ChargeRef, error) {
	start := i.now()
	ref, err := i.next.CreateOneTimeCharge(ctx, req)
	i.observe("create_charge", start, err)
	return ref, err
}

func (i *Instrumented) CreateRecurringSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionRef, error) {
	start := i.now()
	ref, err := i.next.CreateRecurringSubscription(ctx, req)
	i.observe("create_subscription", start, err)
	return ref, err
}

func (i *Instrumented) FetchChargeStatus(ctx context.Context, externalID string) (ChargeDetail, error) {
	start := i.now()
	d, err := i.next.FetchChargeStatus(ctx, externalID)
	i.observe("fetch_charge", start, err)
	return d, err
}

func (i *Instrumented) FetchSubscriptionStatus(ctx context.Context, externalID string) (SubscriptionDetail, error) {
	start := i.now()
	d, err := i.next.FetchSubscriptionStatus(ctx, externalID)
	i.observe("fetch_subscription", start, err)
	return d, err
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.m.GatewayCall(i.next.Name(), op, Result(err), i.now().Sub(start))
}

// Result classifies an adapter error for metrics and logs.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
