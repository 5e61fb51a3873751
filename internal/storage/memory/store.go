// Package memory is an in-process implementation of every billing repository.
// It is used by tests and local runs; production uses storage/postgres.
//
// Units of work are serialized by one mutex and rolled back from a snapshot,
// which gives the same observable atomicity as a Postgres transaction.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"petition-billing/internal/audit"
	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/payments"
)

type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	accounts   map[string]ledger.Account // by id
	accountIdx map[string]string         // user|kind -> id
	txs        []ledger.Transaction
	txPayment  map[string]string // payment id -> transaction id

	payments   map[string]payments.Payment
	paymentExt map[string]string // gateway|external -> id
	subs       map[string]payments.Subscription
	subExt     map[string]string
	profiles   map[string]payments.BillingProfile
	events     map[string]time.Time // gateway|external|type

	usage  []metering.UsageRecord
	marks  map[string]time.Time // user|type|cycle
	audits []audit.Event
}

func New() *Store {
	return &Store{st: &state{
		accounts:   map[string]ledger.Account{},
		accountIdx: map[string]string{},
		txPayment:  map[string]string{},
		payments:   map[string]payments.Payment{},
		paymentExt: map[string]string{},
		subs:       map[string]payments.Subscription{},
		subExt:     map[string]string{},
		profiles:   map[string]payments.BillingProfile{},
		events:     map[string]time.Time{},
		marks:      map[string]time.Time{},
	}}
}

func (s *state) clone() *state {
	return &state{
		accounts:   maps.Clone(s.accounts),
		accountIdx: maps.Clone(s.accountIdx),
		txs:        slices.Clone(s.txs),
		txPayment:  maps.Clone(s.txPayment),
		payments:   maps.Clone(s.payments),
		paymentExt: maps.Clone(s.paymentExt),
		subs:       maps.Clone(s.subs),
		subExt:     maps.Clone(s.subExt),
		profiles:   maps.Clone(s.profiles),
		events:     maps.Clone(s.events),
		usage:      slices.Clone(s.usage),
		marks:      maps.Clone(s.marks),
		audits:     slices.Clone(s.audits),
	}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// WithinTx implements utils.TxRunner.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
		if err != nil {
			s.st = snapshot
		}
	}()
	return fn(context.WithValue(ctx, txKey{}, s))
}

// do runs fn against the state, taking the lock unless ctx already holds it.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func key(parts ...string) string {
	return strings.Join(parts, "|")
}
