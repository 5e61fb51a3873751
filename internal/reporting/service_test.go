package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/storage/memory"
)

func TestReporting_SpendSummaryAggregates(t *testing.T) {
	store := memory.New()
	now := time.Unix(1700000000, 0).UTC()
	led := ledger.NewService(store, store, ledger.Options{Clock: func() time.Time { return now }})
	ctx := context.Background()

	mustCredit := func(userID string, kind ledger.Kind, typ ledger.TxType, amount int64) {
		t.Helper()
		if _, err := led.Credit(ctx, ledger.CreditRequest{UserID: userID, Kind: kind, Type: typ, Amount: amount}); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	mustCredit("u1", ledger.KindPetitionBalance, ledger.TxDeposit, 1000)
	mustCredit("u1", ledger.KindPetitionBalance, ledger.TxBonus, 25)
	mustCredit("u1", ledger.KindAICredits, ledger.TxPurchase, 100)
	mustCredit("u2", ledger.KindPetitionBalance, ledger.TxDeposit, 9999)
	for _, amt := range []int64{200, 50} {
		if _, err := led.Debit(ctx, ledger.DebitRequest{UserID: "u1", Kind: ledger.KindPetitionBalance, Amount: amt}); err != nil {
			t.Fatalf("debit: %v", err)
		}
	}

	svc := NewService(led, store)
	out, err := svc.SpendSummary(ctx, SpendSummaryRequest{UserID: "u1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out.Kinds) != 2 {
		t.Fatalf("expected both kinds, got %+v", out.Kinds)
	}
	money := out.Kinds[0]
	if money.Kind != ledger.KindPetitionBalance {
		t.Fatalf("expected petition_balance first, got %s", money.Kind)
	}
	if money.Debited != 250 || money.Credited != 1025 || money.Net != 775 {
		t.Fatalf("unexpected money spend: %+v", money)
	}
	if money.ByType[ledger.TxUsage] != -250 || money.ByType[ledger.TxBonus] != 25 {
		t.Fatalf("unexpected by-type: %+v", money.ByType)
	}
	if money.Transactions != 4 {
		t.Fatalf("expected 4 transactions, got %d", money.Transactions)
	}
	if out.Kinds[1].Credited != 100 {
		t.Fatalf("unexpected credits spend: %+v", out.Kinds[1])
	}

	// Outside the range.
	out, err = svc.SpendSummary(ctx, SpendSummaryRequest{UserID: "u1", Kind: ledger.KindAICredits, Range: TimeRange{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out.Kinds) != 1 || out.Kinds[0].Transactions != 0 {
		t.Fatalf("expected empty ai_credits summary, got %+v", out.Kinds)
	}
}

func TestReporting_SpendSummaryValidation(t *testing.T) {
	svc := NewService(nil, nil)
	now := time.Now()
	cases := []SpendSummaryRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{UserID: "u1", Range: TimeRange{From: now, To: now}},
		{UserID: "u1", Kind: "gold", Range: TimeRange{From: now, To: now.Add(time.Hour)}},
	}
	for i, req := range cases {
		if _, err := svc.SpendSummary(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestReporting_UsageSummary(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	records := []metering.UsageRecord{
		{ID: "r1", UserID: "u1", Cycle: "2025-05", Resource: metering.ResourcePetition, PetitionType: "civil", Billable: true, Charged: 2000},
		{ID: "r2", UserID: "u1", Cycle: "2025-05", Resource: metering.ResourcePetition, PetitionType: "draft"},
		{ID: "r3", UserID: "u1", Cycle: "2025-05", Resource: metering.ResourceAIGeneration, Charged: 3},
		{ID: "r4", UserID: "u1", Cycle: "2025-04", Resource: metering.ResourcePetition, PetitionType: "civil", Billable: true},
	}
	for _, r := range records {
		if err := store.InsertUsage(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	svc := NewService(nil, store)
	out, err := svc.UsageSummary(ctx, UsageSummaryRequest{UserID: "u1", Cycle: "2025-05"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Petitions != 2 || out.Billable != 1 || out.AIGenerations != 1 || out.Charged != 2003 {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.ByPetitionType["civil"] != 1 || out.ByPetitionType["draft"] != 1 {
		t.Fatalf("unexpected by type: %+v", out.ByPetitionType)
	}

	if _, err := svc.UsageSummary(ctx, UsageSummaryRequest{UserID: "u1", Cycle: "May"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad cycle, got %v", err)
	}
}
