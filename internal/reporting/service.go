package reporting

import (
	"context"
	"errors"
	"time"

	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// LedgerSource reads the immutable transaction log (ledger.Service).
type LedgerSource interface {
	TransactionsBetween(ctx context.Context, userID string, kind ledger.Kind, from, to time.Time) ([]ledger.Transaction, error)
}

// UsageSource reads usage records of a cycle (metering.Repository).
type UsageSource interface {
	ListUsage(ctx context.Context, userID, cycle string) ([]metering.UsageRecord, error)
}

// Service builds read-only summaries for admins. Nothing here writes.
type Service struct {
	ledger LedgerSource
	usage  UsageSource
}

func NewService(l LedgerSource, u UsageSource) *Service { return &Service{ledger: l, usage: u} }

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Kind != "" && !req.Kind.Valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.ledger == nil {
		return SpendSummary{}, errors.New("reporting: ledger not configured")
	}

	rows, err := s.ledger.TransactionsBetween(ctx, req.UserID, req.Kind, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	kinds := []ledger.Kind{ledger.KindPetitionBalance, ledger.KindAICredits}
	if req.Kind != "" {
		kinds = []ledger.Kind{req.Kind}
	}
	byKind := make(map[ledger.Kind]*KindSpend, len(kinds))
	out := SpendSummary{UserID: req.UserID, Range: req.Range, Kinds: make([]KindSpend, len(kinds))}
	for i, k := range kinds {
		out.Kinds[i] = KindSpend{Kind: k, ByType: map[ledger.TxType]int64{}}
		byKind[k] = &out.Kinds[i]
	}

	for _, t := range rows {
		ks, ok := byKind[t.Kind]
		if !ok {
			continue
		}
		ks.Transactions++
		ks.ByType[t.Type] += t.Amount
		if t.Amount > 0 {
			ks.Credited += t.Amount
		} else {
			ks.Debited += -t.Amount
		}
	}
	for i := range out.Kinds {
		out.Kinds[i].Net = out.Kinds[i].Credited - out.Kinds[i].Debited
	}
	return out, nil
}

func (s *Service) UsageSummary(ctx context.Context, req UsageSummaryRequest) (UsageSummary, error) {
	if req.UserID == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if _, _, err := metering.CycleBounds(req.Cycle); err != nil {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.usage == nil {
		return UsageSummary{}, errors.New("reporting: usage not configured")
	}

	rows, err := s.usage.ListUsage(ctx, req.UserID, req.Cycle)
	if err != nil {
		return UsageSummary{}, err
	}
	out := UsageSummary{UserID: req.UserID, Cycle: req.Cycle, ByPetitionType: map[string]int{}}
	for _, r := range rows {
		out.Charged += r.Charged
		switch r.Resource {
		case metering.ResourceAIGeneration:
			out.AIGenerations++
		default:
			out.Petitions++
			out.ByPetitionType[r.PetitionType]++
			if r.Billable {
				out.Billable++
			}
		}
	}
	return out, nil
}
