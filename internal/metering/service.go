package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"petition-billing/internal/ledger"
	"petition-billing/internal/notify"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
	"petition-billing/pkg/metrics"
	"petition-billing/pkg/utils"

	"github.com/google/uuid"
)

// Service gates petition and AI generation.
//
// Rules:
//   - CheckBalance is a pure read.
//   - RecordUsage re-validates inside its own unit of work; the debit and the usage
//     record commit together or not at all.
//   - Near-limit and low-balance alerts fire at most once per user, type and cycle.
type Service struct {
	tx       utils.TxRunner
	repo     Repository
	subs     SubscriptionReader
	catalog  PlanCatalog
	ledger   *ledger.Service
	notifier notify.Notifier
	policy   UnlimitedPolicy

	alertPercent int
	log          *slog.Logger
	m            *metrics.Metrics
	clock        func() time.Time
}

type Deps struct {
	Tx       utils.TxRunner
	Repo     Repository
	Subs     SubscriptionReader
	Catalog  PlanCatalog
	Ledger   *ledger.Service
	Notifier notify.Notifier
	Policy   UnlimitedPolicy

	// AlertPercent is the share of the monthly limit that triggers the near-limit alert (default 80).
	AlertPercent int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Clock        func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		tx:           d.Tx,
		repo:         d.Repo,
		subs:         d.Subs,
		catalog:      d.Catalog,
		ledger:       d.Ledger,
		notifier:     d.Notifier,
		policy:       d.Policy,
		alertPercent: d.AlertPercent,
		log:          d.Logger,
		m:            d.Metrics,
		clock:        d.Clock,
	}
	if s.alertPercent <= 0 || s.alertPercent > 100 {
		s.alertPercent = 80
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// CheckBalance decides whether userID may generate a petition of the given type now.
func (s *Service) CheckBalance(ctx context.Context, userID, petitionType string) (Decision, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(petitionType) == "" {
		return Decision{}, ErrInvalidArgument
	}
	pt, err := s.catalog.PetitionType(ctx, petitionType)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.evaluate(ctx, userID, pt, s.clock())
	if err != nil {
		return Decision{}, err
	}
	s.m.UsageDecision(string(d.PlanType), string(d.Reason))
	return d, nil
}

// RecordUsage charges (per_usage) or counts (monthly) one generation and writes its usage record.
func (s *Service) RecordUsage(ctx context.Context, userID, petitionType, savedPetitionRef string) (UsageRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(petitionType) == "" {
		return UsageRecord{}, ErrInvalidArgument
	}
	pt, err := s.catalog.PetitionType(ctx, petitionType)
	if err != nil {
		return UsageRecord{}, err
	}

	now := s.clock().UTC()
	var (
		rec      UsageRecord
		planType plans.PlanType
		pending  []notify.Notification
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		pending = pending[:0]
		// Concurrent generations of one user must not both take the last monthly slot.
		if err := s.repo.LockUsage(ctx, userID); err != nil {
			return err
		}
		d, err := s.evaluate(ctx, userID, pt, now)
		if err != nil {
			return err
		}
		if !d.CanGenerate {
			return denied(d)
		}
		planType = d.PlanType

		rec = UsageRecord{
			ID:             uuid.NewString(),
			UserID:         userID,
			Cycle:          d.Cycle,
			Resource:       ResourcePetition,
			PetitionType:   pt.Code,
			PetitionRef:    savedPetitionRef,
			Billable:       pt.Billable,
			PlanID:         d.PlanID,
			SubscriptionID: d.subscriptionID,
			CreatedAt:      now,
		}

		if !d.Unlimited && d.PlanType == plans.PlanPerUsage && pt.Billable {
			res, err := s.ledger.Debit(ctx, ledger.DebitRequest{
				UserID:      userID,
				Kind:        ledger.KindPetitionBalance,
				Amount:      pt.BasePrice,
				Description: "petition: " + pt.Name,
				Reference:   rec.ID,
			})
			if err != nil {
				if ib, ok := ledger.AsInsufficientBalance(err); ok {
					d.CanGenerate = false
					d.Reason = ReasonInsufficientBalance
					bal := ib.Balance
					d.Balance = &bal
					d.Missing = ib.Shortfall()
					return &DeniedError{Decision: d, cause: ib}
				}
				return err
			}
			rec.Charged = pt.BasePrice
			rec.TransactionID = res.TransactionID
			if res.CrossedLowBalance {
				n, err := s.markOnce(ctx, userID, notify.TypeLowBalance, string(ledger.KindPetitionBalance), d.Cycle, now)
				if err != nil {
					return err
				}
				if n != nil {
					n.Data = map[string]any{"kind": ledger.KindPetitionBalance, "balance": res.Balance}
					pending = append(pending, *n)
				}
			}
		}

		if err := s.repo.InsertUsage(ctx, rec); err != nil {
			return err
		}

		if !d.Unlimited && d.PlanType == plans.PlanMonthly && d.Limit != nil && pt.Billable {
			used := d.Used + 1
			if used*100 >= *d.Limit*s.alertPercent {
				n, err := s.markOnce(ctx, userID, notify.TypeUsageNearLimit, "", d.Cycle, now)
				if err != nil {
					return err
				}
				if n != nil {
					n.Data = map[string]any{"used": used, "limit": *d.Limit}
					pending = append(pending, *n)
				}
			}
		}
		return nil
	})
	if err != nil {
		if dn, ok := AsDenied(err); ok {
			s.m.UsageDecision(string(dn.Decision.PlanType), string(dn.Decision.Reason))
		}
		return UsageRecord{}, err
	}
	s.m.UsageDecision(string(planType), string(ReasonAllowed))
	s.fire(ctx, pending)
	return rec, nil
}

// ConsumeCredits charges an AI generation against ai_credits.
func (s *Service) ConsumeCredits(ctx context.Context, userID string, credits int64, ref string) (UsageRecord, error) {
	if strings.TrimSpace(userID) == "" || credits <= 0 {
		return UsageRecord{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	cycle := Cycle(now)
	rec := UsageRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		Cycle:       cycle,
		Resource:    ResourceAIGeneration,
		PetitionRef: ref,
		Billable:    true,
		CreatedAt:   now,
	}
	unlimited := s.policy != nil && s.policy.IsUnlimited(ctx, userID)

	var pending []notify.Notification
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		pending = pending[:0]
		rec.Charged, rec.TransactionID = 0, ""
		if !unlimited {
			res, err := s.ledger.Debit(ctx, ledger.DebitRequest{
				UserID:      userID,
				Kind:        ledger.KindAICredits,
				Amount:      credits,
				Description: "ai generation",
				Reference:   rec.ID,
			})
			if err != nil {
				return err
			}
			rec.Charged = credits
			rec.TransactionID = res.TransactionID
			if res.CrossedLowBalance {
				n, err := s.markOnce(ctx, userID, notify.TypeLowBalance, string(ledger.KindAICredits), cycle, now)
				if err != nil {
					return err
				}
				if n != nil {
					n.Data = map[string]any{"kind": ledger.KindAICredits, "balance": res.Balance}
					pending = append(pending, *n)
				}
			}
		}
		return s.repo.InsertUsage(ctx, rec)
	})
	if err != nil {
		return UsageRecord{}, err
	}
	s.fire(ctx, pending)
	return rec, nil
}

// Summary returns the usage of a cycle ("" means the current one).
func (s *Service) Summary(ctx context.Context, userID, cycle string) (Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return Summary{}, ErrInvalidArgument
	}
	if cycle == "" {
		cycle = Cycle(s.clock())
	} else if _, _, err := CycleBounds(cycle); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	out := Summary{Cycle: cycle}
	if sub, ok, err := s.subs.CurrentSubscription(ctx, userID); err != nil {
		return Summary{}, err
	} else if ok {
		if p, err := s.catalog.Plan(ctx, sub.PlanID); err == nil {
			out.PlanID, out.PlanType, out.Limit = p.ID, p.Type, p.MonthlyPetitionLimit
		} else if !errors.Is(err, plans.ErrPlanNotFound) {
			return Summary{}, err
		}
	}
	used, err := s.repo.CountBillableUsage(ctx, userID, cycle)
	if err != nil {
		return Summary{}, err
	}
	out.Used = used
	recs, err := s.repo.ListUsage(ctx, userID, cycle)
	if err != nil {
		return Summary{}, err
	}
	if recs == nil {
		recs = []UsageRecord{}
	}
	out.Records = recs
	return out, nil
}

func (s *Service) evaluate(ctx context.Context, userID string, pt plans.PetitionType, now time.Time) (Decision, error) {
	d := Decision{Cycle: Cycle(now), Billable: pt.Billable}

	if s.policy != nil && s.policy.IsUnlimited(ctx, userID) {
		d.CanGenerate, d.Reason, d.Unlimited = true, ReasonUnlimited, true
		return d, nil
	}

	// 1. active plan
	sub, ok, err := s.subs.CurrentSubscription(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !ok || sub.Status != payments.SubscriptionActive {
		d.Reason = ReasonSubscriptionInactive
		return d, nil
	}
	plan, err := s.catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			d.Reason = ReasonSubscriptionInactive
			return d, nil
		}
		return Decision{}, err
	}
	d.PlanID, d.PlanType, d.subscriptionID = plan.ID, plan.Type, sub.ID

	// 2. billing standing
	if bp, ok, err := s.subs.GetBillingProfile(ctx, userID); err != nil {
		return Decision{}, err
	} else if ok && bp.Status == payments.BillingDelinquent {
		d.Reason = ReasonBillingDelinquent
		return d, nil
	}

	if !plan.Supports(pt.Code) {
		d.Reason = ReasonUnsupportedPetition
		return d, nil
	}

	switch plan.Type {
	case plans.PlanPerUsage:
		// 3. prepaid balance
		if pt.Billable {
			acc, err := s.ledger.GetOrCreateAccount(ctx, userID, ledger.KindPetitionBalance)
			if err != nil {
				return Decision{}, err
			}
			bal := acc.Balance
			d.Balance = &bal
			d.Price = pt.BasePrice
			if bal < pt.BasePrice {
				d.Reason = ReasonInsufficientBalance
				d.Missing = pt.BasePrice - bal
				return d, nil
			}
		}
	case plans.PlanMonthly:
		// 4. cycle limit
		used, err := s.repo.CountBillableUsage(ctx, userID, d.Cycle)
		if err != nil {
			return Decision{}, err
		}
		d.Used = used
		if plan.MonthlyPetitionLimit != nil {
			limit := *plan.MonthlyPetitionLimit
			d.Limit = &limit
			if pt.Billable && used >= limit {
				d.Reason = ReasonMonthlyLimitReached
				return d, nil
			}
		}
	}

	// 5. allow
	d.CanGenerate, d.Reason = true, ReasonAllowed
	return d, nil
}

// markOnce records the (user, type, cycle) mark and returns a notification when it is new.
func (s *Service) markOnce(ctx context.Context, userID string, t notify.Type, qualifier, cycle string, now time.Time) (*notify.Notification, error) {
	key := string(t)
	if qualifier != "" {
		key += ":" + qualifier
	}
	inserted, err := s.repo.RecordNotification(ctx, userID, key, cycle, now)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	return &notify.Notification{UserID: userID, Type: t, Cycle: cycle, CreatedAt: now}, nil
}

func (s *Service) fire(ctx context.Context, ns []notify.Notification) {
	for _, n := range ns {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
		}
	}
}

func denied(d Decision) error {
	var cause error
	switch d.Reason {
	case ReasonSubscriptionInactive:
		cause = ErrSubscriptionInactive
	case ReasonBillingDelinquent:
		cause = ErrBillingDelinquent
	case ReasonMonthlyLimitReached:
		cause = ErrMonthlyLimitReached
	case ReasonUnsupportedPetition:
		cause = ErrPetitionTypeUnsupported
	case ReasonInsufficientBalance:
		var bal int64
		if d.Balance != nil {
			bal = *d.Balance
		}
		cause = &ledger.InsufficientBalanceError{Kind: ledger.KindPetitionBalance, Balance: bal, Required: d.Price}
	default:
		cause = fmt.Errorf("metering: denied: %s", d.Reason)
	}
	return &DeniedError{Decision: d, cause: cause}
}
