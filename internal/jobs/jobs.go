package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"petition-billing/internal/payments"
	"petition-billing/internal/reconcile"
	"petition-billing/pkg/metrics"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Reconciler is the subset of the reconciliation engine the jobs drive.
type Reconciler interface {
	VerifyPayment(ctx context.Context, paymentID string) (reconcile.Outcome, error)
	VerifySubscription(ctx context.Context, subscriptionID string) (reconcile.Outcome, error)
	AbandonPayment(ctx context.Context, paymentID, reason string) (reconcile.Outcome, error)
	MarkDelinquent(ctx context.Context, subscriptionID string, grace time.Duration) (bool, error)
}

type Config struct {
	PaymentSchedule string // default "@every 5m"
	SweepSchedule   string // default "@hourly"
	// StaleAfter is how long a pending payment waits for its webhook before it is polled.
	StaleAfter time.Duration
	// AbandonAfter fails pending payments the gateway no longer knows about.
	AbandonAfter time.Duration
	// Grace is how long past renewal_date an active subscription may stay unpaid.
	Grace     time.Duration
	BatchSize int
	Workers   int
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PaymentSchedule == "" {
		out.PaymentSchedule = "@every 5m"
	}
	if out.SweepSchedule == "" {
		out.SweepSchedule = "@hourly"
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 10 * time.Minute
	}
	if out.AbandonAfter <= 0 {
		out.AbandonAfter = 48 * time.Hour
	}
	if out.Grace <= 0 {
		out.Grace = 72 * time.Hour
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 200
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.Timeout <= 0 {
		out.Timeout = 4 * time.Minute
	}
	return out
}

// Runner schedules the background reconciliation jobs. Webhooks remain the primary
// path; the jobs catch deliveries that never arrived.
type Runner struct {
	repo  payments.Repository
	rec   Reconciler
	cfg   Config
	log   *slog.Logger
	m     *metrics.Metrics
	clock func() time.Time

	cron *cron.Cron
}

func NewRunner(repo payments.Repository, rec Reconciler, cfg Config, log *slog.Logger, m *metrics.Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		repo:  repo,
		rec:   rec,
		cfg:   cfg.withDefaults(),
		log:   log,
		m:     m,
		clock: time.Now,
	}
}

// PollStats summarizes one pass over stale payments.
type PollStats struct {
	Checked   int
	Settled   int
	Abandoned int
	Failed    int
}

// PollStalePayments verifies pending payments whose webhook is overdue.
func (r *Runner) PollStalePayments(ctx context.Context) (PollStats, error) {
	now := r.clock().UTC()
	stale, err := r.repo.ListStalePayments(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return PollStats{}, fmt.Errorf("jobs: list stale payments: %w", err)
	}

	var settled, abandoned, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, p := range stale {
		g.Go(func() error {
			out, err := r.rec.VerifyPayment(gctx, p.ID)
			if err != nil {
				// One failing payment must not stop the batch.
				failed.Add(1)
				r.log.Warn("stale payment verify failed", "payment_id", p.ID, "gateway", p.Gateway, "err", err)
				return nil
			}
			switch {
			case out == reconcile.OutcomeProcessed:
				settled.Add(1)
			case out == reconcile.OutcomeNotFound && now.Sub(p.CreatedAt) > r.cfg.AbandonAfter:
				if _, err := r.rec.AbandonPayment(gctx, p.ID, "expired: unknown to gateway"); err != nil {
					failed.Add(1)
					r.log.Warn("abandon payment failed", "payment_id", p.ID, "err", err)
					return nil
				}
				abandoned.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return PollStats{
		Checked:   len(stale),
		Settled:   int(settled.Load()),
		Abandoned: int(abandoned.Load()),
		Failed:    int(failed.Load()),
	}, err
}

type SweepStats struct {
	Checked    int
	Renewed    int
	Delinquent int
	Failed     int
}

// SweepSubscriptions handles active subscriptions past renewal_date: the gateway is
// polled first (the renewal webhook may have been lost), then whatever is still
// overdue after the grace period flips billing to delinquent.
func (r *Runner) SweepSubscriptions(ctx context.Context) (SweepStats, error) {
	now := r.clock().UTC()
	due, err := r.repo.ListRenewalsDue(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return SweepStats{}, fmt.Errorf("jobs: list renewals due: %w", err)
	}

	var renewed, delinquent, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, sub := range due {
		g.Go(func() error {
			if sub.ExternalID != "" {
				out, err := r.rec.VerifySubscription(gctx, sub.ID)
				if err != nil {
					r.log.Warn("subscription verify failed", "subscription_id", sub.ID, "err", err)
				} else if out == reconcile.OutcomeProcessed {
					renewed.Add(1)
				}
			}
			marked, err := r.rec.MarkDelinquent(gctx, sub.ID, r.cfg.Grace)
			if err != nil {
				failed.Add(1)
				r.log.Warn("delinquency check failed", "subscription_id", sub.ID, "err", err)
				return nil
			}
			if marked {
				delinquent.Add(1)
				r.log.Info("billing marked delinquent", "subscription_id", sub.ID, "user_id", sub.UserID)
			}
			return nil
		})
	}
	err = g.Wait()
	return SweepStats{
		Checked:    len(due),
		Renewed:    int(renewed.Load()),
		Delinquent: int(delinquent.Load()),
		Failed:     int(failed.Load()),
	}, err
}

// Start registers both jobs and starts the scheduler. Runs of the same job never overlap.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(r.cfg.PaymentSchedule, r.wrap(ctx, "stale_payments", func(ctx context.Context) (any, error) {
		return r.PollStalePayments(ctx)
	})); err != nil {
		return fmt.Errorf("jobs: schedule stale payments %q: %w", r.cfg.PaymentSchedule, err)
	}
	if _, err := c.AddFunc(r.cfg.SweepSchedule, r.wrap(ctx, "subscription_sweep", func(ctx context.Context) (any, error) {
		return r.SweepSubscriptions(ctx)
	})); err != nil {
		return fmt.Errorf("jobs: schedule subscription sweep %q: %w", r.cfg.SweepSchedule, err)
	}

	r.cron = c
	c.Start()
	r.log.Info("jobs started", "payments", r.cfg.PaymentSchedule, "sweep", r.cfg.SweepSchedule)
	return nil
}

// Stop stops scheduling and returns a context done when running jobs finish.
func (r *Runner) Stop() context.Context {
	if r.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return r.cron.Stop()
}

func (r *Runner) wrap(parent context.Context, name string, fn func(ctx context.Context) (any, error)) func() {
	return func() {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
		defer cancel()
		start := time.Now()
		stats, err := fn(ctx)
		if err != nil {
			r.m.JobRun(name, "error")
			r.log.Error("job failed", "job", name, "err", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		r.m.JobRun(name, "ok")
		r.log.Info("job finished", "job", name, "stats", stats, "duration_ms", time.Since(start).Milliseconds())
	}
}
