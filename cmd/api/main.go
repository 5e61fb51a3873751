package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"petition-billing/internal/audit"
	"petition-billing/internal/auth"
	"petition-billing/internal/checkout"
	"petition-billing/internal/config"
	"petition-billing/internal/gateway"
	"petition-billing/internal/httpapi"
	"petition-billing/internal/jobs"
	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/notify"
	"petition-billing/internal/plans"
	"petition-billing/internal/rbac"
	"petition-billing/internal/reconcile"
	"petition-billing/internal/reporting"
	"petition-billing/internal/storage/postgres"
	"petition-billing/internal/webhook"
	"petition-billing/pkg/logger"
	"petition-billing/pkg/metrics"
	"petition-billing/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New()
	store := postgres.New(db)
	catalog := plans.NewCatalog(postgres.NewCatalog(db), 0, 0)
	policy := rbac.NewUnlimitedPolicy(cfg.Billing.MasterUserIDs)

	// Gateways. Card checkout is only available when Stripe is configured.
	adapters := []gateway.Adapter{
		gateway.Instrument(gateway.NewMercadoPago(gateway.MercadoPagoConfig{
			BaseURL:     cfg.MercadoPago.BaseURL,
			AccessToken: cfg.MercadoPago.AccessToken,
			Timeout:     cfg.Billing.GatewayTimeout,
		}), m),
	}
	cardGateway := gateway.MercadoPagoName
	if cfg.Stripe.SecretKey != "" {
		adapters = append(adapters, gateway.Instrument(gateway.NewStripe(gateway.StripeConfig{
			SecretKey:         cfg.Stripe.SecretKey,
			Timeout:           cfg.Billing.GatewayTimeout,
			MaxNetworkRetries: 2,
			SuccessURL:        cfg.Billing.SuccessURL,
			CancelURL:         cfg.Billing.CancelURL,
		}), m))
		cardGateway = gateway.StripeName
	}
	gateways := gateway.NewRegistry(adapters...)

	notifier := notify.NewDispatcher(notify.Multi{
		notify.LogNotifier{Log: log},
		notify.NewRedisPublisher(rdb, ""),
	}, log, m, 0, 0)

	ledgerSvc := ledger.NewService(store, store, ledger.Options{
		Logger:  log,
		Metrics: m,
		LowBalance: map[ledger.Kind]int64{
			ledger.KindPetitionBalance: cfg.Billing.LowBalanceThreshold,
			ledger.KindAICredits:       cfg.Billing.LowCreditsThreshold,
		},
	})
	meteringSvc := metering.NewService(metering.Deps{
		Tx:           store,
		Repo:         store,
		Subs:         store,
		Catalog:      catalog,
		Ledger:       ledgerSvc,
		Notifier:     notifier,
		Policy:       policy,
		AlertPercent: cfg.Billing.UsageAlertPercent,
		Logger:       log,
		Metrics:      m,
	})
	engine := reconcile.NewEngine(reconcile.Deps{
		Tx:       store,
		Payments: store,
		Ledger:   ledgerSvc,
		Gateways: gateways,
		Catalog:  catalog,
		Notifier: notifier,
		Lock:     utils.NewProcessingLock(rdb, "billing:webhook:", 60*time.Second),
		Period:   cfg.Billing.Period,
		Logger:   log,
		Metrics:  m,
	})
	checkoutSvc := checkout.NewService(checkout.Deps{
		Tx:        store,
		Payments:  store,
		Gateways:  gateways,
		Catalog:   catalog,
		Abandoner: engine,
		Config: checkout.Config{
			PixGateway:    gateway.MercadoPagoName,
			CardGateway:   cardGateway,
			MinDeposit:    cfg.Billing.MinDeposit,
			MaxDeposit:    cfg.Billing.MaxDeposit,
			PublicBaseURL: cfg.App.PublicBaseURL,
			SuccessURL:    cfg.Billing.SuccessURL,
			CancelURL:     cfg.Billing.CancelURL,
		},
		Logger: log,
	})
	auditSvc := audit.NewService(store)

	runner := jobs.NewRunner(store, engine, jobs.Config{
		PaymentSchedule: cfg.Jobs.ReconcileSchedule,
		SweepSchedule:   cfg.Jobs.SweepSchedule,
		StaleAfter:      cfg.Jobs.StalePaymentAge,
		Grace:           cfg.Jobs.DelinquencyGrace,
	}, log, m)
	if err := runner.Start(rootCtx); err != nil {
		log.Error("jobs init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.GinMiddleware())

	registerPublicRoutes(r, m, db, webhook.Handler{
		MercadoPagoSecret: cfg.MercadoPago.WebhookSecret,
		StripeSecret:      cfg.Stripe.WebhookSecret,
		Processor:         webhook.ProcessorFunc(engine.Handle),
		Audit:             auditSvc,
		Metrics:           m,
	})
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), httpapi.Handlers{
		Ledger:   ledgerSvc,
		Metering: meteringSvc,
		Checkout: checkoutSvc,
		Verifier: engine,
		Payments: store,
		Reports:  reporting.NewService(ledgerSvc, store),
		Audit:    auditSvc,
		Policy:   policy,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	select {
	case <-runner.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("jobs still running at shutdown")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		log.Warn("notification drain incomplete", "err", err)
	}
}
