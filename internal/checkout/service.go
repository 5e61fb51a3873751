package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"petition-billing/internal/gateway"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
	"petition-billing/internal/reconcile"
	"petition-billing/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrInvalidRequest    = errors.New("checkout: invalid request")
	ErrPlanUnavailable   = errors.New("checkout: plan unavailable")
	ErrPackUnavailable   = errors.New("checkout: credit pack unavailable")
	ErrMethodUnsupported = errors.New("checkout: payment method not supported")
)

type Catalog interface {
	Plan(ctx context.Context, id string) (plans.Plan, error)
	CreditPack(ctx context.Context, id string) (plans.CreditPack, error)
}

// Abandoner fails a pending payment whose gateway charge could not be created.
type Abandoner interface {
	AbandonPayment(ctx context.Context, paymentID, reason string) (reconcile.Outcome, error)
}

// Service starts payments: it writes the pending Payment/UserPlan row, asks the gateway
// for a charge, then stores the external id. Every later transition is made by the
// reconciliation engine when the gateway confirms.
type Service struct {
	tx       utils.TxRunner
	repo     payments.Repository
	gateways *gateway.Registry
	catalog  Catalog
	abandon  Abandoner
	cfg      Config
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
}

type Config struct {
	Currency string
	// PixGateway handles PIX charges and recurring preapprovals; CardGateway handles card checkout.
	PixGateway  string
	CardGateway string
	MinDeposit  int64
	MaxDeposit  int64
	// PublicBaseURL builds webhook notification URLs (<base>/webhooks/<gateway>).
	PublicBaseURL string
	SuccessURL    string
	CancelURL     string
}

type Deps struct {
	Tx        utils.TxRunner
	Payments  payments.Repository
	Gateways  *gateway.Registry
	Catalog   Catalog
	Abandoner Abandoner
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
	NewID     func() string
}

func NewService(d Deps) *Service {
	s := &Service{
		tx:       d.Tx,
		repo:     d.Payments,
		gateways: d.Gateways,
		catalog:  d.Catalog,
		abandon:  d.Abandoner,
		cfg:      d.Config,
		log:      d.Logger,
		clock:    d.Clock,
		newID:    d.NewID,
	}
	if s.cfg.Currency == "" {
		s.cfg.Currency = "BRL"
	}
	if s.cfg.PixGateway == "" {
		s.cfg.PixGateway = gateway.MercadoPagoName
	}
	if s.cfg.CardGateway == "" {
		s.cfg.CardGateway = gateway.StripeName
	}
	if s.cfg.MinDeposit <= 0 {
		s.cfg.MinDeposit = 500
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type DepositRequest struct {
	UserID string          `json:"-" validate:"required"`
	Amount int64           `json:"amount" validate:"gt=0"`
	Method payments.Method `json:"method" validate:"oneof=pix card"`
	Payer  gateway.Payer   `json:"payer"`
}

type CreditsRequest struct {
	UserID string          `json:"-" validate:"required"`
	PackID string          `json:"pack_id" validate:"required"`
	Method payments.Method `json:"method" validate:"oneof=pix card"`
	Payer  gateway.Payer   `json:"payer"`
}

type SubscribeRequest struct {
	UserID string `json:"-" validate:"required"`
	PlanID string `json:"plan_id" validate:"required"`
	// Method applies to one-time plan purchases; recurring plans always use the preapproval gateway.
	Method payments.Method `json:"method" validate:"omitempty,oneof=pix card"`
	Payer  gateway.Payer   `json:"payer"`
}

// Result is what the client needs to complete the payment with the gateway.
type Result struct {
	PaymentID      string     `json:"payment_id,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Gateway        string     `json:"gateway"`
	ExternalID     string     `json:"external_id"`
	Status         string     `json:"status"`
	CheckoutURL    string     `json:"checkout_url,omitempty"`
	QRCode         string     `json:"qr_code,omitempty"`
	QRCodeBase64   string     `json:"qr_code_base64,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func checkRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Deposit charges a petition_balance top-up.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (Result, error) {
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	if req.Amount < s.cfg.MinDeposit || (s.cfg.MaxDeposit > 0 && req.Amount > s.cfg.MaxDeposit) {
		return Result{}, fmt.Errorf("%w: deposit must be between %d and %d", ErrInvalidRequest, s.cfg.MinDeposit, s.cfg.MaxDeposit)
	}
	return s.charge(ctx, payments.Payment{
		UserID:  req.UserID,
		Amount:  req.Amount,
		Method:  req.Method,
		Purpose: payments.PurposeDeposit,
	}, "Petition balance deposit", req.Payer)
}

// BuyCredits charges a credit pack.
func (s *Service) BuyCredits(ctx context.Context, req CreditsRequest) (Result, error) {
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	pack, err := s.catalog.CreditPack(ctx, req.PackID)
	if errors.Is(err, plans.ErrCreditPackNotFound) {
		return Result{}, ErrPackUnavailable
	}
	if err != nil {
		return Result{}, err
	}
	if !pack.Active || pack.Price <= 0 || pack.Credits <= 0 {
		return Result{}, ErrPackUnavailable
	}
	return s.charge(ctx, payments.Payment{
		UserID:  req.UserID,
		Amount:  pack.Price,
		Method:  req.Method,
		Purpose: payments.PurposeCreditPack,
		Credits: pack.Credits,
	}, "AI credits: "+pack.Name, req.Payer)
}

// Subscribe starts a plan: monthly plans become a recurring preapproval, per_usage
// plans a one-time plan purchase. The UserPlan is created pending either way.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (Result, error) {
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	plan, err := s.catalog.Plan(ctx, req.PlanID)
	if errors.Is(err, plans.ErrPlanNotFound) {
		return Result{}, ErrPlanUnavailable
	}
	if err != nil {
		return Result{}, err
	}
	if !plan.Active || plan.MonthlyFee <= 0 {
		return Result{}, ErrPlanUnavailable
	}

	method := req.Method
	if method == "" {
		method = payments.MethodPix
	}
	gw := s.cfg.PixGateway
	if plan.Type == plans.PlanPerUsage {
		if gw, err = s.gatewayFor(method); err != nil {
			return Result{}, err
		}
	}

	now := s.clock().UTC()
	sub := payments.Subscription{
		ID:        s.newID(),
		UserID:    req.UserID,
		PlanID:    plan.ID,
		Gateway:   gw,
		Status:    payments.SubscriptionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		bp, ok, err := s.repo.GetBillingProfile(ctx, req.UserID)
		if err != nil {
			return err
		}
		if !ok || bp.Status == payments.BillingInactive {
			return s.repo.SetBillingStatus(ctx, req.UserID, payments.BillingPendingPayment, now)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if plan.Type == plans.PlanPerUsage {
		res, err := s.charge(ctx, payments.Payment{
			UserID:         req.UserID,
			Amount:         plan.MonthlyFee,
			Method:         method,
			Purpose:        payments.PurposePlanPurchase,
			SubscriptionID: sub.ID,
		}, "Plan: "+plan.Name, req.Payer)
		res.SubscriptionID = sub.ID
		return res, err
	}

	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return Result{}, err
	}
	ref, err := adapter.CreateRecurringSubscription(ctx, gateway.SubscriptionRequest{
		Reference:       sub.ID,
		Amount:          plan.MonthlyFee,
		Currency:        s.cfg.Currency,
		Payer:           req.Payer,
		PlanRef:         plan.Name,
		BackURL:         s.cfg.SuccessURL,
		NotificationURL: s.notificationURL(gw),
	})
	if err != nil {
		// The pending UserPlan stays behind; it is never activated without a gateway confirmation.
		s.log.Warn("preapproval creation failed", "subscription_id", sub.ID, "gateway", gw, "err", err)
		return Result{}, fmt.Errorf("checkout: create preapproval: %w", err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.LockSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cur.ExternalID != "" {
			return nil
		}
		cur.ExternalID = ref.ExternalID
		cur.UpdatedAt = s.clock().UTC()
		return s.repo.UpdateSubscription(ctx, cur)
	})
	if err != nil {
		return Result{}, err
	}
	s.log.Info("preapproval created", "subscription_id", sub.ID, "user_id", req.UserID, "plan_id", plan.ID, "external_id", ref.ExternalID)
	return Result{
		SubscriptionID: sub.ID,
		Gateway:        gw,
		ExternalID:     ref.ExternalID,
		Status:         string(ref.Status),
		CheckoutURL:    ref.CheckoutURL,
	}, nil
}

func (s *Service) gatewayFor(m payments.Method) (string, error) {
	switch m {
	case payments.MethodPix:
		return s.cfg.PixGateway, nil
	case payments.MethodCard:
		return s.cfg.CardGateway, nil
	default:
		return "", ErrMethodUnsupported
	}
}

func (s *Service) notificationURL(gw string) string {
	if s.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/webhooks/" + gw
}

// charge runs the one-time charge flow for p.
func (s *Service) charge(ctx context.Context, p payments.Payment, description string, payer gateway.Payer) (Result, error) {
	gw, err := s.gatewayFor(p.Method)
	if err != nil {
		return Result{}, err
	}
	adapter, err := s.gateways.Get(gw)
	if err != nil {
		return Result{}, err
	}

	now := s.clock().UTC()
	p.ID = s.newID()
	p.Gateway = gw
	p.Currency = s.cfg.Currency
	p.Status = payments.PaymentPending
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return Result{}, err
	}

	ref, err := adapter.CreateOneTimeCharge(ctx, gateway.ChargeRequest{
		Reference:       p.ID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Method:          gateway.Method(p.Method),
		Description:     description,
		Payer:           payer,
		NotificationURL: s.notificationURL(gw),
		SuccessURL:      s.cfg.SuccessURL,
		CancelURL:       s.cfg.CancelURL,
	})
	if err != nil {
		if s.abandon != nil {
			if _, aerr := s.abandon.AbandonPayment(ctx, p.ID, "checkout: "+gateway.Result(err)); aerr != nil {
				s.log.Error("abandon payment failed", "payment_id", p.ID, "err", aerr)
			}
		}
		return Result{PaymentID: p.ID}, fmt.Errorf("checkout: create charge: %w", err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		// A fast webhook may already have set it.
		if cur.ExternalID != "" {
			return nil
		}
		cur.ExternalID = ref.ExternalID
		cur.UpdatedAt = s.clock().UTC()
		return s.repo.UpdatePayment(ctx, cur)
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info("charge created", "payment_id", p.ID, "user_id", p.UserID, "purpose", p.Purpose, "gateway", gw, "external_id", ref.ExternalID)
	return Result{
		PaymentID:    p.ID,
		Gateway:      gw,
		ExternalID:   ref.ExternalID,
		Status:       string(ref.Status),
		CheckoutURL:  ref.CheckoutURL,
		QRCode:       ref.QRCode,
		QRCodeBase64: ref.QRCodeBase64,
		ExpiresAt:    ref.ExpiresAt,
	}, nil
}
