package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const StripeName = "stripe"

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API endpoint (tests). Empty uses api.stripe.com.
	BaseURL string
	// Timeout bounds every call, clamped like the other adapters.
	Timeout time.Duration
	// HTTPClient replaces the client built from Timeout.
	HTTPClient *http.Client
	// MaxNetworkRetries is passed to stripe-go; requests carry idempotency keys.
	MaxNetworkRetries int64
	SuccessURL        string
	CancelURL         string
}

// Stripe implements the legacy card checkout through Checkout Sessions.
// The session id is the external id; recurring billing is handled by Mercado Pago.
type Stripe struct {
	sc         *client.API
	hc         *http.Client
	successURL string
	cancelURL  string
}

func NewStripe(cfg StripeConfig) *Stripe {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: ClampTimeout(cfg.Timeout)}
	}
	backend := func(typ stripe.SupportedBackend, url string) stripe.Backend {
		bc := &stripe.BackendConfig{
			HTTPClient:        hc,
			MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if url != "" {
			bc.URL = stripe.String(url)
		}
		return stripe.GetBackendWithConfig(typ, bc)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	backends := &stripe.Backends{
		API:     backend(stripe.APIBackend, base),
		Connect: backend(stripe.ConnectBackend, base),
		Uploads: backend(stripe.UploadsBackend, base),
	}

	sc := &client.API{}
	sc.Init(cfg.SecretKey, backends)
	return &Stripe{sc: sc, hc: hc, successURL: cfg.SuccessURL, cancelURL: cfg.CancelURL}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (ChargeRef, error) {
	if err := Validate(req); err != nil {
		return ChargeRef{}, err
	}
	if req.Method != MethodCard {
		return ChargeRef{}, fmt.Errorf("%w: %s %s charges", ErrUnsupported, StripeName, req.Method)
	}
	success, cancel := firstNonEmpty(req.SuccessURL, s.successURL), firstNonEmpty(req.CancelURL, s.cancelURL)
	if success == "" || cancel == "" {
		return ChargeRef{}, fmt.Errorf("%w: stripe checkout needs success and cancel urls", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID:  stripe.String(req.Reference),
		CustomerEmail:      stripe.String(req.Payer.Email),
		SuccessURL:         stripe.String(success),
		CancelURL:          stripe.String(cancel),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	params.Context = ctx
	params.AddMetadata("payment_id", req.Reference)
	params.SetIdempotencyKey(req.Reference)

	sess, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		return ChargeRef{}, stripeErr(err)
	}
	ref := ChargeRef{
		ExternalID:  sess.ID,
		Status:      mapStripeSession(sess),
		CheckoutURL: sess.URL,
	}
	if sess.ExpiresAt > 0 {
		exp := time.Unix(sess.ExpiresAt, 0).UTC()
		ref.ExpiresAt = &exp
	}
	return ref, nil
}

func (s *Stripe) CreateRecurringSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionRef, error) {
	return SubscriptionRef{}, fmt.Errorf("%w: %s recurring subscriptions", ErrUnsupported, StripeName)
}

func (s *Stripe) FetchChargeStatus(ctx context.Context, externalID string) (ChargeDetail, error) {
	if strings.TrimSpace(externalID) == "" {
		return ChargeDetail{}, ErrInvalidRequest
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.sc.CheckoutSessions.Get(externalID, params)
	if err != nil {
		return ChargeDetail{}, stripeErr(err)
	}
	return SessionDetail(sess), nil
}

func (s *Stripe) FetchSubscriptionStatus(ctx context.Context, externalID string) (SubscriptionDetail, error) {
	return SubscriptionDetail{}, fmt.Errorf("%w: %s recurring subscriptions", ErrUnsupported, StripeName)
}

// SessionDetail normalizes a checkout session (also used for webhook payloads).
func SessionDetail(sess *stripe.CheckoutSession) ChargeDetail {
	d := ChargeDetail{
		ExternalID:   sess.ID,
		Status:       mapStripeSession(sess),
		NativeStatus: string(sess.Status) + "/" + string(sess.PaymentStatus),
		Amount:       sess.AmountTotal,
		Currency:     strings.ToUpper(string(sess.Currency)),
		Reference:    sess.ClientReferenceID,
	}
	if d.Reference == "" && sess.Metadata != nil {
		d.Reference = sess.Metadata["payment_id"]
	}
	return d
}

func mapStripeSession(sess *stripe.CheckoutSession) ChargeStatus {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return ChargeApproved
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return ChargeCancelled
	default:
		return ChargePending
	}
}

func stripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode > 0 {
		return &APIError{Gateway: StripeName, StatusCode: se.HTTPStatusCode, Code: string(se.Code), Message: se.Msg}
	}
	return unavailable(StripeName, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
