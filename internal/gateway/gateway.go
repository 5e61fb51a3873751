package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Adapter defines the gateway-agnostic interface used by checkout and reconciliation.
//
// Rules:
//   - No gateway SDK or HTTP calls outside adapters.
//   - Native statuses are mapped onto ChargeStatus / SubscriptionStatus here, never in callers.
//   - Transport failures, timeouts, 429 and 5xx surface as ErrGatewayUnavailable. The caller must
//     not assume the charge did or did not happen; the webhook or a later poll decides.
type Adapter interface {
	Name() string

	CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (ChargeRef, error)
	CreateRecurringSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionRef, error)

	FetchChargeStatus(ctx context.Context, externalID string) (ChargeDetail, error)
	FetchSubscriptionStatus(ctx context.Context, externalID string) (SubscriptionDetail, error)
}

var (
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	ErrUnsupported        = errors.New("gateway: operation not supported")
	ErrNotFound           = errors.New("gateway: not found")
	ErrInvalidRequest     = errors.New("gateway: invalid request")
	ErrUnknownGateway     = errors.New("gateway: unknown gateway")
)

// ChargeStatus is the normalized one-time charge status.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeApproved  ChargeStatus = "approved"
	ChargeRejected  ChargeStatus = "rejected"
	ChargeCancelled ChargeStatus = "cancelled"
)

// SubscriptionStatus is the normalized recurring subscription status.
type SubscriptionStatus string

const (
	SubscriptionPending    SubscriptionStatus = "pending"
	SubscriptionAuthorized SubscriptionStatus = "authorized"
	SubscriptionPaused     SubscriptionStatus = "paused"
	SubscriptionCancelled  SubscriptionStatus = "cancelled"
	SubscriptionExpired    SubscriptionStatus = "expired"
)

type Method string

const (
	MethodPix  Method = "pix"
	MethodCard Method = "card"
)

// Payer is the subset of customer data gateways require.
type Payer struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name,omitempty" validate:"omitempty,max=100"`
	LastName  string `json:"last_name,omitempty" validate:"omitempty,max=100"`
	// DocType/DocNumber identify Brazilian payers (CPF or CNPJ, digits only).
	DocType   string `json:"doc_type,omitempty" validate:"omitempty,oneof=CPF CNPJ"`
	DocNumber string `json:"doc_number,omitempty" validate:"omitempty,numeric,min=11,max=14"`
}

// ChargeRequest creates a one-time charge. Amount is in minor units (centavos).
type ChargeRequest struct {
	// Reference is the local payment id: sent as external reference and idempotency key.
	Reference   string `validate:"required"`
	Amount      int64  `validate:"gt=0"`
	Currency    string `validate:"required,len=3"`
	Method      Method `validate:"oneof=pix card"`
	Description string `validate:"required,max=256"`
	Payer       Payer

	NotificationURL string `validate:"omitempty,url"`
	SuccessURL      string `validate:"omitempty,url"`
	CancelURL       string `validate:"omitempty,url"`
}

type ChargeRef struct {
	ExternalID string       `json:"external_id"`
	Status     ChargeStatus `json:"status"`
	// CheckoutURL is where the payer completes a card checkout.
	CheckoutURL string `json:"checkout_url,omitempty"`
	// QRCode / QRCodeBase64 carry the PIX copy-and-paste code and image.
	QRCode       string     `json:"qr_code,omitempty"`
	QRCodeBase64 string     `json:"qr_code_base64,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// SubscriptionRequest creates a recurring monthly subscription (preapproval).
type SubscriptionRequest struct {
	Reference string `validate:"required"`
	Amount    int64  `validate:"gt=0"`
	Currency  string `validate:"required,len=3"`
	Payer     Payer
	// PlanRef names the plan at the gateway ("reason" on Mercado Pago).
	PlanRef string `validate:"required,max=256"`

	BackURL         string `validate:"omitempty,url"`
	NotificationURL string `validate:"omitempty,url"`
}

type SubscriptionRef struct {
	ExternalID  string             `json:"external_id"`
	Status      SubscriptionStatus `json:"status"`
	CheckoutURL string             `json:"checkout_url,omitempty"`
}

// ChargeDetail is the authoritative state of a charge fetched from the gateway.
type ChargeDetail struct {
	ExternalID   string
	Status       ChargeStatus
	NativeStatus string
	StatusDetail string
	Amount       int64
	Currency     string
	Reference    string
	PaidAt       *time.Time
}

type SubscriptionDetail struct {
	ExternalID      string
	Status          SubscriptionStatus
	NativeStatus    string
	Reference       string
	Amount          int64
	NextPaymentDate *time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a request struct before any network call.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// unavailable wraps a transport-level failure.
func unavailable(gateway string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, gateway, err)
}
