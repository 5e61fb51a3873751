package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	MercadoPagoName           = "mercadopago"
	mercadoPagoDefaultBaseURL = "https://api.mercadopago.com"
)

type MercadoPagoConfig struct {
	BaseURL     string
	AccessToken string
	// Timeout bounds every call; it is clamped to 10-30s.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// MercadoPago implements Adapter over the Mercado Pago REST API:
// PIX charges via /v1/payments and recurring plans via /preapproval.
type MercadoPago struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = mercadoPagoDefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: ClampTimeout(cfg.Timeout)}
	}
	return &MercadoPago{baseURL: base, token: cfg.AccessToken, hc: hc}
}

// ClampTimeout keeps outbound gateway timeouts within 10-30s (default 15s).
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 15 * time.Second
	case d < 10*time.Second:
		return 10 * time.Second
	case d > 30*time.Second:
		return 30 * time.Second
	}
	return d
}

func (m *MercadoPago) Name() string { return MercadoPagoName }

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type mpPayer struct {
	Email          string            `json:"email"`
	FirstName      string            `json:"first_name,omitempty"`
	LastName       string            `json:"last_name,omitempty"`
	Identification *mpIdentification `json:"identification,omitempty"`
}

type mpPaymentRequest struct {
	TransactionAmount amount  `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodID   string  `json:"payment_method_id"`
	ExternalReference string  `json:"external_reference"`
	NotificationURL   string  `json:"notification_url,omitempty"`
	Payer             mpPayer `json:"payer"`
}

type mpPayment struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	StatusDetail       string      `json:"status_detail"`
	TransactionAmount  amount      `json:"transaction_amount"`
	CurrencyID         string      `json:"currency_id"`
	ExternalReference  string      `json:"external_reference"`
	DateApproved       *string     `json:"date_approved"`
	DateOfExpiration   *string     `json:"date_of_expiration"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type mpAutoRecurring struct {
	Frequency         int    `json:"frequency"`
	FrequencyType     string `json:"frequency_type"`
	TransactionAmount amount `json:"transaction_amount"`
	CurrencyID        string `json:"currency_id"`
}

type mpPreapprovalRequest struct {
	Reason            string          `json:"reason"`
	ExternalReference string          `json:"external_reference"`
	PayerEmail        string          `json:"payer_email"`
	AutoRecurring     mpAutoRecurring `json:"auto_recurring"`
	BackURL           string          `json:"back_url,omitempty"`
	NotificationURL   string          `json:"notification_url,omitempty"`
	Status            string          `json:"status"`
}

type mpPreapproval struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	InitPoint         string          `json:"init_point"`
	NextPaymentDate   *string         `json:"next_payment_date"`
	AutoRecurring     mpAutoRecurring `json:"auto_recurring"`
}

type mpError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

func (m *MercadoPago) CreateOneTimeCharge(ctx context.Context, req ChargeRequest) (ChargeRef, error) {
	if err := Validate(req); err != nil {
		return ChargeRef{}, err
	}
	if req.Method != MethodPix {
		return ChargeRef{}, fmt.Errorf("%w: %s %s charges", ErrUnsupported, MercadoPagoName, req.Method)
	}
	body := mpPaymentRequest{
		TransactionAmount: minorAmount(req.Amount),
		Description:       req.Description,
		PaymentMethodID:   "pix",
		ExternalReference: req.Reference,
		NotificationURL:   req.NotificationURL,
		Payer:             toMPPayer(req.Payer),
	}
	var out mpPayment
	if err := m.do(ctx, http.MethodPost, "/v1/payments", req.Reference, body, &out); err != nil {
		return ChargeRef{}, err
	}
	ref := ChargeRef{
		ExternalID:   out.ID.String(),
		Status:       mapMPPaymentStatus(out.Status),
		CheckoutURL:  out.PointOfInteraction.TransactionData.TicketURL,
		QRCode:       out.PointOfInteraction.TransactionData.QRCode,
		QRCodeBase64: out.PointOfInteraction.TransactionData.QRCodeBase64,
		ExpiresAt:    parseMPTime(out.DateOfExpiration),
	}
	if ref.ExternalID == "" {
		return ChargeRef{}, fmt.Errorf("gateway: %s: payment response without id", MercadoPagoName)
	}
	return ref, nil
}

func (m *MercadoPago) CreateRecurringSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionRef, error) {
	if err := Validate(req); err != nil {
		return SubscriptionRef{}, err
	}
	body := mpPreapprovalRequest{
		Reason:            req.PlanRef,
		ExternalReference: req.Reference,
		PayerEmail:        req.Payer.Email,
		AutoRecurring: mpAutoRecurring{
			Frequency:         1,
			FrequencyType:     "months",
			TransactionAmount: minorAmount(req.Amount),
			CurrencyID:        strings.ToUpper(req.Currency),
		},
		BackURL:         req.BackURL,
		NotificationURL: req.NotificationURL,
		Status:          "pending",
	}
	var out mpPreapproval
	if err := m.do(ctx, http.MethodPost, "/preapproval", req.Reference, body, &out); err != nil {
		return SubscriptionRef{}, err
	}
	if out.ID == "" {
		return SubscriptionRef{}, fmt.Errorf("gateway: %s: preapproval response without id", MercadoPagoName)
	}
	return SubscriptionRef{
		ExternalID:  out.ID,
		Status:      mapMPPreapprovalStatus(out.Status),
		CheckoutURL: out.InitPoint,
	}, nil
}

func (m *MercadoPago) FetchChargeStatus(ctx context.Context, externalID string) (ChargeDetail, error) {
	if strings.TrimSpace(externalID) == "" {
		return ChargeDetail{}, ErrInvalidRequest
	}
	var out mpPayment
	if err := m.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(externalID), "", nil, &out); err != nil {
		return ChargeDetail{}, err
	}
	return ChargeDetail{
		ExternalID:   out.ID.String(),
		Status:       mapMPPaymentStatus(out.Status),
		NativeStatus: out.Status,
		StatusDetail: out.StatusDetail,
		Amount:       ToMinor(out.TransactionAmount.Decimal),
		Currency:     out.CurrencyID,
		Reference:    out.ExternalReference,
		PaidAt:       parseMPTime(out.DateApproved),
	}, nil
}

func (m *MercadoPago) FetchSubscriptionStatus(ctx context.Context, externalID string) (SubscriptionDetail, error) {
	if strings.TrimSpace(externalID) == "" {
		return SubscriptionDetail{}, ErrInvalidRequest
	}
	var out mpPreapproval
	if err := m.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(externalID), "", nil, &out); err != nil {
		return SubscriptionDetail{}, err
	}
	return SubscriptionDetail{
		ExternalID:      out.ID,
		Status:          mapMPPreapprovalStatus(out.Status),
		NativeStatus:    out.Status,
		Reference:       out.ExternalReference,
		Amount:          ToMinor(out.AutoRecurring.TransactionAmount.Decimal),
		NextPaymentDate: parseMPTime(out.NextPaymentDate),
	}, nil
}

func (m *MercadoPago) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := m.hc.Do(req)
	if err != nil {
		return unavailable(MercadoPagoName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return unavailable(MercadoPagoName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Gateway: MercadoPagoName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e mpError
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("gateway: %s: decode %s: %w", MercadoPagoName, path, err)
	}
	return nil
}

func toMPPayer(p Payer) mpPayer {
	out := mpPayer{Email: p.Email, FirstName: p.FirstName, LastName: p.LastName}
	if p.DocType != "" && p.DocNumber != "" {
		out.Identification = &mpIdentification{Type: p.DocType, Number: p.DocNumber}
	}
	return out
}

func mapMPPaymentStatus(s string) ChargeStatus {
	switch s {
	case "approved":
		return ChargeApproved
	case "rejected":
		return ChargeRejected
	case "cancelled", "refunded", "charged_back":
		return ChargeCancelled
	default:
		// pending, authorized, in_process, in_mediation
		return ChargePending
	}
}

func mapMPPreapprovalStatus(s string) SubscriptionStatus {
	switch s {
	case "authorized":
		return SubscriptionAuthorized
	case "paused":
		return SubscriptionPaused
	case "cancelled":
		return SubscriptionCancelled
	case "finished", "expired":
		return SubscriptionExpired
	default:
		return SubscriptionPending
	}
}

func parseMPTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		// Mercado Pago sometimes omits the colon in the offset.
		t, err = time.Parse("2006-01-02T15:04:05.000-0700", *s)
		if err != nil {
			return nil
		}
	}
	t = t.UTC()
	return &t
}
