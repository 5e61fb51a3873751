package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"petition-billing/internal/gateway"

	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrMalformedEvent   = errors.New("webhook: malformed event")
)

// Kind is the entity a notification refers to.
type Kind string

const (
	KindPayment     Kind = "payment"
	KindPreapproval Kind = "preapproval"
	KindUnknown     Kind = "unknown"
)

// Event is the typed envelope handed to reconciliation.
// It only identifies the entity; the authoritative state is fetched from the gateway.
type Event struct {
	Gateway    string `json:"gateway"`
	Kind       Kind   `json:"kind"`
	Type       string `json:"type"`
	ExternalID string `json:"external_id"`
	Action     string `json:"action,omitempty"`
	// RequestID is the delivery id (x-request-id, or the Stripe event id).
	RequestID string `json:"request_id,omitempty"`
	// NotificationID is the gateway's id of the notification itself.
	NotificationID string `json:"notification_id,omitempty"`
	LiveMode       bool   `json:"live_mode"`
}

type mpNotification struct {
	ID       json.RawMessage `json:"id"`
	Type     string          `json:"type"`
	Topic    string          `json:"topic"`
	Action   string          `json:"action"`
	LiveMode bool            `json:"live_mode"`
	Data     struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseEvent decodes a Mercado Pago notification body:
//
//	{"type": "payment"|"preapproval", "action": "...", "data": {"id": <external_id>}}
//
// Unknown types parse successfully with KindUnknown.
func ParseEvent(body []byte) (Event, error) {
	var n mpNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	typ := n.Type
	if typ == "" {
		typ = n.Topic
	}
	ev := Event{
		Gateway:        gateway.MercadoPagoName,
		Kind:           mpKind(typ),
		Type:           typ,
		ExternalID:     rawID(n.Data.ID),
		Action:         n.Action,
		NotificationID: rawID(n.ID),
		LiveMode:       n.LiveMode,
	}
	if ev.Kind != KindUnknown && ev.ExternalID == "" {
		return Event{}, fmt.Errorf("%w: %s notification without data.id", ErrMalformedEvent, typ)
	}
	return ev, nil
}

func mpKind(typ string) Kind {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "payment":
		return KindPayment
	case "preapproval", "subscription_preapproval":
		return KindPreapproval
	default:
		return KindUnknown
	}
}

// Stripe checkout session events reconciled as one-time payments.
var stripeSessionEvents = map[stripe.EventType]bool{
	"checkout.session.completed":               true,
	"checkout.session.async_payment_succeeded": true,
	"checkout.session.async_payment_failed":    true,
	"checkout.session.expired":                 true,
}

// ParseStripeEvent verifies the Stripe-Signature header and decodes the event.
func ParseStripeEvent(body []byte, sigHeader, secret string) (Event, error) {
	if secret == "" {
		return Event{}, ErrInvalidSignature
	}
	if err := stripewebhook.ValidatePayload(body, sigHeader, secret); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var se stripe.Event
	if err := json.Unmarshal(body, &se); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := Event{
		Gateway:        gateway.StripeName,
		Kind:           KindUnknown,
		Type:           string(se.Type),
		Action:         string(se.Type),
		RequestID:      se.ID,
		NotificationID: se.ID,
		LiveMode:       se.Livemode,
	}
	if !stripeSessionEvents[se.Type] {
		return ev, nil
	}
	if se.Data == nil {
		return Event{}, fmt.Errorf("%w: %s without data", ErrMalformedEvent, se.Type)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(se.Data.Raw, &sess); err != nil || sess.ID == "" {
		return Event{}, fmt.Errorf("%w: %s without checkout session", ErrMalformedEvent, se.Type)
	}
	ev.Kind = KindPayment
	ev.ExternalID = sess.ID
	return ev, nil
}
