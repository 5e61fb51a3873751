package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"petition-billing/internal/audit"
	"petition-billing/internal/gateway"
	"petition-billing/pkg/logger"
	"petition-billing/pkg/metrics"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

// Processor applies a verified event. A nil error means the delivery is settled
// (processed, duplicate, ignored or unknown entity); any error makes the gateway retry.
type Processor interface {
	Process(ctx context.Context, ev Event) (outcome string, err error)
}

type ProcessorFunc func(ctx context.Context, ev Event) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, ev Event) (string, error) { return f(ctx, ev) }

// Handler exposes the gateway webhook endpoints.
//
// No business logic here: verify, parse, delegate.
//
//	401 unverifiable signature (audited, no state change)
//	200 {"received": true} for every settled delivery
//	500 internal failure or gateway unavailable, so the delivery is retried
type Handler struct {
	MercadoPagoSecret string
	StripeSecret      string

	Processor Processor
	Audit     *audit.Service
	Metrics   *metrics.Metrics
}

func (h Handler) MercadoPago(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !VerifyRequest(c.Request.Header, c.Request.URL.Query(), body, h.MercadoPagoSecret) {
		h.reject(c, gateway.MercadoPagoName, c.Query("data.id"), "invalid signature")
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		// Signed but unusable: acknowledge so the gateway stops retrying.
		logger.FromGin(c).Warn("webhook parse failed", "gateway", gateway.MercadoPagoName, "err", err)
		h.Metrics.WebhookEvent(gateway.MercadoPagoName, string(KindUnknown), "malformed")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	// The signature covers the query id when present; the body must name the same entity.
	if signed := c.Query("data.id"); signed != "" {
		if ev.ExternalID != "" && !strings.EqualFold(ev.ExternalID, signed) {
			h.reject(c, gateway.MercadoPagoName, signed, "data.id mismatch")
			return
		}
		ev.ExternalID = signed
	}
	ev.RequestID = c.GetHeader(HeaderRequestID)
	h.process(c, ev)
}

func (h Handler) Stripe(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	ev, err := ParseStripeEvent(body, c.GetHeader("Stripe-Signature"), h.StripeSecret)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		h.reject(c, gateway.StripeName, "", "invalid signature")
		return
	case err != nil:
		logger.FromGin(c).Warn("webhook parse failed", "gateway", gateway.StripeName, "err", err)
		h.Metrics.WebhookEvent(gateway.StripeName, string(KindUnknown), "malformed")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	h.process(c, ev)
}

func (h Handler) process(c *gin.Context, ev Event) {
	log := logger.FromGin(c).With("gateway", ev.Gateway, "kind", ev.Kind, "external_id", ev.ExternalID)
	if h.Processor == nil {
		log.Error("webhook processor not configured")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processor not configured"})
		return
	}

	outcome, err := h.Processor.Process(c.Request.Context(), ev)
	if err != nil {
		log.Error("webhook processing failed", "err", err)
		h.Metrics.WebhookEvent(ev.Gateway, string(ev.Kind), "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	h.Metrics.WebhookEvent(ev.Gateway, string(ev.Kind), outcome)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h Handler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		logger.FromGin(c).Warn("webhook body read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return nil, false
	}
	return body, true
}

func (h Handler) reject(c *gin.Context, gw, externalID, reason string) {
	logger.FromGin(c).Warn("webhook rejected", "gateway", gw, "external_id", externalID, "reason", reason, "ip", c.ClientIP())
	h.Metrics.WebhookEvent(gw, string(KindUnknown), "invalid_signature")
	if h.Audit != nil {
		if err := h.Audit.LogWebhookRejected(c.Request.Context(), gw, externalID, c.ClientIP(), reason); err != nil {
			logger.FromGin(c).Error("audit write failed", "err", err)
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}
