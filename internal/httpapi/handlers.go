package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"petition-billing/internal/audit"
	"petition-billing/internal/auth"
	"petition-billing/internal/checkout"
	"petition-billing/internal/gateway"
	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/payments"
	"petition-billing/internal/plans"
	"petition-billing/internal/reconcile"
	"petition-billing/internal/reporting"
	"petition-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PaymentVerifier polls the gateway for one local payment (reconcile.Engine).
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, paymentID string) (reconcile.Outcome, error)
}

// PaymentReader is used for ownership checks before a manual verification.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (payments.Payment, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Ledger   *ledger.Service
	Metering *metering.Service
	Checkout *checkout.Service
	Verifier PaymentVerifier
	Payments PaymentReader
	Reports  *reporting.Service
	Audit    *audit.Service
	Policy   metering.UnlimitedPolicy
}

// caller returns the authenticated user id or aborts with 401.
func caller(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

func kindParam(c *gin.Context) (ledger.Kind, bool) {
	k := ledger.Kind(c.Param("kind"))
	if !k.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown balance kind"})
		return "", false
	}
	return k, true
}

func intQuery(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

// fail maps service errors to HTTP statuses. Internal errors are logged and never echoed.
func fail(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, metering.ErrInvalidArgument),
		errors.Is(err, checkout.ErrInvalidRequest),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, checkout.ErrMethodUnsupported),
		errors.Is(err, gateway.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, payments.ErrPaymentNotFound),
		errors.Is(err, plans.ErrPetitionTypeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, checkout.ErrPlanUnavailable),
		errors.Is(err, checkout.ErrPackUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
