package httpapi

import (
	"errors"
	"net/http"

	"petition-billing/internal/auth"
	"petition-billing/internal/checkout"
	"petition-billing/internal/payments"
	"petition-billing/internal/rbac"
	"petition-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) Deposit(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req checkout.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = uid
	res, err := h.Checkout.Deposit(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) BuyCredits(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req checkout.CreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = uid
	res, err := h.Checkout.BuyCredits(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) Subscribe(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req checkout.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = uid
	res, err := h.Checkout.Subscribe(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// VerifyPayment asks the gateway for the current state of one of the caller's payments.
// Admins may verify any payment.
func (h Handlers) VerifyPayment(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	p, err := h.Payments.GetPayment(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	role, _ := auth.Role(ctx)
	if p.UserID != uid && role != rbac.RoleAdmin && !rbac.IsMaster(role) {
		// Do not reveal that someone else's payment exists.
		fail(c, payments.ErrPaymentNotFound)
		return
	}

	outcome, err := h.Verifier.VerifyPayment(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogPaymentVerified(ctx, uid, p.Gateway, p.ExternalID, string(outcome)); err != nil {
			logger.FromGin(c).Warn("audit append failed", "payment_id", id, "err", err)
		}
	}

	cur, err := h.Payments.GetPayment(ctx, id)
	if err != nil && !errors.Is(err, payments.ErrPaymentNotFound) {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_id": id, "outcome": outcome, "status": cur.Status})
}
