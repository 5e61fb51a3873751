package httpapi

import (
	"net/http"
	"time"

	"petition-billing/internal/auth"
	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/reporting"
	"petition-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

type adminCreditRequest struct {
	UserID   string      `json:"user_id" binding:"required"`
	Kind     ledger.Kind `json:"kind" binding:"required"`
	Amount   int64       `json:"amount" binding:"required,gt=0"`
	Reason   string      `json:"reason" binding:"required"`
	Metadata string      `json:"metadata,omitempty"`
}

// AdminCredit grants a bonus to any account. Every grant is audited with the actor and IP.
// RBAC: admin or master.
func (h Handlers) AdminCredit(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	role, _ := auth.Role(ctx)

	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, kind, amount and reason required"})
		return
	}
	if !req.Kind.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown balance kind"})
		return
	}

	res, err := h.Ledger.Credit(ctx, ledger.CreditRequest{
		UserID:      req.UserID,
		Kind:        req.Kind,
		Amount:      req.Amount,
		Type:        ledger.TxBonus,
		Description: req.Reason,
		Reference:   "admin:" + actor,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogAdminCredit(ctx, actor, role, c.ClientIP(), req.UserID, res.TransactionID, req.Reason, req.Metadata); err != nil {
			logger.FromGin(c).Error("audit append failed", "transaction_id", res.TransactionID, "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"transaction": res.Transaction, "balance": res.Balance})
}

// SpendReport aggregates a user's ledger movements over [from, to).
// from/to are RFC 3339; the default range is the last 30 days.
func (h Handlers) SpendReport(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		UserID: userID,
		Kind:   ledger.Kind(c.Query("kind")),
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// UsageReport counts a user's generations in one cycle ("YYYY-MM", default current).
func (h Handlers) UsageReport(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	cycle := c.Query("cycle")
	if cycle == "" {
		cycle = metering.Cycle(time.Now())
	}
	out, err := h.Reports.UsageSummary(c.Request.Context(), reporting.UsageSummaryRequest{
		UserID: userID,
		Cycle:  cycle,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
