package httpapi

import (
	"encoding/json"
	"net/http"

	"petition-billing/internal/gateway"
	"petition-billing/internal/ledger"
	"petition-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

type balancesResponse struct {
	UserID          string             `json:"user_id"`
	Unlimited       bool               `json:"unlimited"`
	AICredits       ledger.BalanceView `json:"ai_credits"`
	PetitionBalance ledger.BalanceView `json:"petition_balance"`
	// PetitionBalanceBRL is the money balance in reais ("12.50"); absent for unlimited users.
	PetitionBalanceBRL string `json:"petition_balance_brl,omitempty"`
}

// GetBalances returns both balance kinds of the caller.
func (h Handlers) GetBalances(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	unlimited := h.Policy != nil && h.Policy.IsUnlimited(ctx, uid)

	credits, err := h.Ledger.Balance(ctx, uid, ledger.KindAICredits, unlimited)
	if err != nil {
		fail(c, err)
		return
	}
	money, err := h.Ledger.Balance(ctx, uid, ledger.KindPetitionBalance, unlimited)
	if err != nil {
		fail(c, err)
		return
	}
	out := balancesResponse{UserID: uid, Unlimited: unlimited, AICredits: credits, PetitionBalance: money}
	if money.Balance != nil {
		out.PetitionBalanceBRL = gateway.FromMinor(*money.Balance).StringFixed(2)
	}
	c.JSON(http.StatusOK, out)
}

// ListTransactions pages the caller's log of one kind, newest first.
func (h Handlers) ListTransactions(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	page, err := h.Ledger.History(c.Request.Context(), uid, kind, ledger.Page{
		Number: intQuery(c, "page"),
		Size:   intQuery(c, "size"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ExportTransactions streams the caller's log as NDJSON, oldest first.
func (h Handlers) ExportTransactions(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", `attachment; filename="`+string(kind)+`.ndjson"`)
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	err := h.Ledger.Export(c.Request.Context(), uid, kind, func(row ledger.ExportRow) error {
		return enc.Encode(row)
	})
	if err != nil {
		// Headers are already out; the truncated stream is the only signal left.
		logger.FromGin(c).Error("export failed", "kind", kind, "err", err)
		return
	}
	c.Writer.Flush()
}
