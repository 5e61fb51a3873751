package httpapi

import (
	"net/http"

	"petition-billing/internal/metering"

	"github.com/gin-gonic/gin"
)

type usageCheckRequest struct {
	PetitionType string `json:"petition_type" binding:"required"`
}

type usageRecordRequest struct {
	PetitionType string `json:"petition_type" binding:"required"`
	PetitionRef  string `json:"petition_ref"`
}

type creditsConsumeRequest struct {
	Credits   int64  `json:"credits" binding:"required,gt=0"`
	Reference string `json:"reference"`
}

// CheckUsage answers whether the caller may generate a petition now.
// A denial is a 200 with can_generate=false.
func (h Handlers) CheckUsage(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req usageCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "petition_type required"})
		return
	}
	d, err := h.Metering.CheckBalance(c.Request.Context(), uid, req.PetitionType)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RecordUsage records one generation. The decision is re-evaluated atomically;
// a denial at this point answers 402 with the decision that caused it.
func (h Handlers) RecordUsage(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req usageRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "petition_type required"})
		return
	}
	rec, err := h.Metering.RecordUsage(c.Request.Context(), uid, req.PetitionType, req.PetitionRef)
	if d, denied := metering.AsDenied(err); denied {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": string(d.Decision.Reason), "decision": d.Decision})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ConsumeCredits debits ai_credits for one AI generation.
func (h Handlers) ConsumeCredits(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req creditsConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "credits must be positive"})
		return
	}
	rec, err := h.Metering.ConsumeCredits(c.Request.Context(), uid, req.Credits, req.Reference)
	if d, denied := metering.AsDenied(err); denied {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": string(d.Decision.Reason), "decision": d.Decision})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}
