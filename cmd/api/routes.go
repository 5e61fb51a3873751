package main

import (
	"database/sql"
	"net/http"
	"time"

	"petition-billing/internal/httpapi"
	"petition-billing/internal/rbac"
	"petition-billing/internal/webhook"
	"petition-billing/pkg/metrics"
	"petition-billing/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerPublicRoutes wires unauthenticated routes: health, metrics and gateway webhooks.
// Webhooks authenticate through their signature, never through a bearer token.
func registerPublicRoutes(r *gin.Engine, m *metrics.Metrics, db *sql.DB, wh webhook.Handler) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	hooks := r.Group("/webhooks")
	{
		hooks.POST("/mercadopago", wh.MercadoPago)
		hooks.POST("/stripe", wh.Stripe)
	}
}

// registerProtectedRoutes wires the bearer-authenticated API.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers) {
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())
	{
		balances := v1.Group("/balances")
		balances.GET("", h.GetBalances)
		balances.GET("/:kind/transactions", h.ListTransactions)
		balances.GET("/:kind/export", h.ExportTransactions)

		usage := v1.Group("/usage")
		usage.POST("/check", h.CheckUsage)
		usage.POST("/record", h.RecordUsage)
		usage.POST("/credits", h.ConsumeCredits)

		co := v1.Group("/checkout")
		co.POST("/deposit", h.Deposit)
		co.POST("/credits", h.BuyCredits)
		co.POST("/subscription", h.Subscribe)

		v1.POST("/payments/:id/verify", h.VerifyPayment)

		// ADMIN routes. master passes every role check.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/credits", h.AdminCredit)
			admin.GET("/reports/spend", h.SpendReport)
			admin.GET("/reports/usage", h.UsageReport)
		}
	}
}
