package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"petition-billing/internal/audit"
	"petition-billing/internal/auth"
	"petition-billing/internal/checkout"
	"petition-billing/internal/gateway"
	"petition-billing/internal/httpapi"
	"petition-billing/internal/ledger"
	"petition-billing/internal/metering"
	"petition-billing/internal/plans"
	"petition-billing/internal/rbac"
	"petition-billing/internal/reconcile"
	"petition-billing/internal/reporting"
	"petition-billing/internal/storage/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memory.Store
	mp     *gateway.Fake
	ledger *ledger.Service
	h      httpapi.Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := plans.NewMemoryRepo()
	repo.Plans["payg"] = plans.Plan{ID: "payg", Name: "Pay as you go", Type: plans.PlanPerUsage, MonthlyFee: 1990, Active: true}
	repo.Types["civil"] = plans.PetitionType{Code: "civil", Name: "Civil", BasePrice: 2000, Billable: true, Active: true}
	repo.Packs["p100"] = plans.CreditPack{ID: "p100", Name: "100 credits", Credits: 100, Price: 4990, Active: true}
	catalog := plans.NewCatalog(repo, 0, 0)

	store := memory.New()
	mp := gateway.NewFake(gateway.MercadoPagoName)
	reg := gateway.NewRegistry(mp, gateway.NewFake(gateway.StripeName))
	led := ledger.NewService(store, store, ledger.Options{})
	policy := rbac.NewUnlimitedPolicy([]string{"boss"})
	engine := reconcile.NewEngine(reconcile.Deps{
		Tx: store, Payments: store, Ledger: led, Gateways: reg, Catalog: catalog,
	})

	return &fixture{
		store:  store,
		mp:     mp,
		ledger: led,
		h: httpapi.Handlers{
			Ledger: led,
			Metering: metering.NewService(metering.Deps{
				Tx: store, Repo: store, Subs: store, Catalog: catalog, Ledger: led, Policy: policy,
			}),
			Checkout: checkout.NewService(checkout.Deps{
				Tx: store, Payments: store, Gateways: reg, Catalog: catalog, Abandoner: engine,
				Config: checkout.Config{MinDeposit: 500, PublicBaseURL: "https://billing.example.com"},
			}),
			Verifier: engine,
			Payments: store,
			Reports:  reporting.NewService(led, store),
			Audit:    audit.NewService(store),
			Policy:   policy,
		},
	}
}

// router mirrors the production route table with a fixed identity instead of JWT verification.
func (f *fixture) router(userID, role string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}, rbac.RequireUser())

	v1.GET("/balances", f.h.GetBalances)
	v1.GET("/balances/:kind/transactions", f.h.ListTransactions)
	v1.GET("/balances/:kind/export", f.h.ExportTransactions)
	v1.POST("/usage/check", f.h.CheckUsage)
	v1.POST("/usage/record", f.h.RecordUsage)
	v1.POST("/usage/credits", f.h.ConsumeCredits)
	v1.POST("/checkout/deposit", f.h.Deposit)
	v1.POST("/checkout/credits", f.h.BuyCredits)
	v1.POST("/checkout/subscription", f.h.Subscribe)
	v1.POST("/payments/:id/verify", f.h.VerifyPayment)

	admin := v1.Group("/admin", rbac.RequireAnyRole(rbac.RoleAdmin))
	admin.POST("/credits", f.h.AdminCredit)
	admin.GET("/reports/spend", f.h.SpendReport)
	admin.GET("/reports/usage", f.h.UsageReport)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:4431"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (f *fixture) credit(t *testing.T, userID string, kind ledger.Kind, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledger.CreditRequest{
		UserID: userID, Kind: kind, Amount: amount, Type: ledger.TxBonus, Description: "seed",
	})
	require.NoError(t, err)
}

var payer = map[string]any{"email": "ana@example.com", "doc_type": "CPF", "doc_number": "12345678909"}

func TestGetBalances_ReportsBothKinds(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", ledger.KindPetitionBalance, 1250)
	f.credit(t, "u1", ledger.KindAICredits, 40)

	w := do(f.router("u1", rbac.RoleUser), http.MethodGet, "/v1/balances", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Unlimited       bool               `json:"unlimited"`
		AICredits       ledger.BalanceView `json:"ai_credits"`
		PetitionBalance ledger.BalanceView `json:"petition_balance"`
		BRL             string             `json:"petition_balance_brl"`
	}
	decode(t, w, &got)
	assert.False(t, got.Unlimited)
	require.NotNil(t, got.AICredits.Balance)
	assert.Equal(t, int64(40), *got.AICredits.Balance)
	require.NotNil(t, got.PetitionBalance.Balance)
	assert.Equal(t, int64(1250), *got.PetitionBalance.Balance)
	assert.Equal(t, "12.50", got.BRL)
}

func TestGetBalances_MasterIsUnlimited(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("boss", rbac.RoleUser), http.MethodGet, "/v1/balances", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	decode(t, w, &got)
	assert.Equal(t, true, got["unlimited"])
	assert.Nil(t, got["ai_credits"].(map[string]any)["balance"])
	assert.NotContains(t, got, "petition_balance_brl")
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.credit(t, "u1", ledger.KindAICredits, 10)
	}
	r := f.router("u1", rbac.RoleUser)

	w := do(r, http.MethodGet, "/v1/balances/ai_credits/transactions?page=1&size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page ledger.TransactionPage
	decode(t, w, &page)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.PageSize)

	w = do(r, http.MethodGet, "/v1/balances/gold/transactions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportTransactions_NDJSON(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", ledger.KindPetitionBalance, 500)
	f.credit(t, "u1", ledger.KindPetitionBalance, 700)
	f.credit(t, "u2", ledger.KindPetitionBalance, 900)

	w := do(f.router("u1", rbac.RoleUser), http.MethodGet, "/v1/balances/petition_balance/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var rows []ledger.ExportRow
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		var row ledger.ExportRow
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, int64(500), rows[0].Amount)
	assert.Equal(t, int64(1200), rows[1].BalanceAfter)
}

func TestCheckUsage_DenialIsNotAnError(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("u1", rbac.RoleUser), http.MethodPost, "/v1/usage/check", map[string]string{"petition_type": "civil"})
	require.Equal(t, http.StatusOK, w.Code)

	var d metering.Decision
	decode(t, w, &d)
	assert.False(t, d.CanGenerate)
	assert.Equal(t, metering.ReasonSubscriptionInactive, d.Reason)
}

func TestCheckUsage_UnknownPetitionType(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/v1/usage/check", map[string]string{"petition_type": "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/usage/check", map[string]string{}).Code)
}

func TestRecordUsage_DeniedAnswers402WithDecision(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("u1", rbac.RoleUser), http.MethodPost, "/v1/usage/record", map[string]string{"petition_type": "civil", "petition_ref": "pet-1"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var got struct {
		Error    string            `json:"error"`
		Decision metering.Decision `json:"decision"`
	}
	decode(t, w, &got)
	assert.Equal(t, string(metering.ReasonSubscriptionInactive), got.Error)
	assert.False(t, got.Decision.CanGenerate)
	assert.Empty(t, f.store.Usage())
}

func TestRecordUsage_UnlimitedIsRecordedWithoutCharge(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("boss", rbac.RoleUser), http.MethodPost, "/v1/usage/record", map[string]string{"petition_type": "civil"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rec metering.UsageRecord
	decode(t, w, &rec)
	assert.Equal(t, int64(0), rec.Charged)
	assert.Len(t, f.store.Usage(), 1)
}

func TestConsumeCredits(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", ledger.KindAICredits, 3)
	r := f.router("u1", rbac.RoleUser)

	w := do(r, http.MethodPost, "/v1/usage/credits", map[string]any{"credits": 2, "reference": "gen-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/usage/credits", map[string]any{"credits": 2})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = do(r, http.MethodPost, "/v1/usage/credits", map[string]any{"credits": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDepositThenVerify(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := do(r, http.MethodPost, "/v1/checkout/deposit", map[string]any{"amount": 2500, "method": "pix", "payer": payer})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res checkout.Result
	decode(t, w, &res)
	require.NotEmpty(t, res.PaymentID)
	require.NotEmpty(t, res.ExternalID)

	// Another user cannot see it.
	w = do(f.router("u2", rbac.RoleUser), http.MethodPost, "/v1/payments/"+res.PaymentID+"/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.mp.SetCharge(gateway.ChargeDetail{ExternalID: res.ExternalID, Status: gateway.ChargeApproved, Amount: 2500})
	w = do(r, http.MethodPost, "/v1/payments/"+res.PaymentID+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got map[string]string
	decode(t, w, &got)
	assert.Equal(t, string(reconcile.OutcomeProcessed), got["outcome"])
	assert.Equal(t, "completed", got["status"])

	bal, err := f.ledger.Balance(context.Background(), "u1", ledger.KindPetitionBalance, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), *bal.Balance)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypePaymentVerified, events[0].Type)
	assert.Equal(t, "u1", events[0].ActorUserID)
}

func TestDeposit_Validation(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/checkout/deposit", map[string]any{"amount": 100, "method": "pix", "payer": payer}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/checkout/deposit", map[string]any{"amount": 2500, "method": "boleto", "payer": payer}).Code)

	f.mp.Fail(gateway.ErrGatewayUnavailable)
	assert.Equal(t, http.StatusBadGateway, do(r, http.MethodPost, "/v1/checkout/deposit", map[string]any{"amount": 2500, "method": "pix", "payer": payer}).Code)
}

func TestBuyCreditsAndSubscribe(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := do(r, http.MethodPost, "/v1/checkout/credits", map[string]any{"pack_id": "p100", "method": "pix", "payer": payer})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/checkout/credits", map[string]any{"pack_id": "none", "method": "pix", "payer": payer})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodPost, "/v1/checkout/subscription", map[string]any{"plan_id": "payg", "method": "pix", "payer": payer})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res checkout.Result
	decode(t, w, &res)
	assert.NotEmpty(t, res.SubscriptionID)
}

func TestAdminCredit_AuditsActorAndIP(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("root", rbac.RoleAdmin), http.MethodPost, "/v1/admin/credits", map[string]any{
		"user_id": "u1", "kind": "ai_credits", "amount": 25, "reason": "support goodwill",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bal, err := f.ledger.Balance(context.Background(), "u1", ledger.KindAICredits, false)
	require.NoError(t, err)
	assert.Equal(t, int64(25), *bal.Balance)
	assert.Equal(t, int64(25), bal.TotalBonus)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAdminCredit, events[0].Type)
	assert.Equal(t, "root", events[0].ActorUserID)
	assert.Equal(t, "u1", events[0].SubjectUserID)
	assert.Equal(t, "203.0.113.7", events[0].IPAddress)
	assert.NotEmpty(t, events[0].TransactionID)
}

func TestAdminCredit_Forbidden(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("u1", rbac.RoleUser), http.MethodPost, "/v1/admin/credits", map[string]any{
		"user_id": "u1", "kind": "ai_credits", "amount": 25, "reason": "me",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.store.Transactions())
}

func TestAdminCredit_Validation(t *testing.T) {
	f := newFixture(t)
	r := f.router("root", rbac.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/admin/credits", map[string]any{"user_id": "u1", "kind": "gold", "amount": 5, "reason": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/admin/credits", map[string]any{"user_id": "u1", "kind": "ai_credits", "amount": -5, "reason": "x"}).Code)
}

func TestSpendReport(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", ledger.KindAICredits, 30)
	_, err := f.ledger.Debit(context.Background(), ledger.DebitRequest{UserID: "u1", Kind: ledger.KindAICredits, Amount: 10, Description: "gen"})
	require.NoError(t, err)

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	r := f.router("root", rbac.RoleAdmin)
	w := do(r, http.MethodGet, "/v1/admin/reports/spend?user_id=u1&kind=ai_credits&from="+from+"&to="+to, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got reporting.SpendSummary
	decode(t, w, &got)
	require.Len(t, got.Kinds, 1)
	assert.Equal(t, int64(30), got.Kinds[0].Credited)
	assert.Equal(t, int64(10), got.Kinds[0].Debited)
	assert.Equal(t, int64(20), got.Kinds[0].Net)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/admin/reports/spend?user_id=u1&from=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/admin/reports/spend", nil).Code)
}

func TestUsageReport_DefaultsToCurrentCycle(t *testing.T) {
	f := newFixture(t)
	w := do(f.router("boss", rbac.RoleUser), http.MethodPost, "/v1/usage/record", map[string]string{"petition_type": "civil"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(f.router("root", rbac.RoleAdmin), http.MethodGet, "/v1/admin/reports/usage?user_id=boss", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got reporting.UsageSummary
	decode(t, w, &got)
	assert.Equal(t, 1, got.Petitions)
	assert.Equal(t, metering.Cycle(time.Now()), got.Cycle)
}
