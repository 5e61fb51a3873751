package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.WebhookEvent("mercadopago", "payment", "processed")
	m.LedgerOp("petition_balance", "credit", "ok", 100)
	m.GatewayCall("stripe", "fetch_charge", "ok", time.Second)
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.WebhookEvent("mercadopago", "payment", "duplicate")
	m.WebhookEvent("mercadopago", "payment", "duplicate")
	m.LedgerOp("ai_credits", "debit", "ok", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("mercadopago", "payment", "duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LedgerAmountTotal.WithLabelValues("ai_credits", "debit")))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "billing_webhook_events_total"))
}
