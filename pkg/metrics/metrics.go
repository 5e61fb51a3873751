package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing collectors. A nil *Metrics is valid and records nothing,
// so services can be constructed without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	WebhookEventsTotal *prometheus.CounterVec
	LedgerOpsTotal     *prometheus.CounterVec
	LedgerAmountTotal  *prometheus.CounterVec

	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	UsageDecisionsTotal *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	JobRunsTotal        *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook deliveries by gateway, event kind and outcome",
			},
			[]string{"gateway", "kind", "outcome"},
		),
		LedgerOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_operations_total",
				Help: "Ledger credit/debit attempts by balance kind and result",
			},
			[]string{"kind", "op", "result"},
		),
		LedgerAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_amount_total",
				Help: "Sum of applied ledger amounts (minor units or credits)",
			},
			[]string{"kind", "op"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_requests_total",
				Help: "Outbound gateway calls by gateway, operation and result",
			},
			[]string{"gateway", "operation", "result"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_request_duration_seconds",
				Help:    "Outbound gateway call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"gateway", "operation"},
		),
		UsageDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_usage_decisions_total",
				Help: "Usage metering decisions by plan type and reason",
			},
			[]string{"plan_type", "reason"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_notifications_total",
				Help: "Notifications dispatched by type and result",
			},
			[]string{"type", "result"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_job_runs_total",
				Help: "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.LedgerOpsTotal,
		m.LedgerAmountTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.UsageDecisionsTotal,
		m.NotificationsTotal,
		m.JobRunsTotal,
	)
	return m
}

// Registry exposes the underlying registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) WebhookEvent(gateway, kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(gateway, kind, outcome).Inc()
}

func (m *Metrics) LedgerOp(kind, op, result string, amount int64) {
	if m == nil {
		return
	}
	m.LedgerOpsTotal.WithLabelValues(kind, op, result).Inc()
	if result == "ok" && amount > 0 {
		m.LedgerAmountTotal.WithLabelValues(kind, op).Add(float64(amount))
	}
}

func (m *Metrics) GatewayCall(gateway, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(gateway, operation, result).Inc()
	m.GatewayRequestDuration.WithLabelValues(gateway, operation).Observe(d.Seconds())
}

func (m *Metrics) UsageDecision(planType, reason string) {
	if m == nil {
		return
	}
	m.UsageDecisionsTotal.WithLabelValues(planType, reason).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) JobRun(job, result string) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, result).Inc()
}
