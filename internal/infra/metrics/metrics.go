package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	LedgerEntriesTotal       *prometheus.CounterVec
	LedgerCreditVolumeTotal  *prometheus.CounterVec
	LedgerDebitsRejected     *prometheus.CounterVec
	LedgerLockContendedTotal prometheus.Counter

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Monitor metrics
	MonitorMissedAllocations  prometheus.Gauge
	MonitorDriftedAccounts    prometheus.Gauge
	MonitorBrokenChains       prometheus.Gauge
	MonitorWebhookDegraded    prometheus.Gauge
	MonitorPaymentFailureRate prometheus.Gauge
	MonitorLastRun            prometheus.Gauge
}

// NewMetrics creates and registers all collectors on registry, along with
// the Go runtime and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditledger_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LedgerEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_ledger_entries_total",
				Help: "Committed ledger entries",
			},
			[]string{"category", "direction"},
		),
		LedgerCreditVolumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_ledger_credits_moved_total",
				Help: "Absolute number of credits moved by committed entries",
			},
			[]string{"category", "direction"},
		),
		LedgerDebitsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_ledger_debits_rejected_total",
				Help: "Debits refused for insufficient balance",
			},
			[]string{"category"},
		),
		LedgerLockContendedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditledger_ledger_lock_contended_total",
				Help: "Mutations abandoned because the account lock was not acquired in time",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_webhook_events_total",
				Help: "Inbound webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		MonitorMissedAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_missed_allocations",
			Help: "Active subscribers without an allocation inside the expected window",
		}),
		MonitorDriftedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_drifted_accounts",
			Help: "Accounts whose ledger replay does not match the stored balance",
		}),
		MonitorBrokenChains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_broken_chains",
			Help: "Ledger entries whose balance_after does not follow the previous entry",
		}),
		MonitorWebhookDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_webhook_degraded",
			Help: "1 when webhook delivery is silent or delayed",
		}),
		MonitorPaymentFailureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_payment_failure_ratio",
			Help: "Share of active subscribers with a non-zero payment failure counter",
		}),
		MonitorLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_monitor_last_run_timestamp_seconds",
			Help: "Unix time of the last completed monitoring run",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerEntriesTotal,
		m.LedgerCreditVolumeTotal,
		m.LedgerDebitsRejected,
		m.LedgerLockContendedTotal,
		m.WebhookEventsTotal,
		m.MonitorMissedAllocations,
		m.MonitorDriftedAccounts,
		m.MonitorBrokenChains,
		m.MonitorWebhookDegraded,
		m.MonitorPaymentFailureRate,
		m.MonitorLastRun,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// EntryApplied, DebitRejected and LockContended make Metrics a ledger
// observer.
func (m *Metrics) EntryApplied(_ context.Context, e entries.Entry) {
	if m == nil {
		return
	}

	direction, amount := "credit", e.Amount
	if amount < 0 {
		direction, amount = "debit", -amount
	}

	m.LedgerEntriesTotal.WithLabelValues(string(e.Category), direction).Inc()
	m.LedgerCreditVolumeTotal.WithLabelValues(string(e.Category), direction).Add(float64(amount))
}

func (m *Metrics) DebitRejected(_ context.Context, _ uint64, category entries.Category, _ int64) {
	if m == nil {
		return
	}

	m.LedgerDebitsRejected.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) LockContended(context.Context, uint64) {
	if m == nil {
		return
	}

	m.LedgerLockContendedTotal.Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}

	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// MonitorSnapshot is the gauge view of one monitoring run.
type MonitorSnapshot struct {
	MissedAllocations  int
	DriftedAccounts    int
	BrokenChains       int
	WebhookDegraded    bool
	PaymentFailureRate float64
	At                 time.Time
}

func (m *Metrics) SetMonitor(s MonitorSnapshot) {
	if m == nil {
		return
	}

	m.MonitorMissedAllocations.Set(float64(s.MissedAllocations))
	m.MonitorDriftedAccounts.Set(float64(s.DriftedAccounts))
	m.MonitorBrokenChains.Set(float64(s.BrokenChains))
	m.MonitorPaymentFailureRate.Set(s.PaymentFailureRate)
	m.MonitorLastRun.Set(float64(s.At.Unix()))

	degraded := 0.0
	if s.WebhookDegraded {
		degraded = 1
	}
	m.MonitorWebhookDegraded.Set(degraded)
}
