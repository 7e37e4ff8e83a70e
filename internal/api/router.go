package api

import (
	"log/slog"
	"net/http"

	"github.com/fastprodman/creditledger/internal/infra/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the services behind the HTTP API. Stats and Metrics may be nil.
type Deps struct {
	Ledger   Ledger
	Plans    PlanPreviewer
	Webhooks WebhookHandler
	Monitor  Monitor
	Stats    DailyStats
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewRouter constructs a chi router with all API endpoints registered.
func NewRouter(d Deps) http.Handler {
	h := NewHandler(d)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.Metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/accounts/{accountId}", func(r chi.Router) {
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/ledger", h.ListEntriesHandler)
		r.Get("/plan-change-preview", h.PlanChangePreviewHandler)
		r.Post("/credits", h.CreditHandler)
		r.Post("/debits", h.DebitHandler)
	})

	r.Post("/webhooks/stripe", h.StripeWebhookHandler)

	r.Get("/monitoring/report", h.MonitoringReportHandler)
	r.Get("/monitoring/daily", h.DailyStatsHandler)

	return r
}
