package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/dailystats"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/fastprodman/creditledger/internal/services/billing"
	"github.com/fastprodman/creditledger/internal/services/ledger"
	"github.com/fastprodman/creditledger/internal/services/monitor"
	"github.com/fastprodman/creditledger/internal/services/webhook"
	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes        = 1 << 20
	stripeSignatureHead = "Stripe-Signature"
)

type Ledger interface {
	Credit(ctx context.Context, accountID uint64, req ledger.CreditRequest) (ledger.Balance, error)
	Debit(ctx context.Context, accountID uint64, req ledger.DebitRequest) (bool, error)
	GetBalance(ctx context.Context, accountID uint64) (int64, error)
	ListEntries(ctx context.Context, accountID uint64, limit int) ([]entries.Entry, error)
}

type PlanPreviewer interface {
	PreviewPlanChange(ctx context.Context, accountID uint64, targetKey string) (billing.PlanChangePreview, error)
}

type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error)
}

type Monitor interface {
	Run(ctx context.Context, now time.Time) monitor.Report
}

type DailyStats interface {
	Day(ctx context.Context, day time.Time) (map[string]int64, error)
}

// HandlerProvider exposes the ledger, billing, webhook and monitoring
// services over HTTP.
type HandlerProvider struct {
	ledger   Ledger
	plans    PlanPreviewer
	webhooks WebhookHandler
	monitor  Monitor
	stats    DailyStats
	log      *slog.Logger
	now      func() time.Time
}

func NewHandler(d Deps) *HandlerProvider {
	h := &HandlerProvider{
		ledger:   d.Ledger,
		plans:    d.Plans,
		webhooks: d.Webhooks,
		monitor:  d.Monitor,
		stats:    d.Stats,
		log:      d.Logger,
		now:      time.Now,
	}

	if h.log == nil {
		h.log = slog.Default()
	}

	return h
}

// --- Helpers ---

func (h *HandlerProvider) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		h.log.Error("failed to encode JSON response", "error", err)
	}
}

func (h *HandlerProvider) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps ledger and billing errors onto status codes. A
// missing account is a 404 only for reads; internal details never leak.
func (h *HandlerProvider) writeServiceError(w http.ResponseWriter, r *http.Request, err error, read bool) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "amount must be a positive integer")
	case errors.Is(err, ledger.ErrInvalidCategory):
		h.writeError(w, http.StatusBadRequest, "category not allowed for this operation")
	case errors.Is(err, billing.ErrUnknownPlan):
		h.writeError(w, http.StatusBadRequest, "unknown plan")
	case errors.Is(err, ledger.ErrContended):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, "account busy, retry")
	case read && errors.Is(err, ledger.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "account not found")
	default:
		h.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseAccountID reads `{accountId}` from routes like
//
//	GET  /accounts/{accountId}/balance
//	POST /accounts/{accountId}/debits
func parseAccountID(r *http.Request) (uint64, error) {
	idStr := chi.URLParam(r, "accountId")
	if idStr == "" {
		return 0, errors.New("missing accountId")
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid accountId: %w", err)
	}
	if id == 0 {
		return 0, errors.New("invalid accountId: must be positive")
	}

	return id, nil
}

type mutationRequest struct {
	Amount      int64             `json:"amount"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}

		return errors.New("invalid JSON")
	}

	return nil
}

type entryView struct {
	ID           string            `json:"id"`
	Amount       int64             `json:"amount"`
	Category     string            `json:"category"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	BalanceAfter int64             `json:"balanceAfter"`
	CreatedAt    time.Time         `json:"createdAt"`
}

func viewEntry(e entries.Entry) entryView {
	return entryView{
		ID:           e.ID.String(),
		Amount:       e.Amount,
		Category:     string(e.Category),
		Description:  e.Description,
		Metadata:     e.Metadata,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    e.CreatedAt,
	}
}

// --- Handlers ---

// GetBalanceHandler handles GET /accounts/{accountId}/balance
func (h *HandlerProvider) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	bal, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err, true)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"balance":   bal,
	})
}

// ListEntriesHandler handles GET /accounts/{accountId}/ledger?limit=N
func (h *HandlerProvider) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	list, err := h.ledger.ListEntries(r.Context(), accountID, limit)
	if err != nil {
		h.writeServiceError(w, r, err, true)
		return
	}

	out := make([]entryView, 0, len(list))
	for _, e := range list {
		out = append(out, viewEntry(e))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"entries":   out,
	})
}

// PlanChangePreviewHandler handles GET /accounts/{accountId}/plan-change-preview?plan=KEY
func (h *HandlerProvider) PlanChangePreviewHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	plan := r.URL.Query().Get("plan")
	if plan == "" {
		h.writeError(w, http.StatusBadRequest, "plan query parameter required")
		return
	}

	preview, err := h.plans.PreviewPlanChange(r.Context(), accountID, plan)
	if err != nil {
		h.writeServiceError(w, r, err, true)
		return
	}

	h.writeJSON(w, http.StatusOK, preview)
}

// CreditHandler handles POST /accounts/{accountId}/credits
func (h *HandlerProvider) CreditHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req mutationRequest
	err = decodeBody(w, r, &req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bal, err := h.ledger.Credit(r.Context(), accountID, ledger.CreditRequest{
		Amount:      req.Amount,
		Category:    entries.Category(req.Category),
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err, false)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"balance":   bal.Balance,
		"entry":     viewEntry(bal.Entry),
	})
}

// DebitHandler handles POST /accounts/{accountId}/debits. An insufficient
// balance is the paywall signal, not a failure.
func (h *HandlerProvider) DebitHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseAccountID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req mutationRequest
	err = decodeBody(w, r, &req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := h.ledger.Debit(r.Context(), accountID, ledger.DebitRequest{
		Amount:      req.Amount,
		Category:    entries.Category(req.Category),
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err, false)
		return
	}

	if !applied {
		h.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient credits",
			"paywall": true,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"applied":   true,
	})
}

// StripeWebhookHandler handles POST /webhooks/stripe. Any 2xx tells Stripe
// to stop redelivering, so only verified and recorded events get one.
func (h *HandlerProvider) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	outcome, err := h.webhooks.Handle(r.Context(), payload, r.Header.Get(stripeSignatureHead))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}

		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"status":   outcome,
	})
}

// MonitoringReportHandler handles GET /monitoring/report
func (h *HandlerProvider) MonitoringReportHandler(w http.ResponseWriter, r *http.Request) {
	rep := h.monitor.Run(r.Context(), h.now())
	h.writeJSON(w, http.StatusOK, rep)
}

// DailyStatsHandler handles GET /monitoring/daily?day=YYYY-MM-DD. The day
// defaults to today in UTC.
func (h *HandlerProvider) DailyStatsHandler(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.writeError(w, http.StatusServiceUnavailable, "daily stats disabled")
		return
	}

	day := h.now().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(dailystats.DayLayout, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	counters, err := h.stats.Day(r.Context(), day)
	if err != nil {
		h.log.ErrorContext(r.Context(), "read daily stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"day":      day.Format(dailystats.DayLayout),
		"counters": counters,
	})
}
