// Package monitor runs the read-only health and reconciliation checks over
// the ledger. It reports anomalies and never corrects a balance.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/creditledger/internal/config"
	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/infra/metrics"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
)

type AccountSource interface {
	ListActiveSubscribers(ctx context.Context) ([]accounts.Account, error)
	PaymentFailureStats(ctx context.Context) (accounts.FailureStats, error)
}

type EntrySource interface {
	LatestByCategory(ctx context.Context, category entries.Category) (map[uint64]time.Time, error)
	Summaries(ctx context.Context) ([]entries.AccountSummary, error)
	BrokenChains(ctx context.Context) ([]entries.ChainBreak, error)
}

type EventSource interface {
	LatestProcessedAt(ctx context.Context) (time.Time, bool, error)
	MaxDelaySince(ctx context.Context, since time.Time) (time.Duration, error)
}

type Gauges interface {
	SetMonitor(s metrics.MonitorSnapshot)
}

type Monitor struct {
	accounts AccountSource
	entries  EntrySource
	events   EventSource
	alerter  alerting.Alerter
	gauges   Gauges
	cfg      config.MonitorConfig
	log      *slog.Logger
}

type Deps struct {
	Accounts AccountSource
	Entries  EntrySource
	Events   EventSource
	Alerter  alerting.Alerter
	Gauges   Gauges
	Config   config.MonitorConfig
	Logger   *slog.Logger
}

func New(d Deps) *Monitor {
	m := &Monitor{
		accounts: d.Accounts,
		entries:  d.Entries,
		events:   d.Events,
		alerter:  d.Alerter,
		gauges:   d.Gauges,
		cfg:      d.Config,
		log:      d.Logger,
	}

	if m.log == nil {
		m.log = slog.Default()
	}
	if m.alerter == nil {
		m.alerter = alerting.NewLogAlerter(m.log)
	}

	return m
}

// MissedAllocation is an active subscriber with no allocation inside the
// allocation window.
type MissedAllocation struct {
	AccountID uint64    `json:"accountId"`
	Plan      string    `json:"plan"`
	Since     time.Time `json:"since"`
	Overdue   Duration  `json:"overdue"`
}

// MissedAllocations compares each active subscriber's latest allocation, or
// its subscription start when it has none, against period plus grace.
func (m *Monitor) MissedAllocations(ctx context.Context, now time.Time) ([]MissedAllocation, error) {
	subs, err := m.accounts.ListActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	latest, err := m.entries.LatestByCategory(ctx, entries.CategoryAllocation)
	if err != nil {
		return nil, fmt.Errorf("latest allocations: %w", err)
	}

	window := m.cfg.AllocationPeriod + m.cfg.AllocationGrace

	var out []MissedAllocation

	for _, a := range subs {
		since, ok := latest[a.ID]
		if !ok {
			switch {
			case a.SubscriptionStartedAt != nil:
				since = *a.SubscriptionStartedAt
			default:
				since = a.CreatedAt
			}
		}

		age := now.Sub(since)
		if age <= window {
			continue
		}

		out = append(out, MissedAllocation{
			AccountID: a.ID,
			Plan:      a.Plan,
			Since:     since.UTC(),
			Overdue:   Duration(age - window),
		})
	}

	return out, nil
}

type WebhookHealth struct {
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	MaxDelay        Duration   `json:"maxDelay"`
	Silent          bool       `json:"silent"`
	Delayed         bool       `json:"delayed"`
}

func (h WebhookHealth) Degraded() bool {
	return h.Silent || h.Delayed
}

// WebhookHealth reports silence when nothing was processed inside the
// silence window, and delay when an event processed inside it waited longer
// than the allowed maximum.
func (m *Monitor) WebhookHealth(ctx context.Context, now time.Time) (WebhookHealth, error) {
	var h WebhookHealth

	last, ok, err := m.events.LatestProcessedAt(ctx)
	if err != nil {
		return WebhookHealth{}, fmt.Errorf("latest processed: %w", err)
	}

	since := now.Add(-m.cfg.WebhookSilenceWindow)

	if ok {
		last = last.UTC()
		h.LastProcessedAt = &last
	}
	h.Silent = !ok || last.Before(since)

	delay, err := m.events.MaxDelaySince(ctx, since)
	if err != nil {
		return WebhookHealth{}, fmt.Errorf("max delay: %w", err)
	}

	h.MaxDelay = Duration(delay)
	h.Delayed = m.cfg.WebhookMaxDelay > 0 && delay > m.cfg.WebhookMaxDelay

	return h, nil
}

type PaymentFailureHealth struct {
	Active   int     `json:"active"`
	Failing  int     `json:"failing"`
	Rate     float64 `json:"rate"`
	Degraded bool    `json:"degraded"`
}

func (m *Monitor) PaymentFailures(ctx context.Context) (PaymentFailureHealth, error) {
	st, err := m.accounts.PaymentFailureStats(ctx)
	if err != nil {
		return PaymentFailureHealth{}, fmt.Errorf("payment failure stats: %w", err)
	}

	h := PaymentFailureHealth{Active: st.Active, Failing: st.Failing}
	if st.Active > 0 {
		h.Rate = float64(st.Failing) / float64(st.Active)
	}
	h.Degraded = h.Rate > m.cfg.PaymentFailureThreshold

	return h, nil
}

// Drift is an account whose stored balance disagrees with its ledger.
type Drift struct {
	AccountID        uint64 `json:"accountId"`
	StoredBalance    int64  `json:"storedBalance"`
	EntrySum         int64  `json:"entrySum"`
	LastBalanceAfter int64  `json:"lastBalanceAfter"`
}

type ChainBreak struct {
	AccountID    uint64 `json:"accountId"`
	EntryID      string `json:"entryId"`
	Seq          int64  `json:"seq"`
	PrevBalance  int64  `json:"prevBalance"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balanceAfter"`
}

type Reconciliation struct {
	Checked      int          `json:"checked"`
	Drifts       []Drift      `json:"drifts"`
	BrokenChains []ChainBreak `json:"brokenChains"`
}

// Reconcile replays every account's entries against its stored balance and
// checks that each balance_after follows from the entry before it.
func (m *Monitor) Reconcile(ctx context.Context) (Reconciliation, error) {
	sums, err := m.entries.Summaries(ctx)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("summaries: %w", err)
	}

	rec := Reconciliation{Checked: len(sums)}

	for _, s := range sums {
		drifted := s.EntrySum != s.StoredBalance ||
			(s.EntryCount > 0 && s.LastBalanceAfter != s.StoredBalance)
		if !drifted {
			continue
		}

		rec.Drifts = append(rec.Drifts, Drift{
			AccountID:        s.AccountID,
			StoredBalance:    s.StoredBalance,
			EntrySum:         s.EntrySum,
			LastBalanceAfter: s.LastBalanceAfter,
		})
	}

	breaks, err := m.entries.BrokenChains(ctx)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("broken chains: %w", err)
	}

	for _, b := range breaks {
		rec.BrokenChains = append(rec.BrokenChains, ChainBreak{
			AccountID:    b.AccountID,
			EntryID:      b.EntryID.String(),
			Seq:          b.Seq,
			PrevBalance:  b.PrevBalance,
			Amount:       b.Amount,
			BalanceAfter: b.BalanceAfter,
		})
	}

	return rec, nil
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
