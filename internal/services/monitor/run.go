package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/infra/metrics"
)

// Report is the result of one monitoring run. A failed check is listed in
// Errors and leaves its section empty; the other checks still run.
type Report struct {
	At                time.Time            `json:"at"`
	MissedAllocations []MissedAllocation   `json:"missedAllocations"`
	Webhooks          WebhookHealth        `json:"webhooks"`
	PaymentFailures   PaymentFailureHealth `json:"paymentFailures"`
	Reconciliation    Reconciliation       `json:"reconciliation"`
	Alerts            int                  `json:"alerts"`
	Errors            []string             `json:"errors,omitempty"`
}

// Healthy reports whether the run found nothing to alert on.
func (r Report) Healthy() bool {
	return r.Alerts == 0 && len(r.Errors) == 0
}

// Run executes every check, emits one alert per anomaly and updates the
// monitoring gauges.
func (m *Monitor) Run(ctx context.Context, now time.Time) Report {
	now = now.UTC()
	rep := Report{At: now}

	failed := func(check string, err error) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", check, err))
		m.log.ErrorContext(ctx, "monitor check failed", "check", check, "error", err)
	}

	missed, err := m.MissedAllocations(ctx, now)
	if err != nil {
		failed("missed_allocations", err)
	}
	rep.MissedAllocations = missed

	for _, ma := range missed {
		m.emit(ctx, &rep, alerting.Alert{
			Kind:      alerting.KindMissedAllocation,
			AccountID: alerting.AccountRef(ma.AccountID),
			Message:   "active subscriber has no allocation inside the allocation window",
			Details: map[string]string{
				"plan":    ma.Plan,
				"since":   ma.Since.Format(time.RFC3339),
				"overdue": time.Duration(ma.Overdue).String(),
			},
		})
	}

	wh, err := m.WebhookHealth(ctx, now)
	if err != nil {
		failed("webhooks", err)
	}
	rep.Webhooks = wh

	if wh.Silent && err == nil {
		details := map[string]string{"window": m.cfg.WebhookSilenceWindow.String()}
		if wh.LastProcessedAt != nil {
			details["last_processed_at"] = wh.LastProcessedAt.Format(time.RFC3339)
		}

		m.emit(ctx, &rep, alerting.Alert{
			Kind:    alerting.KindWebhookSilent,
			Message: "no webhook event processed inside the silence window",
			Details: details,
		})
	}
	if wh.Delayed {
		m.emit(ctx, &rep, alerting.Alert{
			Kind:    alerting.KindWebhookDelayed,
			Message: "webhook events are processed late",
			Details: map[string]string{
				"max_delay": time.Duration(wh.MaxDelay).String(),
				"allowed":   m.cfg.WebhookMaxDelay.String(),
			},
		})
	}

	pf, err := m.PaymentFailures(ctx)
	if err != nil {
		failed("payment_failures", err)
	}
	rep.PaymentFailures = pf

	if pf.Degraded {
		m.emit(ctx, &rep, alerting.Alert{
			Kind:    alerting.KindPaymentFailures,
			Message: "payment failure rate above threshold",
			Details: map[string]string{
				"active":    strconv.Itoa(pf.Active),
				"failing":   strconv.Itoa(pf.Failing),
				"rate":      strconv.FormatFloat(pf.Rate, 'f', 4, 64),
				"threshold": strconv.FormatFloat(m.cfg.PaymentFailureThreshold, 'f', 4, 64),
			},
		})
	}

	rec, err := m.Reconcile(ctx)
	if err != nil {
		failed("reconciliation", err)
	}
	rep.Reconciliation = rec

	for _, d := range rec.Drifts {
		m.emit(ctx, &rep, alerting.Alert{
			Kind:      alerting.KindBalanceDrift,
			AccountID: alerting.AccountRef(d.AccountID),
			Message:   "stored balance does not match the ledger",
			Details: map[string]string{
				"stored_balance":     strconv.FormatInt(d.StoredBalance, 10),
				"entry_sum":          strconv.FormatInt(d.EntrySum, 10),
				"last_balance_after": strconv.FormatInt(d.LastBalanceAfter, 10),
			},
		})
	}

	for _, b := range rec.BrokenChains {
		m.emit(ctx, &rep, alerting.Alert{
			Kind:      alerting.KindBrokenChain,
			AccountID: alerting.AccountRef(b.AccountID),
			Message:   "ledger entry balance_after does not follow the previous entry",
			Details: map[string]string{
				"entry_id":      b.EntryID,
				"seq":           strconv.FormatInt(b.Seq, 10),
				"prev_balance":  strconv.FormatInt(b.PrevBalance, 10),
				"amount":        strconv.FormatInt(b.Amount, 10),
				"balance_after": strconv.FormatInt(b.BalanceAfter, 10),
			},
		})
	}

	if m.gauges != nil {
		m.gauges.SetMonitor(metrics.MonitorSnapshot{
			MissedAllocations:  len(rep.MissedAllocations),
			DriftedAccounts:    len(rec.Drifts),
			BrokenChains:       len(rec.BrokenChains),
			WebhookDegraded:    wh.Degraded(),
			PaymentFailureRate: pf.Rate,
			At:                 now,
		})
	}

	m.log.InfoContext(ctx, "monitor run finished",
		"alerts", rep.Alerts,
		"errors", len(rep.Errors),
		"accounts_checked", rec.Checked,
	)

	return rep
}

func (m *Monitor) emit(ctx context.Context, rep *Report, a alerting.Alert) {
	a.At = rep.At
	rep.Alerts++

	err := m.alerter.Alert(ctx, a)
	if err != nil {
		m.log.ErrorContext(ctx, "deliver alert", "kind", a.Kind, "error", err)
	}
}
