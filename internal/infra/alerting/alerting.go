// Package alerting delivers reconciliation anomalies to humans. Alerts are
// reports only; nothing downstream corrects balances automatically.
package alerting

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Kind string

const (
	KindMissedAllocation Kind = "missed_allocation"
	KindBalanceDrift     Kind = "balance_drift"
	KindBrokenChain      Kind = "broken_chain"
	KindWebhookSilent    Kind = "webhook_silent"
	KindWebhookDelayed   Kind = "webhook_delayed"
	KindPaymentFailures  Kind = "payment_failures"
	KindRefundShortfall  Kind = "refund_shortfall"
	KindPartialRefund    Kind = "partial_refund"
	KindUnknownCharge    Kind = "unknown_charge"
)

// Alert is one reconciliation anomaly.
type Alert struct {
	Kind      Kind              `json:"kind"`
	AccountID *uint64           `json:"account_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	At        time.Time         `json:"at"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts as structured error logs.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}

	return &LogAlerter{log: log}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	attrs := []any{"kind", string(a.Kind), "at", a.At}
	if a.AccountID != nil {
		attrs = append(attrs, "account_id", *a.AccountID)
	}
	for k, v := range a.Details {
		attrs = append(attrs, k, v)
	}

	l.log.ErrorContext(ctx, "reconciliation anomaly: "+a.Message, attrs...)

	return nil
}

type multi []Alerter

// Multi sends every alert to each alerter and joins their errors.
func Multi(alerters ...Alerter) Alerter {
	out := make(multi, 0, len(alerters))
	for _, a := range alerters {
		if a != nil {
			out = append(out, a)
		}
	}

	return out
}

func (m multi) Alert(ctx context.Context, a Alert) error {
	var errs []error

	for _, al := range m {
		err := al.Alert(ctx, a)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AccountRef is a convenience for filling Alert.AccountID.
func AccountRef(id uint64) *uint64 {
	return &id
}
