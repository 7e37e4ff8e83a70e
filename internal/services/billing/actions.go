package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/infra/dailystats"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/fastprodman/creditledger/internal/services/ledger"
)

const (
	ReasonRefund  = "refund"
	ReasonDispute = "dispute"
)

// Allocate grants the plan's monthly credits for a paid invoice and marks
// the subscription active. An invoice is allocated at most once.
func (s *Service) Allocate(ctx context.Context, tx *sql.Tx, accountID uint64, invoiceID, planKey string, periodStart time.Time) (Result, error) {
	plan, ok := s.plans.Get(planKey)
	if !ok {
		return Result{}, fmt.Errorf("allocate %q: %w", planKey, ErrUnknownPlan)
	}

	acct, err := s.accounts.LockAccount(ctx, tx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("lock account: %w", err)
	}

	sub := accounts.Subscription{Plan: plan.Key, Status: accounts.StatusActive}
	if acct.SubscriptionStatus != accounts.StatusActive || acct.SubscriptionStartedAt == nil {
		sub.StartedAt = &periodStart
	}

	err = s.accounts.SetSubscription(ctx, tx, accountID, sub)
	if err != nil {
		return Result{}, fmt.Errorf("activate subscription: %w", err)
	}

	err = s.accounts.ResetPaymentFailures(ctx, tx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("reset payment failures: %w", err)
	}

	_, err = s.entries.FindByInvoiceID(ctx, tx, entries.CategoryAllocation, invoiceID)
	switch {
	case err == nil:
		return Result{Outcome: AlreadyApplied, AccountID: accountID, Balance: acct.Balance}, nil
	case !errors.Is(err, entries.ErrEntryNotFound):
		return Result{}, fmt.Errorf("find allocation: %w", err)
	}

	if plan.MonthlyCredits == 0 {
		return Result{Outcome: Applied, AccountID: accountID, Balance: acct.Balance}, nil
	}

	bal, err := s.ledger.CreditTx(ctx, tx, accountID, ledger.CreditRequest{
		Amount:      plan.MonthlyCredits,
		Category:    entries.CategoryAllocation,
		Description: "monthly allocation: " + plan.Key,
		Metadata: map[string]string{
			entries.MetaInvoiceID: invoiceID,
			"plan":                plan.Key,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("credit allocation: %w", err)
	}

	return Result{Outcome: Applied, AccountID: accountID, Balance: bal.Balance}, nil
}

// Purchase credits a one-off purchase. A charge credits at most once.
func (s *Service) Purchase(ctx context.Context, tx *sql.Tx, accountID uint64, chargeRef string, credits int64) (Result, error) {
	if chargeRef == "" {
		return Result{}, errors.New("purchase without charge reference")
	}

	// Concurrent deliveries of the same charge queue here and see the
	// winner's entry once they hold the lock.
	_, err := s.accounts.LockAccount(ctx, tx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("lock account: %w", err)
	}

	prior, err := s.entries.FindByChargeRef(ctx, tx, entries.CategoryPurchase, chargeRef)
	switch {
	case err == nil:
		return Result{Outcome: AlreadyApplied, AccountID: prior.AccountID, Balance: prior.BalanceAfter}, nil
	case !errors.Is(err, entries.ErrEntryNotFound):
		return Result{}, fmt.Errorf("find purchase: %w", err)
	}

	bal, err := s.ledger.CreditTx(ctx, tx, accountID, ledger.CreditRequest{
		Amount:      credits,
		Category:    entries.CategoryPurchase,
		Description: fmt.Sprintf("purchase of %d credits", credits),
		Metadata:    map[string]string{entries.MetaChargeRef: chargeRef},
	})
	if err != nil {
		return Result{}, fmt.Errorf("credit purchase: %w", err)
	}

	return Result{Outcome: Applied, AccountID: accountID, Balance: bal.Balance}, nil
}

// Reversal describes a refund or dispute of an earlier charge. Amounts are
// in the charge currency's minor units and only used to detect partial
// refunds; the reversed credit count always comes from the ledger.
type Reversal struct {
	ChargeRef      string
	Reason         string
	AmountCharged  int64
	AmountReversed int64
}

// ReverseCharge debits the credits granted by the original purchase of
// r.ChargeRef. It never prorates and never drives a balance negative: a
// partial refund or a balance below the original credit is reported as an
// anomaly and leaves the ledger untouched.
func (s *Service) ReverseCharge(ctx context.Context, tx *sql.Tx, r Reversal) (Result, error) {
	original, err := s.entries.FindByChargeRef(ctx, tx, entries.CategoryPurchase, r.ChargeRef)
	if err != nil {
		if errors.Is(err, entries.ErrEntryNotFound) {
			s.alert(ctx, alerting.Alert{
				Kind:    alerting.KindUnknownCharge,
				Message: "reversal of a charge with no purchase entry",
				Details: map[string]string{entries.MetaChargeRef: r.ChargeRef, "reason": r.Reason},
			})

			return Result{}, fmt.Errorf("reverse %s: %w", r.ChargeRef, ErrUnknownCharge)
		}

		return Result{}, fmt.Errorf("find purchase: %w", err)
	}

	accountID := original.AccountID

	_, err = s.accounts.LockAccount(ctx, tx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("lock account: %w", err)
	}

	prior, err := s.entries.FindByChargeRef(ctx, tx, entries.CategoryRefund, r.ChargeRef)
	switch {
	case err == nil:
		return Result{Outcome: AlreadyApplied, AccountID: prior.AccountID, Balance: prior.BalanceAfter}, nil
	case !errors.Is(err, entries.ErrEntryNotFound):
		return Result{}, fmt.Errorf("find reversal: %w", err)
	}

	details := map[string]string{
		entries.MetaChargeRef: r.ChargeRef,
		"reason":              r.Reason,
		"original_entry_id":   original.ID.String(),
		"original_credits":    strconv.FormatInt(original.Amount, 10),
	}

	if r.Reason == ReasonRefund && r.AmountCharged > 0 && r.AmountReversed < r.AmountCharged {
		details["amount_charged"] = strconv.FormatInt(r.AmountCharged, 10)
		details["amount_refunded"] = strconv.FormatInt(r.AmountReversed, 10)

		s.alert(ctx, alerting.Alert{
			Kind:      alerting.KindPartialRefund,
			AccountID: alerting.AccountRef(accountID),
			Message:   "partial refund needs manual review",
			Details:   details,
		})
		s.stats.Record(ctx, dailystats.RefundAnomalies, 1)

		return Result{Outcome: Anomaly, AccountID: accountID}, nil
	}

	bal, ok, err := s.ledger.DebitTx(ctx, tx, accountID, ledger.DebitRequest{
		Amount:      original.Amount,
		Category:    entries.CategoryRefund,
		Description: fmt.Sprintf("%s of charge %s", r.Reason, r.ChargeRef),
		Metadata: map[string]string{
			entries.MetaChargeRef: r.ChargeRef,
			"reason":              r.Reason,
			"original_entry_id":   original.ID.String(),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("debit reversal: %w", err)
	}

	if !ok {
		details["balance"] = strconv.FormatInt(bal.Balance, 10)

		s.alert(ctx, alerting.Alert{
			Kind:      alerting.KindRefundShortfall,
			AccountID: alerting.AccountRef(accountID),
			Message:   "balance below reversed credits, no reversal applied",
			Details:   details,
		})
		s.stats.Record(ctx, dailystats.RefundAnomalies, 1)

		return Result{Outcome: Anomaly, AccountID: accountID, Balance: bal.Balance}, nil
	}

	return Result{Outcome: Applied, AccountID: accountID, Balance: bal.Balance}, nil
}

// RecordPaymentFailure bumps the account's failure counter, moving an
// active subscription to past_due, and returns the new count.
func (s *Service) RecordPaymentFailure(ctx context.Context, tx *sql.Tx, accountID uint64) (int, error) {
	n, err := s.accounts.IncrementPaymentFailures(ctx, tx, accountID)
	if err != nil {
		return 0, fmt.Errorf("record payment failure: %w", err)
	}

	return n, nil
}

// ChangePlan moves the account to targetKey. A downgrade forfeits the
// credits PreviewPlanChange reports, recorded as a system debit.
func (s *Service) ChangePlan(ctx context.Context, tx *sql.Tx, accountID uint64, targetKey string, status accounts.SubscriptionStatus) (Result, error) {
	target, ok := s.plans.Get(targetKey)
	if !ok {
		return Result{}, fmt.Errorf("change plan to %q: %w", targetKey, ErrUnknownPlan)
	}

	acct, err := s.accounts.LockAccount(ctx, tx, accountID)
	if err != nil {
		return Result{}, fmt.Errorf("lock account: %w", err)
	}

	balance := acct.Balance
	preview := s.preview(acct, target)

	if preview.CreditsLost > 0 {
		bal, ok, err := s.ledger.DebitTx(ctx, tx, accountID, ledger.DebitRequest{
			Amount:      preview.CreditsLost,
			Category:    entries.CategorySystem,
			Description: fmt.Sprintf("plan downgrade %s -> %s", preview.CurrentPlan, target.Key),
			Metadata: map[string]string{
				"reason":    "plan_downgrade",
				"plan_from": preview.CurrentPlan,
				"plan_to":   target.Key,
			},
		})
		if err != nil {
			return Result{}, fmt.Errorf("debit downgrade loss: %w", err)
		}
		if !ok {
			return Result{}, errors.New("debit downgrade loss: balance changed under lock")
		}

		balance = bal.Balance
	}

	if status == "" {
		status = acct.SubscriptionStatus
	}

	err = s.accounts.SetSubscription(ctx, tx, accountID, accounts.Subscription{Plan: target.Key, Status: status})
	if err != nil {
		return Result{}, fmt.Errorf("set subscription: %w", err)
	}

	return Result{Outcome: Applied, AccountID: accountID, Balance: balance}, nil
}

func (s *Service) CancelSubscription(ctx context.Context, tx *sql.Tx, accountID uint64) error {
	acct, err := s.accounts.LockAccount(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	err = s.accounts.SetSubscription(ctx, tx, accountID, accounts.Subscription{
		Plan:   acct.Plan,
		Status: accounts.StatusCanceled,
	})
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	return nil
}
