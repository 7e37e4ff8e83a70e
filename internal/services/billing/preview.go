package billing

import (
	"context"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

type PlanChangePreview struct {
	AccountID             uint64 `json:"accountId"`
	CurrentPlan           string `json:"currentPlan"`
	TargetPlan            string `json:"targetPlan"`
	Balance               int64  `json:"balance"`
	CurrentMonthlyCredits int64  `json:"currentMonthlyCredits"`
	TargetMonthlyCredits  int64  `json:"targetMonthlyCredits"`
	Downgrade             bool   `json:"downgrade"`
	CreditsLost           int64  `json:"creditsLost"`
}

// PreviewPlanChange computes what moving to targetKey would cost without
// changing anything.
func (s *Service) PreviewPlanChange(ctx context.Context, accountID uint64, targetKey string) (PlanChangePreview, error) {
	target, ok := s.plans.Get(targetKey)
	if !ok {
		return PlanChangePreview{}, fmt.Errorf("preview %q: %w", targetKey, ErrUnknownPlan)
	}

	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return PlanChangePreview{}, fmt.Errorf("get account: %w", err)
	}

	return s.preview(acct, target), nil
}

// preview: a downgrade keeps at most the target plan's monthly allocation.
// Moving from no plan, or to an equal or larger plan, loses nothing.
func (s *Service) preview(acct *accounts.Account, target Plan) PlanChangePreview {
	p := PlanChangePreview{
		AccountID:            acct.ID,
		CurrentPlan:          acct.Plan,
		TargetPlan:           target.Key,
		Balance:              acct.Balance,
		TargetMonthlyCredits: target.MonthlyCredits,
	}

	current, ok := s.plans.Get(acct.Plan)
	if !ok {
		return p
	}

	p.CurrentMonthlyCredits = current.MonthlyCredits
	p.Downgrade = target.MonthlyCredits < current.MonthlyCredits

	if p.Downgrade {
		p.CreditsLost = max(0, acct.Balance-target.MonthlyCredits)
	}

	return p
}
