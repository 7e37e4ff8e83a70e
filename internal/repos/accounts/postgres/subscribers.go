package accounts

import (
	"context"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

// ListActiveSubscribers returns accounts expected to receive periodic
// allocations: active or past_due subscriptions.
func (r *accountsRepo) ListActiveSubscribers(ctx context.Context) ([]accounts.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE subscription_status IN ('active', 'past_due')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	defer rows.Close()

	var out []accounts.Account

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}

		out = append(out, *a)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}

	return out, nil
}

func (r *accountsRepo) PaymentFailureStats(ctx context.Context) (accounts.FailureStats, error) {
	var st accounts.FailureStats

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE payment_failures > 0)
		FROM accounts
		WHERE subscription_status IN ('active', 'past_due')
	`).Scan(&st.Active, &st.Failing)
	if err != nil {
		return accounts.FailureStats{}, fmt.Errorf("payment failure stats: %w", err)
	}

	return st, nil
}
