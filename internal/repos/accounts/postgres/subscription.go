package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

func (r *accountsRepo) SetSubscription(ctx context.Context, tx *sql.Tx, accountID uint64, sub accounts.Subscription) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET plan = NULLIF($2, ''),
		    subscription_status = $3,
		    subscription_started_at = COALESCE($4, subscription_started_at),
		    updated_at = now()
		WHERE id = $1
	`, accountID, sub.Plan, string(sub.Status), sub.StartedAt)
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}

	return requireRow(res)
}

func (r *accountsRepo) IncrementPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) (int, error) {
	var failures int

	err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET payment_failures = payment_failures + 1,
		    subscription_status = CASE WHEN subscription_status = 'active' THEN 'past_due' ELSE subscription_status END,
		    updated_at = now()
		WHERE id = $1
		RETURNING payment_failures
	`, accountID).Scan(&failures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrAccountNotFound
		}

		return 0, fmt.Errorf("increment payment failures: %w", err)
	}

	return failures, nil
}

func (r *accountsRepo) ResetPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET payment_failures = 0, updated_at = now()
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("reset payment failures: %w", err)
	}

	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return accounts.ErrAccountNotFound
	}

	return nil
}
