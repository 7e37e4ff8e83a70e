package accounts

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

var _ accounts.Accounts = (*accountsRepo)(nil)

type accountsRepo struct{ db *sql.DB }

func New(db *sql.DB) *accountsRepo {
	return &accountsRepo{db: db}
}

const accountColumns = `
	id, email, COALESCE(stripe_customer_id, ''), COALESCE(plan, ''),
	subscription_status, subscription_started_at, payment_failures,
	balance, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*accounts.Account, error) {
	var (
		a       accounts.Account
		status  string
		started sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.Email, &a.StripeCustomerID, &a.Plan,
		&status, &started, &a.PaymentFailures,
		&a.Balance, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accounts.ErrAccountNotFound
		}

		return nil, err
	}

	a.SubscriptionStatus = accounts.SubscriptionStatus(status)
	if started.Valid {
		t := started.Time
		a.SubscriptionStartedAt = &t
	}

	return &a, nil
}

// mapWriteErr translates lock and constraint failures on the accounts row.
func mapWriteErr(op string, err error) error {
	switch {
	case pgutils.HasCode(err, pgutils.CodeLockNotAvailable):
		return fmt.Errorf("%s: %w", op, accounts.ErrLockTimeout)
	case pgutils.HasCode(err, pgutils.CodeCheckViolation):
		return fmt.Errorf("%s: %w", op, accounts.ErrNegativeBalance)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
