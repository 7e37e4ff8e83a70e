package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

func (r *accountsRepo) Get(ctx context.Context, accountID uint64) (*accounts.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID))
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("get account: %w", err)
	}

	return a, nil
}

func (r *accountsRepo) GetByStripeCustomer(ctx context.Context, tx *sql.Tx, customerID string) (*accounts.Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE stripe_customer_id = $1
	`, customerID))
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("get account by customer: %w", err)
	}

	return a, nil
}
