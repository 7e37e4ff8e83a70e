package accounts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

// LockAndGetBalance takes the row lock for accountID and returns the
// balance as seen under that lock.
func (r *accountsRepo) LockAndGetBalance(ctx context.Context, tx *sql.Tx, accountID uint64) (int64, error) {
	var balance int64

	err := tx.QueryRowContext(ctx, `
		SELECT balance
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrAccountNotFound
		}

		return 0, mapWriteErr("lock/get balance", err)
	}

	return balance, nil
}

// LockAccount is LockAndGetBalance for callers that also need the billing
// state of the locked row.
func (r *accountsRepo) LockAccount(ctx context.Context, tx *sql.Tx, accountID uint64) (*accounts.Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, err
		}

		return nil, mapWriteErr("lock account", err)
	}

	return a, nil
}
