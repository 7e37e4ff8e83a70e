package accounts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

// IncreaseBalance adds amount and returns the new balance.
func (r *accountsRepo) IncreaseBalance(ctx context.Context, tx *sql.Tx, accountID uint64, amount int64) (int64, error) {
	var balance int64

	err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = now()
		WHERE id = $1
		RETURNING balance
	`, accountID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrAccountNotFound
		}

		return 0, mapWriteErr("increase balance", err)
	}

	return balance, nil
}
