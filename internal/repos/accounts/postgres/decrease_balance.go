package accounts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
)

// DecreaseBalance subtracts amount and returns the new balance. A missing
// row or a balance below amount both yield ErrInsufficientFunds; callers
// holding the row lock have already ruled out the former.
func (r *accountsRepo) DecreaseBalance(ctx context.Context, tx *sql.Tx, accountID uint64, amount int64) (int64, error) {
	var balance int64

	err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = now()
		WHERE id = $1
		  AND balance >= $2
		RETURNING balance
	`, accountID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrInsufficientFunds
		}

		return 0, mapWriteErr("decrease balance", err)
	}

	return balance, nil
}
