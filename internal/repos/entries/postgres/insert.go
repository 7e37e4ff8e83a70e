package entries

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/google/uuid"
)

// Insert appends e inside tx and fills in ID (when zero), Seq and CreatedAt.
func (r *entriesRepo) Insert(ctx context.Context, tx *sql.Tx, e *entries.Entry) error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new entry id: %w", err)
		}

		e.ID = id
	}

	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, category, description, metadata, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		RETURNING seq, created_at
	`, e.ID, e.AccountID, e.Amount, string(e.Category), e.Description, string(rawMeta), e.BalanceAfter,
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		if pgutils.HasCode(err, pgutils.CodeUniqueViolation) {
			return fmt.Errorf("insert entry (%s): %w", pgutils.ConstraintName(err), entries.ErrDuplicateReference)
		}

		return fmt.Errorf("insert entry: %w", err)
	}

	return nil
}
