package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/entries"
)

// ListByAccount returns the newest entries first.
func (r *entriesRepo) ListByAccount(ctx context.Context, accountID uint64, limit int) ([]entries.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := make([]entries.Entry, 0, limit)

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		out = append(out, *e)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return out, nil
}

// FindByChargeRef locates the entry of the given category created for an
// external charge.
func (r *entriesRepo) FindByChargeRef(ctx context.Context, tx *sql.Tx, category entries.Category, chargeRef string) (*entries.Entry, error) {
	return r.findByMeta(ctx, tx, category, entries.MetaChargeRef, chargeRef)
}

func (r *entriesRepo) FindByInvoiceID(ctx context.Context, tx *sql.Tx, category entries.Category, invoiceID string) (*entries.Entry, error) {
	return r.findByMeta(ctx, tx, category, entries.MetaInvoiceID, invoiceID)
}

func (r *entriesRepo) findByMeta(ctx context.Context, tx *sql.Tx, category entries.Category, key, value string) (*entries.Entry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE category = $1
		  AND metadata ->> $2 = $3
		ORDER BY seq
		LIMIT 1
	`, string(category), key, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entries.ErrEntryNotFound
		}

		return nil, fmt.Errorf("find by %s: %w", key, err)
	}

	return e, nil
}
