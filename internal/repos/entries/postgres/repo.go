package entries

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fastprodman/creditledger/internal/repos/entries"
)

var _ entries.Entries = (*entriesRepo)(nil)

type entriesRepo struct{ db *sql.DB }

func New(db *sql.DB) *entriesRepo {
	return &entriesRepo{db: db}
}

const entryColumns = `
	id, seq, account_id, amount, category, description, metadata, balance_after, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*entries.Entry, error) {
	var (
		e        entries.Entry
		category string
		meta     []byte
	)

	err := row.Scan(
		&e.ID, &e.Seq, &e.AccountID, &e.Amount, &category,
		&e.Description, &meta, &e.BalanceAfter, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Category = entries.Category(category)

	if len(meta) > 0 {
		err = json.Unmarshal(meta, &e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &e, nil
}
