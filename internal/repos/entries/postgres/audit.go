package entries

import (
	"context"
	"fmt"
	"time"

	"github.com/fastprodman/creditledger/internal/repos/entries"
)

// LatestByCategory maps each account to the creation time of its newest
// entry in category. Accounts without such an entry are absent.
func (r *entriesRepo) LatestByCategory(ctx context.Context, category entries.Category) (map[uint64]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, MAX(created_at)
		FROM ledger_entries
		WHERE category = $1
		GROUP BY account_id
	`, string(category))
	if err != nil {
		return nil, fmt.Errorf("latest by category: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]time.Time)

	for rows.Next() {
		var (
			id uint64
			at time.Time
		)

		err = rows.Scan(&id, &at)
		if err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}

		out[id] = at
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate latest: %w", err)
	}

	return out, nil
}

// Summaries replays every account's ledger in one pass.
func (r *entriesRepo) Summaries(ctx context.Context) ([]entries.AccountSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			a.id,
			a.balance,
			COALESCE(s.total, 0),
			COALESCE(s.cnt, 0),
			COALESCE(l.balance_after, 0)
		FROM accounts a
		LEFT JOIN (
			SELECT account_id, SUM(amount) AS total, COUNT(*) AS cnt
			FROM ledger_entries
			GROUP BY account_id
		) s ON s.account_id = a.id
		LEFT JOIN LATERAL (
			SELECT e.balance_after
			FROM ledger_entries e
			WHERE e.account_id = a.id
			ORDER BY e.seq DESC
			LIMIT 1
		) l ON true
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger summaries: %w", err)
	}
	defer rows.Close()

	var out []entries.AccountSummary

	for rows.Next() {
		var s entries.AccountSummary

		err = rows.Scan(&s.AccountID, &s.StoredBalance, &s.EntrySum, &s.EntryCount, &s.LastBalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}

		out = append(out, s)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}

	return out, nil
}

func (r *entriesRepo) BrokenChains(ctx context.Context) ([]entries.ChainBreak, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, id, seq, prev_balance, amount, balance_after
		FROM (
			SELECT
				account_id, id, seq, amount, balance_after,
				LAG(balance_after, 1, 0::bigint) OVER (PARTITION BY account_id ORDER BY seq) AS prev_balance
			FROM ledger_entries
		) chained
		WHERE prev_balance + amount <> balance_after
		ORDER BY account_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("broken chains: %w", err)
	}
	defer rows.Close()

	var out []entries.ChainBreak

	for rows.Next() {
		var b entries.ChainBreak

		err = rows.Scan(&b.AccountID, &b.EntryID, &b.Seq, &b.PrevBalance, &b.Amount, &b.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("scan chain break: %w", err)
		}

		out = append(out, b)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate chain breaks: %w", err)
	}

	return out, nil
}
