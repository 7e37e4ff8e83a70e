package pgutils

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WithTx runs fn inside a transaction.
// It commits if fn returns nil, otherwise it rolls back. A panic in fn
// rolls back and is re-raised.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil) // default isolation level
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	err = fn(tx)
	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			return fmt.Errorf("rollback after fn error: %v (fn err: %w)", rbErr, err)
		}
		return fmt.Errorf("fn: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SetLockTimeout bounds lock waits for the rest of tx. A zero or negative d
// leaves the server default in place.
func SetLockTimeout(ctx context.Context, tx *sql.Tx, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", d.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	return nil
}
