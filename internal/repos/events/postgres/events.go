package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	"github.com/fastprodman/creditledger/internal/repos/events"
)

var _ events.Events = (*eventsRepo)(nil)

type eventsRepo struct{ db *sql.DB }

func New(db *sql.DB) *eventsRepo {
	return &eventsRepo{db: db}
}

func (r *eventsRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}

	return exists, nil
}

// Insert records ev as processed. A second insert of the same event id
// fails with ErrDuplicateEvent.
func (r *eventsRepo) Insert(ctx context.Context, tx *sql.Tx, ev *events.ProcessedEvent) error {
	var payload any
	if len(ev.Payload) > 0 && json.Valid(ev.Payload) {
		payload = string(ev.Payload)
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, account_id, payload, event_created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING processed_at
	`, ev.EventID, ev.EventType, ev.AccountID, payload, ev.EventCreatedAt).Scan(&ev.ProcessedAt)
	if err != nil {
		if pgutils.HasCode(err, pgutils.CodeUniqueViolation) {
			return events.ErrDuplicateEvent
		}

		return fmt.Errorf("insert processed event: %w", err)
	}

	return nil
}

func (r *eventsRepo) LatestProcessedAt(ctx context.Context) (time.Time, bool, error) {
	var at sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(processed_at) FROM processed_events
	`).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest processed event: %w", err)
	}

	return at.Time, at.Valid, nil
}

// MaxDelaySince returns the worst gap between an event's creation at the
// sender and its processing, over events processed after since.
func (r *eventsRepo) MaxDelaySince(ctx context.Context, since time.Time) (time.Duration, error) {
	var seconds sql.NullFloat64

	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(EXTRACT(EPOCH FROM (processed_at - event_created_at)))::float8
		FROM processed_events
		WHERE processed_at >= $1
		  AND event_created_at IS NOT NULL
	`, since).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("max event delay: %w", err)
	}

	if !seconds.Valid || seconds.Float64 < 0 {
		return 0, nil
	}

	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}
