package events

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrDuplicateEvent = errors.New("duplicate event")

// ProcessedEvent is the dedup record of one externally delivered event.
type ProcessedEvent struct {
	EventID        string
	EventType      string
	AccountID      *uint64
	Payload        []byte
	EventCreatedAt *time.Time
	ProcessedAt    time.Time
}

type Events interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, tx *sql.Tx, ev *ProcessedEvent) error

	LatestProcessedAt(ctx context.Context) (time.Time, bool, error)
	MaxDelaySince(ctx context.Context, since time.Time) (time.Duration, error)
}
