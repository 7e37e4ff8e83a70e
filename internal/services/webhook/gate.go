// Package webhook admits externally delivered payment events exactly once.
package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	"github.com/fastprodman/creditledger/internal/repos/events"
	pgevents "github.com/fastprodman/creditledger/internal/repos/events/postgres"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Event is one inbound delivery. AccountID may be filled in by the effect
// once the account is resolved.
type Event struct {
	ID        string
	Type      string
	AccountID *uint64
	Payload   []byte
	CreatedAt *time.Time
}

// Effect runs the business action for ev inside tx and reports whether it
// was processed or deliberately ignored. A returned error aborts tx and
// leaves the event unrecorded so the sender retries.
type Effect func(ctx context.Context, tx *sql.Tx, ev *Event) (Outcome, error)

type Admitter interface {
	Admit(ctx context.Context, ev Event, effect Effect) (Outcome, error)
}

type Gate struct {
	db     *sql.DB
	events events.Events
	log    *slog.Logger
}

func NewGate(db *sql.DB, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}

	return &Gate{db: db, events: pgevents.New(db), log: log}
}

// Admit runs effect at most once per event id:
//
// 1) Known event id: skip everything.
// 2) Run the effect and record the event id in one transaction.
// 3) A concurrent delivery that recorded first wins; ours rolls back,
// whether it failed on the event insert or inside the effect.
func (g *Gate) Admit(ctx context.Context, ev Event, effect Effect) (Outcome, error) {
	if ev.ID == "" {
		return "", errors.New("admit: event id is empty")
	}

	seen, err := g.events.Exists(ctx, ev.ID)
	if err != nil {
		return "", fmt.Errorf("admit %s: %w", ev.ID, err)
	}

	if seen {
		g.log.InfoContext(ctx, "duplicate event skipped", "event_id", ev.ID, "type", ev.Type)
		return OutcomeDuplicate, nil
	}

	outcome := OutcomeIgnored

	err = pgutils.WithTx(ctx, g.db, func(tx *sql.Tx) error {
		if effect != nil {
			var err error

			outcome, err = effect(ctx, tx, &ev)
			if err != nil {
				return fmt.Errorf("effect: %w", err)
			}
		}

		return g.events.Insert(ctx, tx, &events.ProcessedEvent{
			EventID:        ev.ID,
			EventType:      ev.Type,
			AccountID:      ev.AccountID,
			Payload:        ev.Payload,
			EventCreatedAt: ev.CreatedAt,
		})
	})
	if err != nil {
		if errors.Is(err, events.ErrDuplicateEvent) || g.recordedMeanwhile(ctx, ev.ID) {
			g.log.InfoContext(ctx, "concurrent duplicate rolled back", "event_id", ev.ID, "type", ev.Type)
			return OutcomeDuplicate, nil
		}

		return "", fmt.Errorf("admit %s: %w", ev.ID, err)
	}

	return outcome, nil
}

// recordedMeanwhile reports whether another delivery of id committed while
// ours was running.
func (g *Gate) recordedMeanwhile(ctx context.Context, id string) bool {
	seen, err := g.events.Exists(ctx, id)
	if err != nil {
		g.log.WarnContext(ctx, "duplicate recheck failed", "event_id", id, "error", err)
		return false
	}

	return seen
}
