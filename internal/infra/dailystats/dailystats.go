// Package dailystats keeps per-day counters in Redis. Counters are written
// after the ledger commits and are never read back by the ledger itself.
package dailystats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/config"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/redis/go-redis/v9"
)

const DayLayout = "2006-01-02"

const (
	CreditsGranted   = "credits_granted"
	CreditsSpent     = "credits_spent"
	EntriesWritten   = "entries_written"
	PaywallHits      = "paywall_hits"
	LockContentions  = "lock_contentions"
	WebhooksReceived = "webhooks_received"
	WebhooksDeduped  = "webhooks_deduplicated"
	WebhooksFailed   = "webhooks_failed"
	RefundAnomalies  = "refund_anomalies"
)

// Names lists every counter reported by Day.
var Names = []string{
	CreditsGranted, CreditsSpent, EntriesWritten, PaywallHits, LockContentions,
	WebhooksReceived, WebhooksDeduped, WebhooksFailed, RefundAnomalies,
}

type Stats struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

// NewClient opens a Redis client from cfg and checks it with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := rdb.Ping(pingCtx).Err()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}

func New(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Stats {
	if log == nil {
		log = slog.Default()
	}

	return &Stats{rdb: rdb, ttl: ttl, now: time.Now, log: log}
}

func Key(name string, day time.Time) string {
	return fmt.Sprintf("stats:%s:%s", name, day.UTC().Format(DayLayout))
}

// Incr adds by to today's counter and refreshes its expiry.
func (s *Stats) Incr(ctx context.Context, name string, by int64) error {
	if s == nil {
		return nil
	}

	key := Key(name, s.now())

	pipe := s.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, by)
	pipe.Expire(ctx, key, s.ttl)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("incr %s: %w", key, err)
	}

	return nil
}

// Day returns every known counter for day; missing counters read as zero.
func (s *Stats) Day(ctx context.Context, day time.Time) (map[string]int64, error) {
	keys := make([]string, len(Names))
	for i, n := range Names {
		keys[i] = Key(n, day)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget daily stats: %w", err)
	}

	out := make(map[string]int64, len(Names))

	for i, v := range vals {
		out[Names[i]] = 0

		str, ok := v.(string)
		if !ok {
			continue
		}

		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", keys[i], err)
		}

		out[Names[i]] = n
	}

	return out, nil
}

// Record is the best-effort form of Incr used on hot paths.
func (s *Stats) Record(ctx context.Context, name string, by int64) {
	if s == nil {
		return
	}

	err := s.Incr(ctx, name, by)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.WarnContext(ctx, "daily stats write failed", "counter", name, "error", err)
	}
}

func (s *Stats) EntryApplied(ctx context.Context, e entries.Entry) {
	s.Record(ctx, EntriesWritten, 1)

	if e.Amount > 0 {
		s.Record(ctx, CreditsGranted, e.Amount)
		return
	}

	s.Record(ctx, CreditsSpent, -e.Amount)
}

func (s *Stats) DebitRejected(ctx context.Context, _ uint64, _ entries.Category, _ int64) {
	s.Record(ctx, PaywallHits, 1)
}

func (s *Stats) LockContended(ctx context.Context, _ uint64) {
	s.Record(ctx, LockContentions, 1)
}
