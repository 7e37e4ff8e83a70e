package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type PostgresConfig struct {
	DSN             string        `env:"PG_DSN"`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxIdleTime time.Duration `env:"PG_CONN_MAX_IDLE_TIME" envDefault:"5m"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" envDefault:"30m"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string        `env:"REDIS_PASS" envDefault:""`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	StatsTTL time.Duration `env:"DAILY_STATS_TTL" envDefault:"192h"`
}

type KafkaConfig struct {
	Brokers     []string `env:"KAFKA_BROKERS" envDefault:""`
	AlertsTopic string   `env:"KAFKA_ALERTS_TOPIC" envDefault:"ledger.alerts"`
}

// LedgerConfig tunes the balance guard.
type LedgerConfig struct {
	// LockTimeout bounds how long a mutation waits for the account row lock
	// before reporting contention.
	LockTimeout time.Duration `env:"LEDGER_LOCK_TIMEOUT" envDefault:"2s"`
}

type StripeConfig struct {
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// CreditsPerUnit converts one currency unit (100 minor units) into credits
	// for purchases that do not carry an explicit credit count.
	CreditsPerUnit decimal.Decimal `env:"CREDITS_PER_CURRENCY_UNIT" envDefault:"10"`
}

type MonitorConfig struct {
	Schedule                string        `env:"MONITOR_SCHEDULE" envDefault:"@every 15m"`
	AllocationPeriod        time.Duration `env:"ALLOCATION_PERIOD" envDefault:"720h"`
	AllocationGrace         time.Duration `env:"ALLOCATION_GRACE" envDefault:"120h"`
	WebhookSilenceWindow    time.Duration `env:"WEBHOOK_SILENCE_WINDOW" envDefault:"24h"`
	WebhookMaxDelay         time.Duration `env:"WEBHOOK_MAX_DELAY" envDefault:"1h"`
	PaymentFailureThreshold float64       `env:"PAYMENT_FAILURE_THRESHOLD" envDefault:"0.1"`
}
