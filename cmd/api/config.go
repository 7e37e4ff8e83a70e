package main

import (
	"log/slog"
	"time"

	"github.com/fastprodman/creditledger/internal/config"
	"github.com/fastprodman/creditledger/internal/services/billing"
)

type apiConfig struct {
	Port            uint16        `env:"APP_PORT" envDefault:"8080"`
	LogLevel        slog.Level    `env:"APP_LOG_LEVEL" envDefault:"INFO"`
	ShutdownTimeout time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Plans lists "key:stripe_price_id:monthly_credits" items.
	Plans billing.Catalog `env:"PLANS"`

	Postgres config.PostgresConfig
	Redis    config.RedisConfig
	Kafka    config.KafkaConfig
	Ledger   config.LedgerConfig
	Stripe   config.StripeConfig
	Monitor  config.MonitorConfig

	MonitorRunTimeout time.Duration `env:"MONITOR_RUN_TIMEOUT" envDefault:"2m"`
}
