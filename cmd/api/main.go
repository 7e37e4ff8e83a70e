package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/creditledger/internal/api"
	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/infra/dailystats"
	"github.com/fastprodman/creditledger/internal/infra/logging"
	"github.com/fastprodman/creditledger/internal/infra/metrics"
	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	pgaccounts "github.com/fastprodman/creditledger/internal/repos/accounts/postgres"
	pgentries "github.com/fastprodman/creditledger/internal/repos/entries/postgres"
	pgevents "github.com/fastprodman/creditledger/internal/repos/events/postgres"
	"github.com/fastprodman/creditledger/internal/services/billing"
	"github.com/fastprodman/creditledger/internal/services/ledger"
	"github.com/fastprodman/creditledger/internal/services/monitor"
	"github.com/fastprodman/creditledger/internal/services/webhook"
	"github.com/fastprodman/creditledger/pkg/envconf"
	"github.com/fastprodman/creditledger/pkg/shutdownqueue"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v\n", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

//nolint:funlen
func run(ctx context.Context) (retErr error) {
	_ = godotenv.Load()

	cfg := new(apiConfig)

	err := envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		serr := shutdownqueue.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	db, err := pgutils.OpenDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	shutdownqueue.AddCloser("postgres", db)

	registry := prometheus.NewRegistry()
	mtr := metrics.NewMetrics(registry)

	// Daily counters are off the correctness path; run without them when
	// Redis is down at startup.
	var stats *dailystats.Stats

	rdb, err := dailystats.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("daily stats disabled", "error", err)
	} else {
		shutdownqueue.AddCloser("redis", rdb)
		stats = dailystats.New(rdb, cfg.Redis.StatsTTL, logging.With("dailystats"))
	}

	alerters := []alerting.Alerter{alerting.NewLogAlerter(logging.With("alerts"))}
	if len(cfg.Kafka.Brokers) > 0 {
		ka := alerting.NewKafkaAlerter(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic)
		shutdownqueue.AddCloser("kafka alerts writer", ka)
		alerters = append(alerters, ka)
	}
	alerter := alerting.Multi(alerters...)

	// --- Services ---
	accountsRepo := pgaccounts.New(db)
	entriesRepo := pgentries.New(db)

	ledgerSrv := ledger.New(db,
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithObserver(ledger.MultiObserver(mtr, stats)),
		ledger.WithLogger(logging.With("ledger")),
	)

	billingSrv := billing.New(billing.Deps{
		Ledger:   ledgerSrv,
		Accounts: accountsRepo,
		Entries:  entriesRepo,
		Plans:    cfg.Plans,
		Alerter:  alerter,
		Stats:    stats,
		Logger:   logging.With("billing"),
	})

	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		Gate:           webhook.NewGate(db, logging.With("webhook_gate")),
		Billing:        billingSrv,
		Customers:      accountsRepo,
		Secret:         cfg.Stripe.WebhookSecret,
		CreditsPerUnit: cfg.Stripe.CreditsPerUnit,
		Metrics:        mtr,
		Stats:          stats,
		Logger:         logging.With("webhook"),
	})

	mon := monitor.New(monitor.Deps{
		Accounts: accountsRepo,
		Entries:  entriesRepo,
		Events:   pgevents.New(db),
		Alerter:  alerter,
		Gauges:   mtr,
		Config:   cfg.Monitor,
		Logger:   logging.With("monitor"),
	})

	sched, err := monitor.NewScheduler(mon, cfg.Monitor.Schedule, cfg.MonitorRunTimeout, logging.With("monitor"))
	if err != nil {
		return fmt.Errorf("monitor scheduler: %w", err)
	}
	sched.Start()
	shutdownqueue.Add("monitor scheduler", sched.Stop)

	// --- HTTP server ---
	deps := api.Deps{
		Ledger:   ledgerSrv,
		Plans:    billingSrv,
		Webhooks: processor,
		Monitor:  mon,
		Metrics:  mtr,
		Logger:   logging.With("api"),
	}
	if stats != nil {
		deps.Stats = stats
	}

	srv := api.NewServer(cfg.Port, deps)

	shutdownqueue.Add("http server", func(c context.Context) error {
		slog.Info("shutting down http server")

		err := srv.Shutdown(c)
		if err != nil {
			return fmt.Errorf("shutdown srv: %w", err)
		}

		return nil
	})

	// Run server
	errCh := make(chan error, 1)

	go func() {
		serr := srv.ListenAndServe()
		// http.ErrServerClosed is the normal path during Shutdown
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}

		errCh <- nil
	}()

	slog.Info("API started", "port", cfg.Port, "plans", len(cfg.Plans.Plans()))

	// --- Wait until either context cancels or server errors out ---
	select {
	case <-ctx.Done():
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}
