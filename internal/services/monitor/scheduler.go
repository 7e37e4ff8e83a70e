package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the monitor on a cron schedule. Runs never overlap.
type Scheduler struct {
	cron    *cron.Cron
	monitor *Monitor
	timeout time.Duration
	log     *slog.Logger
}

// NewScheduler registers the monitor under spec, a standard five field cron
// expression or a descriptor such as "@every 15m". Each run is bounded by
// timeout when it is positive.
func NewScheduler(m *Monitor, spec string, timeout time.Duration, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		monitor: m,
		timeout: timeout,
		log:     log,
	}

	_, err := s.cron.AddFunc(spec, s.runOnce)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}

	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rep := s.monitor.Run(ctx, time.Now())
	if !rep.Healthy() {
		s.log.WarnContext(ctx, "monitor found anomalies",
			"alerts", rep.Alerts, "errors", len(rep.Errors))
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running check to finish or for ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running monitor: %w", ctx.Err())
	}
}
