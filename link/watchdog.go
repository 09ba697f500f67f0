package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Watchdog probes an open link with GET_INFO and recycles it after too many
// consecutive failures. A recovering link gets a reopen attempt per tick.
type Watchdog struct {
	link      *Link
	logger    *slog.Logger
	interval  time.Duration
	scheduler gocron.Scheduler
	failures  int
}

// NewWatchdog creates a stopped watchdog.
func NewWatchdog(l *Link, logger *slog.Logger) *Watchdog {
	return &Watchdog{link: l, logger: logger, interval: l.cfg.WatchdogInterval}
}

// Start schedules Check every interval. A zero interval does nothing.
func (w *Watchdog) Start(ctx context.Context) error {
	if w.interval <= 0 {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("watchdog scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.Check(ctx) }),
		gocron.WithName("serial-watchdog"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("watchdog job: %w", err)
	}
	w.scheduler = s
	s.Start()
	w.logger.Debug("watchdog started", "interval", w.interval)
	return nil
}

// Stop shuts the scheduler down.
func (w *Watchdog) Stop() error {
	if w.scheduler == nil {
		return nil
	}
	err := w.scheduler.Shutdown()
	w.scheduler = nil
	return err
}

// Check runs one probe.
func (w *Watchdog) Check(ctx context.Context) {
	switch w.link.State() {
	case StateRecovering:
		if err := w.link.Reopen(""); err != nil {
			w.logger.Debug("reopen failed", "error", err)
		}
		return
	case StateClosed:
		return
	}

	_, err := w.link.QueryInfo(ctx)
	switch {
	case err == nil:
		w.failures = 0
		return
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSuperseded):
		return
	}
	w.failures++
	w.logger.Warn("health probe failed", "error", err, "failures", w.failures)
	if w.failures < w.link.cfg.MaxConsecutiveErrors {
		return
	}
	w.failures = 0
	w.link.MarkDown(fmt.Errorf("%d failed health probes: %w", w.link.cfg.MaxConsecutiveErrors, err))
	if err := w.link.Reopen(""); err != nil {
		w.logger.Warn("reopen after failed probes", "error", err)
	}
}
