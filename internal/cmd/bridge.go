package cmd

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alia5/kvmlink/core"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
)

// Bridge is embedded by every command that drives a bridge.
type Bridge struct {
	Core core.Config `embed:""`
}

// start brings the core up. One-shot commands (wait == false) fail right
// away when no bridge is present and do not watch layout files.
func (b *Bridge) start(ctx context.Context, logger *slog.Logger, raw log.RawLogger, opts *core.Options, wait bool) (*core.Core, error) {
	if opts == nil {
		opts = &core.Options{}
	}
	opts.Raw = raw
	if opts.Sink == nil {
		opts.Sink = logSink{logger: logger}
	}
	cfg := b.Core
	if !wait {
		cfg.Serial.HotplugInterval = 0
		cfg.WatchLayouts = false
	}
	k, err := core.New(cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	event.Subscribe(k.Events(), func(e event.Error) {
		logger.Warn("input error", "kind", e.Kind, "detail", e.Detail, "error", e.Err)
	})
	event.Subscribe(k.Events(), func(e event.ConnectionChanged) {
		logger.Info("bridge connection", "port", e.Port, "up", e.Up)
	})
	if err := k.Start(ctx); err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("open bridge: %w", err)
	}
	return k, nil
}

// logSink stands in for a video view: screenshot requests are only logged.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) CaptureFullScreen(path string) error {
	s.logger.Info("screenshot requested", "path", path, "full", true)
	return nil
}

func (s logSink) CaptureArea(path string, rect image.Rectangle) error {
	s.logger.Info("screenshot requested", "path", path, "rect", rect.String())
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
