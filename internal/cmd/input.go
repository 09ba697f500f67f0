package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Alia5/kvmlink/device/mouse"
	"github.com/Alia5/kvmlink/internal/log"
)

type Type struct {
	Bridge
	Text []string `arg:"" optional:"" help:"Text to type; read from stdin when omitted"`
}

// Run is called by Kong when the type command is executed.
func (c *Type) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	text := strings.Join(c.Text, " ")
	if len(c.Text) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}

	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()

	run := k.Input().OnPasteText(text)
	select {
	case <-ctx.Done():
		run.Cancel()
	case <-run.Done():
	}
	res, err := run.Wait()
	logger.Info("paste finished", "typed", res.Typed, "skipped", res.Skipped, "cancelled", res.Cancelled)
	return err
}

type Key struct {
	Bridge
	Combo string `arg:"" help:"Keys in script Send syntax, e.g. ^!{Delete} or {F5}"`
}

func (c *Key) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()

	res := <-k.Input().RunScript(ctx, "Send "+c.Combo)
	if !res.Success {
		return fmt.Errorf("key combination %q was not sent", c.Combo)
	}
	return nil
}

type Script struct {
	Bridge
	File string `arg:"" type:"existingfile" help:"Script file to run"`
}

func (c *Script) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	src, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()

	res := <-k.Input().RunScript(ctx, string(src))
	logger.Info("script finished",
		"run", res.RunID,
		"executed", res.Executed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"stopped", res.Stopped,
	)
	switch {
	case res.Stopped:
		return nil
	case !res.Success:
		return errors.New("script failed")
	}
	return nil
}

type Jiggle struct {
	Bridge
	Duration time.Duration `help:"Stop after this long; 0 runs until interrupted" default:"0s"`
	Interval time.Duration `help:"Time between pointer moves" default:"50ms"`
}

func (c *Jiggle) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, true)
	if err != nil {
		return err
	}
	defer k.Close()

	j := mouse.NewJiggler(k.Input().Mouse(), c.Interval)
	if err := j.Start(); err != nil {
		return err
	}
	defer func() { _ = j.Stop() }()
	logger.Info("jiggling", "interval", c.Interval, "duration", c.Duration)

	var timeout <-chan time.Time
	if c.Duration > 0 {
		t := time.NewTimer(c.Duration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}
	return nil
}
