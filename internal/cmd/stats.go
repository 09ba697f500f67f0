package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/Alia5/kvmlink/core"
	"github.com/Alia5/kvmlink/internal/log"
)

type Stats struct {
	Bridge
	Probes int           `help:"GET_INFO exchanges to run before printing" default:"10"`
	Pause  time.Duration `help:"Pause between probes" default:"100ms"`
}

// Run is called by Kong when the stats command is executed.
func (c *Stats) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	reg := prometheus.NewRegistry()
	k, err := c.start(ctx, logger, rawLogger, &core.Options{Registry: reg}, false)
	if err != nil {
		return err
	}
	defer k.Close()

	for i := 0; i < c.Probes && ctx.Err() == nil; i++ {
		if _, err := k.Link().QueryInfo(ctx); err != nil {
			logger.Debug("probe failed", "n", i, "error", err)
		}
		time.Sleep(c.Pause)
	}

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	snap := k.Link().Stats().Snapshot()
	fmt.Printf("# response rate %.1f%%\n", snap.ResponseRate())
	return nil
}
