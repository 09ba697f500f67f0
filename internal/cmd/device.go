package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/internal/configpaths"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/link"
)

type Ports struct{}

// Run is called by Kong when the ports command is executed.
func (p *Ports) Run(logger *slog.Logger) error {
	ports, err := link.SerialOpener{}.ListPorts()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		logger.Info("no serial ports found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tVID:PID\tCHIP\tPRODUCT")
	for _, port := range ports {
		id := "-"
		if port.IsUSB {
			id = port.VID + ":" + port.PID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", port.Name, id, port.Chip, port.Product)
	}
	return w.Flush()
}

type Layouts struct {
	LayoutDir string `help:"Directory with additional layout files (default: <config dir>/keyboards)" type:"path" env:"KVMLINK_LAYOUT_DIR"`
}

func (c *Layouts) Run(logger *slog.Logger) error {
	reg := layout.NewRegistry(log.Component(logger, "layout"))
	dir := c.LayoutDir
	if dir == "" {
		dir = configpaths.DefaultLayoutDir()
	}
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if _, err := reg.LoadFromDirectory(dir); err != nil {
				return err
			}
		}
	}
	names := reg.Available()
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

type Info struct {
	Bridge
}

func (c *Info) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()

	l := k.Link()
	info, err := l.QueryInfo(ctx)
	if err != nil {
		return fmt.Errorf("query info: %w", err)
	}
	leds := l.LEDStates()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "port\t%s\n", l.PortName())
	fmt.Fprintf(w, "baud\t%d\n", l.Baud())
	fmt.Fprintf(w, "chip\t%s\n", l.Chip())
	fmt.Fprintf(w, "version\t%s\n", info.VersionString())
	fmt.Fprintf(w, "target connected\t%t\n", info.TargetConnected)
	fmt.Fprintf(w, "num lock\t%t\n", leds.NumLock)
	fmt.Fprintf(w, "caps lock\t%t\n", leds.CapsLock)
	fmt.Fprintf(w, "scroll lock\t%t\n", leds.ScrollLock)
	return w.Flush()
}

type Reset struct {
	Bridge
	NewBaud int `help:"Baud rate to program before the reset; 0 keeps the current one" default:"0"`
}

func (c *Reset) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()
	if err := k.Link().ResetDevice(ctx, c.NewBaud); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	logger.Info("bridge reset", "baud", k.Link().Baud())
	return nil
}

type FactoryReset struct {
	Bridge
}

func (c *FactoryReset) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()
	if err := k.Link().FactoryReset(ctx); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	logger.Info("factory configuration restored")
	return nil
}

type USBSwitch struct {
	Bridge
	To string `arg:"" enum:"host,target" help:"Where the shared USB port should go"`
}

func (c *USBSwitch) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, false)
	if err != nil {
		return err
	}
	defer k.Close()
	if err := k.Link().SwitchUSB(ctx, c.To == "host"); err != nil {
		return err
	}
	logger.Info("USB switched", "to", c.To)
	return nil
}
