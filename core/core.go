// Package core wires the serial link, the layout registry, the input
// dispatcher and the settings store into one handle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/dispatch"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/configpaths"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/link"
	"github.com/Alia5/kvmlink/script"
	"github.com/Alia5/kvmlink/settings"
)

// Config is everything the core needs to come up.
type Config struct {
	Serial       link.Config     `embed:"" prefix:"serial."`
	Input        dispatch.Config `embed:"" prefix:"input."`
	LayoutDir    string          `help:"Directory with additional layout files (default: <config dir>/keyboards)" type:"path" env:"KVMLINK_LAYOUT_DIR"`
	WatchLayouts bool            `help:"Reload layout files when they change" default:"true" negatable:""`
	Settings     string          `help:"Persist layout and mouse preferences in this .json, .yaml or .toml file" type:"path" env:"KVMLINK_SETTINGS"`
}

func DefaultConfig() Config {
	return Config{
		Serial:       link.DefaultConfig(),
		Input:        dispatch.DefaultConfig(),
		WatchLayouts: true,
	}
}

// Options carries collaborators and test seams. All fields are optional.
type Options struct {
	Opener   link.Opener
	Lister   link.PortLister
	Surface  dispatch.VideoSurface
	Sink     script.ScreenshotSink
	Registry prometheus.Registerer
	Raw      log.RawLogger
	// Store overrides the file store selected by Config.Settings.
	Store settings.Store
}

// Core owns one bridge and everything that feeds it.
type Core struct {
	cfg    Config
	logger *slog.Logger
	events *event.Hub

	link     *link.Link
	layouts  *layout.Registry
	input    *dispatch.Dispatcher
	store    settings.Store
	watchdog *link.Watchdog
	poller   *link.Poller

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	watcher *layout.Watcher
	closed  bool
}

// New builds the core without touching the serial port. Persisted settings,
// when a store is configured, take precedence over cfg.Input.
func New(cfg Config, logger *slog.Logger, opts *Options) (*Core, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = log.Discard()
	}
	c := &Core{
		cfg:    cfg,
		logger: log.Component(logger, "core"),
		events: event.NewHub(),
		store:  opts.Store,
	}

	c.link = link.New(cfg.Serial, log.Component(logger, "link"), opts.Raw, &link.Options{
		Opener: opts.Opener,
		Lister: opts.Lister,
		Events: c.events,
		Stats:  link.NewStats(opts.Registry),
	})

	c.layouts = layout.NewRegistry(log.Component(logger, "layout"))
	if dir := c.layoutDir(); dir != "" {
		n, err := c.layouts.LoadFromDirectory(dir)
		switch {
		case err != nil:
			c.logger.Warn("loading layouts failed", "dir", dir, "error", err)
		case n > 0:
			c.logger.Info("loaded layouts", "dir", dir, "count", n)
		}
	}

	if c.store == nil && cfg.Settings != "" {
		fs, err := settings.NewFileStore(cfg.Settings)
		if err != nil {
			return nil, err
		}
		c.store = fs
	}
	if c.store != nil {
		st, err := c.store.Load()
		if err != nil {
			c.logger.Warn("settings ignored", "error", err)
		}
		cfg.Input = c.apply(cfg.Input, st)
	}

	input, err := dispatch.New(c.link, c.layouts, cfg.Input, logger, &dispatch.Options{
		Surface: opts.Surface,
		Sink:    opts.Sink,
		Events:  c.events,
	})
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	c.input = input
	c.watchdog = link.NewWatchdog(c.link, log.Component(logger, "watchdog"))
	c.poller = link.NewPoller(c.link, opts.Lister, log.Component(logger, "hotplug"), c.onHotplug)
	return c, nil
}

// apply overlays persisted state on the input config. A layout that no
// longer exists falls back to the configured one.
func (c *Core) apply(in dispatch.Config, st settings.State) dispatch.Config {
	if _, err := c.layouts.Get(st.Layout); err == nil {
		in.Layout = st.Layout
	} else {
		c.logger.Warn("persisted layout unavailable", "layout", st.Layout)
	}
	in.AbsoluteMouse = st.AbsoluteMouse
	in.MouseAutoHide = st.MouseAutoHide
	if st.RepeatMs >= 0 {
		in.RepeatMs = st.RepeatMs
	}
	return in
}

func (c *Core) layoutDir() string {
	if c.cfg.LayoutDir != "" {
		return c.cfg.LayoutDir
	}
	dir := configpaths.DefaultLayoutDir()
	if dir == "" {
		return ""
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return ""
	}
	return dir
}

// Start opens the link and starts the watchdog, the hot-plug poller and the
// layout watcher. A missing bridge is not an error while hot-plug detection
// is enabled; the link opens once the bridge shows up.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("core closed")
	}
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("core already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if err := c.watchdog.Start(runCtx); err != nil {
		return err
	}
	if err := c.poller.Start(); err != nil {
		return err
	}
	if dir := c.layoutDir(); dir != "" && c.cfg.WatchLayouts {
		w, err := c.layouts.Watch(runCtx, dir, c.onLayoutReload)
		if err != nil {
			c.logger.Warn("layout watch disabled", "dir", dir, "error", err)
		} else {
			c.mu.Lock()
			c.watcher = w
			c.mu.Unlock()
		}
	}

	err := c.link.Open(runCtx, c.cfg.Serial.Port, c.cfg.Serial.Baud)
	if errors.Is(err, link.ErrPortNotFound) && c.cfg.Serial.HotplugInterval > 0 {
		c.logger.Warn("no bridge found, waiting for one to be plugged in")
		return nil
	}
	return err
}

func (c *Core) onHotplug(ev link.HotplugEvent) {
	if !ev.Plugged {
		if ev.Port == c.link.PortName() {
			c.input.Keyboard().ReleaseAll()
		}
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || c.link.State() != link.StateClosed {
		return
	}
	if p := c.cfg.Serial.Port; p != "" && !strings.EqualFold(p, link.AutoPort) && p != ev.Port {
		return
	}
	if err := c.link.Open(ctx, ev.Port, c.cfg.Serial.Baud); err != nil {
		c.logger.Warn("opening plugged bridge failed", "port", ev.Port, "error", err)
	}
}

// onLayoutReload re-resolves the active layout so an edited file takes effect.
func (c *Core) onLayoutReload(file string) {
	if err := c.input.SetLayout(c.input.Layout()); err != nil {
		c.logger.Warn("active layout lost after reload", "file", file, "error", err)
	}
}

// Close stops the background jobs, saves the settings and closes the link.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, w := c.cancel, c.watcher
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if w != nil {
		errs = append(errs, w.Close())
	}
	errs = append(errs, c.poller.Stop(), c.watchdog.Stop())
	if err := c.SaveSettings(); err != nil {
		c.logger.Warn("saving settings failed", "error", err)
		errs = append(errs, err)
	}
	c.input.Close()
	errs = append(errs, c.link.Close())
	return errors.Join(errs...)
}

// State is the persisted view of the current input preferences.
func (c *Core) State() settings.State {
	return settings.State{
		Layout:        c.input.Layout(),
		AbsoluteMouse: c.input.AbsoluteMouseMode(),
		MouseAutoHide: c.input.MouseAutoHide(),
		RepeatMs:      c.input.RepeatingKeystroke(),
	}
}

// SaveSettings writes State to the store. Without a store it does nothing.
func (c *Core) SaveSettings() error {
	if c.store == nil {
		return nil
	}
	return c.store.Save(c.State())
}

func (c *Core) Events() *event.Hub          { return c.events }
func (c *Core) Link() *link.Link            { return c.link }
func (c *Core) Layouts() *layout.Registry   { return c.layouts }
func (c *Core) Input() *dispatch.Dispatcher { return c.input }
func (c *Core) Config() Config              { return c.cfg }
