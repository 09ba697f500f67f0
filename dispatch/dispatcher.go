// Package dispatch is the single entry point for host input. It owns the
// keyboard and mouse translators, the paste streamer and the script engine,
// and keeps the mouse mode, cursor policy and key repeat state.
package dispatch

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/device/mouse"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/paste"
	"github.com/Alia5/kvmlink/script"
)

// VideoSurface is the part of the video view the dispatcher talks to.
type VideoSurface interface {
	// TargetInputSize is the resolution of the captured target screen. A
	// non-positive size means it is not known yet.
	TargetInputSize() (w, h int)
	// MapPointerToVideo converts a raw pointer position to a position on the
	// target screen.
	MapPointerToVideo(p image.Point) image.Point
	SetCursorVisible(visible bool)
	// RecenterCursor moves the host pointer to the middle of the video and
	// returns its new raw position.
	RecenterCursor() image.Point
}

// Link is the part of the serial link the translators need.
type Link interface {
	keyboard.Link
}

// Mode is the mouse mode currently in effect.
type Mode int

const (
	Absolute Mode = iota
	Relative
)

func (m Mode) String() string {
	if m == Relative {
		return "relative"
	}
	return "absolute"
}

// MouseEvent is a raw pointer event. Button is the button that changed on a
// press or release; Delta is the wheel delta in 1/120 notches.
type MouseEvent struct {
	Pos    image.Point
	Button uint8
	Delta  int
}

// Config configures the dispatcher and the components it owns.
type Config struct {
	Layout        string          `help:"Keyboard layout of the target" default:"US QWERTY"`
	AbsoluteMouse bool            `help:"Send absolute mouse reports" default:"true" negatable:""`
	MouseAutoHide bool            `help:"Hide the host cursor over the video"`
	RepeatMs      int             `help:"Replay the last key every N milliseconds, 0 disables" default:"0"`
	EscHold       time.Duration   `help:"How long Escape must be held to leave relative mode" default:"500ms"`
	Keyboard      keyboard.Config `embed:"" prefix:"keyboard."`
	Paste         paste.Config    `embed:"" prefix:"paste."`
	Script        script.Config   `embed:"" prefix:"script."`
}

func DefaultConfig() Config {
	return Config{
		Layout:        layout.DefaultName,
		AbsoluteMouse: true,
		EscHold:       500 * time.Millisecond,
		Keyboard:      keyboard.DefaultConfig(),
		Paste:         paste.DefaultConfig(),
		Script:        script.DefaultConfig(),
	}
}

// Options carries the optional collaborators.
type Options struct {
	Surface VideoSurface
	Sink    script.ScreenshotSink
	Events  *event.Hub
}

// Dispatcher routes host input to the translators.
type Dispatcher struct {
	logger  *slog.Logger
	events  *event.Hub
	surface VideoSurface
	layouts *layout.Registry
	escHold time.Duration

	kb     *keyboard.Translator
	mouse  *mouse.Translator
	paste  *paste.Streamer
	engine *script.Engine
	repeat *repeater

	absolute   atomic.Bool
	autoHide   atomic.Bool
	layoutName atomic.Pointer[string]

	mu        sync.Mutex
	mode      Mode
	last      image.Point
	escTimer  *time.Timer
	escActive bool
}

// New builds the translators on l and a dispatcher driving them. The layout
// named in cfg must exist in layouts.
func New(l Link, layouts *layout.Registry, cfg Config, logger *slog.Logger, opts *Options) (*Dispatcher, error) {
	if opts == nil {
		opts = &Options{}
	}
	if cfg.Layout == "" {
		cfg.Layout = layout.DefaultName
	}
	if cfg.EscHold <= 0 {
		cfg.EscHold = DefaultConfig().EscHold
	}
	lay, err := layouts.Get(cfg.Layout)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		logger:  log.Component(logger, "dispatch"),
		events:  opts.Events,
		surface: opts.Surface,
		layouts: layouts,
		escHold: cfg.EscHold,
		mode:    Absolute,
	}
	d.kb = keyboard.New(l, lay, cfg.Keyboard, logger, opts.Events)
	d.mouse = mouse.New(l, logger, opts.Events)
	d.paste = paste.New(d.kb, cfg.Paste, logger, opts.Events)
	d.engine = script.NewEngine(d.kb, d.mouse, opts.Sink, cfg.Script, logger, opts.Events)
	d.repeat = newRepeater(d.kb, d.logger)

	name := lay.Name
	d.layoutName.Store(&name)
	d.absolute.Store(cfg.AbsoluteMouse)
	d.autoHide.Store(cfg.MouseAutoHide)
	if err := d.SetRepeatingKeystroke(cfg.RepeatMs); err != nil {
		d.Close()
		return nil, err
	}
	d.learnTargetSize()
	d.applyCursor()
	return d, nil
}

// Close stops the timers, any script or paste in flight and releases every
// key.
func (d *Dispatcher) Close() {
	d.repeat.close()
	d.mu.Lock()
	d.stopEscLocked()
	d.mu.Unlock()
	d.engine.Stop()
	d.paste.Cancel()
	d.kb.ReleaseAll()
	d.kb.Close()
}

func (d *Dispatcher) Keyboard() *keyboard.Translator { return d.kb }
func (d *Dispatcher) Mouse() *mouse.Translator       { return d.mouse }
func (d *Dispatcher) Script() *script.Engine         { return d.engine }
func (d *Dispatcher) Paste() *paste.Streamer         { return d.paste }

// OnKeyPress forwards a key press. Escape held in relative mode returns to
// absolute mode.
func (d *Dispatcher) OnKeyPress(ev keyboard.KeyEvent) error {
	if layout.NormalizeKey(ev.Key) == "Escape" {
		d.mu.Lock()
		if d.mode == Relative && !d.escActive {
			d.escActive = true
			d.escTimer = time.AfterFunc(d.escHold, d.escapeHeld)
		}
		d.mu.Unlock()
	}
	if err := d.kb.KeyDown(ev); err != nil {
		return err
	}
	if !d.kb.IsModifier(ev) {
		d.repeat.record(ev)
	}
	return nil
}

// OnKeyRelease forwards a key release.
func (d *Dispatcher) OnKeyRelease(ev keyboard.KeyEvent) error {
	if layout.NormalizeKey(ev.Key) == "Escape" {
		d.mu.Lock()
		d.stopEscLocked()
		d.mu.Unlock()
	}
	return d.kb.KeyUp(ev)
}

func (d *Dispatcher) stopEscLocked() {
	if d.escTimer != nil {
		d.escTimer.Stop()
		d.escTimer = nil
	}
	d.escActive = false
}

func (d *Dispatcher) escapeHeld() {
	d.mu.Lock()
	d.escTimer = nil
	d.escActive = false
	if d.mode != Relative {
		d.mu.Unlock()
		return
	}
	d.mode = Absolute
	d.mu.Unlock()

	d.logger.Info("escape held, leaving relative mode")
	d.kb.ReleaseAll()
	if d.mouse.Buttons() != 0 {
		d.mouse.ReleaseRel()
	}
	d.applyCursor()
	d.events.Publish(event.ModeChanged{Absolute: true})
}

// OnMouseMove forwards a pointer move.
func (d *Dispatcher) OnMouseMove(ev MouseEvent) {
	p := d.mapPointer(ev.Pos)
	switch d.currentMode() {
	case Relative:
		dx, dy := d.delta(p)
		if dx != 0 || dy != 0 {
			d.mouse.MoveRel(dx, dy)
		}
	default:
		if d.absolute.Load() {
			d.mouse.MoveAbs(p.X, p.Y, 0)
		}
	}
}

// OnMousePress forwards a button press. With relative mode requested, the
// first press captures the pointer.
func (d *Dispatcher) OnMousePress(ev MouseEvent) {
	p := d.mapPointer(ev.Pos)
	if d.currentMode() == Absolute && !d.absolute.Load() {
		d.enterRelative()
	}
	if d.currentMode() == Relative {
		d.mouse.PressRel(ev.Button)
		return
	}
	d.mouse.PressAbs(p.X, p.Y, ev.Button)
}

// OnMouseRelease forwards a button release. A release while the pointer is
// not captured in relative mode is dropped.
func (d *Dispatcher) OnMouseRelease(ev MouseEvent) {
	p := d.mapPointer(ev.Pos)
	switch {
	case d.currentMode() == Relative:
		d.mouse.ReleaseRel()
	case d.absolute.Load():
		d.mouse.ReleaseAbs(p.X, p.Y)
	}
}

// OnMouseWheel forwards a wheel turn.
func (d *Dispatcher) OnMouseWheel(ev MouseEvent) {
	p := d.mapPointer(ev.Pos)
	switch {
	case d.currentMode() == Relative:
		d.mouse.WheelRel(ev.Delta)
	case d.absolute.Load():
		d.mouse.WheelAbs(p.X, p.Y, ev.Delta)
	}
}

// OnPasteText types s, superseding a paste still running.
func (d *Dispatcher) OnPasteText(s string) *paste.Run {
	return d.paste.Start(s)
}

// RunScript starts text on the script engine. It waits for a previous run
// before starting.
func (d *Dispatcher) RunScript(ctx context.Context, text string) <-chan script.Result {
	return d.engine.Start(ctx, text)
}

// StopScript stops the running script, if any.
func (d *Dispatcher) StopScript() { d.engine.Stop() }

// SetLayout switches the keyboard layout.
func (d *Dispatcher) SetLayout(name string) error {
	lay, err := d.layouts.Get(name)
	if err != nil {
		d.logger.Warn("layout not found", "layout", name)
		d.events.Publish(event.Error{Kind: event.KindLayoutNotFound, Detail: name, Err: err})
		return err
	}
	d.kb.SetLayout(lay)
	d.layoutName.Store(&lay.Name)
	d.logger.Info("layout changed", "layout", lay.Name)
	return nil
}

func (d *Dispatcher) Layout() string { return *d.layoutName.Load() }

// SetAbsoluteMouseMode selects absolute reports, or declares relative intent.
// Relative mode itself starts at the next mouse press.
func (d *Dispatcher) SetAbsoluteMouseMode(abs bool) {
	d.absolute.Store(abs)
	if !abs {
		return
	}
	d.mu.Lock()
	d.stopEscLocked()
	changed := d.mode == Relative
	d.mode = Absolute
	d.mu.Unlock()
	if changed {
		d.applyCursor()
		d.events.Publish(event.ModeChanged{Absolute: true})
	}
}

func (d *Dispatcher) AbsoluteMouseMode() bool { return d.absolute.Load() }

// Mode is the mode in effect, which lags relative intent until the first
// press.
func (d *Dispatcher) Mode() Mode { return d.currentMode() }

func (d *Dispatcher) SetMouseAutoHide(on bool) {
	d.autoHide.Store(on)
	d.applyCursor()
}

func (d *Dispatcher) MouseAutoHide() bool { return d.autoHide.Load() }

// SetRepeatingKeystroke sets the key repeat interval. Zero disables repeat.
func (d *Dispatcher) SetRepeatingKeystroke(ms int) error {
	if ms < 0 {
		return fmt.Errorf("repeat interval %dms must not be negative", ms)
	}
	return d.repeat.setInterval(time.Duration(ms) * time.Millisecond)
}

func (d *Dispatcher) RepeatingKeystroke() int {
	return int(d.repeat.getInterval() / time.Millisecond)
}

// SetTargetInputSize sets the resolution absolute coordinates are scaled to.
func (d *Dispatcher) SetTargetInputSize(w, h int) { d.mouse.SetTargetSize(w, h) }

func (d *Dispatcher) TargetInputSize() (w, h int) { return d.mouse.TargetSize() }

func (d *Dispatcher) currentMode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Dispatcher) enterRelative() {
	d.mu.Lock()
	if d.mode == Relative {
		d.mu.Unlock()
		return
	}
	d.mode = Relative
	d.last = d.recenter()
	d.mu.Unlock()

	d.logger.Info("pointer captured, relative mode")
	d.applyCursor()
	d.events.Publish(event.ModeChanged{Absolute: false})
}

// delta returns the movement since the last event and recenters the host
// pointer.
func (d *Dispatcher) delta(p image.Point) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dx, dy := p.X-d.last.X, p.Y-d.last.Y
	if d.surface != nil {
		d.last = d.recenter()
	} else {
		d.last = p
	}
	return dx, dy
}

func (d *Dispatcher) recenter() image.Point {
	if d.surface == nil {
		return d.last
	}
	return d.surface.MapPointerToVideo(d.surface.RecenterCursor())
}

func (d *Dispatcher) mapPointer(p image.Point) image.Point {
	if d.surface == nil {
		return p
	}
	d.learnTargetSize()
	return d.surface.MapPointerToVideo(p)
}

func (d *Dispatcher) learnTargetSize() {
	if d.surface == nil {
		return
	}
	w, h := d.surface.TargetInputSize()
	if w <= 0 || h <= 0 {
		return
	}
	if cw, ch := d.mouse.TargetSize(); cw != w || ch != h {
		d.mouse.SetTargetSize(w, h)
		d.logger.Debug("target input size", "width", w, "height", h)
	}
}

// applyCursor shows the host cursor only in absolute mode without auto-hide.
func (d *Dispatcher) applyCursor() {
	if d.surface == nil {
		return
	}
	d.surface.SetCursorVisible(d.currentMode() == Absolute && !d.autoHide.Load())
}
