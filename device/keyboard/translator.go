// Package keyboard turns host key events into boot keyboard reports sent over
// the serial link.
package keyboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/protocol"
)

var ErrUnsupportedKey = errors.New("key has no HID usage on this layout")

// Link is the part of the serial link the translator needs.
type Link interface {
	SendCommandAsync(f protocol.Frame) error
	QueryInfo(ctx context.Context) (protocol.Info, error)
}

// NativeModifier is the modifier mask the host attaches to a key event.
type NativeModifier uint16

const (
	NativeShift NativeModifier = 1 << iota
	NativeControl
	NativeAlt
	NativeMeta
	// NativeKeypad marks keys coming from the numeric keypad.
	NativeKeypad
	// NativeLeft selects the left-hand variant of a modifier key.
	NativeLeft
)

// KeyEvent is a host key press or release. Key is a host key name such as
// "A", "Return" or "Key_Shift".
type KeyEvent struct {
	Key       string
	Modifiers NativeModifier
}

// Config tunes the translator.
type Config struct {
	ReleaseStale bool          `help:"Send release-all before a key press when a held modifier is no longer reported by the host" default:"true" negatable:""`
	TapDelay     time.Duration `help:"Hold time of synthesized key taps" default:"1ms"`
}

func DefaultConfig() Config {
	return Config{ReleaseStale: true, TapDelay: time.Millisecond}
}

// modifierGroup ties a modifier pair of the report byte to the native flag the
// host uses for it.
type modifierGroup struct {
	bits   uint8
	native NativeModifier
	left   uint8
}

var modifierGroups = []modifierGroup{
	{ModCtrl, NativeControl, ModLeftCtrl},
	{ModShift, NativeShift, ModLeftShift},
	{ModAlt, NativeAlt, ModLeftAlt},
	{ModGUI, NativeMeta, ModLeftGUI},
}

// defaultModifierUsage is used when a layout lacks an entry for a modifier.
var defaultModifierUsage = map[string]uint8{
	"Shift":   KeyRightShift,
	"Control": KeyRightCtrl,
	"Alt":     KeyRightAlt,
	"AltGr":   KeyRightAlt,
	"Meta":    KeyRightGUI,
}

// Translator tracks modifier and key state and sends keyboard reports.
type Translator struct {
	link   Link
	logger *slog.Logger
	events *event.Hub
	cfg    Config

	layout atomic.Pointer[layout.Layout]

	// suspended drops every report while the link is down. flush asks the
	// next caller to forget the held state; the event handler cannot take mu
	// because the link may publish while a send of ours is in flight.
	suspended atomic.Bool
	flush     atomic.Bool
	unsub     func()

	mu      sync.Mutex
	mods    ModifierState
	pressed []uint8
}

// New creates a translator typing on lay. events may be nil.
func New(l Link, lay *layout.Layout, cfg Config, logger *slog.Logger, events *event.Hub) *Translator {
	t := &Translator{
		link:    l,
		logger:  log.Component(logger, "keyboard"),
		events:  events,
		cfg:     cfg,
		pressed: make([]uint8, 0, 6),
	}
	t.layout.Store(lay)
	if events != nil {
		t.unsub = event.Subscribe(events, t.onConnection)
	}
	return t
}

// Close detaches the translator from the event hub.
func (t *Translator) Close() {
	if t.unsub != nil {
		t.unsub()
	}
}

func (t *Translator) onConnection(ev event.ConnectionChanged) {
	if ev.Up {
		t.suspended.Store(false)
		t.logger.Debug("keyboard resumed", "port", ev.Port)
		return
	}
	t.flush.Store(true)
	t.suspended.Store(true)
	t.logger.Debug("keyboard suspended", "port", ev.Port)
}

// SetLayout switches the layout used for key lookups.
func (t *Translator) SetLayout(l *layout.Layout) { t.layout.Store(l) }

func (t *Translator) Layout() *layout.Layout { return t.layout.Load() }

// Modifiers returns the modifier byte currently believed held.
func (t *Translator) Modifiers() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	return t.mods.Bits()
}

// KeyDown handles a host key press.
func (t *Translator) KeyDown(ev KeyEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	if t.suspended.Load() {
		return nil
	}

	if code, ok := t.modifierUsage(ev); ok {
		bits := t.mods.ApplyDelta(ModifierBit(code), 0)
		t.sendLocked(Report{Modifiers: bits})
		return nil
	}
	code, err := t.keyUsage(ev)
	if err != nil {
		return err
	}
	if t.cfg.ReleaseStale && t.staleLocked(ev.Modifiers) {
		t.logger.Debug("stale modifiers released", "mods", fmt.Sprintf("0x%02x", t.mods.Bits()), "key", ev.Key)
		t.clearLocked()
		t.sendLocked(Report{})
	}
	if !slices.Contains(t.pressed, code) && len(t.pressed) < len(Report{}.Keys) {
		t.pressed = append(t.pressed, code)
	}
	t.sendLocked(NewReport(t.combinedLocked(ev.Modifiers), t.pressed...))
	return nil
}

// KeyUp handles a host key release. Keys still held stay in the report.
func (t *Translator) KeyUp(ev KeyEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	if t.suspended.Load() {
		return nil
	}

	if code, ok := t.modifierUsage(ev); ok {
		clear := ModifierBit(code)
		for _, g := range modifierGroups {
			if g.bits&clear != 0 && ev.Modifiers&g.native == 0 {
				clear |= g.bits
			}
		}
		bits := t.mods.ApplyDelta(0, clear)
		t.sendLocked(Report{Modifiers: bits})
		return nil
	}
	code, err := t.keyUsage(ev)
	if err != nil {
		return err
	}
	t.pressed = slices.DeleteFunc(t.pressed, func(c uint8) bool { return c == code })
	t.sendLocked(NewReport(t.combinedLocked(ev.Modifiers), t.pressed...))
	return nil
}

// Press sends codes with mods merged into the held modifiers.
func (t *Translator) Press(mods uint8, codes ...uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	t.sendLocked(NewReport(t.mods.Bits()|mods, codes...))
}

// Release sends the held modifiers with no keys.
func (t *Translator) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	t.sendLocked(Report{Modifiers: t.mods.Bits()})
}

// ReleaseAll forgets every held key and modifier and sends the idle report.
func (t *Translator) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	t.clearLocked()
	t.sendLocked(Report{})
}

// Tap presses and releases one stroke.
func (t *Translator) Tap(s layout.Stroke) {
	t.Press(StrokeModifiers(s), s.Code)
	time.Sleep(t.cfg.TapDelay)
	t.Release()
}

// StrokeModifiers returns the report bits a stroke needs.
func StrokeModifiers(s layout.Stroke) uint8 {
	var m uint8
	if s.Shift {
		m |= ModLeftShift
	}
	if s.AltGr {
		m |= ModRightAlt
	}
	return m
}

// SendFunctionKey taps F1..F12.
func (t *Translator) SendFunctionKey(n int) error {
	if n < 1 || n > 12 {
		return fmt.Errorf("F%d: %w", n, ErrUnsupportedKey)
	}
	t.Tap(layout.Stroke{Code: KeyF1 + uint8(n-1)})
	return nil
}

// SendCtrlAltDel presses Ctrl and Alt, then Delete, then releases everything.
func (t *Translator) SendCtrlAltDel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncLocked()
	mods := uint8(ModLeftCtrl | ModLeftAlt)
	t.sendLocked(NewReport(mods, KeyLeftCtrl, KeyLeftAlt))
	time.Sleep(t.cfg.TapDelay)
	t.sendLocked(NewReport(mods, KeyLeftCtrl, KeyLeftAlt, KeyDelete))
	time.Sleep(t.cfg.TapDelay)
	t.clearLocked()
	t.sendLocked(Report{})
}

// SetLockState reads the lock LEDs from the device and taps the lock key only
// when its state differs from on. It reports whether a tap was sent.
func (t *Translator) SetLockState(ctx context.Context, lock Lock, on bool) (bool, error) {
	info, err := t.link.QueryInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", lock, err)
	}
	var bit byte
	switch lock {
	case NumLock:
		bit = 0x01
	case CapsLock:
		bit = 0x02
	case ScrollLock:
		bit = 0x04
	}
	if (info.LEDs&bit != 0) == on {
		return false, nil
	}
	t.logger.Debug("toggling lock", "lock", lock, "on", on)
	t.Tap(layout.Stroke{Code: lock.usage()})
	return true, nil
}

// IsModifier reports whether ev only changes the modifier byte.
func (t *Translator) IsModifier(ev KeyEvent) bool {
	_, ok := t.modifierUsage(ev)
	return ok
}

func (t *Translator) modifierUsage(ev KeyEvent) (uint8, bool) {
	name := layout.NormalizeKey(ev.Key)
	code, ok := t.layout.Load().KeyCode(name)
	if !ok || !IsModifierUsage(code) {
		if !layout.IsModifierKey(name) {
			return 0, false
		}
		if code, ok = defaultModifierUsage[name]; !ok {
			return 0, false
		}
	}
	if ev.Modifiers&NativeLeft != 0 && code >= KeyRightCtrl && name != "AltGr" {
		code -= KeyRightCtrl - KeyLeftCtrl
	}
	return code, true
}

func (t *Translator) keyUsage(ev KeyEvent) (uint8, error) {
	name := layout.NormalizeKey(ev.Key)
	if ev.Modifiers&NativeKeypad != 0 {
		if code, ok := keypadKeys[name]; ok {
			return code, nil
		}
	}
	if code, ok := t.layout.Load().KeyCode(name); ok {
		return code, nil
	}
	err := fmt.Errorf("%q: %w", ev.Key, ErrUnsupportedKey)
	t.logger.Warn("unsupported key", "key", ev.Key)
	t.events.Publish(event.Error{Kind: event.KindUnsupportedKey, Detail: ev.Key, Err: err})
	return 0, err
}

// staleLocked reports whether a held modifier is no longer reported by the
// host.
func (t *Translator) staleLocked(native NativeModifier) bool {
	bits := t.mods.Bits()
	for _, g := range modifierGroups {
		if bits&g.bits != 0 && native&g.native == 0 {
			return true
		}
	}
	return false
}

// combinedLocked adds the left-hand bit for every native modifier the held
// state does not already carry.
func (t *Translator) combinedLocked(native NativeModifier) uint8 {
	bits := t.mods.Bits()
	for _, g := range modifierGroups {
		if native&g.native != 0 && bits&g.bits == 0 {
			bits |= g.left
		}
	}
	return bits
}

func (t *Translator) clearLocked() {
	t.mods.ForceClear()
	t.pressed = t.pressed[:0]
}

func (t *Translator) syncLocked() {
	if t.flush.Swap(false) {
		t.clearLocked()
	}
}

func (t *Translator) sendLocked(r Report) {
	if t.suspended.Load() {
		t.logger.Debug("link down, report dropped", "report", log.Hex(r.BuildReport()))
		return
	}
	if err := t.link.SendCommandAsync(protocol.KeyboardFrame(r.BuildReport())); err != nil {
		t.logger.Warn("keyboard report not sent", "error", err)
	}
}
