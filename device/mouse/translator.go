// Package mouse sends absolute and relative pointer reports over the serial
// link.
package mouse

import (
	"log/slog"
	"sync"

	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/protocol"
)

// Sender is the part of the serial link the translator needs.
type Sender interface {
	SendCommandAsync(f protocol.Frame) error
}

// Default target input size until the video side reports one.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// Translator scales host pixel positions to the target's absolute range and
// keeps the drag button mask between a press and its release.
type Translator struct {
	link   Sender
	logger *slog.Logger
	events *event.Hub

	mu      sync.Mutex
	width   int
	height  int
	buttons uint8
	last    AbsReport
}

// New creates a translator for a 1920x1080 target. events may be nil.
func New(l Sender, logger *slog.Logger, events *event.Hub) *Translator {
	return &Translator{
		link:   l,
		logger: log.Component(logger, "mouse"),
		events: events,
		width:  DefaultWidth,
		height: DefaultHeight,
	}
}

// SetTargetSize sets the target input resolution. Non-positive sizes are
// ignored.
func (t *Translator) SetTargetSize(w, h int) {
	if w <= 0 || h <= 0 {
		t.logger.Warn("ignoring target size", "width", w, "height", h)
		return
	}
	t.mu.Lock()
	t.width, t.height = w, h
	t.mu.Unlock()
}

func (t *Translator) TargetSize() (w, h int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height
}

// Buttons returns the mask held since the last press.
func (t *Translator) Buttons() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buttons
}

// LastLocation returns the last absolute coordinates sent.
func (t *Translator) LastLocation() (x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.X, t.last.Y
}

// Scale maps a pixel position on a w x h target to 0..AbsMax. The last
// pixel of each axis maps to AbsMax so the far edge is reachable.
func Scale(x, y, w, h int) (uint16, uint16) {
	return scaleAxis(x, w), scaleAxis(y, h)
}

func scaleAxis(v, size int) uint16 {
	if size <= 0 {
		return 0
	}
	if size > 1 && v >= size-1 {
		return AbsMax
	}
	return uint16(min(max(v*(AbsMax+1)/size, 0), AbsMax))
}

// MoveAbs moves to pixel (x, y). buttons is merged with any held drag mask.
func (t *Translator) MoveAbs(x, y int, buttons uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendAbsLocked(x, y, t.buttons|buttons, 0)
}

// PressAbs presses button at (x, y). The button stays held on later moves.
func (t *Translator) PressAbs(x, y int, button uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buttons |= button
	t.sendAbsLocked(x, y, t.buttons, 0)
}

// ReleaseAbs releases every button with one report at (x, y).
func (t *Translator) ReleaseAbs(x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buttons = 0
	t.sendAbsLocked(x, y, 0, 0)
}

// WheelAbs scrolls at (x, y). A zero delta sends nothing.
func (t *Translator) WheelAbs(x, y, delta int) {
	step, ok := WheelStep(delta)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendAbsLocked(x, y, t.buttons, step)
}

// MoveTo sends raw absolute coordinates, already in 0..AbsMax.
func (t *Translator) MoveTo(x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendAbsReportLocked(AbsReport{Buttons: t.buttons, X: min(x, AbsMax), Y: min(y, AbsMax)})
}

// MoveRel moves by (dx, dy). Deltas outside -128..127 saturate.
func (t *Translator) MoveRel(dx, dy int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendRelLocked(RelReport{Buttons: t.buttons, DX: Saturate(dx), DY: Saturate(dy)})
}

// PressRel presses button without moving.
func (t *Translator) PressRel(button uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buttons |= button
	t.sendRelLocked(RelReport{Buttons: t.buttons})
}

// ReleaseRel releases every button.
func (t *Translator) ReleaseRel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buttons = 0
	t.sendRelLocked(RelReport{})
}

// WheelRel scrolls without moving. A zero delta sends nothing.
func (t *Translator) WheelRel(delta int) {
	step, ok := WheelStep(delta)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendRelLocked(RelReport{Buttons: t.buttons, Wheel: step})
}

func (t *Translator) sendAbsLocked(x, y int, buttons uint8, wheel int8) {
	ax, ay := Scale(x, y, t.width, t.height)
	t.sendAbsReportLocked(AbsReport{Buttons: buttons, X: ax, Y: ay, Wheel: wheel})
}

func (t *Translator) sendAbsReportLocked(r AbsReport) {
	if err := t.link.SendCommandAsync(protocol.MouseAbsFrame(r.BuildReport())); err != nil {
		t.logger.Warn("absolute report not sent", "error", err)
		return
	}
	t.last = r
	t.events.Publish(event.MouseLocation{X: int(r.X), Y: int(r.Y)})
}

func (t *Translator) sendRelLocked(r RelReport) {
	if err := t.link.SendCommandAsync(protocol.MouseRelFrame(r.BuildReport())); err != nil {
		t.logger.Warn("relative report not sent", "error", err)
	}
}
