package dispatch_test

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/device/mouse"
	"github.com/Alia5/kvmlink/dispatch"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	th "github.com/Alia5/kvmlink/internal/testing"
	"github.com/Alia5/kvmlink/protocol"
)

// fakeSurface draws the video offset by origin inside the host window.
type fakeSurface struct {
	mu        sync.Mutex
	w, h      int
	origin    image.Point
	center    image.Point
	visible   []bool
	recenters int
}

func (s *fakeSurface) TargetInputSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *fakeSurface) MapPointerToVideo(p image.Point) image.Point { return p.Sub(s.origin) }

func (s *fakeSurface) SetCursorVisible(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = append(s.visible, v)
}

func (s *fakeSurface) RecenterCursor() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recenters++
	return s.center
}

func (s *fakeSurface) cursorVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visible) > 0 && s.visible[len(s.visible)-1]
}

type harness struct {
	rec     *th.Recorder
	surface *fakeSurface
	d       *dispatch.Dispatcher

	mu    sync.Mutex
	modes []event.ModeChanged
	at    []time.Time
	errs  []event.Error
}

func newHarness(t *testing.T, cfg dispatch.Config) *harness {
	t.Helper()
	h := &harness{
		rec: &th.Recorder{},
		surface: &fakeSurface{
			w: 1280, h: 720,
			origin: image.Pt(100, 50),
			center: image.Pt(740, 410),
		},
	}
	hub := event.NewHub()
	event.Subscribe(hub, func(e event.ModeChanged) {
		h.mu.Lock()
		h.modes = append(h.modes, e)
		h.at = append(h.at, time.Now())
		h.mu.Unlock()
	})
	event.Subscribe(hub, func(e event.Error) {
		h.mu.Lock()
		h.errs = append(h.errs, e)
		h.mu.Unlock()
	})
	d, err := dispatch.New(h.rec, layout.NewRegistry(log.Discard()), cfg, log.Discard(),
		&dispatch.Options{Surface: h.surface, Events: hub})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	h.d = d
	return h
}

func (h *harness) keys() [][2]byte {
	var out [][2]byte
	for _, f := range h.rec.Frames() {
		if f.Cmd == protocol.CmdSendKeyboard {
			out = append(out, [2]byte{f.Payload[0], f.Payload[2]})
		}
	}
	return out
}

func (h *harness) count(code byte) int {
	n := 0
	for _, k := range h.keys() {
		if k[1] == code {
			n++
		}
	}
	return n
}

func (h *harness) rel(t *testing.T) []mouse.RelReport {
	t.Helper()
	var out []mouse.RelReport
	for _, f := range h.rec.Frames() {
		if f.Cmd != protocol.CmdSendMouseRel {
			continue
		}
		var r mouse.RelReport
		require.NoError(t, r.UnmarshalBinary(f.Payload[1:]))
		out = append(out, r)
	}
	return out
}

func (h *harness) abs(t *testing.T) []mouse.AbsReport {
	t.Helper()
	var out []mouse.AbsReport
	for _, f := range h.rec.Frames() {
		if f.Cmd != protocol.CmdSendMouseAbs {
			continue
		}
		var r mouse.AbsReport
		require.NoError(t, r.UnmarshalBinary(f.Payload[1:]))
		out = append(out, r)
	}
	return out
}

func TestDefaults(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	d := h.d
	assert.True(t, d.AbsoluteMouseMode())
	assert.False(t, d.MouseAutoHide())
	assert.Zero(t, d.RepeatingKeystroke())
	assert.Equal(t, layout.DefaultName, d.Layout())
	assert.Equal(t, dispatch.Absolute, d.Mode())
	w, hh := d.TargetInputSize()
	assert.Equal(t, 1280, w, "learned from the surface")
	assert.Equal(t, 720, hh)
	assert.True(t, h.surface.cursorVisible())
}

func TestSettersRoundTrip(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	d := h.d

	for _, b := range []bool{false, true, false} {
		d.SetAbsoluteMouseMode(b)
		assert.Equal(t, b, d.AbsoluteMouseMode())
	}
	d.SetMouseAutoHide(true)
	assert.True(t, d.MouseAutoHide())

	require.NoError(t, d.SetRepeatingKeystroke(250))
	assert.Equal(t, 250, d.RepeatingKeystroke())
	require.NoError(t, d.SetRepeatingKeystroke(0))
	assert.Zero(t, d.RepeatingKeystroke())
	assert.Error(t, d.SetRepeatingKeystroke(-5))

	require.NoError(t, d.SetLayout("German QWERTZ"))
	assert.Equal(t, "German QWERTZ", d.Layout())
	assert.Equal(t, "German QWERTZ", d.Keyboard().Layout().Name)

	err := d.SetLayout("Klingon")
	assert.ErrorIs(t, err, layout.ErrLayoutNotFound)
	assert.Equal(t, "German QWERTZ", d.Layout())
	require.Len(t, h.errs, 1)
	assert.Equal(t, event.KindLayoutNotFound, h.errs[0].Kind)
}

func TestNewRejectsUnknownLayout(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.Layout = "Klingon"
	_, err := dispatch.New(&th.Recorder{}, layout.NewRegistry(log.Discard()), cfg, log.Discard(), nil)
	assert.ErrorIs(t, err, layout.ErrLayoutNotFound)
}

func TestKeysReachTranslator(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "B"}))
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "B"}))
	assert.ErrorIs(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "NoSuchKey"}), keyboard.ErrUnsupportedKey)
	assert.Equal(t, [][2]byte{{0, 0x05}, {0, 0}}, h.keys())
}

func TestAbsoluteMouseUsesVideoCoordinates(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	raw := image.Pt(740, 410)

	h.d.OnMouseMove(dispatch.MouseEvent{Pos: raw})
	h.d.OnMousePress(dispatch.MouseEvent{Pos: raw, Button: mouse.ButtonLeft})
	h.d.OnMouseRelease(dispatch.MouseEvent{Pos: raw, Button: mouse.ButtonLeft})
	h.d.OnMouseWheel(dispatch.MouseEvent{Pos: raw, Delta: 240})

	assert.Equal(t, []mouse.AbsReport{
		{X: 2048, Y: 2048},
		{Buttons: mouse.ButtonLeft, X: 2048, Y: 2048},
		{X: 2048, Y: 2048},
		{X: 2048, Y: 2048, Wheel: 2},
	}, h.abs(t))
	assert.Empty(t, h.rel(t))
}

func TestTargetSizeFollowsSurface(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	h.surface.mu.Lock()
	h.surface.w, h.surface.h = 1920, 1080
	h.surface.mu.Unlock()

	h.d.OnMouseMove(dispatch.MouseEvent{Pos: image.Pt(1060, 590)})
	w, hh := h.d.TargetInputSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, hh)

	got := h.abs(t)
	require.Len(t, got, 1)
	x, y := mouse.Scale(960, 540, 1920, 1080)
	assert.Equal(t, mouse.AbsReport{X: x, Y: y}, got[0])
}

func TestRelativeCapturesOnFirstPress(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	h.d.SetAbsoluteMouseMode(false)
	assert.Equal(t, dispatch.Absolute, h.d.Mode())

	h.d.OnMouseMove(dispatch.MouseEvent{Pos: image.Pt(300, 300)})
	h.d.OnMouseRelease(dispatch.MouseEvent{Pos: image.Pt(300, 300)})
	assert.Empty(t, h.rec.Frames(), "nothing is sent before capture")

	h.d.OnMousePress(dispatch.MouseEvent{Pos: image.Pt(300, 300), Button: mouse.ButtonRight})
	assert.Equal(t, dispatch.Relative, h.d.Mode())
	assert.False(t, h.surface.cursorVisible())
	require.Len(t, h.modes, 1)
	assert.Equal(t, event.ModeChanged{Absolute: false}, h.modes[0])

	h.d.OnMouseRelease(dispatch.MouseEvent{Pos: image.Pt(740, 410)})
	h.d.OnMouseMove(dispatch.MouseEvent{Pos: image.Pt(750, 406)})
	h.d.OnMouseMove(dispatch.MouseEvent{Pos: image.Pt(740, 410)})
	h.d.OnMouseWheel(dispatch.MouseEvent{Delta: -120})

	assert.Equal(t, []mouse.RelReport{
		{Buttons: mouse.ButtonRight},
		{},
		{DX: 10, DY: -4},
		{Wheel: -1},
	}, h.rel(t))
	assert.Empty(t, h.abs(t))
	assert.GreaterOrEqual(t, h.surface.recenters, 3)

	h.d.SetAbsoluteMouseMode(true)
	assert.Equal(t, dispatch.Absolute, h.d.Mode())
	assert.True(t, h.surface.cursorVisible())
	require.Len(t, h.modes, 2)
	assert.True(t, h.modes[1].Absolute)
}

func TestEscapeHeldLeavesRelativeMode(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	h.d.SetAbsoluteMouseMode(false)
	h.d.OnMousePress(dispatch.MouseEvent{Button: mouse.ButtonLeft})
	h.d.OnMouseRelease(dispatch.MouseEvent{})
	require.Equal(t, dispatch.Relative, h.d.Mode())

	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "Shift", Modifiers: keyboard.NativeShift}))
	start := time.Now()
	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "Escape", Modifiers: keyboard.NativeShift}))
	keys := h.keys()
	require.NotEmpty(t, keys)
	assert.Equal(t, [2]byte{keyboard.ModRightShift, 0x29}, keys[len(keys)-1])

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, dispatch.Relative, h.d.Mode())

	require.Eventually(t, func() bool { return h.d.Mode() == dispatch.Absolute }, 2*time.Second, 5*time.Millisecond)
	h.mu.Lock()
	require.Len(t, h.modes, 2)
	assert.True(t, h.modes[1].Absolute)
	assert.GreaterOrEqual(t, h.at[1].Sub(start), 500*time.Millisecond)
	h.mu.Unlock()

	keys = h.keys()
	assert.Equal(t, [2]byte{0, 0}, keys[len(keys)-1])
	assert.Zero(t, h.d.Keyboard().Modifiers())
	assert.True(t, h.surface.cursorVisible())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "Escape"}))
	assert.False(t, h.d.AbsoluteMouseMode(), "relative intent survives")
}

func TestEscapeTappedStaysRelative(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.EscHold = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.d.SetAbsoluteMouseMode(false)
	h.d.OnMousePress(dispatch.MouseEvent{Button: mouse.ButtonLeft})

	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "Escape"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "Escape"}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, dispatch.Relative, h.d.Mode())
}

func TestEscapeInAbsoluteModeIsPlainKey(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.EscHold = 20 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "Escape"}))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, [][2]byte{{0, 0x29}}, h.keys())
	assert.Len(t, h.modes, 0)
}

func TestAutoHide(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	h.d.SetMouseAutoHide(true)
	assert.False(t, h.surface.cursorVisible())
	h.d.SetMouseAutoHide(false)
	assert.True(t, h.surface.cursorVisible())
}

func TestRepeatReplaysLastKey(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	require.NoError(t, h.d.SetRepeatingKeystroke(20))

	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "A"}))
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "A"}))
	assert.Eventually(t, func() bool { return h.count(0x04) >= 4 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "Control", Modifiers: keyboard.NativeControl}))
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "Control"}))
	n := h.count(0x04)
	assert.Eventually(t, func() bool { return h.count(0x04) >= n+2 }, 2*time.Second, 5*time.Millisecond,
		"a modifier does not supersede")

	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "B"}))
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "B"}))
	assert.Eventually(t, func() bool { return h.count(0x05) >= 3 }, 2*time.Second, 5*time.Millisecond)
	a := h.count(0x04)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, a, h.count(0x04), "B superseded A")

	require.NoError(t, h.d.SetRepeatingKeystroke(0))
	time.Sleep(30 * time.Millisecond)
	b := h.count(0x05)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, b, h.count(0x05))
}

func TestRepeatOffByDefault(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	require.NoError(t, h.d.OnKeyPress(keyboard.KeyEvent{Key: "A"}))
	require.NoError(t, h.d.OnKeyRelease(keyboard.KeyEvent{Key: "A"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.count(0x04))
}

func TestPasteAndScript(t *testing.T) {
	h := newHarness(t, dispatch.DefaultConfig())
	res, err := h.d.OnPasteText("ab").Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Typed)

	r := <-h.d.RunScript(context.Background(), "MouseMove 640, 360")
	assert.True(t, r.Success)
	got := h.abs(t)
	require.Len(t, got, 1)
	assert.Equal(t, mouse.AbsReport{X: 2048, Y: 2048}, got[0])
}
