package keyboard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	th "github.com/Alia5/kvmlink/internal/testing"
	"github.com/Alia5/kvmlink/link"
	"github.com/Alia5/kvmlink/protocol"
)

type rep struct {
	mods byte
	keys []byte
}

func r(mods byte, keys ...byte) rep { return rep{mods, keys} }

func reports(t *testing.T, frames []protocol.Frame) []rep {
	t.Helper()
	var out []rep
	for _, f := range frames {
		if f.Cmd != protocol.CmdSendKeyboard {
			continue
		}
		var kr keyboard.Report
		require.NoError(t, kr.UnmarshalBinary(f.Payload))
		var keys []byte
		for _, k := range kr.Keys {
			if k != 0 {
				keys = append(keys, k)
			}
		}
		out = append(out, rep{kr.Modifiers, keys})
	}
	return out
}

func usLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.NewRegistry(log.Discard()).Get(layout.DefaultName)
	require.NoError(t, err)
	return l
}

func newTranslator(t *testing.T, cfg keyboard.Config) (*keyboard.Translator, *th.Recorder, *event.Hub) {
	t.Helper()
	rec := &th.Recorder{}
	hub := event.NewHub()
	kb := keyboard.New(rec, usLayout(t), cfg, log.Discard(), hub)
	t.Cleanup(kb.Close)
	return kb, rec, hub
}

func TestReportEncoding(t *testing.T) {
	got := keyboard.NewReport(0x02, 0x04, 0x05).BuildReport()
	assert.Equal(t, []byte{0x02, 0x00, 0x04, 0x05, 0, 0, 0, 0}, got)
	assert.True(t, keyboard.Report{}.IsIdle())
	assert.Len(t, keyboard.NewReport(0, 1, 2, 3, 4, 5, 6, 7).BuildReport(), 8)

	var back keyboard.Report
	assert.Error(t, back.UnmarshalBinary([]byte{1, 2}))
}

func TestModifierState(t *testing.T) {
	var m keyboard.ModifierState
	assert.Equal(t, uint8(0x22), m.ApplyDelta(0x22, 0))
	assert.Equal(t, uint8(0x20), m.ApplyDelta(0, 0x02))
	m.ForceClear()
	assert.Zero(t, m.Bits())
}

func TestTapTypesAb(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	lay := usLayout(t)
	for _, c := range "Ab!" {
		s, err := lay.ResolveRune(c)
		require.NoError(t, err)
		kb.Tap(s)
	}
	assert.Equal(t, []rep{
		r(0x02, 0x04), r(0x00),
		r(0x00, 0x05), r(0x00),
		r(0x02, 0x1E), r(0x00),
	}, reports(t, rec.Frames()))
}

func TestKeyDownUp(t *testing.T) {
	cases := []struct {
		name   string
		events []keyboard.KeyEvent
		up     []bool
		want   []rep
	}{
		{
			name:   "plain key",
			events: []keyboard.KeyEvent{{Key: "A"}, {Key: "A"}},
			up:     []bool{false, true},
			want:   []rep{r(0, 0x04), r(0)},
		},
		{
			name: "shifted key",
			events: []keyboard.KeyEvent{
				{Key: "Shift", Modifiers: keyboard.NativeShift},
				{Key: "A", Modifiers: keyboard.NativeShift},
				{Key: "A", Modifiers: keyboard.NativeShift},
				{Key: "Shift"},
			},
			up:   []bool{false, false, true, true},
			want: []rep{r(0x20), r(0x20, 0x04), r(0x20), r(0)},
		},
		{
			name: "left shift",
			events: []keyboard.KeyEvent{
				{Key: "Key_Shift", Modifiers: keyboard.NativeShift | keyboard.NativeLeft},
				{Key: "Key_Shift", Modifiers: keyboard.NativeLeft},
			},
			up:   []bool{false, true},
			want: []rep{r(0x02), r(0)},
		},
		{
			name: "altgr stays right",
			events: []keyboard.KeyEvent{
				{Key: "AltGr", Modifiers: keyboard.NativeLeft | keyboard.NativeAlt},
			},
			up:   []bool{false},
			want: []rep{r(0x40)},
		},
		{
			name: "native shift without a shift key event",
			events: []keyboard.KeyEvent{
				{Key: "B", Modifiers: keyboard.NativeShift},
			},
			up:   []bool{false},
			want: []rep{r(0x02, 0x05)},
		},
		{
			name: "two keys held",
			events: []keyboard.KeyEvent{
				{Key: "A"}, {Key: "B"}, {Key: "A"}, {Key: "B"},
			},
			up:   []bool{false, false, true, true},
			want: []rep{r(0, 0x04), r(0, 0x04, 0x05), r(0, 0x05), r(0)},
		},
		{
			name: "keypad remap",
			events: []keyboard.KeyEvent{
				{Key: "1", Modifiers: keyboard.NativeKeypad},
				{Key: "1", Modifiers: keyboard.NativeKeypad},
				{Key: "Enter", Modifiers: keyboard.NativeKeypad},
				{Key: "Period", Modifiers: keyboard.NativeKeypad},
				{Key: "1"},
			},
			up:   []bool{false, true, false, false, false},
			want: []rep{r(0, 0x59), r(0), r(0, 0x58), r(0, 0x58, 0x63), r(0, 0x58, 0x63, 0x1E)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
			for i, ev := range tc.events {
				if tc.up[i] {
					require.NoError(t, kb.KeyUp(ev))
				} else {
					require.NoError(t, kb.KeyDown(ev))
				}
			}
			assert.Equal(t, tc.want, reports(t, rec.Frames()))
		})
	}
}

func TestStaleModifierReleasedBeforeUnrelatedPress(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "Control", Modifiers: keyboard.NativeControl}))
	// Control was released on the host without a key-up reaching us.
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "C"}))

	assert.Equal(t, []rep{r(0x10), r(0), r(0, 0x06)}, reports(t, rec.Frames()))
	assert.Zero(t, kb.Modifiers())
}

func TestStaleModifierTunableOff(t *testing.T) {
	cfg := keyboard.DefaultConfig()
	cfg.ReleaseStale = false
	kb, rec, _ := newTranslator(t, cfg)
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "Control", Modifiers: keyboard.NativeControl}))
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "C"}))

	assert.Equal(t, []rep{r(0x10), r(0x10, 0x06)}, reports(t, rec.Frames()))
}

func TestUnsupportedKey(t *testing.T) {
	kb, rec, hub := newTranslator(t, keyboard.DefaultConfig())
	var got []event.Error
	event.Subscribe(hub, func(e event.Error) { got = append(got, e) })

	err := kb.KeyDown(keyboard.KeyEvent{Key: "Hyper"})
	assert.ErrorIs(t, err, keyboard.ErrUnsupportedKey)
	assert.Empty(t, rec.Frames())
	require.Len(t, got, 1)
	assert.Equal(t, event.KindUnsupportedKey, got[0].Kind)
	assert.Equal(t, "Hyper", got[0].Detail)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	rec.Err = errors.New("port gone")
	assert.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "A"}))
	assert.NotPanics(t, kb.ReleaseAll)
}

func TestFunctionKeys(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	require.NoError(t, kb.SendFunctionKey(1))
	require.NoError(t, kb.SendFunctionKey(12))
	assert.ErrorIs(t, kb.SendFunctionKey(13), keyboard.ErrUnsupportedKey)
	assert.ErrorIs(t, kb.SendFunctionKey(0), keyboard.ErrUnsupportedKey)

	assert.Equal(t, []rep{r(0, 0x3A), r(0), r(0, 0x45), r(0)}, reports(t, rec.Frames()))
}

func TestCtrlAltDel(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "Shift", Modifiers: keyboard.NativeShift}))
	rec.Reset()

	kb.SendCtrlAltDel()
	assert.Equal(t, []rep{
		r(0x05, 0xE0, 0xE2),
		r(0x05, 0xE0, 0xE2, 0x4C),
		r(0),
	}, reports(t, rec.Frames()))
	assert.Zero(t, kb.Modifiers())
}

func TestReleaseAllClearsState(t *testing.T) {
	kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "Meta", Modifiers: keyboard.NativeMeta}))
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "R", Modifiers: keyboard.NativeMeta}))
	kb.ReleaseAll()

	got := reports(t, rec.Frames())
	assert.Equal(t, r(0), got[len(got)-1])
	assert.Zero(t, kb.Modifiers())

	rec.Reset()
	kb.Press(0x02, 0x04)
	kb.Release()
	assert.Equal(t, []rep{r(0x02, 0x04), r(0)}, reports(t, rec.Frames()))
}

func TestLinkDownSuspendsAndFlushes(t *testing.T) {
	kb, rec, hub := newTranslator(t, keyboard.DefaultConfig())
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "Shift", Modifiers: keyboard.NativeShift}))
	rec.Reset()

	hub.Publish(event.ConnectionChanged{Up: false, Port: "/dev/ttyUSB0"})
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "A", Modifiers: keyboard.NativeShift}))
	assert.Empty(t, rec.Frames())
	assert.Zero(t, kb.Modifiers())

	hub.Publish(event.ConnectionChanged{Up: true, Port: "/dev/ttyUSB0"})
	require.NoError(t, kb.KeyDown(keyboard.KeyEvent{Key: "B"}))
	assert.Equal(t, []rep{r(0, 0x05)}, reports(t, rec.Frames()))
}

func TestSetLockStateWithRecorder(t *testing.T) {
	cases := []struct {
		name  string
		leds  byte
		lock  keyboard.Lock
		on    bool
		tap   bool
		usage byte
	}{
		{"caps already on", 0x02, keyboard.CapsLock, true, false, 0},
		{"caps off to on", 0x00, keyboard.CapsLock, true, true, 0x39},
		{"num on to off", 0x01, keyboard.NumLock, false, true, 0x53},
		{"scroll already off", 0x03, keyboard.ScrollLock, false, false, 0},
		{"scroll off to on", 0x03, keyboard.ScrollLock, true, true, 0x47},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kb, rec, _ := newTranslator(t, keyboard.DefaultConfig())
			rec.Info = protocol.Info{Version: 0x30, LEDs: tc.leds}

			tapped, err := kb.SetLockState(context.Background(), tc.lock, tc.on)
			require.NoError(t, err)
			assert.Equal(t, tc.tap, tapped)
			assert.Equal(t, 1, rec.Queries())
			if tc.tap {
				assert.Equal(t, []rep{r(0, tc.usage), r(0)}, reports(t, rec.Frames()))
			} else {
				assert.Empty(t, rec.Frames())
			}
		})
	}
}

func TestSetCapsLockAlreadyOnOverLink(t *testing.T) {
	o := th.NewOpener()
	o.Device.SetLEDs(0x02)
	cfg := link.DefaultConfig()
	cfg.ResponseTimeout = 200 * time.Millisecond
	l := link.New(cfg, nil, nil, &link.Options{Opener: o, Lister: o})
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Open(context.Background(), "/dev/ttyUSB0", protocol.Baud115200))
	port := o.Last()
	port.Reset()

	kb := keyboard.New(l, usLayout(t), keyboard.DefaultConfig(), log.Discard(), nil)
	tapped, err := kb.SetLockState(context.Background(), keyboard.CapsLock, true)
	require.NoError(t, err)
	assert.False(t, tapped)

	assert.Len(t, port.FramesOf(protocol.CmdGetInfo), 1)
	assert.Empty(t, port.FramesOf(protocol.CmdSendKeyboard))
}

func TestSetCapsLockIsIdempotent(t *testing.T) {
	o := th.NewOpener()
	cfg := link.DefaultConfig()
	cfg.ResponseTimeout = 200 * time.Millisecond
	l := link.New(cfg, nil, nil, &link.Options{Opener: o, Lister: o})
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Open(context.Background(), "/dev/ttyUSB0", protocol.Baud115200))
	port := o.Last()
	port.Reset()

	kb := keyboard.New(l, usLayout(t), keyboard.DefaultConfig(), log.Discard(), nil)
	first, err := kb.SetLockState(context.Background(), keyboard.CapsLock, true)
	require.NoError(t, err)
	second, err := kb.SetLockState(context.Background(), keyboard.CapsLock, true)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, []rep{r(0, 0x39), r(0)}, reports(t, port.FramesOf(protocol.CmdSendKeyboard)))
}

func TestLockNames(t *testing.T) {
	assert.Equal(t, "CapsLock", keyboard.CapsLock.String())
	assert.Equal(t, "NumLock", keyboard.NumLock.String())
	assert.Equal(t, "ScrollLock", keyboard.ScrollLock.String())
	assert.Equal(t, uint8(0x20), keyboard.ModifierBit(keyboard.KeyRightShift))
	assert.Zero(t, keyboard.ModifierBit(0x04))
}
