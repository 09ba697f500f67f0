package link_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/internal/log"
	th "github.com/Alia5/kvmlink/internal/testing"
	"github.com/Alia5/kvmlink/link"
	"github.com/Alia5/kvmlink/protocol"
)

func TestPollerUnplugAndReplug(t *testing.T) {
	o := th.NewOpener()
	cfg := testConfig()
	cfg.RecoveryWindow = time.Hour
	l, _, _ := newLink(t, cfg, o)
	require.NoError(t, l.Open(context.Background(), link.AutoPort, 0))
	ports, _ := o.ListPorts()

	var seen []link.HotplugEvent
	p := link.NewPoller(l, o, log.Discard(), func(ev link.HotplugEvent) { seen = append(seen, ev) })

	p.Scan()
	assert.Empty(t, seen)

	o.SetPorts()
	p.Scan()
	assert.Equal(t, link.StateRecovering, l.State())
	require.Len(t, seen, 1)
	assert.False(t, seen[0].Plugged)

	require.NoError(t, l.SendCommandAsync(protocol.KeyboardFrame([]byte{0, 0, 0x04})))
	assert.Equal(t, 1, l.Queued())

	o.SetPorts(ports...)
	p.Scan()
	require.Len(t, seen, 2)
	assert.True(t, seen[1].Plugged)
	assert.Equal(t, protocol.ChipCH9329, seen[1].Chip)
	assert.Equal(t, link.StateOpen, l.State())
	assert.Len(t, o.Last().FramesOf(protocol.CmdSendKeyboard), 1)
}

func TestWatchdogRecyclesSilentDevice(t *testing.T) {
	o := th.NewOpener()
	cfg := testConfig()
	cfg.ResponseTimeout = 20 * time.Millisecond
	cfg.MaxConsecutiveErrors = 2
	cfg.RecoveryWindow = time.Hour
	l, _, _ := newLink(t, cfg, o)
	require.NoError(t, l.Open(context.Background(), "/dev/ttyUSB0", protocol.Baud115200))
	w := link.NewWatchdog(l, log.Discard())

	w.Check(context.Background())
	assert.Len(t, o.Opens(), 1)

	o.Device.SetMute(true)
	w.Check(context.Background())
	assert.Len(t, o.Opens(), 1)
	w.Check(context.Background())

	assert.Len(t, o.Opens(), 2)
	assert.True(t, o.Opens()[0].Closed())
	assert.Equal(t, link.StateOpen, l.State())
}

func TestWatchdogReopensRecoveringLink(t *testing.T) {
	o := th.NewOpener()
	cfg := testConfig()
	cfg.RecoveryWindow = time.Hour
	l, _, _ := newLink(t, cfg, o)
	require.NoError(t, l.Open(context.Background(), "/dev/ttyUSB0", protocol.Baud115200))
	w := link.NewWatchdog(l, log.Discard())

	o.SetOpenErr(link.ErrPortNotFound)
	l.MarkDown(link.ErrLinkDown)
	w.Check(context.Background())
	assert.Equal(t, link.StateRecovering, l.State())

	o.SetOpenErr(nil)
	w.Check(context.Background())
	assert.Equal(t, link.StateOpen, l.State())
}

func TestWatchdogStartStop(t *testing.T) {
	o := th.NewOpener()
	cfg := testConfig()
	cfg.WatchdogInterval = 10 * time.Millisecond
	l, _, _ := newLink(t, cfg, o)
	require.NoError(t, l.Open(context.Background(), "/dev/ttyUSB0", protocol.Baud115200))
	o.Last().Reset()

	w := link.NewWatchdog(l, log.Discard())
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(o.Last().FramesOf(protocol.CmdGetInfo)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
