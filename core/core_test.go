package core_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/core"
	"github.com/Alia5/kvmlink/device/keyboard"
	th "github.com/Alia5/kvmlink/internal/testing"
	"github.com/Alia5/kvmlink/link"
	"github.com/Alia5/kvmlink/protocol"
	"github.com/Alia5/kvmlink/settings"
)

type memStore struct {
	mu    sync.Mutex
	state settings.State
	saves int
}

func (m *memStore) Load() (settings.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStore) Save(st settings.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.saves++
	return nil
}

func testConfig(t *testing.T) core.Config {
	cfg := core.DefaultConfig()
	cfg.Serial.WatchdogInterval = 0
	cfg.Serial.HotplugInterval = 0
	cfg.Serial.ResponseTimeout = 50 * time.Millisecond
	cfg.LayoutDir = t.TempDir()
	cfg.WatchLayouts = false
	return cfg
}

func TestStartOpensLinkAndForwardsKeys(t *testing.T) {
	o := th.NewOpener()
	reg := prometheus.NewRegistry()
	c, err := core.New(testConfig(t), nil, &core.Options{Opener: o, Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, link.StateOpen, c.Link().State())
	assert.Equal(t, "/dev/ttyUSB0", c.Link().PortName())

	require.NoError(t, c.Input().OnKeyPress(keyboard.KeyEvent{Key: "A"}))
	require.Eventually(t, func() bool {
		for _, f := range o.Last().FramesOf(protocol.CmdSendKeyboard) {
			if len(f.Payload) == 8 && f.Payload[2] == 0x04 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStartFailsWithoutBridge(t *testing.T) {
	o := th.NewOpener()
	o.SetPorts()
	c, err := core.New(testConfig(t), nil, &core.Options{Opener: o})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.ErrorIs(t, c.Start(context.Background()), link.ErrPortNotFound)
}

func TestWaitsForHotplug(t *testing.T) {
	o := th.NewOpener()
	ports, _ := o.ListPorts()
	o.SetPorts()
	cfg := testConfig(t)
	cfg.Serial.HotplugInterval = 10 * time.Millisecond
	c, err := core.New(cfg, nil, &core.Options{Opener: o})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, link.StateClosed, c.Link().State())

	time.Sleep(30 * time.Millisecond)
	o.SetPorts(ports...)
	require.Eventually(t, func() bool {
		return c.Link().State() == link.StateOpen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	c, err := core.New(testConfig(t), nil, &core.Options{Opener: th.NewOpener()})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestSettingsAppliedAndSaved(t *testing.T) {
	store := &memStore{state: settings.State{Layout: "German QWERTZ", MouseAutoHide: true, RepeatMs: 0}}
	c, err := core.New(testConfig(t), nil, &core.Options{Opener: th.NewOpener(), Store: store})
	require.NoError(t, err)

	assert.Equal(t, "German QWERTZ", c.Input().Layout())
	assert.False(t, c.Input().AbsoluteMouseMode())
	assert.True(t, c.Input().MouseAutoHide())

	require.NoError(t, c.Input().SetLayout("French AZERTY"))
	c.Input().SetAbsoluteMouseMode(true)
	require.NoError(t, c.Close())

	assert.Equal(t, 1, store.saves)
	assert.Equal(t, settings.State{Layout: "French AZERTY", AbsoluteMouse: true, MouseAutoHide: true}, store.state)
}

func TestUnknownPersistedLayoutFallsBack(t *testing.T) {
	store := &memStore{state: settings.State{Layout: "Klingon", AbsoluteMouse: true}}
	c, err := core.New(testConfig(t), nil, &core.Options{Opener: th.NewOpener(), Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, "US QWERTY", c.Input().Layout())
}

func TestSettingsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings = filepath.Join(t.TempDir(), "settings.yaml")
	c, err := core.New(cfg, nil, &core.Options{Opener: th.NewOpener()})
	require.NoError(t, err)
	require.NoError(t, c.Input().SetRepeatingKeystroke(75))
	require.NoError(t, c.Close())

	c, err = core.New(cfg, nil, &core.Options{Opener: th.NewOpener()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, 75, c.Input().RepeatingKeystroke())

	cfg.Settings = "settings.ini"
	_, err = core.New(cfg, nil, nil)
	assert.ErrorIs(t, err, settings.ErrUnknownFormat)
}

func TestLayoutDirectoryIsLoaded(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LayoutDir, "colemak.json"),
		[]byte(`{"name": "Colemak", "key_map": {"A": "0x04"}}`), 0o644))
	cfg.Input.Layout = "Colemak"

	c, err := core.New(cfg, nil, &core.Options{Opener: th.NewOpener()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Contains(t, c.Layouts().Available(), "Colemak")
	assert.Equal(t, "Colemak", c.Input().Layout())
}

func TestLayoutWatchReappliesActiveLayout(t *testing.T) {
	cfg := testConfig(t)
	cfg.WatchLayouts = true
	path := filepath.Join(cfg.LayoutDir, "colemak.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "Colemak", "key_map": {"A": "0x04"}}`), 0o644))
	cfg.Input.Layout = "Colemak"

	o := th.NewOpener()
	c, err := core.New(cfg, nil, &core.Options{Opener: o})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`{"name": "Colemak", "key_map": {"A": "0x05"}}`), 0o644))
	require.Eventually(t, func() bool {
		o.Last().Reset()
		if err := c.Input().OnKeyPress(keyboard.KeyEvent{Key: "A"}); err != nil {
			return false
		}
		_ = c.Input().OnKeyRelease(keyboard.KeyEvent{Key: "A"})
		for _, f := range o.Last().FramesOf(protocol.CmdSendKeyboard) {
			if len(f.Payload) == 8 && f.Payload[2] == 0x05 {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
