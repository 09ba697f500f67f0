// Package link owns the serial connection to the CH9329/CH32V208 bridge.
//
// Outbound frames are written in call order from any goroutine. A single
// reader goroutine reframes the inbound stream, updates the LED cache and wakes
// whoever waits for a response. While the device is away, asynchronous frames
// are parked in a bounded queue and replayed once the port comes back.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
	"github.com/Alia5/kvmlink/protocol"
)

var (
	ErrLinkDown        = errors.New("serial link down")
	ErrPortBusy        = errors.New("serial port busy")
	ErrPortNotFound    = errors.New("serial port not found")
	ErrPortPermission  = errors.New("serial port permission denied")
	ErrResponseTimeout = errors.New("response timeout")
	ErrSuperseded      = errors.New("superseded by a newer request")
	ErrUnsupported     = errors.New("not supported by this chip")
	ErrAlreadyOpen     = errors.New("link already open")

	errReframeStorm = errors.New("inbound stream keeps losing sync")
)

const (
	readPoll      = 50 * time.Millisecond
	reframeLimit  = 16
	reframeWindow = 250 * time.Millisecond
)

// State is the link lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRecovering:
		return "recovering"
	}
	return "closed"
}

// LEDState is the target's lock LEDs as last reported by GET_INFO.
type LEDState struct {
	NumLock    bool
	CapsLock   bool
	ScrollLock bool
}

func ledStateFromByte(b byte) LEDState {
	return LEDState{NumLock: b&0x01 != 0, CapsLock: b&0x02 != 0, ScrollLock: b&0x04 != 0}
}

// Options carries the link's collaborators. Nil fields get defaults.
type Options struct {
	Opener Opener
	Lister PortLister
	Events *event.Hub
	Stats  *Stats
}

type result struct {
	frame protocol.Frame
	err   error
}

type session struct {
	port Port
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *session) end() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.port.Close()
	})
}

// Link is the serial connection to one HID bridge.
type Link struct {
	cfg    Config
	logger *slog.Logger
	raw    log.RawLogger
	events *event.Hub
	opener Opener
	lister PortLister
	stats  *Stats

	// writeMu serialises port writes and is taken before mu.
	writeMu sync.Mutex

	mu        sync.Mutex
	sess      *session
	state     State
	portName  string
	baud      int
	chip      protocol.ChipType
	waiters   map[protocol.Command]chan result
	queue     *leakyQueue
	downTimer *time.Timer
	reframeAt []time.Time

	leds      atomic.Uint32
	haveLEDs  atomic.Bool
	info      atomic.Pointer[protocol.Info]
	usbToHost atomic.Bool
}

// New creates a closed link.
func New(cfg Config, logger *slog.Logger, raw log.RawLogger, o *Options) *Link {
	if o == nil {
		o = &Options{}
	}
	if logger == nil {
		logger = log.Discard()
	}
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	cfg = cfg.withDefaults()
	l := &Link{
		cfg:     cfg,
		logger:  logger,
		raw:     raw,
		events:  o.Events,
		opener:  o.Opener,
		lister:  o.Lister,
		stats:   o.Stats,
		waiters: map[protocol.Command]chan result{},
		queue:   newLeakyQueue(cfg.QueueSize),
	}
	if l.opener == nil {
		l.opener = SerialOpener{}
	}
	if l.lister == nil {
		if pl, ok := l.opener.(PortLister); ok {
			l.lister = pl
		}
	}
	if l.stats == nil {
		l.stats = NewStats(nil)
	}
	return l
}

// Open connects to name ("" or "auto" selects the first known bridge). A zero
// baud runs auto-detection unless the chip has a fixed rate.
func (l *Link) Open(ctx context.Context, name string, baud int) error {
	if l.State() != StateClosed {
		return ErrAlreadyOpen
	}
	chip := ParseChip(l.cfg.Chip)
	if name == "" || strings.EqualFold(name, AutoPort) {
		if l.lister == nil {
			l.publishOpenError(ErrPortNotFound)
			return ErrPortNotFound
		}
		info, err := FindPort(l.lister)
		if err != nil {
			l.publishOpenError(err)
			return err
		}
		name = info.Name
		if chip == protocol.ChipUnknown {
			chip = info.Chip
		}
	}
	if chip == protocol.ChipUnknown {
		chip = protocol.ChipCH9329
	}
	l.mu.Lock()
	l.chip = chip
	l.portName = name
	l.mu.Unlock()

	var err error
	switch fixed := strategyFor(chip).fixedBaud(); {
	case baud != 0:
		err = l.openAt(name, baud)
	case fixed != 0:
		err = l.openAt(name, fixed)
	default:
		err = l.autoBaud(ctx, name)
	}
	if err != nil {
		return err
	}
	_ = l.RefreshInfo()
	return nil
}

func (l *Link) autoBaud(ctx context.Context, name string) error {
	first, second := l.cfg.DefaultBaud, l.cfg.FallbackBaud
	if err := l.openAt(name, first); err != nil {
		return err
	}
	if err := l.probe(ctx); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	l.logger.Info("no answer, trying fallback rate", "port", name, "baud", second)
	l.stats.Retries.Inc()
	if err := l.restart(ctx, second, 0); err != nil {
		return err
	}
	if err := l.probe(ctx); err != nil {
		l.logger.Warn("device did not answer at either rate", "port", name, "baud", second, "error", err)
		return nil
	}
	l.events.Publish(event.BaudrateChanged{From: first, To: second})
	return nil
}

func (l *Link) probe(ctx context.Context) error {
	resp, err := l.SendCommand(ctx, protocol.GetParaCfgFrame(), 0)
	if err != nil {
		return err
	}
	cfg, err := protocol.DecodeParaConfig(resp)
	if err != nil {
		return err
	}
	l.logger.Debug("device parameters", "mode", fmt.Sprintf("0x%02x", cfg.Mode), "baud", cfg.Baud)
	return nil
}

func (l *Link) openAt(name string, baud int) error {
	port, err := l.opener.Open(name, baud)
	if err != nil {
		l.publishOpenError(err)
		return err
	}
	_ = port.SetReadTimeout(readPoll)
	_ = port.ResetInputBuffer()
	s := &session{port: port, stop: make(chan struct{}), done: make(chan struct{})}

	l.writeMu.Lock()
	l.mu.Lock()
	l.sess = s
	l.state = StateOpen
	l.portName = name
	l.baud = baud
	l.reframeAt = l.reframeAt[:0]
	if l.downTimer != nil {
		l.downTimer.Stop()
		l.downTimer = nil
	}
	pending := l.queue.drain()
	chip := l.chip
	l.mu.Unlock()

	go l.readLoop(s)
	for _, f := range pending {
		if err := l.writeTo(s, f, true); err != nil {
			break
		}
	}
	l.writeMu.Unlock()
	if l.State() != StateOpen {
		return fmt.Errorf("replay on %s: %w", name, ErrLinkDown)
	}

	l.stats.success()
	l.logger.Info("serial link open", "port", name, "baud", baud, "chip", chip, "replayed", len(pending))
	l.events.Publish(event.ConnectionChanged{Up: true, Port: name})
	return nil
}

// restart ends the current session and reopens the same port at baud after
// settle. Asynchronous frames sent meanwhile are queued and replayed.
func (l *Link) restart(ctx context.Context, baud int, settle time.Duration) error {
	l.mu.Lock()
	name := l.portName
	s := l.endSessionLocked(StateRecovering, ErrLinkDown)
	l.mu.Unlock()
	if s != nil {
		s.end()
		<-s.done
	}
	if settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return l.openAt(name, baud)
}

// endSessionLocked detaches the session and fails every waiter with cause.
func (l *Link) endSessionLocked(next State, cause error) *session {
	s := l.sess
	l.sess = nil
	l.state = next
	for cmd, ch := range l.waiters {
		ch <- result{err: cause}
		delete(l.waiters, cmd)
	}
	return s
}

func (l *Link) publishOpenError(err error) {
	kind := event.KindPortNotFound
	switch {
	case errors.Is(err, ErrPortBusy):
		kind = event.KindPortBusy
	case errors.Is(err, ErrPortPermission):
		kind = event.KindPortPermission
	}
	l.logger.Error("cannot open serial port", "error", err)
	l.events.Publish(event.Error{Kind: kind, Detail: "cannot open serial port", Err: err})
}

// Close sends a release-all keyboard report, stops the reader and closes the
// port. Pending waiters fail with ErrLinkDown and queued frames are dropped.
// Close must not be called from an event handler running on the reader.
func (l *Link) Close() error {
	l.writeMu.Lock()
	l.mu.Lock()
	s, st := l.sess, l.state
	if st == StateClosed {
		l.mu.Unlock()
		l.writeMu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if s != nil && st == StateOpen {
		if err := l.writeTo(s, protocol.KeyboardFrame(nil), false); err != nil {
			l.logger.Debug("release on close failed", "error", err)
		}
	}

	l.mu.Lock()
	s = l.endSessionLocked(StateClosed, ErrLinkDown)
	l.queue.drain()
	if l.downTimer != nil {
		l.downTimer.Stop()
		l.downTimer = nil
	}
	name := l.portName
	l.mu.Unlock()
	l.writeMu.Unlock()

	if s != nil {
		s.end()
		<-s.done
	}
	l.logger.Info("serial link closed", "port", name)
	if st == StateOpen {
		l.events.Publish(event.ConnectionChanged{Up: false, Port: name})
	}
	return nil
}

// Reopen brings a recovering link back on name, or on the last port when name
// is empty, at the last baud rate.
func (l *Link) Reopen(name string) error {
	l.mu.Lock()
	st, baud := l.state, l.baud
	if name == "" {
		name = l.portName
	}
	l.mu.Unlock()
	if st != StateRecovering {
		return nil
	}
	if baud == 0 {
		baud = l.cfg.DefaultBaud
	}
	return l.openAt(name, baud)
}

// MarkDown moves an open link to recovering, as if the port had failed.
func (l *Link) MarkDown(cause error) {
	l.mu.Lock()
	s := l.sess
	l.mu.Unlock()
	if s != nil {
		l.fail(s, cause)
	}
}

func (l *Link) fail(s *session, cause error) {
	l.mu.Lock()
	if l.sess != s || l.state != StateOpen {
		l.mu.Unlock()
		return
	}
	l.endSessionLocked(StateRecovering, ErrLinkDown)
	name := l.portName
	window := l.cfg.RecoveryWindow
	if l.downTimer != nil {
		l.downTimer.Stop()
	}
	l.downTimer = time.AfterFunc(window, func() {
		if l.State() != StateRecovering {
			return
		}
		l.logger.Error("device did not come back", "port", name, "window", window)
		l.events.Publish(event.Error{
			Kind:   event.KindLinkDown,
			Detail: fmt.Sprintf("%s did not return within %s", name, window),
			Err:    cause,
		})
	})
	l.mu.Unlock()

	s.end()
	l.stats.failure()
	l.logger.Warn("serial link lost", "port", name, "error", cause)
	l.events.Publish(event.ConnectionChanged{Up: false, Port: name})
}

// SendCommandAsync writes f without waiting for a response. While the link is
// recovering f is queued instead.
func (l *Link) SendCommandAsync(f protocol.Frame) error {
	return l.send(f, true)
}

// SendCommand writes f and waits for its response. A zero timeout uses the
// configured response timeout. A second request with the same command
// supersedes the first, whose caller gets ErrSuperseded.
func (l *Link) SendCommand(ctx context.Context, f protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	if timeout <= 0 {
		timeout = l.cfg.ResponseTimeout
	}
	key := f.Cmd.Request()
	ch := make(chan result, 1)

	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return protocol.Frame{}, fmt.Errorf("%s: %w", key, ErrLinkDown)
	}
	if old, ok := l.waiters[key]; ok {
		old <- result{err: ErrSuperseded}
		l.stats.Retries.Inc()
	}
	l.waiters[key] = ch
	l.mu.Unlock()

	if err := l.send(f, false); err != nil {
		l.dropWaiter(key, ch)
		return protocol.Frame{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-t.C:
		l.dropWaiter(key, ch)
		l.stats.ResponsesLost.Inc()
		l.stats.failure()
		return protocol.Frame{}, fmt.Errorf("%s: %w", key, ErrResponseTimeout)
	case <-ctx.Done():
		l.dropWaiter(key, ch)
		return protocol.Frame{}, ctx.Err()
	}
}

func (l *Link) dropWaiter(key protocol.Command, ch chan result) {
	l.mu.Lock()
	if l.waiters[key] == ch {
		delete(l.waiters, key)
	}
	l.mu.Unlock()
}

func (l *Link) send(f protocol.Frame, queue bool) error {
	if len(f.Payload) > protocol.MaxPayload {
		return protocol.ErrPayloadSize
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	s, st := l.sess, l.state
	if st == StateRecovering && queue {
		l.queue.push(f)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if st != StateOpen || s == nil {
		return fmt.Errorf("%s: %w", f.Cmd, ErrLinkDown)
	}
	return l.writeTo(s, f, queue)
}

// writeTo must be called with writeMu held.
func (l *Link) writeTo(s *session, f protocol.Frame, queue bool) error {
	b := f.Bytes()
	if _, err := s.port.Write(b); err != nil {
		l.fail(s, fmt.Errorf("write %s: %w", f.Cmd, err))
		if queue {
			l.mu.Lock()
			l.queue.push(f)
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("write %s: %w", f.Cmd, ErrLinkDown)
	}
	l.raw.Log(true, b)
	l.stats.CommandsSent.Inc()
	if d := l.cfg.CommandDelay; d > 0 {
		time.Sleep(d)
	}
	return nil
}

func (l *Link) readLoop(s *session) {
	defer close(s.done)
	r := protocol.NewReframer(l.logger)
	r.OnReframe = func(cause error) { l.onReframe(s, cause) }
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			l.fail(s, fmt.Errorf("read: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		chunk := buf[:n]
		l.raw.Log(false, chunk)
		for _, f := range r.Feed(chunk) {
			l.handleFrame(f)
		}
	}
}

func (l *Link) onReframe(s *session, cause error) {
	l.stats.Reframes.Inc()
	now := time.Now()
	l.mu.Lock()
	keep := l.reframeAt[:0]
	for _, at := range l.reframeAt {
		if now.Sub(at) < reframeWindow {
			keep = append(keep, at)
		}
	}
	l.reframeAt = append(keep, now)
	storm := len(l.reframeAt) >= reframeLimit
	if storm {
		l.reframeAt = l.reframeAt[:0]
	}
	l.mu.Unlock()
	if errors.Is(cause, protocol.ErrFrameChecksum) {
		l.logger.Debug("dropped frame", "error", cause)
	}
	if storm {
		l.fail(s, errReframeStorm)
	}
}

func (l *Link) handleFrame(f protocol.Frame) {
	if !f.Cmd.IsResponse() {
		l.logger.Debug("ignoring unsolicited frame", "frame", f)
		return
	}
	l.stats.ResponsesReceived.Inc()
	l.events.Publish(event.DataReceived{Cmd: byte(f.Cmd), Payload: f.Payload})

	err := f.Err()
	if err != nil {
		l.stats.DeviceErrors.Inc()
		l.stats.failure()
		l.logger.Warn("device reported error", "cmd", f.Cmd.Request(), "status", f.Status())
		l.events.Publish(event.Error{Kind: event.KindDevice, Detail: err.Error(), Err: err})
	} else {
		l.stats.success()
		switch f.Cmd {
		case protocol.CmdGetInfo.Response():
			l.updateInfo(f)
		case protocol.CmdUSBSwitch.Response():
			if toHost, derr := protocol.DecodeUSBSwitch(f); derr == nil {
				l.usbToHost.Store(toHost)
				l.events.Publish(event.USBSwitchChanged{ToHost: toHost})
			}
		}
	}

	key := f.Cmd.Request()
	l.mu.Lock()
	ch, ok := l.waiters[key]
	if ok {
		delete(l.waiters, key)
	}
	l.mu.Unlock()
	if ok {
		ch <- result{frame: f, err: err}
	}
}

func (l *Link) updateInfo(f protocol.Frame) {
	info, err := protocol.DecodeInfo(f)
	if err != nil {
		l.logger.Debug("bad GET_INFO response", "error", err)
		return
	}
	l.info.Store(&info)
	leds := uint32(info.LEDs & 0x07)
	old := l.leds.Swap(leds)
	if !l.haveLEDs.Swap(true) || old != leds {
		s := ledStateFromByte(byte(leds))
		l.events.Publish(event.KeyStatesChanged{NumLock: s.NumLock, CapsLock: s.CapsLock, ScrollLock: s.ScrollLock})
	}
}

// RefreshInfo asks the device for its status; the LED cache updates when the
// response arrives.
func (l *Link) RefreshInfo() error {
	return l.SendCommandAsync(protocol.GetInfoFrame())
}

// QueryInfo requests GET_INFO and waits for it.
func (l *Link) QueryInfo(ctx context.Context) (protocol.Info, error) {
	resp, err := l.SendCommand(ctx, protocol.GetInfoFrame(), 0)
	if err != nil {
		return protocol.Info{}, err
	}
	return protocol.DecodeInfo(resp)
}

// LEDStates returns the cached lock LEDs. All false until the first GET_INFO.
func (l *Link) LEDStates() LEDState {
	return ledStateFromByte(byte(l.leds.Load()))
}

// Info returns the last GET_INFO response, if any.
func (l *Link) Info() (protocol.Info, bool) {
	if p := l.info.Load(); p != nil {
		return *p, true
	}
	return protocol.Info{}, false
}

// ResetDevice reprograms the baud rate (0 keeps the current one) and resets
// the chip, reopening the port afterwards.
func (l *Link) ResetDevice(ctx context.Context, baud int) error {
	if baud == 0 {
		baud = l.Baud()
	}
	l.logger.Info("resetting device", "chip", l.Chip(), "baud", baud)
	return strategyFor(l.Chip()).reset(ctx, l, baud)
}

// FactoryReset restores the chip's factory configuration.
func (l *Link) FactoryReset(ctx context.Context) error {
	l.logger.Info("restoring factory configuration", "chip", l.Chip())
	return strategyFor(l.Chip()).factoryReset(ctx, l)
}

// SwitchUSB routes the shared USB port to the host or the target.
func (l *Link) SwitchUSB(ctx context.Context, toHost bool) error {
	if !strategyFor(l.Chip()).usbSwitch() {
		return fmt.Errorf("USB switch on %s: %w", l.Chip(), ErrUnsupported)
	}
	resp, err := l.SendCommand(ctx, protocol.USBSwitchFrame(toHost), 0)
	if err != nil {
		return err
	}
	got, err := protocol.DecodeUSBSwitch(resp)
	if err != nil {
		return err
	}
	if got != toHost {
		return fmt.Errorf("USB switch: device kept the previous route")
	}
	return nil
}

// USBToHost reports the last known USB switch route.
func (l *Link) USBToHost() bool { return l.usbToHost.Load() }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) PortName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portName
}

func (l *Link) Baud() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baud
}

func (l *Link) Chip() protocol.ChipType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chip
}

// Stats returns the link counters.
func (l *Link) Stats() *Stats { return l.stats }

// Queued returns the number of frames waiting for the device to return.
func (l *Link) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// Config returns the effective configuration.
func (l *Link) Config() Config { return l.cfg }
