// Package testing provides an in-memory HID bridge for link-level tests.
package testing

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/Alia5/kvmlink/link"
	"github.com/Alia5/kvmlink/protocol"
)

// ErrPortClosed is returned by a FakePort after Close.
var ErrPortClosed = errors.New("fake port closed")

// Responder produces the device answer to one request frame.
type Responder func(req protocol.Frame) []protocol.Frame

// Device models the state a CH9329 keeps between requests.
type Device struct {
	mu      sync.Mutex
	Version byte
	LEDs    byte
	Baud    uint32
	ToHost  bool
	// Mute drops every answer, as a device at the wrong baud rate would.
	Mute bool
	// Fail answers the listed commands with this status.
	Fail map[protocol.Command]protocol.Status

	keys []byte
}

// lockLEDs maps lock key usages to their GET_INFO LED bit.
var lockLEDs = map[byte]byte{0x53: 0x01, 0x39: 0x02, 0x47: 0x04}

// NewDevice returns a device answering at 115200 with version V1.0.
func NewDevice() *Device {
	return &Device{Version: 0x30, Baud: protocol.Baud115200}
}

// SetLEDs changes the lock LEDs reported by GET_INFO.
func (d *Device) SetLEDs(v byte) {
	d.mu.Lock()
	d.LEDs = v
	d.mu.Unlock()
}

// SetMute toggles Mute under the device lock.
func (d *Device) SetMute(m bool) {
	d.mu.Lock()
	d.Mute = m
	d.mu.Unlock()
}

// Respond answers req the way the bridge firmware does.
func (d *Device) Respond(req protocol.Frame) []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Mute {
		return nil
	}
	if st, ok := d.Fail[req.Cmd]; ok {
		return []protocol.Frame{{Cmd: req.Cmd | protocol.ResponseBit | protocol.ErrorBit, Payload: []byte{byte(st)}}}
	}
	resp := protocol.Frame{Cmd: req.Cmd.Response()}
	switch req.Cmd {
	case protocol.CmdGetInfo:
		resp.Payload = []byte{d.Version, 0x01, d.LEDs, 0, 0, 0, 0, 0}
	case protocol.CmdGetParaCfg:
		p := []byte{protocol.DefaultWorkMode, 0x80, protocol.Address}
		resp.Payload = binary.BigEndian.AppendUint32(p, d.Baud)
	case protocol.CmdSetParaCfg:
		if len(req.Payload) >= 7 {
			d.Baud = binary.BigEndian.Uint32(req.Payload[3:7])
		}
		resp.Payload = []byte{byte(protocol.StatusSuccess)}
	case protocol.CmdSendKeyboard:
		d.pressKeys(req.Payload)
		resp.Payload = []byte{byte(protocol.StatusSuccess)}
	case protocol.CmdUSBSwitch:
		if len(req.Payload) > 0 {
			d.ToHost = req.Payload[0] == 0x00
		}
		var v byte = 0x01
		if d.ToHost {
			v = 0x00
		}
		resp.Payload = []byte{v}
	default:
		resp.Payload = []byte{byte(protocol.StatusSuccess)}
	}
	return []protocol.Frame{resp}
}

// pressKeys toggles lock LEDs on the rising edge of a lock key, like a
// target host echoing its lock state.
func (d *Device) pressKeys(report []byte) {
	if len(report) < 8 {
		return
	}
	now := report[2:8]
	for _, k := range now {
		if bit, ok := lockLEDs[k]; ok && !slices.Contains(d.keys, k) {
			d.LEDs ^= bit
		}
	}
	d.keys = append(d.keys[:0], now...)
}

// FakePort is a link.Port backed by memory.
type FakePort struct {
	Name string
	Baud int

	in      chan []byte
	closeCh chan struct{}

	mu       sync.Mutex
	leftover []byte
	timeout  time.Duration
	writes   [][]byte
	closed   bool
	respond  Responder
	writeErr error
}

// NewFakePort creates an open port. respond may be nil for a silent device.
func NewFakePort(name string, baud int, respond Responder) *FakePort {
	return &FakePort{
		Name:    name,
		Baud:    baud,
		in:      make(chan []byte, 256),
		closeCh: make(chan struct{}),
		timeout: 10 * time.Millisecond,
		respond: respond,
	}
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.leftover) > 0 {
		n := copy(b, p.leftover)
		p.leftover = p.leftover[n:]
		p.mu.Unlock()
		return n, nil
	}
	closed, timeout := p.closed, p.timeout
	p.mu.Unlock()
	if closed {
		return 0, ErrPortClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case data := <-p.in:
		n := copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.leftover = append(p.leftover, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closeCh:
		return 0, ErrPortClosed
	case <-t.C:
		return 0, nil
	}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		if f, err := protocol.ParseFrame(b); err == nil {
			for _, r := range respond(f) {
				p.Inject(r.Bytes())
			}
		}
	}
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closeCh)
	return nil
}

func (p *FakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *FakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.leftover = nil
	p.mu.Unlock()
	for {
		select {
		case <-p.in:
		default:
			return nil
		}
	}
}

// Inject queues bytes for the reader as if the device had sent them.
func (p *FakePort) Inject(b []byte) {
	select {
	case p.in <- append([]byte(nil), b...):
	case <-p.closeCh:
	}
}

// FailWrites makes every following write return err.
func (p *FakePort) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Writes returns a copy of every byte slice written so far.
func (p *FakePort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Frames decodes Writes.
func (p *FakePort) Frames() []protocol.Frame {
	var out []protocol.Frame
	for _, w := range p.Writes() {
		if f, err := protocol.ParseFrame(w); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// FramesOf returns the written frames carrying cmd.
func (p *FakePort) FramesOf(cmd protocol.Command) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range p.Frames() {
		if f.Cmd == cmd {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets recorded writes.
func (p *FakePort) Reset() {
	p.mu.Lock()
	p.writes = nil
	p.mu.Unlock()
}

// Opener hands out FakePorts wired to a Device.
type Opener struct {
	Device *Device
	// DeviceBaud, when non-zero, mutes ports opened at any other rate.
	DeviceBaud int
	// OpenErr fails every Open while set.
	OpenErr error
	Ports   []link.PortInfo

	mu    sync.Mutex
	opens []*FakePort
}

var _ link.Opener = (*Opener)(nil)
var _ link.PortLister = (*Opener)(nil)

// NewOpener returns an opener with a fresh Device and one CH9329 on
// /dev/ttyUSB0.
func NewOpener() *Opener {
	return &Opener{
		Device: NewDevice(),
		Ports: []link.PortInfo{{
			Name: "/dev/ttyUSB0", IsUSB: true,
			VID: protocol.VendorWCH, PID: protocol.ProductCH9329,
			Chip: protocol.ChipCH9329,
		}},
	}
}

func (o *Opener) Open(name string, baud int) (link.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	var respond Responder
	if o.Device != nil && (o.DeviceBaud == 0 || o.DeviceBaud == baud) {
		respond = o.Device.Respond
	}
	p := NewFakePort(name, baud, respond)
	o.opens = append(o.opens, p)
	return p, nil
}

func (o *Opener) ListPorts() ([]link.PortInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]link.PortInfo(nil), o.Ports...), nil
}

// SetPorts replaces the enumerated port list.
func (o *Opener) SetPorts(ports ...link.PortInfo) {
	o.mu.Lock()
	o.Ports = ports
	o.mu.Unlock()
}

// SetOpenErr changes OpenErr under the opener lock.
func (o *Opener) SetOpenErr(err error) {
	o.mu.Lock()
	o.OpenErr = err
	o.mu.Unlock()
}

// Opens returns every port opened so far.
func (o *Opener) Opens() []*FakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakePort(nil), o.opens...)
}

// Last returns the most recently opened port.
func (o *Opener) Last() *FakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opens) == 0 {
		return nil
	}
	return o.opens[len(o.opens)-1]
}

// Recorder collects link frames sent through a Sender without a port.
type Recorder struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	queries int
	Err     error
	Info    protocol.Info
}

// QueryInfo answers with Info and counts the call.
func (r *Recorder) QueryInfo(ctx context.Context) (protocol.Info, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Info{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
	return r.Info, nil
}

// Queries returns how many times QueryInfo ran.
func (r *Recorder) Queries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

// SendCommandAsync records f.
func (r *Recorder) SendCommandAsync(f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.frames = append(r.frames, protocol.Frame{Cmd: f.Cmd, Payload: append([]byte(nil), f.Payload...)})
	return nil
}

// Frames returns everything recorded.
func (r *Recorder) Frames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

// Bytes returns the encoded recorded frames.
func (r *Recorder) Bytes() [][]byte {
	var out [][]byte
	for _, f := range r.Frames() {
		out = append(out, f.Bytes())
	}
	return out
}

// Reset forgets recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

var _ io.ReadWriteCloser = (*FakePort)(nil)
