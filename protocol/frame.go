package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrShortFrame    = errors.New("frame too short")
	ErrBadPrefix     = errors.New("bad frame prefix")
	ErrFrameChecksum = errors.New("frame checksum mismatch")
	ErrFrameLength   = errors.New("frame length mismatch")
	ErrPayloadSize   = errors.New("payload exceeds 255 bytes")
)

// Frame is one serial-link PDU without its framing bytes.
type Frame struct {
	Cmd     Command
	Payload []byte
}

// Checksum returns the 8-bit sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// MarshalBinary encodes f with header, length and checksum.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadSize
	}
	b := make([]byte, 0, MinFrameSize+len(f.Payload))
	b = append(b, Head0, Head1, Address, byte(f.Cmd), byte(len(f.Payload)))
	b = append(b, f.Payload...)
	return append(b, Checksum(b)), nil
}

// Bytes is MarshalBinary for frames known to be well sized. It panics on an
// oversized payload.
func (f Frame) Bytes() []byte {
	b, err := f.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Status returns the first payload byte, which acknowledgements use as a
// status code. Frames without payload report success.
func (f Frame) Status() Status {
	if len(f.Payload) == 0 {
		return StatusSuccess
	}
	return Status(f.Payload[0])
}

// Err converts an error response into a Go error. Other frames yield nil.
func (f Frame) Err() error {
	if !f.Cmd.IsError() {
		return nil
	}
	return &StatusError{Cmd: f.Cmd.Request(), Status: f.Status()}
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[% x]", f.Cmd, f.Payload)
}

// ParseFrame decodes exactly one frame from b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < MinFrameSize {
		return Frame{}, ErrShortFrame
	}
	if b[0] != Head0 || b[1] != Head1 || b[2] != Address {
		return Frame{}, ErrBadPrefix
	}
	n := int(b[4])
	if len(b) != MinFrameSize+n {
		return Frame{}, fmt.Errorf("%w: header says %d payload bytes, got %d", ErrFrameLength, n, len(b)-MinFrameSize)
	}
	last := len(b) - 1
	if sum := Checksum(b[:last]); sum != b[last] {
		return Frame{}, fmt.Errorf("%w: want %02x, got %02x", ErrFrameChecksum, sum, b[last])
	}
	payload := make([]byte, n)
	copy(payload, b[HeaderSize:last])
	return Frame{Cmd: Command(b[3]), Payload: payload}, nil
}

// StatusError is a device-reported command failure.
type StatusError struct {
	Cmd    Command
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Cmd, e.Status)
}
