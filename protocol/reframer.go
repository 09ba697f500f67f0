package protocol

import (
	"log/slog"
)

type reframeState int

const (
	seekHead0 reframeState = iota
	seekHead1
	readAddress
	readCmd
	readLen
	readPayload
	checkSum
)

// Reframer reassembles frames from an arbitrarily chunked byte stream.
//
// Bytes are consumed by a state machine
// SEEK_PREFIX -> READ_CMD -> READ_LEN -> READ_PAYLOAD -> CHECK. A lost prefix
// or a checksum mismatch drops back to SEEK_PREFIX and counts one reframe.
// A Reframer is not safe for concurrent use; the link receiver owns it.
type Reframer struct {
	logger *slog.Logger

	state    reframeState
	cur      []byte
	want     int
	garbage  bool
	reframes uint64

	// OnReframe, when set, is called once per resynchronisation with the cause.
	OnReframe func(cause error)
}

// NewReframer returns a Reframer waiting for a frame prefix.
func NewReframer(logger *slog.Logger) *Reframer {
	return &Reframer{logger: logger, cur: make([]byte, 0, MinFrameSize+MaxPayload)}
}

// Reframes returns how many times the stream had to be resynchronised.
func (r *Reframer) Reframes() uint64 { return r.reframes }

// Reset discards any partial frame.
func (r *Reframer) Reset() {
	r.state = seekHead0
	r.cur = r.cur[:0]
	r.garbage = false
}

// Feed consumes data and returns every complete, checksum-valid frame in it.
func (r *Reframer) Feed(data []byte) []Frame {
	var out []Frame
	for _, b := range data {
		if f, ok := r.step(b); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *Reframer) step(b byte) (Frame, bool) {
	switch r.state {
	case seekHead0:
		if b == Head0 {
			r.cur = append(r.cur[:0], b)
			r.state = seekHead1
			return Frame{}, false
		}
		if !r.garbage {
			r.garbage = true
			r.resync(ErrBadPrefix)
		}
	case seekHead1:
		switch b {
		case Head1:
			r.cur = append(r.cur, b)
			r.state = readAddress
		case Head0:
			// repeated 0x57; keep waiting for 0xAB
		default:
			r.lost(ErrBadPrefix)
		}
	case readAddress:
		if b != Address {
			r.lost(ErrBadPrefix)
			if b == Head0 {
				r.cur = append(r.cur[:0], b)
				r.state = seekHead1
			}
			return Frame{}, false
		}
		r.cur = append(r.cur, b)
		r.state = readCmd
	case readCmd:
		r.cur = append(r.cur, b)
		r.state = readLen
	case readLen:
		r.cur = append(r.cur, b)
		r.want = int(b)
		if r.want == 0 {
			r.state = checkSum
		} else {
			r.state = readPayload
		}
	case readPayload:
		r.cur = append(r.cur, b)
		if len(r.cur) == HeaderSize+r.want {
			r.state = checkSum
		}
	case checkSum:
		sum := Checksum(r.cur)
		if sum != b {
			if r.logger != nil {
				r.logger.Debug("dropping frame with bad checksum", "want", sum, "got", b, "cmd", Command(r.cur[3]))
			}
			r.lost(ErrFrameChecksum)
			return Frame{}, false
		}
		f := Frame{Cmd: Command(r.cur[3]), Payload: append([]byte(nil), r.cur[HeaderSize:]...)}
		r.Reset()
		return f, true
	}
	return Frame{}, false
}

func (r *Reframer) lost(cause error) {
	r.Reset()
	r.garbage = true
	r.resync(cause)
}

func (r *Reframer) resync(cause error) {
	r.reframes++
	if r.OnReframe != nil {
		r.OnReframe(cause)
	}
}
