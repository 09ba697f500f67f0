package keyboard

import (
	"io"

	"github.com/Alia5/kvmlink/device"
)

// Report is an 8-byte boot keyboard report.
type Report struct {
	Modifiers uint8
	Keys      [6]uint8
}

var _ device.ReportBuilder = Report{}

// NewReport fills the key slots from codes. Extra codes are dropped.
func NewReport(mods uint8, codes ...uint8) Report {
	r := Report{Modifiers: mods}
	copy(r.Keys[:], codes)
	return r
}

// BuildReport encodes the report.
//
//	Byte 0: modifiers
//	Byte 1: reserved (0x00)
//	Bytes 2-7: key usages, zero padded
func (r Report) BuildReport() []byte {
	b := make([]byte, 8)
	b[0] = r.Modifiers
	copy(b[2:], r.Keys[:])
	return b
}

// UnmarshalBinary decodes an 8-byte report.
func (r *Report) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return io.ErrUnexpectedEOF
	}
	r.Modifiers = data[0]
	copy(r.Keys[:], data[2:8])
	return nil
}

// IsIdle reports whether r is the all-released report.
func (r Report) IsIdle() bool { return r == Report{} }

// ModifierState is the modifier byte the translator believes the target sees
// as held by the user.
type ModifierState struct {
	bits uint8
}

// ApplyDelta sets then clears bits and returns the new byte.
func (m *ModifierState) ApplyDelta(set, clear uint8) uint8 {
	m.bits = (m.bits | set) &^ clear
	return m.bits
}

// ForceClear drops every modifier.
func (m *ModifierState) ForceClear() { m.bits = 0 }

func (m *ModifierState) Bits() uint8 { return m.bits }
