package mouse

import (
	"io"

	"github.com/Alia5/kvmlink/device"
)

// Button bits of the first report byte.
const (
	ButtonLeft   uint8 = 0x01
	ButtonRight  uint8 = 0x02
	ButtonMiddle uint8 = 0x04
)

// AbsMax is the largest absolute coordinate the bridge accepts.
const AbsMax = 4095

// AbsReport is an absolute pointer report with coordinates in 0..AbsMax.
type AbsReport struct {
	Buttons uint8
	X, Y    uint16
	Wheel   int8
}

var _ device.ReportBuilder = AbsReport{}

// BuildReport encodes the report.
//
//	Byte 0: buttons
//	Bytes 1-2: X (little-endian)
//	Bytes 3-4: Y (little-endian)
//	Byte 5: wheel (two's complement)
func (r AbsReport) BuildReport() []byte {
	return []byte{
		r.Buttons & 0x07,
		byte(r.X), byte(r.X >> 8),
		byte(r.Y), byte(r.Y >> 8),
		byte(r.Wheel),
	}
}

// UnmarshalBinary decodes 6 bytes into r.
func (r *AbsReport) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return io.ErrUnexpectedEOF
	}
	r.Buttons = data[0]
	r.X = uint16(data[1]) | uint16(data[2])<<8
	r.Y = uint16(data[3]) | uint16(data[4])<<8
	r.Wheel = int8(data[5])
	return nil
}

// RelReport is a relative pointer report.
type RelReport struct {
	Buttons uint8
	DX, DY  int8
	Wheel   int8
}

var _ device.ReportBuilder = RelReport{}

// BuildReport encodes the report as [buttons][dx][dy][wheel].
func (r RelReport) BuildReport() []byte {
	return []byte{r.Buttons & 0x07, byte(r.DX), byte(r.DY), byte(r.Wheel)}
}

// UnmarshalBinary decodes 4 bytes into r.
func (r *RelReport) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return io.ErrUnexpectedEOF
	}
	r.Buttons = data[0]
	r.DX = int8(data[1])
	r.DY = int8(data[2])
	r.Wheel = int8(data[3])
	return nil
}

// Saturate clamps a relative delta to the int8 range.
func Saturate(v int) int8 {
	switch {
	case v > 127:
		return 127
	case v < -128:
		return -128
	}
	return int8(v)
}

// WheelStep converts a host wheel delta (120 per notch on most hosts) into
// the report's wheel byte. ok is false for a zero delta, which sends nothing.
// Deltas smaller than 100 in magnitude quantise to 0.
func WheelStep(delta int) (step int8, ok bool) {
	switch {
	case delta == 0:
		return 0, false
	case delta > 0:
		return int8(min(delta/100, 127)), true
	}
	return int8(-min(-delta/100, 128)), true
}
