package protocol

import (
	"encoding/binary"
	"fmt"
)

// Supported serial speeds.
const (
	Baud9600   = 9600
	Baud115200 = 115200
)

// DefaultWorkMode is the chip working mode written by SET_PARA_CFG:
// keyboard + mouse + custom HID, configured by software.
const DefaultWorkMode = 0x82

// paraCfgTail follows mode, serial mode, address and baud in a SET_PARA_CFG
// payload: reserved, packet interval, VID/PID, keyboard upload interval,
// release timeout, auto-enter, enter sequence and filters.
var paraCfgTail = append([]byte{
	0x08, 0x00, 0x00, 0x03, 0x86, 0x1a, 0x29, 0xe1, 0x00, 0x00,
	0x00, 0x01, 0x00, 0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}, make([]byte, 22)...)

// KeyboardFrame wraps an 8-byte boot keyboard report.
func KeyboardFrame(report []byte) Frame {
	return Frame{Cmd: CmdSendKeyboard, Payload: fixed(report, 8)}
}

// MouseAbsFrame wraps a 6-byte absolute mouse report.
func MouseAbsFrame(report []byte) Frame {
	return Frame{Cmd: CmdSendMouseAbs, Payload: append([]byte{MouseModeAbs}, fixed(report, 6)...)}
}

// MouseRelFrame wraps a 4-byte relative mouse report.
func MouseRelFrame(report []byte) Frame {
	return Frame{Cmd: CmdSendMouseRel, Payload: append([]byte{MouseModeRel}, fixed(report, 4)...)}
}

func GetInfoFrame() Frame       { return Frame{Cmd: CmdGetInfo} }
func GetParaCfgFrame() Frame    { return Frame{Cmd: CmdGetParaCfg} }
func ResetFrame() Frame         { return Frame{Cmd: CmdReset} }
func SetDefaultCfgFrame() Frame { return Frame{Cmd: CmdSetDefaultCfg} }

// SetParaCfgFrame reconfigures work mode and baud rate. The new settings take
// effect after a RESET.
func SetParaCfgFrame(mode byte, baud uint32) Frame {
	p := make([]byte, 0, 50)
	p = append(p, mode, 0x80, Address)
	p = binary.BigEndian.AppendUint32(p, baud)
	p = append(p, paraCfgTail...)
	return Frame{Cmd: CmdSetParaCfg, Payload: p}
}

// USBSwitchFrame routes the shared USB port to the host (true) or target.
func USBSwitchFrame(toHost bool) Frame {
	var v byte = 0x01
	if toHost {
		v = 0x00
	}
	return Frame{Cmd: CmdUSBSwitch, Payload: []byte{v}}
}

// Info is the decoded GET_INFO response.
type Info struct {
	Version         byte
	TargetConnected bool
	LEDs            byte
}

// VersionString renders the chip revision the way the vendor tools do (0x30 -> V1.0).
func (i Info) VersionString() string {
	if i.Version < 0x30 {
		return fmt.Sprintf("0x%02x", i.Version)
	}
	return fmt.Sprintf("V1.%d", i.Version-0x30)
}

// DecodeInfo parses a GET_INFO response frame.
func DecodeInfo(f Frame) (Info, error) {
	if f.Cmd != CmdGetInfo.Response() {
		return Info{}, fmt.Errorf("unexpected %s for GET_INFO", f.Cmd)
	}
	if len(f.Payload) < 3 {
		return Info{}, fmt.Errorf("GET_INFO payload: %w", ErrShortFrame)
	}
	return Info{
		Version:         f.Payload[0],
		TargetConnected: f.Payload[1] == 0x01,
		LEDs:            f.Payload[2],
	}, nil
}

// ParaConfig is the subset of GET_PARA_CFG the link cares about.
type ParaConfig struct {
	Mode byte
	Baud uint32
}

// DecodeParaConfig parses a GET_PARA_CFG response frame.
func DecodeParaConfig(f Frame) (ParaConfig, error) {
	if f.Cmd != CmdGetParaCfg.Response() {
		return ParaConfig{}, fmt.Errorf("unexpected %s for GET_PARA_CFG", f.Cmd)
	}
	if len(f.Payload) < 7 {
		return ParaConfig{}, fmt.Errorf("GET_PARA_CFG payload: %w", ErrShortFrame)
	}
	return ParaConfig{Mode: f.Payload[0], Baud: binary.BigEndian.Uint32(f.Payload[3:7])}, nil
}

// DecodeUSBSwitch parses a USB_SWITCH response. It reports whether the port
// is routed to the host.
func DecodeUSBSwitch(f Frame) (toHost bool, err error) {
	if f.Cmd != CmdUSBSwitch.Response() {
		return false, fmt.Errorf("unexpected %s for USB_SWITCH", f.Cmd)
	}
	if len(f.Payload) != 1 {
		return false, fmt.Errorf("USB_SWITCH payload: %w", ErrFrameLength)
	}
	return f.Payload[0] == 0x00, nil
}

func fixed(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
