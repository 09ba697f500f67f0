// Package protocol implements the CH9329 / CH32V208 HID-over-serial wire format.
//
// Every frame on the wire has the shape
//
//	57 AB 00 CMD LEN PAYLOAD... SUM
//
// where SUM is the 8-bit sum of every preceding byte, header included.
// Responses echo CMD with bit 7 set; error responses also set bit 6 and
// carry a single status byte.
package protocol

import "fmt"

// Frame header bytes.
const (
	Head0   = 0x57
	Head1   = 0xAB
	Address = 0x00
)

const (
	// HeaderSize is the number of bytes before the payload: head, address, cmd, len.
	HeaderSize = 5
	// MinFrameSize is an empty-payload frame including the checksum.
	MinFrameSize = HeaderSize + 1
	// MaxPayload is the largest payload a single LEN byte can describe.
	MaxPayload = 0xFF
)

// Response flag bits OR-ed into the echoed command code.
const (
	ResponseBit = 0x80
	ErrorBit    = 0x40
)

// Command is a firmware opcode.
type Command byte

const (
	CmdGetInfo       Command = 0x01
	CmdSendKeyboard  Command = 0x02
	CmdSendMouseAbs  Command = 0x04
	CmdSendMouseRel  Command = 0x05
	CmdGetParaCfg    Command = 0x08
	CmdSetParaCfg    Command = 0x09
	CmdSetUSBString  Command = 0x0B
	CmdSetDefaultCfg Command = 0x0C
	CmdReset         Command = 0x0F
	CmdUSBSwitch     Command = 0x17
)

// Mouse sub-prefix, sent as the first payload byte of a mouse command.
const (
	MouseModeRel = 0x01
	MouseModeAbs = 0x02
)

var commandNames = map[Command]string{
	CmdGetInfo:       "GET_INFO",
	CmdSendKeyboard:  "SEND_KB_GENERAL_DATA",
	CmdSendMouseAbs:  "SEND_MS_ABS_DATA",
	CmdSendMouseRel:  "SEND_MS_REL_DATA",
	CmdGetParaCfg:    "GET_PARA_CFG",
	CmdSetParaCfg:    "SET_PARA_CFG",
	CmdSetUSBString:  "SET_USB_STRING",
	CmdSetDefaultCfg: "SET_DEFAULT_CFG",
	CmdReset:         "RESET",
	CmdUSBSwitch:     "USB_SWITCH",
}

// Request strips the response and error bits.
func (c Command) Request() Command { return c &^ (ResponseBit | ErrorBit) }

// Response returns the code a successful reply to c carries.
func (c Command) Response() Command { return c.Request() | ResponseBit }

// IsResponse reports whether the response bit is set.
func (c Command) IsResponse() bool { return c&ResponseBit != 0 }

// IsError reports whether c is an error response code.
func (c Command) IsError() bool { return c&(ResponseBit|ErrorBit) == ResponseBit|ErrorBit }

func (c Command) String() string {
	name, ok := commandNames[c.Request()]
	if !ok {
		name = fmt.Sprintf("CMD_%02X", byte(c.Request()))
	}
	switch {
	case c.IsError():
		return name + "_ERR"
	case c.IsResponse():
		return name + "_RESP"
	}
	return name
}

// Status is the single byte carried by acknowledgements and error responses.
type Status byte

const (
	StatusSuccess      Status = 0x00
	StatusErrTimeout   Status = 0xE1
	StatusErrHeader    Status = 0xE2
	StatusErrCommand   Status = 0xE3
	StatusErrChecksum  Status = 0xE4
	StatusErrParameter Status = 0xE5
	StatusErrExecute   Status = 0xE6
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusErrTimeout:
		return "timeout"
	case StatusErrHeader:
		return "header error"
	case StatusErrCommand:
		return "unknown command"
	case StatusErrChecksum:
		return "checksum error"
	case StatusErrParameter:
		return "parameter error"
	case StatusErrExecute:
		return "execution failed"
	}
	return fmt.Sprintf("status 0x%02x", byte(s))
}
