package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/protocol"
)

func TestFrameEncoding(t *testing.T) {
	cases := []struct {
		name  string
		frame protocol.Frame
		want  []byte
	}{
		{
			name:  "get info",
			frame: protocol.GetInfoFrame(),
			want:  []byte{0x57, 0xAB, 0x00, 0x01, 0x00, 0x03},
		},
		{
			name:  "keyboard release all",
			frame: protocol.KeyboardFrame(make([]byte, 8)),
			want:  []byte{0x57, 0xAB, 0x00, 0x02, 0x08, 0, 0, 0, 0, 0, 0, 0, 0, 0x0C},
		},
		{
			name:  "keyboard shift+a",
			frame: protocol.KeyboardFrame([]byte{0x02, 0x00, 0x04}),
			want:  []byte{0x57, 0xAB, 0x00, 0x02, 0x08, 0x02, 0, 0x04, 0, 0, 0, 0, 0, 0x12},
		},
		{
			name:  "absolute left press at center",
			frame: protocol.MouseAbsFrame([]byte{0x01, 0x00, 0x08, 0x00, 0x08, 0x00}),
			want:  []byte{0x57, 0xAB, 0x00, 0x04, 0x07, 0x02, 0x01, 0x00, 0x08, 0x00, 0x08, 0x00, 0x20},
		},
		{
			name:  "relative move",
			frame: protocol.MouseRelFrame([]byte{0x00, 0x7F, 0x80, 0x00}),
			want:  []byte{0x57, 0xAB, 0x00, 0x05, 0x05, 0x01, 0x00, 0x7F, 0x80, 0x00, 0x0C},
		},
		{
			name:  "usb switch to target",
			frame: protocol.USBSwitchFrame(false),
			want:  []byte{0x57, 0xAB, 0x00, 0x17, 0x01, 0x01, 0x1B},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.frame.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFrameChecksumInvariant(t *testing.T) {
	frames := []protocol.Frame{
		protocol.GetInfoFrame(),
		protocol.GetParaCfgFrame(),
		protocol.ResetFrame(),
		protocol.SetDefaultCfgFrame(),
		protocol.SetParaCfgFrame(protocol.DefaultWorkMode, protocol.Baud115200),
		protocol.SetParaCfgFrame(protocol.DefaultWorkMode, protocol.Baud9600),
		protocol.KeyboardFrame([]byte{0xFF, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
		protocol.MouseAbsFrame([]byte{0x07, 0xFF, 0x0F, 0xFF, 0x0F, 0x81}),
	}
	for _, f := range frames {
		b := f.Bytes()
		var sum int
		for _, v := range b[:len(b)-1] {
			sum += int(v)
		}
		assert.Equal(t, byte(sum%256), b[len(b)-1], "frame %s", f)
		assert.Equal(t, len(f.Payload), int(b[4]))
	}
}

func TestSetParaCfgLayout(t *testing.T) {
	b := protocol.SetParaCfgFrame(protocol.DefaultWorkMode, protocol.Baud115200).Bytes()
	require.Len(t, b, protocol.MinFrameSize+0x32)
	assert.Equal(t, []byte{0x57, 0xAB, 0x00, 0x09, 0x32, 0x82, 0x80, 0x00, 0x00, 0x01, 0xC2, 0x00}, b[:12])

	slow := protocol.SetParaCfgFrame(0x02, protocol.Baud9600).Bytes()
	assert.Equal(t, []byte{0x02, 0x80, 0x00, 0x00, 0x00, 0x25, 0x80}, slow[5:12])
}

func TestParseFrameRoundTrip(t *testing.T) {
	frames := []protocol.Frame{
		protocol.GetInfoFrame(),
		protocol.KeyboardFrame([]byte{0x01, 0, 0x06}),
		protocol.MouseRelFrame([]byte{0x01, 0x05, 0xFB, 0x00}),
		{Cmd: protocol.CmdGetInfo.Response(), Payload: []byte{0x30, 0x01, 0x02, 0, 0, 0, 0, 0}},
	}
	for _, f := range frames {
		wire := f.Bytes()
		parsed, err := protocol.ParseFrame(wire)
		require.NoError(t, err)
		assert.Equal(t, wire, parsed.Bytes())
	}
}

func TestParseFrameErrors(t *testing.T) {
	good := protocol.GetInfoFrame().Bytes()

	badSum := append([]byte(nil), good...)
	badSum[len(badSum)-1] ^= 0xFF

	badPrefix := append([]byte(nil), good...)
	badPrefix[1] = 0xAA

	long := append(append([]byte(nil), good...), 0x00)

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"short", good[:4], protocol.ErrShortFrame},
		{"checksum", badSum, protocol.ErrFrameChecksum},
		{"prefix", badPrefix, protocol.ErrBadPrefix},
		{"trailing bytes", long, protocol.ErrFrameLength},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.ParseFrame(tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResponseDecoding(t *testing.T) {
	info, err := protocol.DecodeInfo(protocol.Frame{
		Cmd:     protocol.CmdGetInfo.Response(),
		Payload: []byte{0x30, 0x01, 0x03, 0, 0, 0, 0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "V1.0", info.VersionString())
	assert.True(t, info.TargetConnected)
	assert.Equal(t, byte(0x03), info.LEDs)

	cfg, err := protocol.DecodeParaConfig(protocol.Frame{
		Cmd:     protocol.CmdGetParaCfg.Response(),
		Payload: []byte{0x82, 0x80, 0x00, 0x00, 0x00, 0x25, 0x80, 0x08, 0x00},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(9600), cfg.Baud)
	assert.Equal(t, byte(0x82), cfg.Mode)

	toHost, err := protocol.DecodeUSBSwitch(protocol.Frame{Cmd: protocol.CmdUSBSwitch.Response(), Payload: []byte{0x00}})
	require.NoError(t, err)
	assert.True(t, toHost)

	errFrame := protocol.Frame{Cmd: protocol.CmdSendKeyboard | protocol.ResponseBit | protocol.ErrorBit, Payload: []byte{0xE5}}
	var se *protocol.StatusError
	require.ErrorAs(t, errFrame.Err(), &se)
	assert.Equal(t, protocol.StatusErrParameter, se.Status)
	assert.Equal(t, protocol.CmdSendKeyboard, se.Cmd)
}

func TestChipFromUSB(t *testing.T) {
	assert.Equal(t, protocol.ChipCH9329, protocol.ChipFromUSB("1a86", "7523"))
	assert.Equal(t, protocol.ChipCH32V208, protocol.ChipFromUSB("1A86", "fe0c"))
	assert.Equal(t, protocol.ChipUnknown, protocol.ChipFromUSB("0403", "6001"))
}
