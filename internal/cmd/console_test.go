package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeTerminal(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []termKey
	}{
		{"text", "hé", []termKey{{r: 'h'}, {r: 'é'}}},
		{"enter and tab", "\r\t\n", []termKey{{name: "Return"}, {name: "Tab"}, {name: "Return"}}},
		{"backspace", "\x7f\x08", []termKey{{name: "Backspace"}, {name: "Backspace"}}},
		{"ctrl letter", "\x03", []termKey{{r: 'c', ctrl: true}}},
		{"arrows", "\x1b[A\x1bOD", []termKey{{name: "Up"}, {name: "Left"}}},
		{"tilde keys", "\x1b[3~\x1b[5~", []termKey{{name: "Delete"}, {name: "PageUp"}}},
		{"unknown sequence dropped", "\x1b[1;5Cx", []termKey{{r: 'x'}}},
		{"lone escape", "\x1b", []termKey{{name: "Escape"}}},
		{"exit stops decoding", "a\x1db", []termKey{{r: 'a'}, {exit: true}}},
		{"other control bytes ignored", "\x00\x1c", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeTerminal([]byte(tc.in)))
		})
	}
}
