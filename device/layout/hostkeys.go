package layout

import (
	"strconv"
	"strings"
)

// Host key names accepted in key_map and char_mapping. They name the key as
// the host keyboard labels it, so "Y" on a German board is the key that sends
// the US "Z" usage.
var hostKeys = func() map[string]bool {
	m := map[string]bool{}
	for c := 'A'; c <= 'Z'; c++ {
		m[string(c)] = true
	}
	for c := '0'; c <= '9'; c++ {
		m[string(c)] = true
	}
	for i := 1; i <= 24; i++ {
		m["F"+strconv.Itoa(i)] = true
	}
	for _, n := range []string{
		"Space", "Return", "Enter", "Tab", "Backspace", "Delete", "Escape", "Insert",
		"Home", "End", "PageUp", "PageDown", "Up", "Down", "Left", "Right",
		"Shift", "Control", "Alt", "AltGr", "Meta", "Menu",
		"CapsLock", "NumLock", "ScrollLock", "PrintScreen", "Pause",
		"Minus", "Equal", "BracketLeft", "BracketRight", "Backslash", "Semicolon",
		"Apostrophe", "QuoteLeft", "Comma", "Period", "Slash", "Hash", "Less",
		"Exclam", "At", "Dollar", "Percent", "AsciiCircum", "Ampersand", "Asterisk",
		"ParenLeft", "ParenRight", "Underscore", "Plus", "BraceLeft", "BraceRight",
		"Bar", "Colon", "QuoteDbl", "Greater", "Question", "AsciiTilde",
	} {
		m[n] = true
	}
	return m
}()

// modifierKeys are host keys that only change the modifier byte.
var modifierKeys = map[string]bool{"Shift": true, "Control": true, "Alt": true, "AltGr": true, "Meta": true}

// IsHostKey reports whether name is a known host key. A "Key_" prefix is
// ignored.
func IsHostKey(name string) bool {
	return hostKeys[NormalizeKey(name)]
}

// IsModifierKey reports whether name is Shift, Control, Alt, AltGr or Meta.
func IsModifierKey(name string) bool {
	return modifierKeys[NormalizeKey(name)]
}

// NormalizeKey strips the optional "Key_" prefix. Names are otherwise
// case-sensitive.
func NormalizeKey(name string) string {
	return strings.TrimPrefix(name, "Key_")
}
