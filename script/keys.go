package script

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
)

// Stroke is one press and release produced by Send.
type Stroke struct {
	Mods uint8
	Code uint8
}

// prefixMods are the AutoHotkey modifier prefixes.
var prefixMods = map[byte]uint8{
	'^': keyboard.ModLeftCtrl,
	'+': keyboard.ModLeftShift,
	'!': keyboard.ModLeftAlt,
	'#': keyboard.ModLeftGUI,
}

// namedKeys maps lower-cased AutoHotkey key names to HID usages.
var namedKeys = map[string]uint8{
	"enter": 0x28, "return": 0x28, "escape": 0x29, "esc": 0x29,
	"backspace": 0x2A, "bs": 0x2A, "tab": 0x2B, "space": 0x2C,
	"capslock": 0x39, "printscreen": 0x46, "scrolllock": 0x47, "pause": 0x48,
	"insert": 0x49, "ins": 0x49, "home": 0x4A, "pgup": 0x4B, "pageup": 0x4B,
	"delete": 0x4C, "del": 0x4C, "end": 0x4D, "pgdn": 0x4E, "pagedown": 0x4E,
	"right": 0x4F, "left": 0x50, "down": 0x51, "up": 0x52, "numlock": 0x53,
	"numpaddiv": 0x54, "numpadmult": 0x55, "numpadsub": 0x56, "numpadadd": 0x57,
	"numpadenter": 0x58, "numberpadenter": 0x58, "numpaddot": 0x63, "appskey": 0x65,
	"control": keyboard.KeyRightCtrl, "ctrl": keyboard.KeyRightCtrl,
	"lcontrol": keyboard.KeyLeftCtrl, "lctrl": keyboard.KeyLeftCtrl,
	"rcontrol": keyboard.KeyRightCtrl, "rctrl": keyboard.KeyRightCtrl,
	"shift": keyboard.KeyRightShift, "lshift": keyboard.KeyLeftShift, "rshift": keyboard.KeyRightShift,
	"alt": keyboard.KeyRightAlt, "lalt": keyboard.KeyLeftAlt, "ralt": keyboard.KeyRightAlt,
	"win": keyboard.KeyLeftGUI, "lwin": keyboard.KeyLeftGUI, "rwin": keyboard.KeyRightGUI,
}

// namedChars are key names typed through the layout as a character.
var namedChars = map[string]rune{
	"exclam": '!', "at": '@', "numbersign": '#', "dollar": '$', "percent": '%',
	"asciicircum": '^', "ampersand": '&', "asterisk": '*', "parenleft": '(',
	"parenright": ')', "underscore": '_', "plus": '+', "braceleft": '{',
	"braceright": '}', "colon": ':', "quotedbl": '"', "bar": '|', "less": '<',
	"greater": '>', "question": '?', "asciitilde": '~', "minus": '-', "equal": '=',
	"bracketleft": '[', "bracketright": ']', "backslash": '\\', "semicolon": ';',
	"apostrophe": '\'', "quoteleft": '`', "comma": ',', "period": '.', "slash": '/',
}

func init() {
	namedKeys["numpad0"] = keyboard.KeyKp0
	for i := 1; i <= 9; i++ {
		namedKeys["numpad"+strconv.Itoa(i)] = keyboard.KeyKp1 + uint8(i-1)
	}
	for i := 1; i <= 12; i++ {
		namedKeys["f"+strconv.Itoa(i)] = keyboard.KeyF1 + uint8(i-1)
	}
	for i := 13; i <= 24; i++ {
		namedKeys["f"+strconv.Itoa(i)] = 0x68 + uint8(i-13)
	}
}

// CompileSend expands the text of a Send command into strokes on lay.
//
// Literal characters are typed through the layout. {Name} and {Name N}
// press a named key, once or N times. The prefixes ^ + ! # add Ctrl, Shift,
// Alt and Win to the key that follows them.
//
// Each stroke costs a press and a release report. Expansion stops with
// ErrPacketBudgetExceeded as soon as the strokes would need more than
// maxReports reports, before anything for the offending escape is allocated.
func CompileSend(text string, lay *layout.Layout, maxReports int) ([]Stroke, error) {
	var out []Stroke
	var mods uint8
	maxStrokes := max(maxReports, 0) / 2
	for i := 0; i < len(text); {
		c := text[i]
		if m, ok := prefixMods[c]; ok && i+1 < len(text) {
			mods |= m
			i++
			continue
		}
		if c == '{' && i+2 < len(text) {
			if end := strings.IndexByte(text[i+2:], '}'); end >= 0 {
				body := text[i+1 : i+2+end]
				strokes, err := braced(body, lay, maxStrokes-len(out))
				if err != nil {
					return nil, err
				}
				for _, s := range strokes {
					s.Mods |= mods
					out = append(out, s)
				}
				mods = 0
				i += end + 3
				continue
			}
		}
		if len(out) >= maxStrokes {
			return nil, fmt.Errorf("more than %d reports: %w", maxReports, ErrPacketBudgetExceeded)
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		s, err := typeRune(r, lay)
		if err != nil {
			return nil, err
		}
		s.Mods |= mods
		out = append(out, s)
		mods = 0
		i += size
	}
	return out, nil
}

// braced resolves the body of a {...} escape into at most room strokes.
func braced(body string, lay *layout.Layout, room int) ([]Stroke, error) {
	name, count := body, 1
	if sp := strings.LastIndexByte(body, ' '); sp > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(body[sp+1:])); err == nil && n >= 0 {
			name, count = strings.TrimSpace(body[:sp]), n
		}
	}
	s, err := namedStroke(name, lay)
	if err != nil {
		return nil, err
	}
	if count > room {
		return nil, fmt.Errorf("{%s}: %w", body, ErrPacketBudgetExceeded)
	}
	out := make([]Stroke, count)
	for i := range out {
		out[i] = s
	}
	return out, nil
}

func namedStroke(name string, lay *layout.Layout) (Stroke, error) {
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		return typeRune(r, lay)
	}
	lower := strings.ToLower(name)
	if code, ok := namedKeys[lower]; ok {
		if keyboard.IsModifierUsage(code) {
			return Stroke{Mods: keyboard.ModifierBit(code)}, nil
		}
		return Stroke{Code: code}, nil
	}
	if r, ok := namedChars[lower]; ok {
		return typeRune(r, lay)
	}
	if code, ok := lay.KeyCode(capitalize(lower)); ok {
		return Stroke{Code: code}, nil
	}
	return Stroke{}, fmt.Errorf("{%s}: %w", name, keyboard.ErrUnsupportedKey)
}

func typeRune(r rune, lay *layout.Layout) (Stroke, error) {
	s, err := lay.ResolveRune(r)
	if err != nil {
		return Stroke{}, err
	}
	return Stroke{Mods: keyboard.StrokeModifiers(s), Code: s.Code}, nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
