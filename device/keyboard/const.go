package keyboard

// Modifier byte bits of a boot keyboard report.
const (
	ModLeftCtrl   = 0x01
	ModLeftShift  = 0x02
	ModLeftAlt    = 0x04
	ModLeftGUI    = 0x08
	ModRightCtrl  = 0x10
	ModRightShift = 0x20
	ModRightAlt   = 0x40 // AltGr
	ModRightGUI   = 0x80

	ModCtrl  = ModLeftCtrl | ModRightCtrl
	ModShift = ModLeftShift | ModRightShift
	ModAlt   = ModLeftAlt | ModRightAlt
	ModGUI   = ModLeftGUI | ModRightGUI
)

// HID usages the translator synthesizes itself. Everything else comes from
// the active layout.
const (
	KeyA      = 0x04
	KeyEnter  = 0x28
	KeyEscape = 0x29
	KeyTab    = 0x2B
	KeySpace  = 0x2C

	KeyCapsLock   = 0x39
	KeyF1         = 0x3A
	KeyF12        = 0x45
	KeyScrollLock = 0x47
	KeyDelete     = 0x4C
	KeyNumLock    = 0x53

	KeyKpSlash    = 0x54
	KeyKpAsterisk = 0x55
	KeyKpMinus    = 0x56
	KeyKpPlus     = 0x57
	KeyKpEnter    = 0x58
	KeyKp1        = 0x59
	KeyKp0        = 0x62
	KeyKpDot      = 0x63

	// Modifier usages; 0xE0 + bit index of the modifier byte.
	KeyLeftCtrl   = 0xE0
	KeyLeftShift  = 0xE1
	KeyLeftAlt    = 0xE2
	KeyLeftGUI    = 0xE3
	KeyRightCtrl  = 0xE4
	KeyRightShift = 0xE5
	KeyRightAlt   = 0xE6
	KeyRightGUI   = 0xE7
)

// keypadKeys remaps host keys to the keypad block when the host flags the
// event as coming from the numeric keypad.
var keypadKeys = map[string]uint8{
	"Slash":    KeyKpSlash,
	"Asterisk": KeyKpAsterisk,
	"Minus":    KeyKpMinus,
	"Plus":     KeyKpPlus,
	"Enter":    KeyKpEnter,
	"Return":   KeyKpEnter,
	"1":        KeyKp1,
	"2":        KeyKp1 + 1,
	"3":        KeyKp1 + 2,
	"4":        KeyKp1 + 3,
	"5":        KeyKp1 + 4,
	"6":        KeyKp1 + 5,
	"7":        KeyKp1 + 6,
	"8":        KeyKp1 + 7,
	"9":        KeyKp1 + 8,
	"0":        KeyKp0,
	"Period":   KeyKpDot,
}

// Lock is one of the three lock keys whose LED the device reports.
type Lock int

const (
	CapsLock Lock = iota
	NumLock
	ScrollLock
)

func (l Lock) String() string {
	switch l {
	case NumLock:
		return "NumLock"
	case ScrollLock:
		return "ScrollLock"
	}
	return "CapsLock"
}

func (l Lock) usage() uint8 {
	switch l {
	case NumLock:
		return KeyNumLock
	case ScrollLock:
		return KeyScrollLock
	}
	return KeyCapsLock
}

// IsModifierUsage reports whether code is one of 0xE0..0xE7.
func IsModifierUsage(code uint8) bool { return code >= KeyLeftCtrl && code <= KeyRightGUI }

// ModifierBit returns the modifier byte bit for a 0xE0..0xE7 usage.
func ModifierBit(code uint8) uint8 {
	if !IsModifierUsage(code) {
		return 0
	}
	return 1 << (code - KeyLeftCtrl)
}
