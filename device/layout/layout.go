// Package layout maps host keys and Unicode characters to HID usage codes for
// one keyboard language.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrLayoutNotFound       = errors.New("keyboard layout not found")
	ErrUnsupportedCharacter = errors.New("character not typable on this layout")
)

// Layout is an immutable keyboard layout descriptor.
type Layout struct {
	Name        string
	RightToLeft bool
	KeyMap      map[string]uint8
	CharMapping map[rune]string
	UnicodeMap  map[rune]uint8
	NeedShift   map[rune]bool
	NeedAltGr   map[rune]bool
}

// Stroke is one key press with the qualifiers it needs.
type Stroke struct {
	Code  uint8
	Shift bool
	AltGr bool
}

// KeyCode looks up a host key. Matching is exact apart from the "Key_" prefix.
func (l *Layout) KeyCode(hostKey string) (uint8, bool) {
	c, ok := l.KeyMap[NormalizeKey(hostKey)]
	return c, ok
}

// ResolveRune finds the stroke that types r. The unicode_map entry wins over
// char_mapping.
func (l *Layout) ResolveRune(r rune) (Stroke, error) {
	s := Stroke{Shift: unicode.IsUpper(r) || l.NeedShift[r], AltGr: l.NeedAltGr[r]}
	if code, ok := l.UnicodeMap[r]; ok {
		s.Code = code
		return s, nil
	}
	if key, ok := l.CharMapping[r]; ok {
		if code, ok := l.KeyCode(key); ok {
			s.Code = code
			return s, nil
		}
	}
	return Stroke{}, fmt.Errorf("%q (U+%04X) on %s: %w", r, r, l.Name, ErrUnsupportedCharacter)
}

type fileLayout struct {
	Name          string            `json:"name"`
	RightToLeft   bool              `json:"right_to_left"`
	KeyMap        map[string]string `json:"key_map"`
	CharMapping   map[string]string `json:"char_mapping"`
	UnicodeMap    map[string]string `json:"unicode_map"`
	NeedShiftKeys []string          `json:"need_shift_keys"`
	NeedAltGrKeys []string          `json:"need_altgr_keys"`
}

// Parse decodes one layout file. Entries naming unknown host keys or holding
// malformed codes are dropped and reported through skipped.
func Parse(data []byte) (l *Layout, skipped []string, err error) {
	var f fileLayout
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("decode layout: %w", err)
	}
	l = &Layout{
		Name:        f.Name,
		RightToLeft: f.RightToLeft,
		KeyMap:      make(map[string]uint8, len(f.KeyMap)),
		CharMapping: make(map[rune]string, len(f.CharMapping)),
		UnicodeMap:  make(map[rune]uint8, len(f.UnicodeMap)),
		NeedShift:   map[rune]bool{},
		NeedAltGr:   map[rune]bool{},
	}
	for name, v := range f.KeyMap {
		key := NormalizeKey(name)
		code, err := parseHex(v)
		if !hostKeys[key] || err != nil {
			skipped = append(skipped, "key_map "+name)
			continue
		}
		l.KeyMap[key] = code
	}
	for ch, name := range f.CharMapping {
		r, size := utf8.DecodeRuneInString(ch)
		if size == 0 || size != len(ch) || !hostKeys[NormalizeKey(name)] {
			skipped = append(skipped, "char_mapping "+strconv.Quote(ch))
			continue
		}
		l.CharMapping[r] = NormalizeKey(name)
	}
	for cp, v := range f.UnicodeMap {
		r, err1 := parseCodePoint(cp)
		code, err2 := parseHex(v)
		if err1 != nil || err2 != nil {
			skipped = append(skipped, "unicode_map "+cp)
			continue
		}
		l.UnicodeMap[r] = code
	}
	for _, set := range []struct {
		entries []string
		into    map[rune]bool
		what    string
	}{
		{f.NeedShiftKeys, l.NeedShift, "need_shift_keys"},
		{f.NeedAltGrKeys, l.NeedAltGr, "need_altgr_keys"},
	} {
		for _, e := range set.entries {
			r, err := parseCharEntry(e)
			if err != nil {
				skipped = append(skipped, set.what+" "+strconv.Quote(e))
				continue
			}
			set.into[r] = true
		}
	}
	return l, skipped, nil
}

func parseHex(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("%q: missing 0x prefix", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 8)
	return uint8(v), err
}

func parseCodePoint(s string) (rune, error) {
	if !strings.HasPrefix(s, "U+") && !strings.HasPrefix(s, "u+") {
		return 0, fmt.Errorf("%q: missing U+ prefix", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 32)
	if err != nil || !utf8.ValidRune(rune(v)) {
		return 0, fmt.Errorf("%q: bad code point", s)
	}
	return rune(v), nil
}

// parseCharEntry accepts a single character or a 0xHH code point.
func parseCharEntry(s string) (rune, error) {
	if r, size := utf8.DecodeRuneInString(s); size > 0 && size == len(s) {
		return r, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err == nil && utf8.ValidRune(rune(v)) {
			return rune(v), nil
		}
	}
	return 0, fmt.Errorf("%q: not a character", s)
}
