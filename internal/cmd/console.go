package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/internal/log"
)

// consoleExit is Ctrl-].
const consoleExit = 0x1d

type Console struct {
	Bridge
}

// Run is called by Kong when the console command is executed.
func (c *Console) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("console needs a terminal on stdin")
	}
	ctx, stop := signalContext()
	defer stop()
	k, err := c.start(ctx, logger, rawLogger, nil, true)
	if err != nil {
		return err
	}
	defer k.Close()

	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer func() { _ = term.Restore(fd, old) }()
	fmt.Fprint(os.Stderr, "forwarding keys, Ctrl-] to quit\r\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	kb := k.Input().Keyboard()
	go func() {
		defer cancel()
		buf := make([]byte, 64)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			for _, tk := range decodeTerminal(buf[:n]) {
				if tk.exit {
					return
				}
				if err := sendTermKey(kb, tk); err != nil {
					logger.Debug("key not sent", "key", tk, "error", err)
				}
			}
		}
	}()
	<-ctx.Done()
	return nil
}

// termKey is one key decoded from raw terminal input. Exactly one of name
// and r is set.
type termKey struct {
	name string
	r    rune
	ctrl bool
	exit bool
}

var csiKeys = map[byte]string{
	'A': "Up",
	'B': "Down",
	'C': "Right",
	'D': "Left",
	'H': "Home",
	'F': "End",
}

var tildeKeys = map[byte]string{
	'2': "Insert",
	'3': "Delete",
	'5': "PageUp",
	'6': "PageDown",
}

// decodeTerminal splits raw terminal bytes into keys. Sequences it does not
// know are dropped.
func decodeTerminal(b []byte) []termKey {
	var out []termKey
	for len(b) > 0 {
		c := b[0]
		switch {
		case c == consoleExit:
			return append(out, termKey{exit: true})
		case c == 0x1b && len(b) >= 3 && (b[1] == '[' || b[1] == 'O'):
			if name, ok := csiKeys[b[2]]; ok {
				out = append(out, termKey{name: name})
				b = b[3:]
				continue
			}
			if name, ok := tildeKeys[b[2]]; ok && len(b) >= 4 && b[3] == '~' {
				out = append(out, termKey{name: name})
				b = b[4:]
				continue
			}
			b = b[2:]
			for len(b) > 0 && (b[0] < 0x40 || b[0] > 0x7e) {
				b = b[1:]
			}
			if len(b) > 0 {
				b = b[1:]
			}
			continue
		case c == 0x1b:
			out = append(out, termKey{name: "Escape"})
		case c == '\r' || c == '\n':
			out = append(out, termKey{name: "Return"})
		case c == '\t':
			out = append(out, termKey{name: "Tab"})
		case c == 0x7f || c == 0x08:
			out = append(out, termKey{name: "Backspace"})
		case c >= 0x01 && c <= 0x1a:
			out = append(out, termKey{r: rune('a' + c - 1), ctrl: true})
		case c < 0x20:
		default:
			r, size := utf8.DecodeRune(b)
			out = append(out, termKey{r: r})
			b = b[size:]
			continue
		}
		b = b[1:]
	}
	return out
}

func sendTermKey(kb *keyboard.Translator, tk termKey) error {
	if tk.name != "" {
		ev := keyboard.KeyEvent{Key: tk.name}
		if err := kb.KeyDown(ev); err != nil {
			return err
		}
		return kb.KeyUp(ev)
	}
	s, err := kb.Layout().ResolveRune(tk.r)
	if err != nil {
		return err
	}
	if tk.ctrl {
		kb.Press(keyboard.ModLeftCtrl|keyboard.StrokeModifiers(s), s.Code)
		kb.Release()
		return nil
	}
	kb.Tap(s)
	return nil
}
