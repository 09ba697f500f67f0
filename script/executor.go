package script

import (
	"context"
	"fmt"
	"image"
	"regexp"
	"strings"
	"time"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/mouse"
	"github.com/Alia5/kvmlink/event"
)

var (
	buttonRe   = regexp.MustCompile(`(?i)(?:^|[^a-z])(right|r|middle|m|left|l)(?:[^a-z]|$)`)
	relativeRe = regexp.MustCompile(`(?i)(?:^|[^a-z])(rel|relative)(?:[^a-z]|$)`)
	moveRelRe  = regexp.MustCompile(`(?i)(?:^|[^a-z])(r|rel|relative)(?:[^a-z]|$)`)
	onRe       = regexp.MustCompile(`(?i)^(1|true|on)$`)
	offRe      = regexp.MustCompile(`(?i)^(0|false|off)$`)
)

type request struct {
	ctx   context.Context
	st    CommandStatement
	reply chan error
}

// executor performs every device-touching statement on one goroutine.
type executor struct {
	e    *Engine
	reqs chan request
	done chan struct{}
}

func newExecutor(e *Engine) *executor {
	return &executor{e: e, reqs: make(chan request), done: make(chan struct{})}
}

func (x *executor) loop() {
	defer close(x.done)
	for req := range x.reqs {
		req.reply <- x.exec(req.ctx, req.st)
	}
}

func (x *executor) close() {
	close(x.reqs)
	<-x.done
}

// do hands st to the executor goroutine and waits for its outcome.
func (x *executor) do(ctx context.Context, st CommandStatement) error {
	reply := make(chan error, 1)
	select {
	case x.reqs <- request{ctx: ctx, st: st, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (x *executor) exec(ctx context.Context, st CommandStatement) error {
	switch st.Name {
	case CmdMouseMove:
		return x.mouseMove(st)
	case CmdClick:
		return x.click(ctx, st)
	case CmdSend:
		return x.send(ctx, st)
	case CmdSetCapsLockState:
		return x.setLock(ctx, st, keyboard.CapsLock)
	case CmdSetNumLockState:
		return x.setLock(ctx, st, keyboard.NumLock)
	case CmdSetScrollLockState:
		return x.setLock(ctx, st, keyboard.ScrollLock)
	case CmdFullScreenCapture:
		return x.fullScreen(st)
	case CmdAreaScreenCapture:
		return x.area(st)
	}
	return fmt.Errorf("unknown command %s: %w", st.Name, ErrInvalidScriptArgument)
}

func (x *executor) mouseMove(st CommandStatement) error {
	nums := st.Numbers()
	if len(nums) < 2 {
		return fmt.Errorf("%s %q needs x and y: %w", st.Name, st.Text(), ErrInvalidScriptArgument)
	}
	if moveRelRe.MatchString(st.bare()) {
		x.e.mouse.MoveRel(nums[0], nums[1])
		return nil
	}
	x.e.mouse.MoveAbs(nums[0], nums[1], 0)
	return nil
}

// ParseButton finds the button named in a Click argument list. Left is the
// default.
func ParseButton(args string) uint8 {
	m := buttonRe.FindStringSubmatch(args)
	if m == nil {
		return mouse.ButtonLeft
	}
	switch strings.ToLower(m[1]) {
	case "right", "r":
		return mouse.ButtonRight
	case "middle", "m":
		return mouse.ButtonMiddle
	}
	return mouse.ButtonLeft
}

func (x *executor) click(ctx context.Context, st CommandStatement) error {
	args := st.bare()
	nums := st.Numbers()
	button := ParseButton(args)
	m := x.e.mouse

	if relativeRe.MatchString(args) {
		if len(nums) >= 2 {
			m.MoveRel(nums[0], nums[1])
		}
		m.PressRel(button)
		err := pause(ctx, x.e.cfg.ClickHold)
		m.ReleaseRel()
		return err
	}
	if len(nums) < 2 {
		return fmt.Errorf("%s %q needs x and y: %w", st.Name, st.Text(), ErrInvalidScriptArgument)
	}
	m.PressAbs(nums[0], nums[1], button)
	err := pause(ctx, x.e.cfg.ClickHold)
	m.ReleaseAbs(nums[0], nums[1])
	return err
}

func (x *executor) send(ctx context.Context, st CommandStatement) error {
	text, ok := st.Quoted()
	if !ok {
		text = st.Text()
	}
	strokes, err := CompileSend(text, x.e.kb.Layout(), x.e.cfg.MaxPackets)
	if err != nil {
		return fmt.Errorf("%s: %w", st.Name, err)
	}
	kb := x.e.kb
	for _, s := range strokes {
		if s.Code == 0 {
			kb.Press(s.Mods)
		} else {
			kb.Press(s.Mods, s.Code)
		}
		if err := pause(ctx, x.e.cfg.KeyDelay); err != nil {
			kb.ReleaseAll()
			return err
		}
		kb.Release()
		if err := pause(ctx, x.e.cfg.KeyDelay); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) setLock(ctx context.Context, st CommandStatement, lock keyboard.Lock) error {
	arg := strings.ReplaceAll(st.Text(), `"`, "")
	arg = strings.ReplaceAll(arg, " ", "")
	var on bool
	switch {
	case onRe.MatchString(arg):
		on = true
	case offRe.MatchString(arg):
	default:
		return fmt.Errorf("%s %q: %w", st.Name, arg, ErrInvalidScriptArgument)
	}
	_, err := x.e.kb.SetLockState(ctx, lock, on)
	return err
}

func capturePath(st CommandStatement) string {
	p, ok := st.Quoted()
	if !ok {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
}

func (x *executor) fullScreen(st CommandStatement) error {
	path := capturePath(st)
	x.e.events.Publish(event.ScreenshotRequested{Path: path, Full: true})
	if x.e.sink == nil {
		return nil
	}
	return x.e.sink.CaptureFullScreen(path)
}

func (x *executor) area(st CommandStatement) error {
	nums := st.Numbers()
	if len(nums) < 4 {
		return fmt.Errorf("%s %q needs x y w h: %w", st.Name, st.Text(), ErrInvalidScriptArgument)
	}
	path := capturePath(st)
	rx, ry, w, h := nums[0], nums[1], nums[2], nums[3]
	x.e.events.Publish(event.ScreenshotRequested{Path: path, Rect: [4]int{rx, ry, w, h}})
	if x.e.sink == nil {
		return nil
	}
	return x.e.sink.CaptureArea(path, image.Rect(rx, ry, rx+w, ry+h))
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
