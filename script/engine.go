package script

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
)

var (
	ErrInvalidScriptArgument = errors.New("invalid script argument")
	ErrPacketBudgetExceeded  = errors.New("send produces too many reports")
	ErrStopped               = errors.New("script stopped")
)

// Keyboard is what scripts need from the keyboard translator.
type Keyboard interface {
	Press(mods uint8, codes ...uint8)
	Release()
	ReleaseAll()
	Layout() *layout.Layout
	SetLockState(ctx context.Context, lock keyboard.Lock, on bool) (bool, error)
}

// Mouse is what scripts need from the mouse translator.
type Mouse interface {
	MoveAbs(x, y int, buttons uint8)
	PressAbs(x, y int, button uint8)
	ReleaseAbs(x, y int)
	MoveRel(dx, dy int)
	PressRel(button uint8)
	ReleaseRel()
}

// ScreenshotSink captures the video feed on request. An empty path lets the
// sink pick one.
type ScreenshotSink interface {
	CaptureFullScreen(path string) error
	CaptureArea(path string, rect image.Rectangle) error
}

// Config bounds and paces script execution.
type Config struct {
	MaxPackets int           `help:"Most keyboard reports a single Send may produce" default:"50"`
	KeyDelay   time.Duration `help:"Pause after each report a Send produces" default:"5ms"`
	ClickHold  time.Duration `help:"How long Click holds the button" default:"20ms"`
}

func DefaultConfig() Config {
	return Config{MaxPackets: 50, KeyDelay: 5 * time.Millisecond, ClickHold: 20 * time.Millisecond}
}

// Result summarises one run.
type Result struct {
	RunID    string
	Success  bool
	Executed int
	Failed   int
	Skipped  int
	Stopped  bool
}

// Engine parses and runs scripts one at a time.
type Engine struct {
	kb     Keyboard
	mouse  Mouse
	sink   ScreenshotSink
	logger *slog.Logger
	events *event.Hub
	cfg    Config

	stop atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. sink and events may be nil.
func NewEngine(kb Keyboard, m Mouse, sink ScreenshotSink, cfg Config, logger *slog.Logger, events *event.Hub) *Engine {
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = DefaultConfig().MaxPackets
	}
	return &Engine{kb: kb, mouse: m, sink: sink, cfg: cfg, logger: log.Component(logger, "script"), events: events}
}

// Stop ends the current run at the next statement boundary, or at once if it
// is sleeping. Held keys are released.
func (e *Engine) Stop() {
	e.stop.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Run executes src and blocks until it ends. A run already in progress is
// waited for first. Syntax errors abort before anything is sent; statement
// failures are reported and the run continues.
func (e *Engine) Run(ctx context.Context, src string) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := e.join(cancel)
	defer func() {
		e.mu.Lock()
		e.cancel, e.done = nil, nil
		e.mu.Unlock()
		close(done)
	}()

	res := Result{RunID: uuid.NewString()}
	logger := e.logger.With("run", res.RunID)

	list, err := ParseString(src)
	if err != nil {
		logger.Error("script rejected", "error", err)
		e.events.Publish(event.Error{Kind: event.KindInvalidScriptSyntax, Detail: err.Error(), Err: err})
		e.finish(res)
		return res, err
	}
	res.Skipped = len(list.Skipped)
	for _, line := range list.Skipped {
		logger.Debug("statement skipped", "line", line)
	}
	logger.Info("script started", "statements", len(list.Statements))

	exec := newExecutor(e)
	go exec.loop()
	defer exec.close()

	res.Success = true
	for _, st := range list.Statements {
		if e.stop.Load() || ctx.Err() != nil {
			res.Stopped = true
			break
		}
		var err error
		if st.Name == CmdSleep {
			err = e.sleep(ctx, st)
		} else {
			err = exec.do(ctx, st)
		}
		switch {
		case err == nil:
			res.Executed++
			continue
		case ctx.Err() != nil, errors.Is(err, ErrStopped):
			res.Stopped = true
		default:
			res.Failed++
			e.report(logger, st, err)
		}
		res.Success = false
		if res.Stopped {
			break
		}
	}
	if res.Stopped {
		res.Success = false
		e.kb.ReleaseAll()
		logger.Info("script stopped")
	}
	e.finish(res)
	return res, nil
}

// join waits for a previous run and registers a new one.
func (e *Engine) join(cancel context.CancelFunc) chan struct{} {
	for {
		e.mu.Lock()
		prev := e.done
		if prev == nil {
			done := make(chan struct{})
			e.cancel, e.done = cancel, done
			e.stop.Store(false)
			e.mu.Unlock()
			return done
		}
		e.mu.Unlock()
		<-prev
	}
}

func (e *Engine) finish(res Result) {
	e.logger.Info("script finished", "run", res.RunID, "success", res.Success,
		"executed", res.Executed, "failed", res.Failed, "skipped", res.Skipped)
	e.events.Publish(event.ScriptFinished{RunID: res.RunID, Success: res.Success})
}

func (e *Engine) report(logger *slog.Logger, st CommandStatement, err error) {
	kind := event.KindInvalidScriptArg
	switch {
	case errors.Is(err, ErrPacketBudgetExceeded):
		kind = event.KindPacketBudget
	case errors.Is(err, keyboard.ErrUnsupportedKey):
		kind = event.KindUnsupportedKey
	case errors.Is(err, layout.ErrUnsupportedCharacter):
		kind = event.KindUnsupportedCharacter
	}
	logger.Warn("statement failed", "line", st.Line, "command", st.Name, "error", err)
	e.events.Publish(event.Error{Kind: kind, Detail: fmt.Sprintf("line %d: %s", st.Line, st.Name), Err: err})
}

func (e *Engine) sleep(ctx context.Context, st CommandStatement) error {
	nums := st.Numbers()
	if len(nums) == 0 || nums[0] < 0 {
		return fmt.Errorf("%s %q: %w", st.Name, st.Text(), ErrInvalidScriptArgument)
	}
	return pause(ctx, time.Duration(nums[0])*time.Millisecond)
}

// Start runs src on its own goroutine. The channel yields the result once.
func (e *Engine) Start(ctx context.Context, src string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		res, _ := e.Run(ctx, src)
		out <- res
	}()
	return out
}
