// Package paste types text on the target one key stroke at a time.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alia5/kvmlink/device/keyboard"
	"github.com/Alia5/kvmlink/device/layout"
	"github.com/Alia5/kvmlink/event"
	"github.com/Alia5/kvmlink/internal/log"
)

// Keyboard is the part of the keyboard translator a paste drives.
type Keyboard interface {
	Press(mods uint8, codes ...uint8)
	Release()
	ReleaseAll()
	Layout() *layout.Layout
}

// Config paces the typed strokes. Delays under 1ms are raised to 1ms.
type Config struct {
	PressDelay time.Duration `help:"How long each pasted key is held" default:"5ms"`
	GapDelay   time.Duration `help:"Pause between pasted keys" default:"5ms"`
}

func DefaultConfig() Config {
	return Config{PressDelay: 5 * time.Millisecond, GapDelay: 5 * time.Millisecond}
}

// Result summarises one paste.
type Result struct {
	RunID     string
	Typed     int
	Skipped   int
	Cancelled bool
}

// Streamer turns strings into key strokes. Only one Start run is active at a
// time.
type Streamer struct {
	kb     Keyboard
	logger *slog.Logger
	events *event.Hub
	cfg    Config

	mu      sync.Mutex
	current *Run
}

// New creates a streamer typing through kb. events may be nil.
func New(kb Keyboard, cfg Config, logger *slog.Logger, events *event.Hub) *Streamer {
	cfg.PressDelay = max(cfg.PressDelay, time.Millisecond)
	cfg.GapDelay = max(cfg.GapDelay, time.Millisecond)
	return &Streamer{kb: kb, logger: log.Component(logger, "paste"), events: events, cfg: cfg}
}

// Paste types text and blocks until done or ctx is cancelled. A cancelled
// paste releases every key and returns ctx.Err() with the partial result.
func (s *Streamer) Paste(ctx context.Context, text string) (Result, error) {
	return s.paste(ctx, uuid.NewString(), text)
}

func (s *Streamer) paste(ctx context.Context, id, text string) (res Result, err error) {
	res.RunID = id
	logger := s.logger.With("run", id)
	lay := s.kb.Layout()
	text = strings.ReplaceAll(text, "\r\n", "\n")
	logger.Debug("paste started", "runes", len([]rune(text)), "layout", lay.Name)

	defer func() {
		if err != nil {
			res.Cancelled = true
			s.kb.ReleaseAll()
		}
		logger.Info("paste finished", "typed", res.Typed, "skipped", res.Skipped, "cancelled", res.Cancelled)
		s.events.Publish(event.PasteFinished{RunID: id, Typed: res.Typed, Skipped: res.Skipped, Cancelled: res.Cancelled})
	}()

	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stroke, rerr := lay.ResolveRune(r)
		if rerr != nil {
			res.Skipped++
			logger.Warn("character skipped", "char", string(r), "error", rerr)
			s.events.Publish(event.Error{Kind: event.KindUnsupportedCharacter, Detail: fmt.Sprintf("%q", r), Err: rerr})
			continue
		}
		s.kb.Press(keyboard.StrokeModifiers(stroke), stroke.Code)
		if err := sleep(ctx, s.cfg.PressDelay); err != nil {
			return res, err
		}
		s.kb.Release()
		res.Typed++
		if err := sleep(ctx, s.cfg.GapDelay); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Run is a paste started with Start.
type Run struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
	res    Result
	err    error
}

// Cancel stops the run. Wait still returns its partial result.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run ends.
func (r *Run) Wait() (Result, error) {
	<-r.done
	return r.res, r.err
}

// Done is closed when the run ends.
func (r *Run) Done() <-chan struct{} { return r.done }

// Start types text on its own goroutine. A paste still running is cancelled
// and waited for first.
func (s *Streamer) Start(text string) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{ID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.current
	s.current = run
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.done
	}

	go func() {
		defer close(run.done)
		defer cancel()
		run.res, run.err = s.paste(ctx, run.ID, text)
		if errors.Is(run.err, context.Canceled) {
			s.logger.Debug("paste cancelled", "run", run.ID)
		}
		s.mu.Lock()
		if s.current == run {
			s.current = nil
		}
		s.mu.Unlock()
	}()
	return run
}

// Cancel stops the active Start run, if any.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
