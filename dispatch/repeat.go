package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Alia5/kvmlink/device/keyboard"
)

// keyTapper replays a recorded key.
type keyTapper interface {
	KeyDown(ev keyboard.KeyEvent) error
	KeyUp(ev keyboard.KeyEvent) error
}

// repeater replays the last non-modifier key press every interval.
type repeater struct {
	kb     keyTapper
	logger *slog.Logger

	// ctl serialises scheduler changes. Shutdown waits for a running fire,
	// which needs mu, so mu is never held across it.
	ctl       sync.Mutex
	scheduler gocron.Scheduler

	mu       sync.Mutex
	interval time.Duration
	key      *keyboard.KeyEvent
}

func newRepeater(kb keyTapper, logger *slog.Logger) *repeater {
	return &repeater{kb: kb, logger: logger.With("job", "repeat")}
}

// record makes ev the key to replay, superseding the previous one.
func (r *repeater) record(ev keyboard.KeyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval == 0 {
		return
	}
	r.key = &ev
}

// setInterval replaces the repeat job. Zero stops it and forgets the key.
func (r *repeater) setInterval(d time.Duration) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if d == r.getInterval() {
		return nil
	}
	r.stop()
	if d == 0 {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("repeat scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(d),
		gocron.NewTask(r.fire),
		gocron.WithName("key-repeat"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("repeat job: %w", err)
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
	r.scheduler = s
	s.Start()
	r.logger.Debug("key repeat enabled", "interval", d)
	return nil
}

func (r *repeater) getInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *repeater) fire() {
	r.mu.Lock()
	key := r.key
	r.mu.Unlock()
	if key == nil {
		return
	}
	if err := r.kb.KeyDown(*key); err != nil {
		r.logger.Debug("repeat dropped", "key", key.Key, "error", err)
		return
	}
	_ = r.kb.KeyUp(*key)
}

// stop shuts the scheduler down and forgets the key. ctl must be held.
func (r *repeater) stop() {
	r.mu.Lock()
	r.interval = 0
	r.key = nil
	r.mu.Unlock()
	if r.scheduler == nil {
		return
	}
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Warn("repeat scheduler shutdown", "error", err)
	}
	r.scheduler = nil
}

func (r *repeater) close() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.stop()
}
