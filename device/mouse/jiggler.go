package mouse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultJiggleInterval is how often the jiggler moves the pointer.
const DefaultJiggleInterval = 50 * time.Millisecond

// Jiggler bounces the pointer across the absolute range to keep the target
// awake.
type Jiggler struct {
	mouse    *Translator
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	x, y      int
	vx, vy    int
	scheduler gocron.Scheduler
}

// NewJiggler creates a stopped jiggler. A non-positive interval uses
// DefaultJiggleInterval.
func NewJiggler(m *Translator, interval time.Duration) *Jiggler {
	if interval <= 0 {
		interval = DefaultJiggleInterval
	}
	return &Jiggler{
		mouse:    m,
		logger:   m.logger.With("job", "jiggle"),
		interval: interval,
		x:        AbsMax / 2,
		y:        AbsMax / 2,
		vx:       37,
		vy:       23,
	}
}

// Start schedules Step every interval.
func (j *Jiggler) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.scheduler != nil {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("jiggler scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(j.Step),
		gocron.WithName("mouse-jiggler"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("jiggler job: %w", err)
	}
	j.scheduler = s
	s.Start()
	j.logger.Info("mouse jiggler started", "interval", j.interval)
	return nil
}

// Stop halts the jiggler. It is safe to call more than once.
func (j *Jiggler) Stop() error {
	j.mu.Lock()
	s := j.scheduler
	j.scheduler = nil
	j.mu.Unlock()
	if s == nil {
		return nil
	}
	j.logger.Info("mouse jiggler stopped")
	return s.Shutdown()
}

// Step advances the pointer once, reflecting off the edges.
func (j *Jiggler) Step() {
	j.mu.Lock()
	j.x, j.vx = bounce(j.x, j.vx)
	j.y, j.vy = bounce(j.y, j.vy)
	x, y := j.x, j.y
	j.mu.Unlock()
	j.mouse.MoveTo(uint16(x), uint16(y))
}

func bounce(pos, v int) (int, int) {
	pos += v
	switch {
	case pos < 0:
		return -pos, -v
	case pos > AbsMax:
		return 2*AbsMax - pos, -v
	}
	return pos, v
}
