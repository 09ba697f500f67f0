package link

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Alia5/kvmlink/protocol"
)

// HotplugEvent reports a bridge appearing or vanishing.
type HotplugEvent struct {
	Plugged bool
	Port    string
	Chip    protocol.ChipType
}

// Poller watches the port list and drives the link through unplug and replug.
type Poller struct {
	link      *Link
	lister    PortLister
	logger    *slog.Logger
	interval  time.Duration
	scheduler gocron.Scheduler

	mu     sync.Mutex
	known  map[string]protocol.ChipType
	notify func(HotplugEvent)
}

// NewPoller creates a stopped poller. notify may be nil.
func NewPoller(l *Link, lister PortLister, logger *slog.Logger, notify func(HotplugEvent)) *Poller {
	if lister == nil {
		lister = l.lister
	}
	return &Poller{
		link:     l,
		lister:   lister,
		logger:   logger,
		interval: l.cfg.HotplugInterval,
		notify:   notify,
	}
}

// Start schedules Scan every interval. A zero interval does nothing.
func (p *Poller) Start() error {
	if p.interval <= 0 || p.lister == nil {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("hotplug scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(p.Scan),
		gocron.WithName("serial-hotplug"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("hotplug job: %w", err)
	}
	p.scheduler = s
	s.Start()
	return nil
}

func (p *Poller) Stop() error {
	if p.scheduler == nil {
		return nil
	}
	err := p.scheduler.Shutdown()
	p.scheduler = nil
	return err
}

// Scan compares the current port list with the previous one.
func (p *Poller) Scan() {
	ports, err := p.lister.ListPorts()
	if err != nil {
		p.logger.Debug("port scan failed", "error", err)
		return
	}
	now := map[string]protocol.ChipType{}
	for _, port := range ports {
		if port.Chip != protocol.ChipUnknown {
			now[port.Name] = port.Chip
		}
	}

	p.mu.Lock()
	prev := p.known
	p.known = now
	p.mu.Unlock()

	var events []HotplugEvent
	if prev != nil {
		for name, chip := range prev {
			if _, ok := now[name]; !ok {
				events = append(events, HotplugEvent{Plugged: false, Port: name, Chip: chip})
			}
		}
		for name, chip := range now {
			if _, ok := prev[name]; !ok {
				events = append(events, HotplugEvent{Plugged: true, Port: name, Chip: chip})
			}
		}
	}

	current := p.link.PortName()
	for _, ev := range events {
		p.logger.Info("bridge hot-plug", "port", ev.Port, "plugged", ev.Plugged, "chip", ev.Chip)
		if p.notify != nil {
			p.notify(ev)
		}
		if !ev.Plugged && ev.Port == current && p.link.State() == StateOpen {
			p.link.MarkDown(fmt.Errorf("%s unplugged: %w", ev.Port, ErrPortNotFound))
		}
	}

	if p.link.State() != StateRecovering {
		return
	}
	if _, ok := now[current]; ok {
		if err := p.link.Reopen(current); err != nil {
			p.logger.Debug("reopen failed", "port", current, "error", err)
		}
	}
}
