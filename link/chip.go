package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/Alia5/kvmlink/protocol"
)

// chipStrategy holds what differs between the supported bridges.
type chipStrategy interface {
	// fixedBaud is non-zero when the chip only speaks one rate.
	fixedBaud() int
	reset(ctx context.Context, l *Link, baud int) error
	factoryReset(ctx context.Context, l *Link) error
	usbSwitch() bool
}

func strategyFor(c protocol.ChipType) chipStrategy {
	if c == protocol.ChipCH32V208 {
		return ch32v208{}
	}
	return ch9329{}
}

type ch9329 struct{}

func (ch9329) fixedBaud() int  { return 0 }
func (ch9329) usbSwitch() bool { return false }

func (ch9329) reset(ctx context.Context, l *Link, baud int) error {
	if baud != protocol.Baud9600 && baud != protocol.Baud115200 {
		return fmt.Errorf("baud %d: %w", baud, ErrUnsupported)
	}
	if _, err := l.SendCommand(ctx, protocol.SetParaCfgFrame(protocol.DefaultWorkMode, uint32(baud)), 0); err != nil {
		return fmt.Errorf("set parameters: %w", err)
	}
	// The chip may reboot before it answers.
	if _, err := l.SendCommand(ctx, protocol.ResetFrame(), 0); err != nil && !errors.Is(err, ErrResponseTimeout) {
		return fmt.Errorf("reset: %w", err)
	}
	l.stats.Resets.Inc()
	return l.restart(ctx, baud, l.cfg.ResetSettle)
}

func (ch9329) factoryReset(ctx context.Context, l *Link) error {
	_, err := l.SendCommand(ctx, protocol.SetDefaultCfgFrame(), 0)
	if errors.Is(err, ErrResponseTimeout) {
		alt := protocol.Baud9600
		if l.Baud() == protocol.Baud9600 {
			alt = protocol.Baud115200
		}
		l.logger.Info("no answer, retrying factory reset", "baud", alt)
		l.stats.Retries.Inc()
		if err := l.restart(ctx, alt, 0); err != nil {
			return err
		}
		_, err = l.SendCommand(ctx, protocol.SetDefaultCfgFrame(), 0)
	}
	if err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	if _, err := l.SendCommand(ctx, protocol.ResetFrame(), 0); err != nil && !errors.Is(err, ErrResponseTimeout) {
		return fmt.Errorf("reset: %w", err)
	}
	l.stats.Resets.Inc()
	return l.restart(ctx, protocol.Baud9600, l.cfg.ResetSettle)
}

type ch32v208 struct{}

func (ch32v208) fixedBaud() int  { return protocol.Baud115200 }
func (ch32v208) usbSwitch() bool { return true }

func (ch32v208) reset(ctx context.Context, l *Link, baud int) error {
	if baud != 0 && baud != protocol.Baud115200 {
		return fmt.Errorf("baud %d: %w", baud, ErrUnsupported)
	}
	l.stats.Resets.Inc()
	return l.restart(ctx, protocol.Baud115200, l.cfg.ResetSettle)
}

func (ch32v208) factoryReset(ctx context.Context, l *Link) error {
	if _, err := l.SendCommand(ctx, protocol.SetDefaultCfgFrame(), 0); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	l.stats.Resets.Inc()
	return l.restart(ctx, protocol.Baud115200, l.cfg.ResetSettle)
}
