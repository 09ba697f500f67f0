package link

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/Alia5/kvmlink/protocol"
)

// Port is the part of a serial port the link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
	Chip    protocol.ChipType
}

// Opener opens serial ports.
type Opener interface {
	Open(name string, baud int) (Port, error)
}

// PortLister enumerates serial ports.
type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// SerialOpener opens real ports through go.bug.st/serial.
type SerialOpener struct{}

// Open opens name at baud, 8N1.
func (SerialOpener) Open(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, mapPortError(name, err)
	}
	return p, nil
}

// ListPorts returns every port the OS reports, tagging known HID bridges.
func (SerialOpener) ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     strings.ToUpper(d.VID),
			PID:     strings.ToUpper(d.PID),
			Serial:  d.SerialNumber,
			Product: d.Product,
		}
		if d.IsUSB {
			info.Chip = protocol.ChipFromUSB(d.VID, d.PID)
		}
		out = append(out, info)
	}
	return out, nil
}

// FindPort returns the first port backed by a supported HID bridge.
func FindPort(lister PortLister) (PortInfo, error) {
	ports, err := lister.ListPorts()
	if err != nil {
		return PortInfo{}, err
	}
	for _, p := range ports {
		if p.Chip != protocol.ChipUnknown {
			return p, nil
		}
	}
	return PortInfo{}, fmt.Errorf("no CH9329/CH32V208 bridge found: %w", ErrPortNotFound)
}

func mapPortError(name string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortBusy:
			return fmt.Errorf("open %s: %w", name, ErrPortBusy)
		case serial.PortNotFound, serial.InvalidSerialPort:
			return fmt.Errorf("open %s: %w", name, ErrPortNotFound)
		case serial.PermissionDenied:
			return fmt.Errorf("open %s: %w", name, ErrPortPermission)
		}
	}
	return fmt.Errorf("open %s: %w", name, err)
}
