package link

import (
	"strings"
	"time"

	"github.com/Alia5/kvmlink/protocol"
)

// AutoPort selects the first enumerated CH9329/CH32V208 bridge.
const AutoPort = "auto"

// Config represents the serial link configuration.
type Config struct {
	Port                 string        `help:"Serial port name, or 'auto' to pick the first CH9329/CH32V208 bridge" default:"auto" env:"KVMLINK_PORT"`
	Baud                 int           `help:"Baud rate; 0 probes the default rate then the fallback rate" default:"0" env:"KVMLINK_BAUD"`
	Chip                 string        `help:"Bridge chip" enum:"auto,ch9329,ch32v208" default:"auto" env:"KVMLINK_CHIP"`
	DefaultBaud          int           `help:"First rate tried by auto-detection" default:"115200"`
	FallbackBaud         int           `help:"Second rate tried by auto-detection" default:"9600"`
	ResponseTimeout      time.Duration `help:"How long to wait for a device response" default:"1s" env:"KVMLINK_RESPONSE_TIMEOUT"`
	CommandDelay         time.Duration `help:"Pause after every frame written" default:"0s"`
	QueueSize            int           `help:"Frames buffered while the device is away" default:"256"`
	RecoveryWindow       time.Duration `help:"Grace period before a lost link is reported" default:"5s"`
	ResetSettle          time.Duration `help:"Wait after a device reset before reopening" default:"500ms"`
	WatchdogInterval     time.Duration `help:"Health probe interval; 0 disables the watchdog" default:"2s"`
	MaxConsecutiveErrors int           `help:"Failed probes before the link is recycled" default:"3"`
	HotplugInterval      time.Duration `help:"Port scan interval; 0 disables hot-plug detection" default:"1s"`
}

// DefaultConfig mirrors the kong defaults for callers that do not parse flags.
func DefaultConfig() Config {
	return Config{
		Port:                 AutoPort,
		Chip:                 "auto",
		DefaultBaud:          protocol.Baud115200,
		FallbackBaud:         protocol.Baud9600,
		ResponseTimeout:      time.Second,
		QueueSize:            256,
		RecoveryWindow:       5 * time.Second,
		ResetSettle:          500 * time.Millisecond,
		WatchdogInterval:     2 * time.Second,
		MaxConsecutiveErrors: 3,
		HotplugInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultBaud <= 0 {
		c.DefaultBaud = d.DefaultBaud
	}
	if c.FallbackBaud <= 0 {
		c.FallbackBaud = d.FallbackBaud
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.QueueSize < 256 {
		c.QueueSize = d.QueueSize
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = d.RecoveryWindow
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return c
}

// ParseChip maps a config value to a chip type; "auto" and unknown names map
// to ChipUnknown.
func ParseChip(s string) protocol.ChipType {
	switch strings.ToLower(s) {
	case "ch9329":
		return protocol.ChipCH9329
	case "ch32v208":
		return protocol.ChipCH32V208
	}
	return protocol.ChipUnknown
}
