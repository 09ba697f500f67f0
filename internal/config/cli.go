// Package config holds the kong command tree.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/Alia5/kvmlink/internal/cmd"
)

// Log configures the process wide logger.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"KVMLINK_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" type:"path" env:"KVMLINK_LOG_FILE"`
	RawFile string `help:"Write a hex dump of every serial frame to this file" type:"path" env:"KVMLINK_LOG_RAW_FILE"`
}

type CLI struct {
	Config  string           `help:"Config file (.json, .yaml or .toml)" type:"path" env:"KVMLINK_CONFIG"`
	Log     Log              `embed:"" prefix:"log."`
	Version kong.VersionFlag `help:"Print the version and exit"`

	Ports        cmd.Ports         `cmd:"" help:"List serial ports and detected bridges"`
	Layouts      cmd.Layouts       `cmd:"" help:"List available keyboard layouts"`
	Info         cmd.Info          `cmd:"" help:"Query the bridge and print its state"`
	Type         cmd.Type          `cmd:"" help:"Type text on the target"`
	Key          cmd.Key           `cmd:"" help:"Send a key combination such as ^!{Delete}"`
	Script       cmd.Script        `cmd:"" help:"Run an input script"`
	Console      cmd.Console       `cmd:"" help:"Forward terminal key presses to the target until Ctrl-]"`
	Jiggle       cmd.Jiggle        `cmd:"" help:"Keep the target awake by moving the pointer"`
	Reset        cmd.Reset         `cmd:"" help:"Reset the bridge chip"`
	FactoryReset cmd.FactoryReset  `cmd:"" name:"factory-reset" help:"Restore the bridge factory configuration"`
	USBSwitch    cmd.USBSwitch     `cmd:"" name:"usb-switch" help:"Route the shared USB port to the host or the target"`
	Stats        cmd.Stats         `cmd:"" help:"Probe the bridge and print link statistics"`
	ConfigCmd    cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
