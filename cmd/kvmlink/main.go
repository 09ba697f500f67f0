// Command kvmlink drives a CH9329/CH32V208 serial-to-USB HID bridge.
package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/kvmlink/internal/config"
	"github.com/Alia5/kvmlink/internal/configpaths"
	"github.com/Alia5/kvmlink/internal/log"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const description = `Forward keyboard, mouse, text and scripts to a target machine through a
CH9329 or CH32V208 USB HID bridge on a serial port.

Settings are read from kvmlink.json, kvmlink.yaml or kvmlink.toml in the
working directory and the user config directory. Flags and KVMLINK_*
environment variables take precedence.`

func main() {
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(configFlag(os.Args[1:]))

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("kvmlink"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": version},
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closers, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("kvmlink: logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	raw, rawFile := openRawLog(cli.Log, os.Stderr, logger)
	if rawFile != nil {
		closers = append(closers, rawFile)
	}

	ctx.Bind(logger)
	ctx.BindTo(raw, (*log.RawLogger)(nil))
	err = ctx.Run()
	for _, c := range closers {
		_ = c.Close()
	}
	ctx.FatalIfErrorf(err)
}

// openRawLog picks where serial frame dumps go. An explicit raw file wins;
// at trace level frames go to stderr; otherwise they are dropped. A raw
// file that cannot be created is reported and frames are dropped.
func openRawLog(cfg config.Log, stderr io.Writer, logger *slog.Logger) (log.RawLogger, io.Closer) {
	switch {
	case cfg.RawFile != "":
		f, err := os.OpenFile(cfg.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("raw frame log disabled", "file", cfg.RawFile, "error", err)
			return log.NewRaw(nil), nil
		}
		return log.NewRaw(f), f
	case cfg.Level == "trace":
		return log.NewRaw(stderr), nil
	}
	return log.NewRaw(nil), nil
}

// configFlag finds --config before kong runs, so the file it names can be
// loaded as a configuration source.
func configFlag(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("KVMLINK_CONFIG")
}
