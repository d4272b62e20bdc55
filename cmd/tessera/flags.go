package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/config"
	"github.com/samcharles93/tessera/pkg/gpu"
)

var (
	settings = config.Settings{
		Device:    gpu.DefaultDevice,
		Verify:    true,
		Init:      "integer",
		Warmup:    1,
		Repeat:    5,
		Seed:      1,
		LogLevel:  "warn",
		LogFormat: "pretty",
		Address:   "127.0.0.1:8080",
	}
	instanceName string
	reportOut    string
	jsonOut      bool
	debug        bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "emulated device (gfx908, gfx90a, gfx940, gfx1030 or an alias such as mi250)",
			Value:       gpu.DefaultDevice,
			Destination: &settings.Device,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "blocks executed concurrently (0 = GOMAXPROCS)",
			Destination: &settings.Workers,
		},
		&cli.StringFlag{
			Name:        "instances",
			Usage:       "instance table YAML replacing the built-in table",
			Destination: &settings.Instances,
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "check every instance against the host reference",
			Value:       settings.Verify,
			Destination: &settings.Verify,
		},
		&cli.StringFlag{
			Name:        "init",
			Usage:       "operand initialisation (none, integer, decimal, sequential)",
			Value:       settings.Init,
			Destination: &settings.Init,
		},
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "untimed launches before timing",
			Value:       settings.Warmup,
			Destination: &settings.Warmup,
		},
		&cli.IntFlag{
			Name:        "repeat",
			Usage:       "timed launches averaged per instance",
			Value:       settings.Repeat,
			Destination: &settings.Repeat,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "operand generator seed",
			Value:       settings.Seed,
			Destination: &settings.Seed,
		},
		&cli.StringFlag{
			Name:        "instance",
			Usage:       "run only the named instance",
			Destination: &instanceName,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON instead of a table",
			Destination: &jsonOut,
		},
		&cli.StringFlag{
			Name:        "out",
			Usage:       "also write the JSON report to this file (default: $" + envReportDir + "/<family>-<id>.json when set)",
			Destination: &reportOut,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       settings.LogLevel,
			Destination: &settings.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       settings.LogFormat,
			Destination: &settings.LogFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// profileFlags are shared by every command that runs a sweep.
func profileFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(extra, deviceFlags()...)
	flags = append(flags, runFlags()...)
	return append(flags, loggingFlags()...)
}
