package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/config"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

// setup merges the config file under the flags the user set and installs
// the logger in ctx.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, nil, err
	}
	cfg.Apply(cmd, &settings)
	if debug {
		settings.LogLevel = "debug"
	}
	log, err := logger.ForFormat(settings.LogFormat, os.Stderr, logger.ParseLevel(settings.LogLevel))
	if err != nil {
		return ctx, nil, err
	}
	return logger.WithContext(ctx, log), log, nil
}

func loadTable() (*instance.Table, error) {
	if settings.Instances == "" {
		return instance.Default(), nil
	}
	return instance.Load(settings.Instances)
}

func openDevice(log logger.Logger) (*gpu.Device, error) {
	return gpu.Open(settings.Device, gpu.WithWorkers(settings.Workers), gpu.WithLogger(log))
}

// withSettings fills the per-run fields of r that come from flags.
func withSettings(r profiler.Request) profiler.Request {
	if r.Instance == "" {
		r.Instance = instanceName
	}
	if r.Init == "" {
		r.Init = settings.Init
	}
	if r.Seed == 0 {
		r.Seed = settings.Seed
	}
	r.Verify = r.Verify || settings.Verify
	return r
}

// profileAction wraps a request builder into a command action.
func profileAction(build func(cmd *cli.Command) (profiler.Request, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		ctx, log, err := setup(ctx, cmd)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		r, err := build(cmd)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		return runRequests(ctx, log, []profiler.Request{r})
	}
}

// runRequests profiles each request on one device and prints its report.
// Every request runs even when an earlier one fails.
func runRequests(ctx context.Context, log logger.Logger, reqs []profiler.Request) error {
	tab, err := loadTable()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	dev, err := openDevice(log)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	defer dev.Close()

	opts := profiler.Options{
		Stream: gpu.StreamConfig{WarmupIters: settings.Warmup, RepeatIters: settings.Repeat},
		Log:    log,
	}
	if !jsonOut && stderrIsTTY() {
		opts.Progress = os.Stderr
	}

	var failed int
	for _, r := range reqs {
		r = withSettings(r)
		log.Debug("profiling", "family", r.Family, "problem", r.Problem(), "device", dev.Name())
		rep, err := profiler.Execute(ctx, dev, tab, r, opts)
		if rep != nil {
			if werr := printReport(os.Stdout, rep); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			log.Error("profile failed", "family", r.Family, "problem", r.Problem(), "error", err)
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("error: %d of %d profiles failed", failed, len(reqs)), 1)
	}
	return nil
}

func printReport(w io.Writer, rep *profiler.Report) error {
	if jsonOut {
		if err := rep.WriteJSON(w); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintln(w, rep.Summary())
		_, _ = fmt.Fprintln(w, rep.Table())
	}

	path, err := resolveReportOut(reportOut, rep.Family, rep.ID)
	if err != nil || path == "" {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rep.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
