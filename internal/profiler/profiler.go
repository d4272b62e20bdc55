// Package profiler runs every instance of an operator family on one problem
// and reports time, TFLOPS and GB/s per instance.
package profiler

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

// ErrVerification is wrapped by Run errors when an instance produced a
// result that does not match the reference.
var ErrVerification = errors.New("verification failed")

// Counts are the work done by one run of a problem.
type Counts struct {
	FLOPs int64 `json:"flops"`
	Bytes int64 `json:"bytes"`
}

// counted is implemented by arguments that know their own work.
type counted interface {
	FLOPs() int64
	Bytes() int64
}

// Options control a profiling sweep.
type Options struct {
	Stream gpu.StreamConfig
	// Counts override what the arguments report. Zero fields fall back to
	// the argument.
	Counts Counts
	// Reset runs before every launch, e.g. to refill an output that the
	// problem reads through beta.
	Reset func()
	// Verify checks the problem's outputs after each supported instance.
	Verify func() error
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
	Log      logger.Logger
}

// Run is the outcome of one instance.
type Run struct {
	ID         string  `json:"id"`
	Instance   string  `json:"instance"`
	TypeString string  `json:"type_string"`
	Supported  bool    `json:"supported"`
	Ms         float64 `json:"ms,omitempty"`
	TFLOPS     float64 `json:"tflops,omitempty"`
	GBps       float64 `json:"gb_per_s,omitempty"`
	Verified   *bool   `json:"verified,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Report collects the runs of one sweep. Best names the fastest supported
// instance that passed verification; Default names the one the priority
// policy picks without timing anything.
type Report struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	Problem   string    `json:"problem"`
	Device    string    `json:"device"`
	Counts    Counts    `json:"counts"`
	Runs      []Run     `json:"runs"`
	Best      string    `json:"best,omitempty"`
	Default   string    `json:"default,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Elapsed   string    `json:"elapsed"`
}

// Supported returns the runs of supported instances, fastest first.
func (r *Report) Supported() []Run {
	var out []Run
	for _, run := range r.Runs {
		if run.Supported && run.Error == "" {
			out = append(out, run)
		}
	}
	slices.SortStableFunc(out, func(a, b Run) int {
		switch {
		case a.Ms < b.Ms:
			return -1
		case a.Ms > b.Ms:
			return 1
		}
		return 0
	})
	return out
}

// Profile times every instance in ops on p. Unsupported instances are
// recorded and skipped; a failing run or verification is recorded on its
// Run and the sweep continues. Profile fails only when ctx is cancelled or
// no instance ran successfully.
func Profile[P any](ctx context.Context, dev *gpu.Device, family, problem string, ops []deviceop.Operator[P], p P, opts Options) (*Report, error) {
	log := opts.Log
	if log == nil {
		log = dev.Logger()
	}
	log = log.With("family", family, "device", dev.Name())

	rep := &Report{
		ID:        uuid.NewString(),
		Family:    family,
		Problem:   problem,
		Device:    dev.Name(),
		Counts:    opts.Counts,
		StartedAt: time.Now().UTC(),
	}
	sc := opts.Stream
	sc.TimeKernel = true
	if reset, prev := opts.Reset, sc.Preprocess; reset != nil {
		sc.Preprocess = func() {
			if prev != nil {
				prev()
			}
			reset()
		}
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(ops),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription(family),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("instances"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
	}

	if op, _, err := instance.Select(dev, ops, p); err == nil {
		rep.Default = op.Name()
	}

	var bestMs float64
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		run := profileOne(ctx, dev, op, p, sc, opts, &rep.Counts)
		if run.Error != "" {
			log.Warn("instance failed", "instance", run.Instance, "error", run.Error)
		} else if run.Supported {
			log.Debug("instance timed", "instance", run.Instance, "ms", run.Ms, "tflops", run.TFLOPS)
			if rep.Best == "" || run.Ms < bestMs {
				rep.Best, bestMs = run.Instance, run.Ms
			}
		}
		rep.Runs = append(rep.Runs, run)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	rep.Elapsed = time.Since(rep.StartedAt).Round(time.Millisecond).String()

	if rep.Best == "" {
		return rep, errors.Errorf("%s: none of %d instances ran %s on %s", family, len(ops), problem, dev.Name())
	}
	log.Info("profiled", "instances", len(ops), "best", rep.Best, "default", rep.Default, "ms", bestMs)
	return rep, nil
}

func profileOne[P any](ctx context.Context, dev *gpu.Device, op deviceop.Operator[P], p P, sc gpu.StreamConfig, opts Options, counts *Counts) Run {
	run := Run{ID: uuid.NewString(), Instance: op.Name(), TypeString: op.TypeString()}
	arg := op.MakeArgument(p)
	if !op.IsSupportedArgument(dev, arg) {
		return run
	}
	run.Supported = true

	if c, ok := arg.(counted); ok {
		if counts.FLOPs == 0 {
			counts.FLOPs = c.FLOPs()
		}
		if counts.Bytes == 0 {
			counts.Bytes = c.Bytes()
		}
	}
	ms, err := op.Run(ctx, dev, arg, sc)
	if err != nil {
		run.Error = err.Error()
		return run
	}
	run.Ms = ms
	if ms > 0 {
		run.TFLOPS = float64(counts.FLOPs) / (ms * 1e9)
		run.GBps = float64(counts.Bytes) / (ms * 1e6)
	}
	if opts.Verify != nil {
		ok := true
		if err := opts.Verify(); err != nil {
			ok = false
			run.Error = errors.Wrap(ErrVerification, err.Error()).Error()
		}
		run.Verified = &ok
	}
	return run
}
