package gpu

import (
	"time"
)

// StreamConfig selects the stream a front-end launches on and whether it is
// timed.
type StreamConfig struct {
	Stream      *Stream
	TimeKernel  bool
	WarmupIters int
	RepeatIters int
	// Preprocess runs before every launch, e.g. to zero an atomic-add output.
	Preprocess func()
}

// Iterations returns the warm-up and timed repeat counts, defaulting to 1/10
// when timing is on.
func (sc StreamConfig) Iterations() (warmup, repeat int) {
	if !sc.TimeKernel {
		return 0, 1
	}
	warmup, repeat = sc.WarmupIters, sc.RepeatIters
	if warmup < 0 {
		warmup = 0
	}
	if repeat <= 0 {
		repeat = 10
	}
	return warmup, repeat
}

// StreamOn returns the configured stream or the device default.
func (sc StreamConfig) StreamOn(d *Device) *Stream {
	if sc.Stream != nil {
		return sc.Stream
	}
	return d.DefaultStream()
}

// Time calls launch once when timing is off and returns 0. With timing on it
// runs the warm-up iterations, then returns the average wall time of the
// repeat iterations in milliseconds. Preprocess runs before every call and is
// not timed.
func Time(sc StreamConfig, launch func() error) (float64, error) {
	warmup, repeat := sc.Iterations()
	run := func() (time.Duration, error) {
		if sc.Preprocess != nil {
			sc.Preprocess()
		}
		start := time.Now()
		err := launch()
		return time.Since(start), err
	}
	for range warmup {
		if _, err := run(); err != nil {
			return 0, err
		}
	}
	var total time.Duration
	for range repeat {
		d, err := run()
		if err != nil {
			return 0, err
		}
		total += d
	}
	if !sc.TimeKernel {
		return 0, nil
	}
	return float64(total.Microseconds()) / 1e3 / float64(repeat), nil
}
