// Package gpu emulates a matrix-core accelerator: a grid of thread blocks,
// each block a set of goroutine threads sharing an LDS arena and synchronising
// through block-wide and wave-wide barriers.
package gpu

import (
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/internal/logger"
)

// DefaultDevice is used when no device name is given.
const DefaultDevice = "gfx90a"

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvalidLaunch = errors.New("invalid launch configuration")
	ErrKernelFault   = errors.New("kernel fault")
	ErrStreamClosed  = errors.New("stream closed")
)

// Properties describes one emulated architecture.
type Properties struct {
	Name         string `json:"name" yaml:"name"`
	Family       string `json:"family" yaml:"family"`
	ComputeUnits int    `json:"compute_units" yaml:"compute_units"`
	WaveSize     int    `json:"wave_size" yaml:"wave_size"`
	MaxBlockSize int    `json:"max_block_size" yaml:"max_block_size"`
	LDSBytes     int    `json:"lds_bytes" yaml:"lds_bytes"`
	MatrixCores  bool   `json:"matrix_cores" yaml:"matrix_cores"`
	FP64Matrix   bool   `json:"fp64_matrix" yaml:"fp64_matrix"`
	BF16K4       bool   `json:"bf16_k4" yaml:"bf16_k4"`
}

var known = map[string]Properties{
	"gfx908": {
		Name: "gfx908", Family: "cdna1", ComputeUnits: 120, WaveSize: 64,
		MaxBlockSize: 1024, LDSBytes: 64 << 10, MatrixCores: true,
	},
	"gfx90a": {
		Name: "gfx90a", Family: "cdna2", ComputeUnits: 110, WaveSize: 64,
		MaxBlockSize: 1024, LDSBytes: 64 << 10, MatrixCores: true, FP64Matrix: true, BF16K4: true,
	},
	"gfx940": {
		Name: "gfx940", Family: "cdna3", ComputeUnits: 228, WaveSize: 64,
		MaxBlockSize: 1024, LDSBytes: 64 << 10, MatrixCores: true, FP64Matrix: true, BF16K4: true,
	},
	"gfx1030": {
		Name: "gfx1030", Family: "rdna2", ComputeUnits: 40, WaveSize: 32,
		MaxBlockSize: 1024, LDSBytes: 64 << 10,
	},
}

var aliases = map[string]string{
	"mi100":  "gfx908",
	"mi200":  "gfx90a",
	"mi250":  "gfx90a",
	"mi300":  "gfx940",
	"navi21": "gfx1030",
}

// Normalize resolves aliases and case, and drops target feature suffixes
// such as ":sramecc+:xnack-". An empty name selects DefaultDevice.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(n, ':'); i >= 0 {
		n = n[:i]
	}
	if n == "" {
		return DefaultDevice, nil
	}
	if a, ok := aliases[n]; ok {
		n = a
	}
	if _, ok := known[n]; !ok {
		return "", errors.Wrapf(ErrUnknownDevice, "%q (expected one of %s)", name, strings.Join(Names(), ", "))
	}
	return n, nil
}

// Lookup returns the properties of a device by name or alias.
func Lookup(name string) (Properties, error) {
	n, err := Normalize(name)
	if err != nil {
		return Properties{}, err
	}
	return known[n], nil
}

// Names lists the known architectures in sorted order.
func Names() []string {
	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// All returns the properties of every known architecture.
func All() []Properties {
	out := make([]Properties, 0, len(known))
	for _, n := range Names() {
		out = append(out, known[n])
	}
	return out
}

// Device is an opened emulated accelerator.
type Device struct {
	props   Properties
	workers int
	log     logger.Logger
	stream  *Stream
}

type Option func(*Device)

// WithWorkers bounds how many blocks execute concurrently.
func WithWorkers(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Open creates a device for the named architecture.
func Open(name string, opts ...Option) (*Device, error) {
	props, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	d := &Device{
		props:   props,
		workers: runtime.GOMAXPROCS(0),
		log:     logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stream = d.NewStream()
	return d, nil
}

// MustOpen is Open for known-good names; it panics on error.
func MustOpen(name string, opts ...Option) *Device {
	d, err := Open(name, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Device) Name() string { return d.props.Name }

func (d *Device) Properties() Properties { return d.props }

func (d *Device) Workers() int { return d.workers }

func (d *Device) Logger() logger.Logger { return d.log }

// DefaultStream is the stream used when a StreamConfig names none.
func (d *Device) DefaultStream() *Stream { return d.stream }

// Close stops the default stream. Streams created with NewStream are closed by
// their owners.
func (d *Device) Close() {
	d.stream.Close()
}
