// Package deviceop holds the operator front-ends: each turns a user problem
// (pointers, lengths, strides, element-wise ops) into tensor views for a
// gridwise kernel, decides whether the problem fits the instance, and runs it.
package deviceop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/gpu"
)

var (
	// ErrInvalidGridwiseSetting is returned by Run when the argument fails
	// IsSupportedArgument. Callers are expected to check support first.
	ErrInvalidGridwiseSetting = errors.New("invalid gridwise setting")
	ErrUnsupported            = errors.New("unsupported argument")
	errForeignArgument        = errors.New("argument was made by another operator")
)

// Argument is a resolved problem, built once by an operator's MakeArgument and
// reusable across runs of that operator.
type Argument interface {
	// Err reports why the problem could not be resolved into kernel views.
	Err() error
}

// Operator is one tuned kernel instance behind a uniform contract.
type Operator[P any] interface {
	Name() string
	// TypeString describes data types, layouts and tile geometry.
	TypeString() string
	MakeArgument(p P) Argument
	// IsSupportedArgument never launches anything and never fails: problems
	// the instance cannot run report false.
	IsSupportedArgument(dev *gpu.Device, arg Argument) bool
	// Run returns the average kernel time in milliseconds when sc.TimeKernel
	// is set, 0 otherwise.
	Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error)
}

// argBase carries the owner and resolution error shared by every argument.
type argBase struct {
	owner any
	err   error
}

func (a *argBase) Err() error { return a.err }

// checkSupport logs why an argument is rejected at debug level.
func checkSupport(dev *gpu.Device, name string, check func() error) bool {
	if err := check(); err != nil {
		dev.Logger().Debug("argument not supported", "op", name, "device", dev.Name(), "reason", err.Error())
		return false
	}
	return true
}

// ownedBy returns the resolution error of an argument made by owner.
func (a *argBase) ownedBy(owner any) error {
	if a.owner != owner {
		return errForeignArgument
	}
	return a.err
}

// timedRun re-checks support, then launches on the configured stream through
// gpu.Time.
func timedRun(dev *gpu.Device, sc gpu.StreamConfig, name string, supported bool, launch func(s *gpu.Stream) error) (float64, error) {
	if !supported {
		return 0, errors.Wrapf(ErrInvalidGridwiseSetting, "%s on %s", name, dev.Name())
	}
	s := sc.StreamOn(dev)
	ms, err := gpu.Time(sc, func() error { return launch(s) })
	if err != nil {
		return 0, errors.WithMessage(err, name)
	}
	dev.Logger().Debug("operator run", "op", name, "device", dev.Name(), "ms", ms)
	return ms, nil
}

// launchAll runs launches in order and stops at the first error.
func launchAll(ctx context.Context, launches ...func(ctx context.Context) error) error {
	for _, l := range launches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l(ctx); err != nil {
			return err
		}
	}
	return nil
}
