package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/gpu"
)

// ErrNoInstance is returned when no operator in a family supports a problem.
var ErrNoInstance = errors.New("no instance supports the problem")

// Select returns the first operator in ops that supports p on dev, together
// with the argument it was checked with. ops are expected in priority order.
func Select[P any](dev *gpu.Device, ops []deviceop.Operator[P], p P) (deviceop.Operator[P], deviceop.Argument, error) {
	for _, op := range ops {
		arg := op.MakeArgument(p)
		if op.IsSupportedArgument(dev, arg) {
			return op, arg, nil
		}
	}
	return nil, nil, errors.Wrapf(ErrNoInstance, "%d candidates on %s", len(ops), dev.Name())
}

// ByName returns the operator called name.
func ByName[P any](ops []deviceop.Operator[P], name string) (deviceop.Operator[P], error) {
	for _, op := range ops {
		if op.Name() == name {
			return op, nil
		}
	}
	return nil, errors.Wrapf(ErrNoInstance, "no instance named %q", name)
}

// Tuned is the outcome of tuning one problem.
type Tuned struct {
	Name string
	Ms   float64
}

// Autotuner times every supported instance of a problem once and remembers
// the fastest per problem key.
type Autotuner struct {
	mu    sync.RWMutex
	cache map[string]Tuned
}

func NewAutotuner() *Autotuner {
	return &Autotuner{
		cache: make(map[string]Tuned),
	}
}

// Cached returns the tuned result for key, if any.
func (t *Autotuner) Cached(key string) (Tuned, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tuned, ok := t.cache[key]
	return tuned, ok
}

// Forget drops every cached result.
func (t *Autotuner) Forget() {
	t.mu.Lock()
	clear(t.cache)
	t.mu.Unlock()
}

// Key formats a problem key from its family, types and sizes.
func Key(family string, types Types, sizes ...int) string {
	k := family + "/" + types.String()
	for i, s := range sizes {
		if i == 0 {
			k += "/"
		} else {
			k += "x"
		}
		k += fmt.Sprint(s)
	}
	return k
}

// Tune returns the fastest operator for p, timing candidates with sc on the
// first call for key and reusing the winner afterwards. Timed runs write to
// the problem's outputs.
func Tune[P any](ctx context.Context, t *Autotuner, dev *gpu.Device, key string, ops []deviceop.Operator[P], p P, sc gpu.StreamConfig) (deviceop.Operator[P], deviceop.Argument, error) {
	if tuned, ok := t.Cached(key); ok {
		if op, err := ByName(ops, tuned.Name); err == nil {
			arg := op.MakeArgument(p)
			if op.IsSupportedArgument(dev, arg) {
				return op, arg, nil
			}
		}
	}

	sc.TimeKernel = true
	var (
		best    deviceop.Operator[P]
		bestArg deviceop.Argument
		bestMs  float64
	)
	for _, op := range ops {
		arg := op.MakeArgument(p)
		if !op.IsSupportedArgument(dev, arg) {
			continue
		}
		ms, err := op.Run(ctx, dev, arg, sc)
		if err != nil {
			return nil, nil, errors.WithMessage(err, op.Name())
		}
		if best == nil || ms < bestMs {
			best, bestArg, bestMs = op, arg, ms
		}
	}
	if best == nil {
		return nil, nil, errors.Wrapf(ErrNoInstance, "%s on %s", key, dev.Name())
	}

	t.mu.Lock()
	t.cache[key] = Tuned{Name: best.Name(), Ms: bestMs}
	t.mu.Unlock()

	dev.Logger().Debug("autotuned", "key", key, "op", best.Name(), "ms", bestMs)
	return best, bestArg, nil
}
