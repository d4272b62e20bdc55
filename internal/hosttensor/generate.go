package hosttensor

import (
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
)

// Init selects how operands are filled before a run.
type Init int

const (
	InitNone Init = iota
	InitInteger
	InitDecimal
	InitSequential
)

func (i Init) String() string {
	switch i {
	case InitNone:
		return "none"
	case InitInteger:
		return "integer"
	case InitDecimal:
		return "decimal"
	case InitSequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// ParseInit accepts the names printed by Init.String.
func ParseInit(s string) (Init, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return InitNone, nil
	case "integer", "int", "1":
		return InitInteger, nil
	case "decimal", "float", "2":
		return InitDecimal, nil
	case "sequential", "seq", "3":
		return InitSequential, nil
	}
	return InitNone, errors.Errorf("unknown init method %q", s)
}

// Generate fills t according to init. Integer values lie in [-5, 5), decimal
// values in [-0.5, 0.5).
func Generate[T dtype.Storage](t *Tensor[T], init Init, seed uint64) {
	switch init {
	case InitInteger:
		GenerateInteger(t, seed, -5, 5)
	case InitDecimal:
		GenerateUniform(t, seed, -0.5, 0.5)
	case InitSequential:
		GenerateSequential(t, 1)
	}
}

// GenerateUniform draws values uniformly from [lo, hi).
func GenerateUniform[T dtype.Storage](t *Tensor[T], seed uint64, lo, hi float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t.ForEach(func(idx []int) {
		t.Data[t.Offset(idx...)] = dtype.FromFloat64[T](lo + rng.Float64()*(hi-lo))
	})
}

// GenerateInteger draws integers uniformly from [lo, hi).
func GenerateInteger[T dtype.Storage](t *Tensor[T], seed uint64, lo, hi int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t.ForEach(func(idx []int) {
		t.Data[t.Offset(idx...)] = dtype.FromFloat64[T](float64(lo + rng.IntN(hi-lo)))
	})
}

// GenerateSequential writes the packed linear index times step, wrapping at 64
// so narrow types stay exact.
func GenerateSequential[T dtype.Storage](t *Tensor[T], step float64) {
	i := 0
	t.ForEach(func(idx []int) {
		t.Data[t.Offset(idx...)] = dtype.FromFloat64[T](float64(i%64) * step)
		i++
	})
}
