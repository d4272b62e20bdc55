package elementwise

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ReduceOp is a reduction over one dimension: values are mapped by the
// in-op, combined, and the result is finished by the out-op given the
// number of reduced elements.
type ReduceOp int

const (
	ReduceAdd ReduceOp = iota
	ReduceAvg
	ReduceMax
	ReduceMin
	ReduceAMax
	ReduceNorm2
)

var reduceNames = [...]string{"add", "avg", "max", "min", "amax", "norm2"}

func (r ReduceOp) String() string {
	if int(r) < len(reduceNames) {
		return reduceNames[r]
	}
	return "unknown"
}

func ParseReduceOp(s string) (ReduceOp, error) {
	for i, n := range reduceNames {
		if strings.EqualFold(s, n) {
			return ReduceOp(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownOp, "reduction %q", s)
}

// Identity is the neutral element of the combine step.
func (r ReduceOp) Identity() float64 {
	switch r {
	case ReduceMax:
		return math.Inf(-1)
	case ReduceMin:
		return math.Inf(1)
	}
	return 0
}

func (r ReduceOp) In(x float64) float64 {
	switch r {
	case ReduceAMax:
		return math.Abs(x)
	case ReduceNorm2:
		return x * x
	}
	return x
}

func (r ReduceOp) Combine(a, b float64) float64 {
	switch r {
	case ReduceMax, ReduceAMax:
		return max(a, b)
	case ReduceMin:
		return min(a, b)
	}
	return a + b
}

func (r ReduceOp) Out(acc float64, n int) float64 {
	switch r {
	case ReduceAvg:
		return acc / float64(n)
	case ReduceNorm2:
		return math.Sqrt(acc)
	}
	return acc
}

// Additive reports whether partial results may be merged with atomic add.
// Avg qualifies when every partial is divided by the full count; Norm2 needs
// a finishing step over the whole sum.
func (r ReduceOp) Additive() bool { return r == ReduceAdd || r == ReduceAvg }
