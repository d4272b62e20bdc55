package hosttensor

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
)

// ErrMismatch reports a result outside tolerance.
var ErrMismatch = errors.New("result mismatch")

// Tolerance returns the default relative and absolute tolerance for comparing
// results stored as T.
func Tolerance[T dtype.Storage]() (rtol, atol float64) {
	switch dtype.Of[T]() {
	case dtype.F16:
		return 1e-3, 1e-3
	case dtype.BF16:
		return 1e-1, 1e-1
	case dtype.F32:
		return 1e-5, 1e-5
	case dtype.F64:
		return 1e-10, 1e-10
	default:
		return 0, 0
	}
}

// CheckErr compares got against want element by element. An element passes
// when |got-want| <= atol + rtol*|want|. The returned error names the first
// failing index and the largest error seen.
func CheckErr[G, W dtype.Storage](got *Tensor[G], want *Tensor[W], rtol, atol float64) error {
	if !sameLengths(got.Lengths, want.Lengths) {
		return errors.Wrapf(errShapeMismatch, "got %v, want %v", got.Lengths, want.Lengths)
	}
	var (
		bad     int
		first   []int
		firstG  float64
		firstW  float64
		maxDiff float64
	)
	got.ForEach(func(idx []int) {
		g := dtype.ToFloat64(got.At(idx...))
		w := dtype.ToFloat64(want.At(idx...))
		d := math.Abs(g - w)
		if math.IsNaN(g) != math.IsNaN(w) {
			d = math.Inf(1)
		} else if math.IsNaN(g) {
			d = 0
		}
		if d > maxDiff {
			maxDiff = d
		}
		if d > atol+rtol*math.Abs(w) {
			if bad == 0 {
				first = append([]int(nil), idx...)
				firstG, firstW = g, w
			}
			bad++
		}
	})
	if bad == 0 {
		return nil
	}
	return errors.Wrapf(ErrMismatch, "%d of %d elements out of tolerance, first at %v: got %g want %g, max error %g",
		bad, got.ElementSize(), first, firstG, firstW, maxDiff)
}

// MaxAbsDiff returns the largest absolute elementwise difference.
func MaxAbsDiff[G, W dtype.Storage](got *Tensor[G], want *Tensor[W]) float64 {
	var m float64
	got.ForEach(func(idx []int) {
		d := math.Abs(dtype.ToFloat64(got.At(idx...)) - dtype.ToFloat64(want.At(idx...)))
		if d > m {
			m = d
		}
	})
	return m
}
