package reference

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/dtype"
)

// BatchedGemmSoftmaxGemm computes out = softmax(scale * q * k^T) * v for every
// [G0, G1] batch. q is [G0, G1, M, K], k is [G0, G1, N, K], v is
// [G0, G1, N, O] and out is [G0, G1, M, O]; a permuted output layout is
// expressed through out's strides. The softmax result is rounded to T before
// the second product, as the device stages it in the operand type.
func BatchedGemmSoftmaxGemm[T, Out dtype.Storage](q, k, v *hosttensor.Tensor[T], out *hosttensor.Tensor[Out], scale float64) error {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		return errors.Wrapf(ErrShape, "attention operands need rank 4, got %d, %d, %d", q.Rank(), k.Rank(), v.Rank())
	}
	g0, g1, m, kk := q.Lengths[0], q.Lengths[1], q.Lengths[2], q.Lengths[3]
	if err := checkLengths("k", k.Lengths, g0, g1, k.Lengths[2], kk); err != nil {
		return err
	}
	n := k.Lengths[2]
	if err := checkLengths("v", v.Lengths, g0, g1, n, v.Lengths[3]); err != nil {
		return err
	}
	o := v.Lengths[3]
	if err := checkLengths("out", out.Lengths, g0, g1, m, o); err != nil {
		return err
	}

	parallelFor(g0*g1*m, func(task int) {
		a, b, i := task/(g1*m), task/m%g1, task%m
		s := make([]float64, n)
		rowMax := math.Inf(-1)
		for j := range n {
			var acc float64
			for l := range kk {
				acc += dtype.ToFloat64(q.At(a, b, i, l)) * dtype.ToFloat64(k.At(a, b, j, l))
			}
			s[j] = scale * acc
			rowMax = max(rowMax, s[j])
		}
		var sum float64
		for j := range n {
			s[j] = math.Exp(s[j] - rowMax)
			sum += s[j]
		}
		for j := range n {
			s[j] = dtype.ToFloat64(dtype.FromFloat64[T](s[j] / sum))
		}
		for c := range o {
			var acc float64
			for j := range n {
				acc += s[j] * dtype.ToFloat64(v.At(a, b, j, c))
			}
			out.Set(dtype.FromFloat64[Out](acc), a, b, i, c)
		}
	})
	return nil
}
