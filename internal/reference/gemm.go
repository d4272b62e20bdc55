package reference

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/dtype"
)

// Gemm computes E[m, n] = CDE(sum_k A(a[m, k]) * B(b[k, n]), D[m, n]...).
// Rank-3 tensors carry a leading batch dimension. Layout lives in the strides,
// so a column-major operand is simply a tensor with transposed strides.
func Gemm[A, B, E dtype.Storage](a *hosttensor.Tensor[A], b *hosttensor.Tensor[B], e *hosttensor.Tensor[E], ops Ops, ds ...*hosttensor.Tensor[E]) error {
	batched := a.Rank() == 3
	at, bt, et := a, b, e
	if !batched {
		at, bt, et = unsqueeze(a), unsqueeze(b), unsqueeze(e)
		ds = unsqueezeAll(ds)
	}
	if at.Rank() != 3 {
		return errors.Wrapf(ErrShape, "A: rank %d, want 2 or 3", a.Rank())
	}
	batch, m, k := at.Lengths[0], at.Lengths[1], at.Lengths[2]
	n := bt.Lengths[len(bt.Lengths)-1]
	if err := checkLengths("B", bt.Lengths, batch, k, n); err != nil {
		return err
	}
	if err := checkLengths("E", et.Lengths, batch, m, n); err != nil {
		return err
	}
	cde := ops.cde()
	if err := checkDs(cde, ds, et.Lengths); err != nil {
		return err
	}
	aOp, bOp := ops.a(), ops.b()

	parallelFor(batch*m, func(row int) {
		g, i := row/m, row%m
		scratch := make([]float64, len(ds))
		for j := range n {
			var acc float64
			for kk := range k {
				acc += apply(aOp, at.At(g, i, kk)) * apply(bOp, bt.At(g, kk, j))
			}
			et.Set(dtype.FromFloat64[E](epilogue(cde, acc, ds, scratch, []int{g, i, j})), g, i, j)
		}
	})
	return nil
}

func unsqueeze[T dtype.Storage](t *hosttensor.Tensor[T]) *hosttensor.Tensor[T] {
	return &hosttensor.Tensor[T]{
		Lengths: append([]int{1}, t.Lengths...),
		Strides: append([]int{0}, t.Strides...),
		Data:    t.Data,
	}
}

func unsqueezeAll[T dtype.Storage](ts []*hosttensor.Tensor[T]) []*hosttensor.Tensor[T] {
	out := make([]*hosttensor.Tensor[T], len(ts))
	for i, t := range ts {
		out[i] = unsqueeze(t)
	}
	return out
}
