package reference

import (
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
)

// splitDims partitions the dimensions of lengths into the invariant ones and
// the reduced ones, each keeping its original order.
func splitDims(lengths, reduceDims []int) (inv, red []int, err error) {
	seen := make([]bool, len(lengths))
	for _, d := range reduceDims {
		if d < 0 || d >= len(lengths) || seen[d] {
			return nil, nil, errors.Wrapf(ErrShape, "reduce dims %v over rank %d", reduceDims, len(lengths))
		}
		seen[d] = true
	}
	for d := range lengths {
		if seen[d] {
			red = append(red, d)
		} else {
			inv = append(inv, d)
		}
	}
	return inv, red, nil
}

func pick(lengths, dims []int) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = lengths[d]
	}
	return out
}

// rows walks the invariant index space and, for each invariant index, hands
// fn a visitor over the reduced index space. Both indices are scattered into
// a full-rank index.
func rows(lengths, inv, red []int, fn func(invIdx []int, each func(func(full []int)))) {
	invLens, redLens := pick(lengths, inv), pick(lengths, red)
	var tasks [][]int
	hosttensor.ForEachIndex(invLens, func(idx []int) { tasks = append(tasks, slices.Clone(idx)) })
	parallelFor(len(tasks), func(t int) {
		invIdx := tasks[t]
		full := make([]int, len(lengths))
		for i, d := range inv {
			full[d] = invIdx[i]
		}
		fn(invIdx, func(visit func(full []int)) {
			hosttensor.ForEachIndex(redLens, func(r []int) {
				for i, d := range red {
					full[d] = r[i]
				}
				visit(full)
			})
		})
	})
}

// Softmax normalizes in over reduceDims: out = alpha*softmax(in) + beta*out.
// in and out share logical lengths.
func Softmax[In, Out dtype.Storage](in *hosttensor.Tensor[In], out *hosttensor.Tensor[Out], reduceDims []int, alpha, beta float64) error {
	if err := checkLengths("output", out.Lengths, in.Lengths...); err != nil {
		return err
	}
	inv, red, err := splitDims(in.Lengths, reduceDims)
	if err != nil {
		return err
	}
	rows(in.Lengths, inv, red, func(_ []int, each func(func([]int))) {
		rowMax := math.Inf(-1)
		each(func(full []int) { rowMax = max(rowMax, dtype.ToFloat64(in.At(full...))) })
		var sum float64
		each(func(full []int) { sum += math.Exp(dtype.ToFloat64(in.At(full...)) - rowMax) })
		each(func(full []int) {
			y := alpha * math.Exp(dtype.ToFloat64(in.At(full...))-rowMax) / sum
			if beta != 0 {
				y += beta * dtype.ToFloat64(out.At(full...))
			}
			out.Set(dtype.FromFloat64[Out](y), full...)
		})
	})
	return nil
}

// Reduce folds in over reduceDims with op: out = alpha*op(inOp(in)) + beta*out.
// out has the invariant lengths in order, or length [1] when every dimension
// is reduced.
func Reduce[In, Out dtype.Storage](in *hosttensor.Tensor[In], out *hosttensor.Tensor[Out], reduceDims []int, op elementwise.ReduceOp, inOp elementwise.Unary, alpha, beta float64) error {
	inv, red, err := splitDims(in.Lengths, reduceDims)
	if err != nil {
		return err
	}
	want := pick(in.Lengths, inv)
	if len(want) == 0 {
		want = []int{1}
	}
	if err := checkLengths("output", out.Lengths, want...); err != nil {
		return err
	}
	inOp = orPass(inOp)
	n := 1
	for _, l := range pick(in.Lengths, red) {
		n *= l
	}
	rows(in.Lengths, inv, red, func(invIdx []int, each func(func([]int))) {
		acc := op.Identity()
		each(func(full []int) {
			acc = op.Combine(acc, op.In(inOp.Apply(dtype.ToFloat64(in.At(full...)))))
		})
		y := alpha * op.Out(acc, n)
		outIdx := invIdx
		if len(outIdx) == 0 {
			outIdx = []int{0}
		}
		if beta != 0 {
			y += beta * dtype.ToFloat64(out.At(outIdx...))
		}
		out.Set(dtype.FromFloat64[Out](y), outIdx...)
	})
	return nil
}
