package instance

import (
	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/dtype"
)

func matches[AB, E dtype.Storage](t Types) bool {
	return t.AB == dtype.Of[AB]() && t.E == dtype.Of[E]()
}

func matchesAcc[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t Types) bool {
	return matches[AB, E](t) && t.Acc == dtype.Of[Acc]()
}

func build[I, P any](es []Entry[I], keep func(Entry[I]) bool, mk func(I) deviceop.Operator[P]) []deviceop.Operator[P] {
	var ops []deviceop.Operator[P]
	for _, e := range es {
		if keep(e) {
			ops = append(ops, mk(e.Instance))
		}
	}
	return ops
}

func gemmLayouts(la, lb deviceop.Layout) func(Entry[deviceop.GemmInstance]) bool {
	return func(e Entry[deviceop.GemmInstance]) bool {
		return e.Instance.LayoutA == la && e.Instance.LayoutB == lb
	}
}

// Gemms returns the plain GEMM operators for the given types and layouts in
// priority order.
func Gemms[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table, la, lb deviceop.Layout) []deviceop.Operator[deviceop.GemmProblem[AB, E]] {
	keep := gemmLayouts(la, lb)
	return build(t.Gemm,
		func(e Entry[deviceop.GemmInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) && keep(e) },
		func(i deviceop.GemmInstance) deviceop.Operator[deviceop.GemmProblem[AB, E]] {
			return deviceop.NewGemm[AB, Acc, E](i)
		})
}

// GemmMultipleDs builds the GEMM family with a D-tensor epilogue.
func GemmMultipleDs[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table, la, lb deviceop.Layout) []deviceop.Operator[deviceop.GemmProblem[AB, E]] {
	keep := gemmLayouts(la, lb)
	return build(t.Gemm,
		func(e Entry[deviceop.GemmInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) && keep(e) },
		func(i deviceop.GemmInstance) deviceop.Operator[deviceop.GemmProblem[AB, E]] {
			i.Name += "_multiple_d"
			return deviceop.NewGemmMultipleD[AB, Acc, E](i)
		})
}

func GemmSplitKs[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table, la, lb deviceop.Layout) []deviceop.Operator[deviceop.GemmProblem[AB, E]] {
	keep := gemmLayouts(la, lb)
	return build(t.GemmSplitK,
		func(e Entry[deviceop.GemmInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) && keep(e) },
		func(i deviceop.GemmInstance) deviceop.Operator[deviceop.GemmProblem[AB, E]] {
			return deviceop.NewGemmSplitK[AB, Acc, E](i)
		})
}

func GemmBiasAddReduces[AB dtype.Storage, Acc dtype.Accumulator, E, R dtype.Storage](t *Table, la, lb deviceop.Layout) []deviceop.Operator[deviceop.GemmReduceProblem[AB, E, R]] {
	return build(t.GemmBiasAddReduce,
		func(e Entry[deviceop.GemmReduceInstance]) bool {
			g := e.Instance.Gemm
			return matchesAcc[AB, Acc, E](e.Types) && e.Types.R == dtype.Of[R]() && g.LayoutA == la && g.LayoutB == lb
		},
		func(i deviceop.GemmReduceInstance) deviceop.Operator[deviceop.GemmReduceProblem[AB, E, R]] {
			return deviceop.NewGemmBiasAddReduce[AB, Acc, E, R](i)
		})
}

func ConvFwds[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table) []deviceop.Operator[deviceop.ConvFwdProblem[AB, E]] {
	return build(t.ConvFwd,
		func(e Entry[deviceop.ConvInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) },
		func(i deviceop.ConvInstance) deviceop.Operator[deviceop.ConvFwdProblem[AB, E]] {
			return deviceop.NewGroupedConvFwd[AB, Acc, E](i)
		})
}

func ConvBwdDatas[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table) []deviceop.Operator[deviceop.ConvBwdDataProblem[AB, E]] {
	return build(t.ConvBwdData,
		func(e Entry[deviceop.ConvInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) },
		func(i deviceop.ConvInstance) deviceop.Operator[deviceop.ConvBwdDataProblem[AB, E]] {
			return deviceop.NewConvBwdData[AB, Acc, E](i)
		})
}

func ConvBwdWeights[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](t *Table) []deviceop.Operator[deviceop.ConvBwdWeightProblem[AB, E]] {
	return build(t.ConvBwdWeight,
		func(e Entry[deviceop.ConvInstance]) bool { return matchesAcc[AB, Acc, E](e.Types) },
		func(i deviceop.ConvInstance) deviceop.Operator[deviceop.ConvBwdWeightProblem[AB, E]] {
			return deviceop.NewConvBwdWeight[AB, Acc, E](i)
		})
}

// reductionFits drops instances pinned to another rank or reduce-dim count.
func reductionFits(i deviceop.ReductionInstance, rank, numReduceDims int) bool {
	return (i.Rank == 0 || rank == 0 || i.Rank == rank) &&
		(i.NumReduceDims == 0 || numReduceDims == 0 || i.NumReduceDims == numReduceDims)
}

// Softmaxes returns softmax operators. Zero rank or numReduceDims match any
// instance.
func Softmaxes[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](t *Table, rank, numReduceDims int) []deviceop.Operator[deviceop.SoftmaxProblem[In, Out]] {
	return build(t.Softmax,
		func(e Entry[deviceop.ReductionInstance]) bool {
			return matchesAcc[In, Acc, Out](e.Types) && reductionFits(e.Instance, rank, numReduceDims)
		},
		func(i deviceop.ReductionInstance) deviceop.Operator[deviceop.SoftmaxProblem[In, Out]] {
			return deviceop.NewSoftmax[In, Acc, Out](i)
		})
}

func Reduces[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](t *Table, rank, numReduceDims int) []deviceop.Operator[deviceop.ReduceProblem[In, Out]] {
	return build(t.Reduce,
		func(e Entry[deviceop.ReductionInstance]) bool {
			return matchesAcc[In, Acc, Out](e.Types) && reductionFits(e.Instance, rank, numReduceDims)
		},
		func(i deviceop.ReductionInstance) deviceop.Operator[deviceop.ReduceProblem[In, Out]] {
			return deviceop.NewReduce[In, Acc, Out](i)
		})
}

func Permutes[In, Out dtype.Storage](t *Table) []deviceop.Operator[deviceop.PermuteProblem[In, Out]] {
	return build(t.Permute,
		func(e Entry[deviceop.ElementwiseInstance]) bool { return matches[In, Out](e.Types) },
		func(i deviceop.ElementwiseInstance) deviceop.Operator[deviceop.PermuteProblem[In, Out]] {
			return deviceop.NewPermute[In, Out](i)
		})
}

func BatchNormInfers[T dtype.Storage](t *Table) []deviceop.Operator[deviceop.BatchNormInferProblem[T]] {
	return build(t.BatchNormInfer,
		func(e Entry[deviceop.ElementwiseInstance]) bool { return matches[T, T](e.Types) },
		func(i deviceop.ElementwiseInstance) deviceop.Operator[deviceop.BatchNormInferProblem[T]] {
			return deviceop.NewBatchNormInfer[T](i)
		})
}

func Attentions[AB dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](t *Table) []deviceop.Operator[deviceop.AttentionProblem[AB, Out]] {
	return build(t.Attention,
		func(e Entry[deviceop.AttentionInstance]) bool { return matchesAcc[AB, Acc, Out](e.Types) },
		func(i deviceop.AttentionInstance) deviceop.Operator[deviceop.AttentionProblem[AB, Out]] {
			return deviceop.NewBatchedGemmSoftmaxGemmPermute[AB, Acc, Out](i)
		})
}
