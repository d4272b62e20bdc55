package reference

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
)

// Permute copies in to out element by element through op. Both tensors share
// logical lengths; the permutation is carried by out's strides.
func Permute[In, Out dtype.Storage](in *hosttensor.Tensor[In], out *hosttensor.Tensor[Out], op elementwise.Unary) error {
	if err := checkLengths("output", out.Lengths, in.Lengths...); err != nil {
		return err
	}
	op = orPass(op)
	in.ForEach(func(idx []int) {
		out.Set(dtype.FromFloat64[Out](op.Apply(dtype.ToFloat64(in.At(idx...)))), idx...)
	})
	return nil
}

// BatchNormInfer normalizes an NHWC tensor with per-channel statistics:
// y = scale*(x-mean)/sqrt(variance+epsilon) + bias, channel being the last
// dimension of x.
func BatchNormInfer[T, Acc dtype.Storage](x, y *hosttensor.Tensor[T], scale, bias, mean, variance *hosttensor.Tensor[Acc], epsilon float64) error {
	if err := checkLengths("y", y.Lengths, x.Lengths...); err != nil {
		return err
	}
	if x.Rank() == 0 {
		return errors.Wrap(ErrShape, "batch norm input has rank 0")
	}
	c := x.Lengths[x.Rank()-1]
	for name, t := range map[string]*hosttensor.Tensor[Acc]{"scale": scale, "bias": bias, "mean": mean, "variance": variance} {
		if err := checkLengths(name, t.Lengths, c); err != nil {
			return err
		}
	}
	parallelFor(c, func(ch int) {
		inv := 1 / math.Sqrt(dtype.ToFloat64(variance.At(ch))+epsilon)
		s, b, m := dtype.ToFloat64(scale.At(ch)), dtype.ToFloat64(bias.At(ch)), dtype.ToFloat64(mean.At(ch))
		outer := x.Lengths[:x.Rank()-1]
		hosttensor.ForEachIndex(outer, func(idx []int) {
			full := append(idx[:len(idx):len(idx)], ch)
			v := dtype.ToFloat64(x.At(full...))
			y.Set(dtype.FromFloat64[T](s*(v-m)*inv+b), full...)
		})
	})
	return nil
}
