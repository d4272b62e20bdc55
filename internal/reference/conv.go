package reference

import (
	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
)

// ConvFwd computes out[g, n, k, ho...] = CDE(sum over c, y... of
// A(in[g, n, c, hi...]) * B(wei[g, k, c, y...]), D...) where
// hi = ho*stride + y*dilation - leftPad. Taps that land in the padding read zero.
func ConvFwd[In, Wei, Out dtype.Storage](p convparam.Params, in *hosttensor.Tensor[In], wei *hosttensor.Tensor[Wei], out *hosttensor.Tensor[Out], ops Ops, ds ...*hosttensor.Tensor[Out]) error {
	if err := checkConv(p, in.Lengths, wei.Lengths, out.Lengths); err != nil {
		return err
	}
	cde := ops.cde()
	if err := checkDs(cde, ds, out.Lengths); err != nil {
		return err
	}
	aOp, bOp := ops.a(), ops.b()
	nd := p.NumSpatialDims
	outSpatial := p.OutputLengths()

	parallelFor(p.G*p.N*p.K, func(task int) {
		g, n, k := task/(p.N*p.K), task/p.K%p.N, task%p.K
		inIdx := make([]int, 3+nd)
		weiIdx := make([]int, 3+nd)
		outIdx := make([]int, 3+nd)
		scratch := make([]float64, len(ds))
		inIdx[0], inIdx[1] = g, n
		weiIdx[0], weiIdx[1] = g, k
		outIdx[0], outIdx[1], outIdx[2] = g, n, k

		hosttensor.ForEachIndex(outSpatial, func(ho []int) {
			var acc float64
			for c := range p.C {
				inIdx[2], weiIdx[2] = c, c
				hosttensor.ForEachIndex(p.FilterLengths, func(y []int) {
					for d := range nd {
						hi := ho[d]*p.Strides[d] + y[d]*p.Dilations[d] - p.LeftPads[d]
						if hi < 0 || hi >= p.InputLengths[d] {
							return
						}
						inIdx[3+d] = hi
						weiIdx[3+d] = y[d]
					}
					acc += apply(aOp, in.At(inIdx...)) * apply(bOp, wei.At(weiIdx...))
				})
			}
			copy(outIdx[3:], ho)
			out.Set(dtype.FromFloat64[Out](epilogue(cde, acc, ds, scratch, outIdx)), outIdx...)
		})
	})
	return nil
}

// ConvBwdData computes the input gradient: every input element receives the
// sum of out-gradient times weight over all taps that read it.
func ConvBwdData[In, Wei, Out dtype.Storage](p convparam.Params, dIn *hosttensor.Tensor[In], wei *hosttensor.Tensor[Wei], dOut *hosttensor.Tensor[Out]) error {
	if err := checkConv(p, dIn.Lengths, wei.Lengths, dOut.Lengths); err != nil {
		return err
	}
	nd := p.NumSpatialDims

	parallelFor(p.G*p.N*p.C, func(task int) {
		g, n, c := task/(p.N*p.C), task/p.C%p.N, task%p.C
		inIdx := []int{g, n, c}
		weiIdx := make([]int, 3+nd)
		outIdx := make([]int, 3+nd)
		weiIdx[0], weiIdx[2] = g, c
		outIdx[0], outIdx[1] = g, n

		hosttensor.ForEachIndex(p.InputLengths, func(hi []int) {
			var acc float64
			hosttensor.ForEachIndex(p.FilterLengths, func(y []int) {
				for d := range nd {
					num := hi[d] + p.LeftPads[d] - y[d]*p.Dilations[d]
					if num < 0 || num%p.Strides[d] != 0 {
						return
					}
					ho := num / p.Strides[d]
					if ho >= dOut.Lengths[3+d] {
						return
					}
					outIdx[3+d] = ho
					weiIdx[3+d] = y[d]
				}
				for k := range p.K {
					outIdx[2], weiIdx[1] = k, k
					acc += dtype.ToFloat64(dOut.At(outIdx...)) * dtype.ToFloat64(wei.At(weiIdx...))
				}
			})
			dIn.Set(dtype.FromFloat64[In](acc), append(inIdx[:3:3], hi...)...)
		})
	})
	return nil
}

// ConvBwdWeight computes the weight gradient: the sum over batch and output
// positions of input times out-gradient.
func ConvBwdWeight[In, Wei, Out dtype.Storage](p convparam.Params, in *hosttensor.Tensor[In], dWei *hosttensor.Tensor[Wei], dOut *hosttensor.Tensor[Out]) error {
	if err := checkConv(p, in.Lengths, dWei.Lengths, dOut.Lengths); err != nil {
		return err
	}
	nd := p.NumSpatialDims
	outSpatial := p.OutputLengths()

	parallelFor(p.G*p.K*p.C, func(task int) {
		g, k, c := task/(p.K*p.C), task/p.C%p.K, task%p.C
		inIdx := make([]int, 3+nd)
		outIdx := make([]int, 3+nd)
		inIdx[0], inIdx[2] = g, c
		outIdx[0], outIdx[2] = g, k

		hosttensor.ForEachIndex(p.FilterLengths, func(y []int) {
			var acc float64
			for n := range p.N {
				inIdx[1], outIdx[1] = n, n
				hosttensor.ForEachIndex(outSpatial, func(ho []int) {
					for d := range nd {
						hi := ho[d]*p.Strides[d] + y[d]*p.Dilations[d] - p.LeftPads[d]
						if hi < 0 || hi >= p.InputLengths[d] {
							return
						}
						inIdx[3+d] = hi
						outIdx[3+d] = ho[d]
					}
					acc += dtype.ToFloat64(in.At(inIdx...)) * dtype.ToFloat64(dOut.At(outIdx...))
				})
			}
			dWei.Set(dtype.FromFloat64[Wei](acc), append([]int{g, k, c}, y...)...)
		})
	})
	return nil
}

func checkConv(p convparam.Params, in, wei, out []int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := checkLengths("input", in, p.InputGNC()...); err != nil {
		return err
	}
	if err := checkLengths("weight", wei, p.WeightGKC()...); err != nil {
		return err
	}
	return checkLengths("output", out, p.OutputGNK()...)
}
