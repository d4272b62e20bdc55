package deviceop

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// Convolution tensors are described in G, N, C, spatial order (K in place of
// C for weights and outputs). The group dimension is never part of a view:
// it becomes the GEMM batch.
const (
	dimG = iota
	dimN
	dimC
	dimSpatial
)

// convTensor is one convolution operand: logical lengths and strides in
// G, N, C, spatial order.
type convTensor struct {
	lengths []int
	strides []int
}

func newConvTensor(lengths, strides []int) (convTensor, error) {
	if strides == nil {
		strides = convparam.ChannelsLastStrides(lengths)
	}
	if len(strides) != len(lengths) {
		return convTensor{}, errors.Wrapf(ErrUnsupported, "%d strides for lengths %v", len(strides), lengths)
	}
	return convTensor{lengths: lengths, strides: strides}, nil
}

// group is the per-group naive view [N, C, spatial...].
func (t convTensor) group() tensordesc.Descriptor {
	return tensordesc.MakeNaive(t.lengths[dimN:], t.strides[dimN:])
}

func (t convTensor) groupStride() int { return t.strides[dimG] }

// flatten returns the stride of dims merged row-major into one dimension when
// they form a single uniformly strided run. Unit-length dims are ignored.
func (t convTensor) flatten(dims ...int) (int, bool) {
	stride, span := 0, 1
	for i := len(dims) - 1; i >= 0; i-- {
		d := dims[i]
		if t.lengths[d] == 1 {
			continue
		}
		if stride == 0 {
			stride, span = t.strides[d], t.lengths[d]
			continue
		}
		if t.strides[d] != stride*span {
			return 0, false
		}
		span *= t.lengths[d]
	}
	return max(stride, 1), true
}

// checkVectorDim verifies vec-wide contiguous access along dimension inner of
// the tensor. inner < 0 means the GEMM dimension has no contiguous run.
func (t convTensor) checkVectorDim(name string, inner, vec int) error {
	if vec <= 1 {
		return nil
	}
	if inner < 0 {
		return errors.Wrapf(ErrUnsupported, "%s: no contiguous dimension for %d-wide reads", name, vec)
	}
	if t.lengths[inner]%vec != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: length %d not divisible by vector %d", name, t.lengths[inner], vec)
	}
	if t.strides[inner] != 1 {
		return errors.Wrapf(ErrUnsupported, "%s: dimension %d has stride %d", name, inner, t.strides[inner])
	}
	for i, s := range t.strides {
		if i != inner && t.lengths[i] > 1 && s%vec != 0 {
			return errors.Wrapf(ErrUnsupported, "%s: stride %d of dimension %d not aligned to vector %d", name, s, i, vec)
		}
	}
	return nil
}

// im2col is the [C*Y..., N*Ho...] view of a per-group input: spatial dims are
// padded, each one is embedded as (Y, Ho) with coefficients (dilation,
// stride), then filter taps and channels merge into GEMM K and batch and
// output positions into GEMM M. Reads from the pad region are zero.
func im2col(p convparam.Params, in convTensor) (tensordesc.Descriptor, error) {
	nd := p.NumSpatialDims
	ho := p.OutputLengths()

	ts := []tensordesc.Transform{tensordesc.MakePassThrough(p.N), tensordesc.MakePassThrough(p.C)}
	old := [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakePad(p.InputLengths[i], p.LeftPads[i], p.RightPads[i]))
		old = append(old, []int{2 + i})
	}
	d, err := tensordesc.TransformDescriptor(in.group(), ts, old, old)
	if err != nil {
		return d, err
	}

	ts = ts[:2]
	newDims := [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeEmbed([]int{p.FilterLengths[i], ho[i]}, []int{p.Dilations[i], p.Strides[i]}))
		newDims = append(newDims, []int{2 + 2*i, 3 + 2*i})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, old, newDims); err != nil {
		return d, err
	}

	kDims, kLens := []int{}, []int{}
	mDims, mLens := []int{0}, []int{p.N}
	for i := range nd {
		kDims, kLens = append(kDims, 2+2*i), append(kLens, p.FilterLengths[i])
		mDims, mLens = append(mDims, 3+2*i), append(mLens, ho[i])
	}
	kDims, kLens = append(kDims, 1), append(kLens, p.C)
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakeMerge(kLens...), tensordesc.MakeMerge(mLens...)},
		[][]int{kDims, mDims}, [][]int{{0}, {1}})
}

// strided1x1 is the [C, N*Ho...] view of an input read by a 1x1 filter with
// no padding: every output position reads one input position per stride.
func strided1x1(p convparam.Params, in convTensor) (tensordesc.Descriptor, error) {
	nd := p.NumSpatialDims
	ho := p.OutputLengths()
	ts := []tensordesc.Transform{tensordesc.MakePassThrough(p.N), tensordesc.MakePassThrough(p.C)}
	old := [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeEmbed([]int{ho[i]}, []int{p.Strides[i]}))
		old = append(old, []int{2 + i})
	}
	d, err := tensordesc.TransformDescriptor(in.group(), ts, old, old)
	if err != nil {
		return d, err
	}
	mLens := append([]int{p.N}, ho...)
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakePassThrough(p.C), tensordesc.MakeMerge(mLens...)},
		[][]int{{1}, append([]int{0}, seq(2, nd)...)}, [][]int{{0}, {1}})
}

// filterView is the [Y...*C, K] view of per-group weights [K, C, Y...].
func filterView(p convparam.Params, wei convTensor) (tensordesc.Descriptor, error) {
	kLens := append(append([]int(nil), p.FilterLengths...), p.C)
	kDims := append(seq(2, p.NumSpatialDims), 1)
	return tensordesc.TransformDescriptor(wei.group(),
		[]tensordesc.Transform{tensordesc.MakeMerge(kLens...), tensordesc.MakePassThrough(p.K)},
		[][]int{kDims, {0}}, [][]int{{0}, {1}})
}

// outputView is the [N*Ho..., K] view of a per-group output or D operand
// [N, K, Ho...].
func outputView(p convparam.Params, out convTensor) (tensordesc.Descriptor, error) {
	mLens := append([]int{p.N}, p.OutputLengths()...)
	return tensordesc.TransformDescriptor(out.group(),
		[]tensordesc.Transform{tensordesc.MakeMerge(mLens...), tensordesc.MakePassThrough(p.K)},
		[][]int{append([]int{0}, seq(2, p.NumSpatialDims)...), {1}}, [][]int{{0}, {1}})
}

// seq returns n consecutive ints starting at from.
func seq(from, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = from + i
	}
	return s
}
