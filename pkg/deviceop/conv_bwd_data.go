package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// ConvBwdDataProblem computes the input gradient DIn of a grouped
// convolution from the output gradient DOut and the weights. Strides follow
// ConvFwdProblem.
type ConvBwdDataProblem[AB, E dtype.Storage] struct {
	Params convparam.Params

	DIn  []E
	Wei  []AB
	DOut []AB

	InStrides  []int
	WeiStrides []int
	OutStrides []int
}

// ConvBwdData splits the transposed convolution into one GEMM per filter
// phase (ytilde, xtilde...). Each GEMM writes a disjoint set of input
// positions; positions no phase reaches keep the zero written before the
// launches.
type ConvBwdData[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
	spec ConvSpecialization
}

func NewConvBwdData[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst ConvInstance) *ConvBwdData[AB, Acc, E] {
	return &ConvBwdData[AB, Acc, E]{
		core: newGemmCore[AB, Acc, E]("ConvBwdData_Xdl", inst.Gemm, transfer.Set),
		spec: inst.ConvSpec,
	}
}

func (c *ConvBwdData[AB, Acc, E]) Name() string {
	if c.core.inst.Name != "" {
		return c.core.inst.Name
	}
	return c.core.name() + "_" + c.spec.String()
}

func (c *ConvBwdData[AB, Acc, E]) TypeString() string {
	return fmt.Sprintf("%s<%s>", c.core.typeString(), c.spec)
}

func (c *ConvBwdData[AB, Acc, E]) MakeArgument(p ConvBwdDataProblem[AB, E]) Argument {
	arg := &ConvArgument[AB, E]{argBase: argBase{owner: c}, params: p.Params}
	arg.err = c.resolve(arg, p)
	return arg
}

func (c *ConvBwdData[AB, Acc, E]) resolve(arg *ConvArgument[AB, E], p ConvBwdDataProblem[AB, E]) error {
	cp := p.Params
	if err := cp.Validate(); err != nil {
		return err
	}
	if c.spec == ConvFilter1x1Pad0 {
		return errors.Wrapf(ErrUnsupported, "%s has no backward data variant", c.spec)
	}
	if err := checkConvSpec(c.spec, cp); err != nil {
		return err
	}
	if err := arg.tensors(p.InStrides, p.WeiStrides, p.OutStrides); err != nil {
		return err
	}
	batch := gemmBatch{
		count: cp.G,
		a:     arg.out.groupStride(),
		b:     arg.wei.groupStride(),
		e:     arg.in.groupStride(),
	}
	din := arg.in
	arg.zero = func() { zeroStrided(p.DIn, din.lengths, din.strides) }

	if c.spec == ConvFilter1x1Stride1Pad0 {
		rows := rowsOf(cp.NumSpatialDims)
		dout, err := matrix(arg.out, rows, dimC)
		if err != nil {
			return errors.WithMessage(err, "output gradient")
		}
		ev, err := matrix(arg.in, rows, dimC)
		if err != nil {
			return errors.WithMessage(err, "input gradient")
		}
		w := arg.wei
		bv := tensordesc.MakeNaive([]int{w.lengths[dimN], w.lengths[dimC]}, []int{w.strides[dimN], w.strides[dimC]})
		l, err := c.core.bind(p.DOut, p.Wei, p.DIn, nil, gridwise.Transpose2D(dout), bv, ev, nil, 1, batch, nil, nil, nil)
		if err != nil {
			return err
		}
		arg.launches = append(arg.launches, l)
		return nil
	}

	geo := newTildeGeometry(cp)
	for _, phase := range geo.phases() {
		v, ok, err := geo.views(phase, arg.out, arg.wei, arg.in)
		if err != nil {
			return errors.WithMessagef(err, "phase %v", phase)
		}
		if !ok {
			continue
		}
		l, err := c.core.bind(p.DOut, p.Wei, p.DIn, nil, v.a, v.b, v.e, nil, 1, batch, nil, nil, nil)
		if err != nil {
			return errors.WithMessagef(err, "phase %v", phase)
		}
		arg.launches = append(arg.launches, l)
	}
	return nil
}

func (c *ConvBwdData[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, c.Name(), func() error {
		a, err := convArg[AB, E](c, arg)
		if err != nil {
			return err
		}
		plain := c.spec == ConvFilter1x1Stride1Pad0
		if !plain {
			// GEMM K runs over output channels of both operands, GEMM N over
			// input channels of the weights.
			if err := checkConvVectors(c.core.tile, a.out, "output gradient", dimC, -1, a.wei, "weight", dimN, dimC); err != nil {
				return err
			}
		}
		for _, l := range a.launches {
			if err := c.core.check(dev, l, plain); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *ConvBwdData[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := c.IsSupportedArgument(dev, arg)
	if ok {
		a, _ := convArg[AB, E](c, arg)
		sc = withPreprocess(sc, a.zero)
	}
	return timedRun(dev, sc, c.Name(), ok, func(s *gpu.Stream) error {
		a, _ := convArg[AB, E](c, arg)
		return runLaunches(ctx, dev, s, c.core, a.launches)
	})
}

// tildeGeometry splits each spatial dim of a strided, dilated filter into
// YTilde phases. Phase t covers filter taps y = ydot*YTilde + t and input
// positions hi + leftPad = t*dilation + htilde*stride.
type tildeGeometry struct {
	p       convparam.Params
	ho      []int
	yTilde  []int
	yDot    []int
	hTilde  []int
	hBegin  []int
	hEnd    []int
	dotStep []int
}

func newTildeGeometry(p convparam.Params) tildeGeometry {
	nd := p.NumSpatialDims
	g := tildeGeometry{
		p:       p,
		ho:      p.OutputLengths(),
		yTilde:  make([]int, nd),
		yDot:    make([]int, nd),
		hTilde:  make([]int, nd),
		hBegin:  make([]int, nd),
		hEnd:    make([]int, nd),
		dotStep: make([]int, nd),
	}
	for i := range nd {
		s, d, y := p.Strides[i], p.Dilations[i], p.FilterLengths[i]
		gsd := gcd(s, d)
		g.yTilde[i] = s / gsd
		g.yDot[i] = ceilDiv(y, g.yTilde[i])
		g.hTilde[i] = g.ho[i] + ceilDiv(d*(y-1), s)
		g.hBegin[i] = max(0, (p.LeftPads[i]-d*(g.yTilde[i]-1))/s)
		g.hEnd[i] = min(g.hTilde[i], ceilDiv(p.LeftPads[i]+p.InputLengths[i]-1, s)+1)
		g.dotStep[i] = d / gsd
	}
	return g
}

// phases lists every tilde index tuple, last dim fastest.
func (g tildeGeometry) phases() [][]int {
	out := [][]int{{}}
	for _, n := range g.yTilde {
		var next [][]int
		for _, prefix := range out {
			for t := range n {
				next = append(next, append(append([]int(nil), prefix...), t))
			}
		}
		out = next
	}
	return out
}

type gemmViewSet struct{ a, b, e tensordesc.Descriptor }

// views builds the GEMM of one phase: A = DOut [YDot...*K, N*HTilde...],
// B = Wei [YDot...*K, C] and E = DIn [N*HTilde..., C]. ok is false when the
// phase has no filter taps or no output rows.
func (g tildeGeometry) views(phase []int, dout, wei, din convTensor) (v gemmViewSet, ok bool, err error) {
	p := g.p
	nd := p.NumSpatialDims
	dotSlice := make([]int, nd)
	for i := range nd {
		dotSlice[i] = ceilDiv(p.FilterLengths[i]-phase[i], g.yTilde[i])
		if dotSlice[i] <= 0 || g.hEnd[i] <= g.hBegin[i] {
			return v, false, nil
		}
	}
	if v.a, err = g.outView(dotSlice, dout); err != nil {
		return v, false, errors.WithMessage(err, "output gradient")
	}
	if v.b, err = g.weightView(phase, dotSlice, wei); err != nil {
		return v, false, errors.WithMessage(err, "weight")
	}
	if v.e, err = g.inView(phase, din); err != nil {
		return v, false, errors.WithMessage(err, "input gradient")
	}
	return v, true, nil
}

// outView reads DOut at ho = htilde - ydot*dilation/gcd; out of range rows
// fall into a zero-width pad and read zero.
func (g tildeGeometry) outView(dotSlice []int, dout convTensor) (tensordesc.Descriptor, error) {
	p := g.p
	nd := p.NumSpatialDims
	head := func() ([]tensordesc.Transform, [][]int) {
		return []tensordesc.Transform{tensordesc.MakePassThrough(p.N), tensordesc.MakePassThrough(p.K)}, [][]int{{0}, {1}}
	}

	ts, dims := head()
	for i := range nd {
		ts = append(ts, tensordesc.MakePad(g.ho[i], 0, 0))
		dims = append(dims, []int{2 + i})
	}
	d, err := tensordesc.TransformDescriptor(dout.group(), ts, dims, dims)
	if err != nil {
		return d, err
	}

	ts, split := head()
	for i := range nd {
		ts = append(ts, tensordesc.MakeEmbed([]int{g.yDot[i], g.hTilde[i]}, []int{-g.dotStep[i], 1}))
		split = append(split, []int{2 + 2*i, 3 + 2*i})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, dims, split); err != nil {
		return d, err
	}

	ts, flat := head()
	for i := range nd {
		ts = append(ts,
			tensordesc.MakeSlice(g.yDot[i], 0, dotSlice[i]),
			tensordesc.MakeSlice(g.hTilde[i], g.hBegin[i], g.hEnd[i]))
		flat = append(flat, []int{2 + 2*i}, []int{3 + 2*i})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, flat, flat); err != nil {
		return d, err
	}

	kDims, kLens := []int{}, []int{}
	mDims, mLens := []int{0}, []int{p.N}
	for i := range nd {
		kDims, kLens = append(kDims, 2+2*i), append(kLens, dotSlice[i])
		mDims, mLens = append(mDims, 3+2*i), append(mLens, g.hEnd[i]-g.hBegin[i])
	}
	kDims, kLens = append(kDims, 1), append(kLens, p.K)
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakeMerge(kLens...), tensordesc.MakeMerge(mLens...)},
		[][]int{kDims, mDims}, [][]int{{0}, {1}})
}

// weightView reads taps y = ydot*YTilde + phase of the per-group weights.
func (g tildeGeometry) weightView(phase, dotSlice []int, wei convTensor) (tensordesc.Descriptor, error) {
	p := g.p
	nd := p.NumSpatialDims
	ts := []tensordesc.Transform{tensordesc.MakePassThrough(p.K), tensordesc.MakePassThrough(p.C)}
	old, split := [][]int{{0}, {1}}, [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeEmbed([]int{g.yDot[i], g.yTilde[i]}, []int{g.yTilde[i], 1}))
		old = append(old, []int{2 + i})
		split = append(split, []int{2 + 2*i, 3 + 2*i})
	}
	d, err := tensordesc.TransformDescriptor(wei.group(), ts, old, split)
	if err != nil {
		return d, err
	}

	ts = ts[:2]
	old, picked := [][]int{{0}, {1}}, [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeSlice(g.yDot[i], 0, dotSlice[i]), tensordesc.MakeFreeze(phase[i]))
		old = append(old, []int{2 + 2*i}, []int{3 + 2*i})
		picked = append(picked, []int{2 + i}, []int{})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, old, picked); err != nil {
		return d, err
	}

	kLens := append(append([]int(nil), dotSlice...), p.K)
	kDims := append(seq(2, nd), 0)
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakeMerge(kLens...), tensordesc.MakePassThrough(p.C)},
		[][]int{kDims, {1}}, [][]int{{0}, {1}})
}

// inView writes hi = t*dilation + htilde*stride - leftPad; pad positions are
// skipped.
func (g tildeGeometry) inView(phase []int, din convTensor) (tensordesc.Descriptor, error) {
	p := g.p
	nd := p.NumSpatialDims
	ts := []tensordesc.Transform{tensordesc.MakePassThrough(p.N), tensordesc.MakePassThrough(p.C)}
	dims := [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakePad(p.InputLengths[i], p.LeftPads[i], p.RightPads[i]))
		dims = append(dims, []int{2 + i})
	}
	d, err := tensordesc.TransformDescriptor(din.group(), ts, dims, dims)
	if err != nil {
		return d, err
	}

	ts = ts[:2]
	split := [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeEmbed([]int{g.yTilde[i], g.hTilde[i]}, []int{p.Dilations[i], p.Strides[i]}))
		split = append(split, []int{2 + 2*i, 3 + 2*i})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, dims, split); err != nil {
		return d, err
	}

	ts = ts[:2]
	old, picked := [][]int{{0}, {1}}, [][]int{{0}, {1}}
	for i := range nd {
		ts = append(ts, tensordesc.MakeFreeze(phase[i]), tensordesc.MakeSlice(g.hTilde[i], g.hBegin[i], g.hEnd[i]))
		old = append(old, []int{2 + 2*i}, []int{3 + 2*i})
		picked = append(picked, []int{}, []int{2 + i})
	}
	if d, err = tensordesc.TransformDescriptor(d, ts, old, picked); err != nil {
		return d, err
	}

	mLens := []int{p.N}
	for i := range nd {
		mLens = append(mLens, g.hEnd[i]-g.hBegin[i])
	}
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakeMerge(mLens...), tensordesc.MakePassThrough(p.C)},
		[][]int{append([]int{0}, seq(2, nd)...), {1}}, [][]int{{0}, {1}})
}
