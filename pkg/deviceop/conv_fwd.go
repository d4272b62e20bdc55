package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// ConvFwdProblem is a grouped N-D forward convolution
// Out = OutOp(conv(InOp(In), WeiOp(Wei)), Ds...). Strides are given in
// G, N, C, spatial order for every tensor; nil strides select the
// channels-last layout. Ds share the output lengths.
type ConvFwdProblem[AB, E dtype.Storage] struct {
	Params convparam.Params

	In, Wei []AB
	Out     []E
	Ds      [][]E

	InStrides  []int
	WeiStrides []int
	OutStrides []int
	DsStrides  [][]int

	InOp, WeiOp elementwise.Unary
	OutOp       elementwise.MultiD
}

// GroupedConvFwd runs a forward convolution as one batched implicit GEMM
// with a batch per group: M = N*Ho..., N = K, K = C*Y...
type GroupedConvFwd[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
	spec ConvSpecialization
}

func NewGroupedConvFwd[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst ConvInstance) *GroupedConvFwd[AB, Acc, E] {
	return &GroupedConvFwd[AB, Acc, E]{
		core: newGemmCore[AB, Acc, E]("GroupedConvFwd_Xdl", inst.Gemm, transfer.Set),
		spec: inst.ConvSpec,
	}
}

func (c *GroupedConvFwd[AB, Acc, E]) Name() string {
	if c.core.inst.Name != "" {
		return c.core.inst.Name
	}
	return c.core.name() + "_" + c.spec.String()
}

func (c *GroupedConvFwd[AB, Acc, E]) TypeString() string {
	return fmt.Sprintf("%s<%s>", c.core.typeString(), c.spec)
}

func (c *GroupedConvFwd[AB, Acc, E]) MakeArgument(p ConvFwdProblem[AB, E]) Argument {
	arg := &ConvArgument[AB, E]{argBase: argBase{owner: c}, params: p.Params}
	arg.err = c.resolve(arg, p)
	return arg
}

func (c *GroupedConvFwd[AB, Acc, E]) resolve(arg *ConvArgument[AB, E], p ConvFwdProblem[AB, E]) error {
	cp := p.Params
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := checkConvSpec(c.spec, cp); err != nil {
		return err
	}
	if err := arg.tensors(p.InStrides, p.WeiStrides, p.OutStrides); err != nil {
		return err
	}
	if p.DsStrides != nil && len(p.DsStrides) != len(p.Ds) {
		return errors.Wrapf(ErrUnsupported, "%d D strides for %d D operands", len(p.DsStrides), len(p.Ds))
	}
	ds := make([]convTensor, len(p.Ds))
	for i := range ds {
		var strides []int
		if p.DsStrides != nil {
			strides = p.DsStrides[i]
		}
		var err error
		if ds[i], err = newConvTensor(cp.OutputGNK(), strides); err != nil {
			return errors.WithMessagef(err, "D%d", i)
		}
	}

	var av, bv, ev tensordesc.Descriptor
	var err error
	dvs := make([]tensordesc.Descriptor, len(ds))
	if c.spec == ConvFilter1x1Stride1Pad0 {
		av, bv, ev, err = c.gemmViews(arg)
		for i := range ds {
			if err == nil {
				dvs[i], err = matrix(ds[i], rowsOf(cp.NumSpatialDims), dimC)
			}
		}
	} else {
		av, bv, ev, err = c.convViews(arg)
		for i := range ds {
			if err == nil {
				dvs[i], err = outputView(cp, ds[i])
			}
		}
	}
	if err != nil {
		return err
	}

	batch := gemmBatch{
		count: cp.G,
		a:     arg.in.groupStride(),
		b:     arg.wei.groupStride(),
		e:     arg.out.groupStride(),
		ds:    make([]int, len(ds)),
	}
	for i, d := range ds {
		batch.ds[i] = d.groupStride()
	}
	l, err := c.core.bind(p.In, p.Wei, p.Out, p.Ds, av, bv, ev, dvs, 1, batch, p.InOp, p.WeiOp, p.OutOp)
	if err != nil {
		return err
	}
	arg.launches = []*gemmLaunch[AB, E]{l}
	return nil
}

// gemmViews are the plain matrix views of a 1x1, stride 1, unpadded
// convolution: In [N*Hi..., C], Wei [C, K] and Out [N*Ho..., K].
func (c *GroupedConvFwd[AB, Acc, E]) gemmViews(arg *ConvArgument[AB, E]) (av, bv, ev tensordesc.Descriptor, err error) {
	rows := rowsOf(arg.params.NumSpatialDims)
	in, err := matrix(arg.in, rows, dimC)
	if err != nil {
		return av, bv, ev, errors.WithMessage(err, "input")
	}
	if ev, err = matrix(arg.out, rows, dimC); err != nil {
		return av, bv, ev, errors.WithMessage(err, "output")
	}
	w := arg.wei
	bv = tensordesc.MakeNaive([]int{w.lengths[dimC], w.lengths[dimN]}, []int{w.strides[dimC], w.strides[dimN]})
	return gridwise.Transpose2D(in), bv, ev, nil
}

func (c *GroupedConvFwd[AB, Acc, E]) convViews(arg *ConvArgument[AB, E]) (av, bv, ev tensordesc.Descriptor, err error) {
	cp := arg.params
	if c.spec == ConvFilter1x1Pad0 {
		av, err = strided1x1(cp, arg.in)
	} else {
		av, err = im2col(cp, arg.in)
	}
	if err != nil {
		return av, bv, ev, errors.WithMessage(err, "input")
	}
	if bv, err = filterView(cp, arg.wei); err != nil {
		return av, bv, ev, errors.WithMessage(err, "weight")
	}
	if ev, err = outputView(cp, arg.out); err != nil {
		return av, bv, ev, errors.WithMessage(err, "output")
	}
	return av, bv, ev, nil
}

func (c *GroupedConvFwd[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, c.Name(), func() error {
		a, err := convArg[AB, E](c, arg)
		if err != nil {
			return err
		}
		plain := c.spec == ConvFilter1x1Stride1Pad0
		if !plain {
			// GEMM K runs over channels, GEMM N over output channels.
			if err := checkConvVectors(c.core.tile, a.in, "input", dimC, -1, a.wei, "weight", dimC, dimN); err != nil {
				return err
			}
		}
		return c.core.check(dev, a.launches[0], plain)
	})
}

func (c *GroupedConvFwd[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := c.IsSupportedArgument(dev, arg)
	return timedRun(dev, sc, c.Name(), ok, func(s *gpu.Stream) error {
		a, _ := convArg[AB, E](c, arg)
		return runLaunches(ctx, dev, s, c.core, a.launches)
	})
}
