package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// DefaultBwdWeightKBatch is the K split used when a problem leaves KBatch
// unset.
const DefaultBwdWeightKBatch = 4

// ConvBwdWeightProblem computes the weight gradient DWei of a grouped
// convolution from the input and the output gradient. Strides follow
// ConvFwdProblem.
type ConvBwdWeightProblem[AB, E dtype.Storage] struct {
	Params convparam.Params

	In   []AB
	DWei []E
	DOut []AB

	InStrides  []int
	WeiStrides []int
	OutStrides []int

	KBatch int
}

// ConvBwdWeight is the GEMM DWei[K, Y...*C] = DOut^T * im2col(In) reduced
// over N*Ho... and split across KBatch blocks that atomically add into DWei.
type ConvBwdWeight[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
	spec ConvSpecialization
}

func NewConvBwdWeight[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst ConvInstance) *ConvBwdWeight[AB, Acc, E] {
	return &ConvBwdWeight[AB, Acc, E]{
		core: newGemmCore[AB, Acc, E]("ConvBwdWeight_Xdl", inst.Gemm, transfer.AtomicAdd),
		spec: inst.ConvSpec,
	}
}

func (c *ConvBwdWeight[AB, Acc, E]) Name() string {
	if c.core.inst.Name != "" {
		return c.core.inst.Name
	}
	return c.core.name() + "_" + c.spec.String()
}

func (c *ConvBwdWeight[AB, Acc, E]) TypeString() string {
	return fmt.Sprintf("%s<%s>", c.core.typeString(), c.spec)
}

func (c *ConvBwdWeight[AB, Acc, E]) MakeArgument(p ConvBwdWeightProblem[AB, E]) Argument {
	arg := &ConvArgument[AB, E]{argBase: argBase{owner: c}, params: p.Params}
	arg.err = c.resolve(arg, p)
	return arg
}

func (c *ConvBwdWeight[AB, Acc, E]) resolve(arg *ConvArgument[AB, E], p ConvBwdWeightProblem[AB, E]) error {
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
	kBatch := p.KBatch
	if kBatch <= 0 {
		kBatch = DefaultBwdWeightKBatch
	}

	dout, err := outputView(cp, arg.out)
	if err != nil {
		return errors.WithMessage(err, "output gradient")
	}
	cols, err := im2col(cp, arg.in)
	if err != nil {
		return errors.WithMessage(err, "input")
	}
	dwei, err := filterView(cp, arg.wei)
	if err != nil {
		return errors.WithMessage(err, "weight gradient")
	}
	batch := gemmBatch{
		count: cp.G,
		a:     arg.out.groupStride(),
		b:     arg.in.groupStride(),
		e:     arg.wei.groupStride(),
	}
	// A = DOut [N*Ho..., K], B = im2col [N*Ho..., Y...*C], E = DWei [K, Y...*C].
	l, err := c.core.bind(p.DOut, p.In, p.DWei, nil,
		dout, gridwise.Transpose2D(cols), gridwise.Transpose2D(dwei), nil,
		kBatch, batch, nil, nil, nil)
	if err != nil {
		return err
	}
	arg.launches = []*gemmLaunch[AB, E]{l}
	wei := arg.wei
	arg.zero = func() { zeroStrided(p.DWei, wei.lengths, wei.strides) }
	return nil
}

func (c *ConvBwdWeight[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, c.Name(), func() error {
		a, err := convArg[AB, E](c, arg)
		if err != nil {
			return err
		}
		if !gpu.SupportsAtomicAdd(dtype.Of[E]()) {
			return errors.Wrapf(ErrUnsupported, "no atomic add for %s weights", dtype.Of[E]())
		}
		// GEMM M runs over output channels, GEMM N over input channels; the
		// reduction dim N*Ho... has no contiguous run.
		if err := checkConvVectors(c.core.tile, a.out, "output gradient", -1, dimC, a.in, "input", -1, dimC); err != nil {
			return err
		}
		return c.core.check(dev, a.launches[0], false)
	})
}

func (c *ConvBwdWeight[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
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
