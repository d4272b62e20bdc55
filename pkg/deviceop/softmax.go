package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
)

// SoftmaxProblem is Out = Alpha * softmax(In) + Beta * Out over ReduceDims of
// an N-D tensor. Nil strides are packed row-major.
type SoftmaxProblem[In, Out dtype.Storage] struct {
	Lengths    []int
	InStrides  []int
	OutStrides []int
	ReduceDims []int

	In  []In
	Out []Out

	Alpha, Beta float64
}

type SoftmaxArgument[In, Out dtype.Storage] struct {
	argBase
	layout     reductionLayout
	inStrides  []int
	outStrides []int
	grid       gridwise.SoftmaxArgs[In, Out]
}

// Softmax normalizes every row of invariant dims over the reduced dims.
type Softmax[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	inst ReductionInstance
}

func NewSoftmax[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](inst ReductionInstance) *Softmax[In, Acc, Out] {
	return &Softmax[In, Acc, Out]{inst: inst}
}

func (s *Softmax[In, Acc, Out]) Name() string {
	if s.inst.Name != "" {
		return s.inst.Name
	}
	return fmt.Sprintf("Softmax_r%d_k%d_%s", s.inst.Rank, s.inst.NumReduceDims, s.inst.Tile)
}

func (s *Softmax[In, Acc, Out]) TypeString() string {
	return fmt.Sprintf("DeviceSoftmax<%s,%s,%s, rank %d, reduce %d, %s>",
		dtype.Of[In](), dtype.Of[Acc](), dtype.Of[Out](), s.inst.Rank, s.inst.NumReduceDims, s.inst.Tile)
}

func (s *Softmax[In, Acc, Out]) Instance() ReductionInstance { return s.inst }

func (s *Softmax[In, Acc, Out]) MakeArgument(p SoftmaxProblem[In, Out]) Argument {
	arg := &SoftmaxArgument[In, Out]{argBase: argBase{owner: s}}
	arg.err = s.resolve(arg, p)
	return arg
}

func (s *Softmax[In, Acc, Out]) resolve(arg *SoftmaxArgument[In, Out], p SoftmaxProblem[In, Out]) error {
	var err error
	if arg.layout, err = newReductionLayout(p.Lengths, p.ReduceDims); err != nil {
		return err
	}
	if err := s.inst.checkShape(len(p.Lengths), len(p.ReduceDims)); err != nil {
		return err
	}
	if arg.inStrides, err = stridesOr(p.InStrides, p.Lengths); err != nil {
		return errors.WithMessage(err, "input")
	}
	if arg.outStrides, err = stridesOr(p.OutStrides, p.Lengths); err != nil {
		return errors.WithMessage(err, "output")
	}
	t := s.inst.Tile
	in, err := arg.layout.view(arg.inStrides, t.MPerBlock(), t.KPerBlock())
	if err != nil {
		return errors.WithMessage(err, "input view")
	}
	out, err := arg.layout.view(arg.outStrides, t.MPerBlock(), t.KPerBlock())
	if err != nil {
		return errors.WithMessage(err, "output view")
	}
	arg.grid = gridwise.SoftmaxArgs[In, Out]{
		In:      p.In,
		Out:     p.Out,
		InDesc:  in,
		OutDesc: out,
		M:       arg.layout.m,
		K:       arg.layout.k,
		Alpha:   p.Alpha,
		Beta:    p.Beta,
	}
	return nil
}

func (s *Softmax[In, Acc, Out]) arg(arg Argument) (*SoftmaxArgument[In, Out], error) {
	a, ok := arg.(*SoftmaxArgument[In, Out])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(s)
}

func (s *Softmax[In, Acc, Out]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, s.Name(), func() error {
		a, err := s.arg(arg)
		if err != nil {
			return err
		}
		t, l := s.inst.Tile, a.layout
		inDims := l.invariant
		if t.InSrcVectorDim == 1 {
			inDims = l.reduced
		}
		if err := checkStridedVector("input", l.lengths, a.inStrides, inDims, t.InSrcVectorSize); err != nil {
			return err
		}
		if err := checkStridedVector("output", l.lengths, a.outStrides, l.reduced, t.OutDstVectorSize); err != nil {
			return err
		}
		if err := checkSpace("input", len(a.grid.In), a.grid.InDesc, 0); err != nil {
			return err
		}
		if err := checkSpace("output", len(a.grid.Out), a.grid.OutDesc, 0); err != nil {
			return err
		}
		k, err := gridwise.NewSoftmax[In, Acc, Out](t, dev)
		if err != nil {
			return err
		}
		return k.CheckValidity(&a.grid)
	})
}

func (s *Softmax[In, Acc, Out]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := s.IsSupportedArgument(dev, arg)
	return timedRun(dev, sc, s.Name(), ok, func(st *gpu.Stream) error {
		a, _ := s.arg(arg)
		k, err := gridwise.NewSoftmax[In, Acc, Out](s.inst.Tile, dev)
		if err != nil {
			return err
		}
		_, err = k.Run(ctx, st, &a.grid)
		return err
	})
}
