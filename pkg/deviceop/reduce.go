package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
)

// ReduceProblem is Out = Alpha * Op(InOp(In)) + Beta * Out over ReduceDims.
// Out holds the invariant dims in order, or a single element when every dim
// is reduced. Nil strides are packed row-major.
type ReduceProblem[In, Out dtype.Storage] struct {
	Lengths    []int
	InStrides  []int
	OutStrides []int
	ReduceDims []int

	In  []In
	Out []Out

	Op          elementwise.ReduceOp
	InOp        elementwise.Unary
	Alpha, Beta float64
}

type ReduceArgument[In, Out dtype.Storage] struct {
	argBase
	layout     reductionLayout
	inStrides  []int
	outLengths []int
	outStrides []int
	grid       gridwise.ReduceArgs[In, Out]
}

// Reduce runs one block per row tile, or BlocksPerRow blocks per row tile
// whose partials are atomically added into a zeroed output.
type Reduce[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	inst ReductionInstance
}

func NewReduce[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](inst ReductionInstance) *Reduce[In, Acc, Out] {
	inst.BlocksPerRow = max(inst.BlocksPerRow, 1)
	return &Reduce[In, Acc, Out]{inst: inst}
}

func (r *Reduce[In, Acc, Out]) Name() string {
	if r.inst.Name != "" {
		return r.inst.Name
	}
	return fmt.Sprintf("Reduce_r%d_k%d_b%d_%s", r.inst.Rank, r.inst.NumReduceDims, r.inst.BlocksPerRow, r.inst.Tile)
}

func (r *Reduce[In, Acc, Out]) TypeString() string {
	return fmt.Sprintf("DeviceReduce<%s,%s,%s, rank %d, reduce %d, blocks %d, %s>",
		dtype.Of[In](), dtype.Of[Acc](), dtype.Of[Out](), r.inst.Rank, r.inst.NumReduceDims, r.inst.BlocksPerRow, r.inst.Tile)
}

func (r *Reduce[In, Acc, Out]) Instance() ReductionInstance { return r.inst }

func (r *Reduce[In, Acc, Out]) MakeArgument(p ReduceProblem[In, Out]) Argument {
	arg := &ReduceArgument[In, Out]{argBase: argBase{owner: r}}
	arg.err = r.resolve(arg, p)
	return arg
}

func (r *Reduce[In, Acc, Out]) resolve(arg *ReduceArgument[In, Out], p ReduceProblem[In, Out]) error {
	var err error
	if arg.layout, err = newReductionLayout(p.Lengths, p.ReduceDims); err != nil {
		return err
	}
	if err := r.inst.checkShape(len(p.Lengths), len(p.ReduceDims)); err != nil {
		return err
	}
	if arg.inStrides, err = stridesOr(p.InStrides, p.Lengths); err != nil {
		return errors.WithMessage(err, "input")
	}
	arg.outLengths = arg.layout.lengthsOf(arg.layout.invariant)
	if len(arg.outLengths) == 0 {
		arg.outLengths = []int{1}
	}
	if arg.outStrides, err = stridesOr(p.OutStrides, arg.outLengths); err != nil {
		return errors.WithMessage(err, "output")
	}
	t := r.inst.Tile
	in, err := arg.layout.view(arg.inStrides, t.MPerBlock(), t.KPerBlock())
	if err != nil {
		return errors.WithMessage(err, "input view")
	}
	out, err := arg.layout.rowView(arg.outStrides, t.MPerBlock())
	if err != nil {
		return errors.WithMessage(err, "output view")
	}
	inOp := p.InOp
	if inOp == nil {
		inOp = elementwise.PassThrough{}
	}
	arg.grid = gridwise.ReduceArgs[In, Out]{
		In:           p.In,
		Out:          p.Out,
		InDesc:       in,
		OutDesc:      out,
		M:            arg.layout.m,
		K:            arg.layout.k,
		Op:           p.Op,
		InOp:         inOp,
		Alpha:        p.Alpha,
		Beta:         p.Beta,
		BlocksPerRow: r.inst.BlocksPerRow,
	}
	return nil
}

func (r *Reduce[In, Acc, Out]) arg(arg Argument) (*ReduceArgument[In, Out], error) {
	a, ok := arg.(*ReduceArgument[In, Out])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(r)
}

func (r *Reduce[In, Acc, Out]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, r.Name(), func() error {
		a, err := r.arg(arg)
		if err != nil {
			return err
		}
		t, l := r.inst.Tile, a.layout
		inDims := l.invariant
		if t.InSrcVectorDim == 1 {
			inDims = l.reduced
		}
		if err := checkStridedVector("input", l.lengths, a.inStrides, inDims, t.InSrcVectorSize); err != nil {
			return err
		}
		if err := checkStridedVector("output", a.outLengths, a.outStrides, seq(0, len(a.outLengths)), t.OutDstVectorSize); err != nil {
			return err
		}
		if err := checkSpace("input", len(a.grid.In), a.grid.InDesc, 0); err != nil {
			return err
		}
		if err := checkSpace("output", len(a.grid.Out), a.grid.OutDesc, 0); err != nil {
			return err
		}
		k, err := gridwise.NewReduce[In, Acc, Out](t, dev)
		if err != nil {
			return err
		}
		return k.CheckValidity(&a.grid)
	})
}

func (r *Reduce[In, Acc, Out]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := r.IsSupportedArgument(dev, arg)
	if ok && r.inst.BlocksPerRow > 1 {
		a, _ := r.arg(arg)
		sc = withPreprocess(sc, func() { zeroStrided(a.grid.Out, a.outLengths, a.outStrides) })
	}
	return timedRun(dev, sc, r.Name(), ok, func(st *gpu.Stream) error {
		a, _ := r.arg(arg)
		k, err := gridwise.NewReduce[In, Acc, Out](r.inst.Tile, dev)
		if err != nil {
			return err
		}
		_, err = k.Run(ctx, st, &a.grid)
		return err
	})
}
