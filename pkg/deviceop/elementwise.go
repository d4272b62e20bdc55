package deviceop

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// ElementwiseInstance is one tuned element-wise kernel.
type ElementwiseInstance struct {
	Name string                     `yaml:"name" json:"name"`
	Tile gridwise.ElementwiseConfig `yaml:"tile" json:"tile"`
}

type ElementwiseArgument[In, Out dtype.Storage] struct {
	argBase
	grid gridwise.ElementwiseArgs[In, Out]
}

// elementwiseOp is shared by the operators built on the gridwise element-wise
// kernel.
type elementwiseOp[In, Out dtype.Storage] struct {
	inst ElementwiseInstance
	kind string
}

func (e *elementwiseOp[In, Out]) name() string {
	if e.inst.Name != "" {
		return e.inst.Name
	}
	return e.kind + "_" + e.inst.Tile.String()
}

func (e *elementwiseOp[In, Out]) typeString() string {
	return fmt.Sprintf("Device%s<%s,%s, %s>", e.kind, dtype.Of[In](), dtype.Of[Out](), e.inst.Tile)
}

func (e *elementwiseOp[In, Out]) arg(owner any, arg Argument) (*ElementwiseArgument[In, Out], error) {
	a, ok := arg.(*ElementwiseArgument[In, Out])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(owner)
}

func (e *elementwiseOp[In, Out]) supported(dev *gpu.Device, owner any, arg Argument) bool {
	return checkSupport(dev, e.name(), func() error {
		a, err := e.arg(owner, arg)
		if err != nil {
			return err
		}
		for i, d := range a.grid.InDescs {
			if err := checkSpace(fmt.Sprintf("input %d", i), len(a.grid.Ins[i]), d, 0); err != nil {
				return err
			}
		}
		if err := checkSpace("output", len(a.grid.Out), a.grid.OutDesc, 0); err != nil {
			return err
		}
		k, err := gridwise.NewElementwise[In, Out](e.inst.Tile, dev)
		if err != nil {
			return err
		}
		return k.CheckValidity(&a.grid)
	})
}

func (e *elementwiseOp[In, Out]) run(ctx context.Context, dev *gpu.Device, owner any, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := e.supported(dev, owner, arg)
	return timedRun(dev, sc, e.name(), ok, func(s *gpu.Stream) error {
		a, _ := e.arg(owner, arg)
		k, err := gridwise.NewElementwise[In, Out](e.inst.Tile, dev)
		if err != nil {
			return err
		}
		_, err = k.Run(ctx, s, &a.grid)
		return err
	})
}

// PermuteProblem copies In to Out through Op. Both tensors share the logical
// lengths; the permutation lives in their strides.
type PermuteProblem[In, Out dtype.Storage] struct {
	Lengths    []int
	InStrides  []int
	OutStrides []int

	In  []In
	Out []Out
	Op  elementwise.Unary
}

type Permute[In, Out dtype.Storage] struct {
	elementwiseOp[In, Out]
}

func NewPermute[In, Out dtype.Storage](inst ElementwiseInstance) *Permute[In, Out] {
	return &Permute[In, Out]{elementwiseOp[In, Out]{inst: inst, kind: "Permute"}}
}

func (p *Permute[In, Out]) Name() string       { return p.name() }
func (p *Permute[In, Out]) TypeString() string { return p.typeString() }

func (p *Permute[In, Out]) MakeArgument(pr PermuteProblem[In, Out]) Argument {
	arg := &ElementwiseArgument[In, Out]{argBase: argBase{owner: p}}
	in, err := stridesOr(pr.InStrides, pr.Lengths)
	if err != nil {
		arg.err = errors.WithMessage(err, "input")
		return arg
	}
	out, err := stridesOr(pr.OutStrides, pr.Lengths)
	if err != nil {
		arg.err = errors.WithMessage(err, "output")
		return arg
	}
	op := pr.Op
	if op == nil {
		op = elementwise.PassThrough{}
	}
	arg.grid = gridwise.ElementwiseArgs[In, Out]{
		Ins:     [][]In{pr.In},
		InDescs: []tensordesc.Descriptor{tensordesc.MakeNaive(pr.Lengths, in)},
		Out:     pr.Out,
		OutDesc: tensordesc.MakeNaive(pr.Lengths, out),
		Op:      elementwise.NoD{Op: elementwise.PassThrough{}},
		PostOp:  op,
		Lengths: pr.Lengths,
	}
	return arg
}

func (p *Permute[In, Out]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return p.supported(dev, p, arg)
}

func (p *Permute[In, Out]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	return p.run(ctx, dev, p, arg, sc)
}

// BatchNormInferProblem normalizes X with per-channel statistics:
// Y = Scale * (X - Mean) / sqrt(Variance + Epsilon) + Bias. The channel is
// the innermost dim of Lengths (NHWC); the statistics hold one packed value
// per channel.
type BatchNormInferProblem[T dtype.Storage] struct {
	Lengths  []int
	XStrides []int
	YStrides []int

	X, Y                        []T
	Scale, Bias, Mean, Variance []T
	Epsilon                     float64
}

type BatchNormInfer[T dtype.Storage] struct {
	elementwiseOp[T, T]
}

func NewBatchNormInfer[T dtype.Storage](inst ElementwiseInstance) *BatchNormInfer[T] {
	return &BatchNormInfer[T]{elementwiseOp[T, T]{inst: inst, kind: "BatchNormInfer"}}
}

func (b *BatchNormInfer[T]) Name() string       { return b.name() }
func (b *BatchNormInfer[T]) TypeString() string { return b.typeString() }

func (b *BatchNormInfer[T]) MakeArgument(p BatchNormInferProblem[T]) Argument {
	arg := &ElementwiseArgument[T, T]{argBase: argBase{owner: b}}
	if len(p.Lengths) == 0 {
		arg.err = errors.Wrap(ErrUnsupported, "batch norm of a scalar")
		return arg
	}
	x, err := stridesOr(p.XStrides, p.Lengths)
	if err != nil {
		arg.err = errors.WithMessage(err, "x")
		return arg
	}
	y, err := stridesOr(p.YStrides, p.Lengths)
	if err != nil {
		arg.err = errors.WithMessage(err, "y")
		return arg
	}
	// statistics broadcast over every dim but the channel
	stat := make([]int, len(p.Lengths))
	stat[len(stat)-1] = 1
	statDesc := tensordesc.MakeNaive(p.Lengths, stat)
	arg.grid = gridwise.ElementwiseArgs[T, T]{
		Ins:     [][]T{p.X, p.Mean, p.Variance, p.Scale, p.Bias},
		InDescs: []tensordesc.Descriptor{tensordesc.MakeNaive(p.Lengths, x), statDesc, statDesc, statDesc, statDesc},
		Out:     p.Y,
		OutDesc: tensordesc.MakeNaive(p.Lengths, y),
		Op:      elementwise.NormalizeInfer{Epsilon: p.Epsilon},
		Lengths: p.Lengths,
	}
	return arg
}

func (b *BatchNormInfer[T]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return b.supported(dev, b, arg)
}

func (b *BatchNormInfer[T]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	return b.run(ctx, dev, b, arg, sc)
}
