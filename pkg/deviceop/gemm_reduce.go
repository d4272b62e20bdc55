package deviceop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// GemmReduceInstance pairs a GEMM variant with the row reduction run over its
// output.
type GemmReduceInstance struct {
	Gemm         GemmInstance             `yaml:"gemm" json:"gemm"`
	Reduce       gridwise.ReductionConfig `yaml:"reduce" json:"reduce"`
	BlocksPerRow int                      `yaml:"blocks_per_row" json:"blocks_per_row"`
}

// GemmReduceProblem computes E = CDE(A*B, Bias, D0) and the per-row
// statistics R0 = mean(E) and R1 = mean(E*E) over N. Bias has N elements
// and is broadcast to every row. CDE defaults to c + bias + d0.
type GemmReduceProblem[AB, E, R dtype.Storage] struct {
	A, B     []AB
	E        []E
	Bias     []E
	D0       []E
	R0, R1   []R
	M, N, K  int
	StrideA  int
	StrideB  int
	StrideE  int
	StrideD0 int

	AOp, BOp elementwise.Unary
	CDEOp    elementwise.MultiD
}

type GemmReduceArgument[AB, E, R dtype.Storage] struct {
	argBase
	gemm    *gemmLaunch[AB, E]
	reduces [2]gridwise.ReduceArgs[E, R]
	m       int
}

// GemmBiasAddReduce is a GEMM with a bias-and-residual epilogue followed by
// mean and mean-square row reductions of its output.
type GemmBiasAddReduce[AB dtype.Storage, Acc dtype.Accumulator, E, R dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
	inst GemmReduceInstance
}

func NewGemmBiasAddReduce[AB dtype.Storage, Acc dtype.Accumulator, E, R dtype.Storage](inst GemmReduceInstance) *GemmBiasAddReduce[AB, Acc, E, R] {
	inst.BlocksPerRow = max(inst.BlocksPerRow, 1)
	return &GemmBiasAddReduce[AB, Acc, E, R]{
		core: newGemmCore[AB, Acc, E]("GemmBiasAddReduce_Xdl", inst.Gemm, transfer.Set),
		inst: inst,
	}
}

func (g *GemmBiasAddReduce[AB, Acc, E, R]) Name() string { return g.core.name() }

func (g *GemmBiasAddReduce[AB, Acc, E, R]) TypeString() string {
	return g.core.typeString() + "_reduce<" + dtype.Of[R]().String() + ">_" + g.inst.Reduce.String()
}

func (g *GemmBiasAddReduce[AB, Acc, E, R]) MakeArgument(p GemmReduceProblem[AB, E, R]) Argument {
	arg := &GemmReduceArgument[AB, E, R]{argBase: argBase{owner: g}, m: p.M}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		arg.err = errors.Wrapf(ErrUnsupported, "GEMM %dx%dx%d", p.M, p.N, p.K)
		return arg
	}
	cde := p.CDEOp
	if cde == nil {
		cde = elementwise.AddAdd{}
	}
	arg.gemm, arg.err = g.core.bind(p.A, p.B, p.E, [][]E{p.Bias, p.D0},
		aView(p.M, p.K, p.StrideA, g.core.inst.LayoutA),
		bView(p.K, p.N, p.StrideB, g.core.inst.LayoutB),
		eView(p.M, p.N, p.StrideE),
		[]tensordesc.Descriptor{eView(p.M, p.N, 0), eView(p.M, p.N, p.StrideD0)},
		1, gemmBatch{}, p.AOp, p.BOp, cde)
	if arg.err != nil {
		return arg
	}

	rc := g.inst.Reduce
	in, err := gridwise.PadToTiles(eView(p.M, p.N, p.StrideE), rc.MPerBlock(), rc.KPerBlock())
	if err != nil {
		arg.err = err
		return arg
	}
	out := paddedVector(p.M, rc.MPerBlock())
	for i, rd := range []struct {
		out  []R
		inOp elementwise.Unary
	}{{p.R0, elementwise.PassThrough{}}, {p.R1, elementwise.UnarySquare{}}} {
		arg.reduces[i] = gridwise.ReduceArgs[E, R]{
			In:           p.E,
			Out:          rd.out,
			InDesc:       in,
			OutDesc:      out,
			M:            p.M,
			K:            p.N,
			Op:           elementwise.ReduceAvg,
			InOp:         rd.inOp,
			Alpha:        1,
			BlocksPerRow: g.inst.BlocksPerRow,
		}
	}
	return arg
}

func (g *GemmBiasAddReduce[AB, Acc, E, R]) arg(arg Argument) (*GemmReduceArgument[AB, E, R], error) {
	a, ok := arg.(*GemmReduceArgument[AB, E, R])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(g)
}

func (g *GemmBiasAddReduce[AB, Acc, E, R]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, g.Name(), func() error {
		a, err := g.arg(arg)
		if err != nil {
			return err
		}
		if err := g.core.check(dev, a.gemm, true); err != nil {
			return err
		}
		red, err := gridwise.NewReduce[E, Acc, R](g.inst.Reduce, dev)
		if err != nil {
			return err
		}
		for i := range a.reduces {
			if len(a.reduces[i].Out) < a.m {
				return errors.Wrapf(ErrUnsupported, "R%d holds %d of %d rows", i, len(a.reduces[i].Out), a.m)
			}
			if err := red.CheckValidity(&a.reduces[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *GemmBiasAddReduce[AB, Acc, E, R]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := g.IsSupportedArgument(dev, arg)
	a, _ := g.arg(arg)
	if ok && g.inst.BlocksPerRow > 1 {
		sc = withPreprocess(sc, func() {
			clear(a.reduces[0].Out[:a.m])
			clear(a.reduces[1].Out[:a.m])
		})
	}
	return timedRun(dev, sc, g.Name(), ok, func(s *gpu.Stream) error {
		red, err := gridwise.NewReduce[E, Acc, R](g.inst.Reduce, dev)
		if err != nil {
			return err
		}
		return launchAll(ctx,
			func(ctx context.Context) error { return g.core.launch(ctx, dev, s, a.gemm) },
			func(ctx context.Context) error {
				_, err := red.Run(ctx, s, &a.reduces[0])
				return err
			},
			func(ctx context.Context) error {
				_, err := red.Run(ctx, s, &a.reduces[1])
				return err
			},
		)
	})
}

// paddedVector is a packed 1-D view of n elements padded to whole tiles.
func paddedVector(n, tile int) tensordesc.Descriptor {
	return tensordesc.MustTransform(tensordesc.MakePacked(n),
		[]tensordesc.Transform{tensordesc.MakeRightPadToMultiple(n, tile)}, [][]int{{0}}, [][]int{{0}})
}
