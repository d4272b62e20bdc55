package deviceop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// GemmProblem describes E = CDE(AOp(A) * BOp(B), Ds...) for A [M, K],
// B [K, N] and a row-major E [M, N]. A and B follow the layouts of the
// instance; strides are leading dimensions. Ds are row-major [M, N] and a
// zero stride broadcasts a single row, e.g. a bias.
type GemmProblem[AB, E dtype.Storage] struct {
	A, B     []AB
	E        []E
	Ds       [][]E
	M, N, K  int
	StrideA  int
	StrideB  int
	StrideE  int
	StrideDs []int

	AOp, BOp elementwise.Unary
	CDEOp    elementwise.MultiD

	// KBatch splits K across blocks that atomically add into E (split-K only).
	KBatch int
	// Accumulate adds into the existing E instead of zeroing it first
	// (split-K only).
	Accumulate bool
}

// GemmArgument is a GemmProblem resolved for one GEMM instance.
type GemmArgument[AB, E dtype.Storage] struct {
	argBase
	launch     *gemmLaunch[AB, E]
	e          []E
	strideE    int
	accumulate bool
}

// Views returns the padded A, B and E views the kernel runs on.
func (a *GemmArgument[AB, E]) Views() (aDesc, bDesc, eDesc tensordesc.Descriptor) {
	if a.launch == nil {
		return
	}
	return a.launch.grid.ADesc, a.launch.grid.BDesc, a.launch.grid.CDesc
}

func (a *GemmArgument[AB, E]) FLOPs() int64 {
	if a.launch == nil {
		return 0
	}
	return 2 * int64(a.launch.m) * int64(a.launch.n) * int64(a.launch.k)
}

func (a *GemmArgument[AB, E]) Bytes() int64 {
	if a.launch == nil {
		return 0
	}
	l := a.launch
	return int64(l.m*l.k+l.k*l.n)*int64(dtype.SizeOf[AB]()) + int64(l.m*l.n)*int64(dtype.SizeOf[E]())
}

func resolveGemm[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](owner any, c *gemmCore[AB, Acc, E], p GemmProblem[AB, E], kBatch int) *GemmArgument[AB, E] {
	arg := &GemmArgument[AB, E]{argBase: argBase{owner: owner}, e: p.E, strideE: p.StrideE, accumulate: p.Accumulate}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		arg.err = errors.Wrapf(ErrUnsupported, "GEMM %dx%dx%d", p.M, p.N, p.K)
		return arg
	}
	if len(p.StrideDs) != len(p.Ds) {
		arg.err = errors.Wrapf(ErrUnsupported, "%d D strides for %d D operands", len(p.StrideDs), len(p.Ds))
		return arg
	}
	dvs := make([]tensordesc.Descriptor, len(p.Ds))
	for i, ld := range p.StrideDs {
		dvs[i] = eView(p.M, p.N, ld)
	}
	arg.launch, arg.err = c.bind(p.A, p.B, p.E, p.Ds,
		aView(p.M, p.K, p.StrideA, c.inst.LayoutA),
		bView(p.K, p.N, p.StrideB, c.inst.LayoutB),
		eView(p.M, p.N, p.StrideE), dvs,
		kBatch, gemmBatch{}, p.AOp, p.BOp, p.CDEOp)
	return arg
}

func gemmArg[AB, E dtype.Storage](owner any, arg Argument) (*GemmArgument[AB, E], error) {
	a, ok := arg.(*GemmArgument[AB, E])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(owner)
}

// Gemm is the plain GEMM: E = CDE(A*B) with no D operands and a single K
// batch.
type Gemm[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
}

func NewGemm[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst GemmInstance) *Gemm[AB, Acc, E] {
	return &Gemm[AB, Acc, E]{core: newGemmCore[AB, Acc, E]("Gemm_Xdl", inst, transfer.Set)}
}

func (g *Gemm[AB, Acc, E]) Name() string           { return g.core.name() }
func (g *Gemm[AB, Acc, E]) TypeString() string     { return g.core.typeString() }
func (g *Gemm[AB, Acc, E]) Instance() GemmInstance { return g.core.inst }

func (g *Gemm[AB, Acc, E]) MakeArgument(p GemmProblem[AB, E]) Argument {
	arg := resolveGemm(g, g.core, p, 1)
	if arg.err == nil && (len(p.Ds) > 0 || p.KBatch > 1) {
		arg.err = errors.Wrap(ErrUnsupported, "plain GEMM takes no D operands and no K split")
	}
	return arg
}

func (g *Gemm[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, g.Name(), func() error {
		a, err := gemmArg[AB, E](g, arg)
		if err != nil {
			return err
		}
		return g.core.check(dev, a.launch, true)
	})
}

func (g *Gemm[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := g.IsSupportedArgument(dev, arg)
	return timedRun(dev, sc, g.Name(), ok, func(s *gpu.Stream) error {
		a, _ := gemmArg[AB, E](g, arg)
		return g.core.launch(ctx, dev, s, a.launch)
	})
}

// GemmMultipleD fuses D operands into the epilogue, e.g. bias plus relu or a
// bilinear combination with a residual.
type GemmMultipleD[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
}

func NewGemmMultipleD[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst GemmInstance) *GemmMultipleD[AB, Acc, E] {
	return &GemmMultipleD[AB, Acc, E]{core: newGemmCore[AB, Acc, E]("GemmMultipleD_Xdl", inst, transfer.Set)}
}

func (g *GemmMultipleD[AB, Acc, E]) Name() string           { return g.core.name() }
func (g *GemmMultipleD[AB, Acc, E]) TypeString() string     { return g.core.typeString() }
func (g *GemmMultipleD[AB, Acc, E]) Instance() GemmInstance { return g.core.inst }

func (g *GemmMultipleD[AB, Acc, E]) MakeArgument(p GemmProblem[AB, E]) Argument {
	arg := resolveGemm(g, g.core, p, 1)
	if arg.err == nil && p.KBatch > 1 {
		arg.err = errors.Wrap(ErrUnsupported, "multiple-D GEMM cannot split K")
	}
	return arg
}

func (g *GemmMultipleD[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, g.Name(), func() error {
		a, err := gemmArg[AB, E](g, arg)
		if err != nil {
			return err
		}
		return g.core.check(dev, a.launch, true)
	})
}

func (g *GemmMultipleD[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := g.IsSupportedArgument(dev, arg)
	return timedRun(dev, sc, g.Name(), ok, func(s *gpu.Stream) error {
		a, _ := gemmArg[AB, E](g, arg)
		return g.core.launch(ctx, dev, s, a.launch)
	})
}

// GemmSplitK splits K into KBatch slices computed by separate blocks that
// atomically add their partial products into E. E must be a type with atomic
// add, and is zeroed before every launch unless the problem accumulates.
type GemmSplitK[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	core *gemmCore[AB, Acc, E]
}

func NewGemmSplitK[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](inst GemmInstance) *GemmSplitK[AB, Acc, E] {
	return &GemmSplitK[AB, Acc, E]{core: newGemmCore[AB, Acc, E]("GemmSplitK_Xdl", inst, transfer.AtomicAdd)}
}

func (g *GemmSplitK[AB, Acc, E]) Name() string           { return g.core.name() }
func (g *GemmSplitK[AB, Acc, E]) TypeString() string     { return g.core.typeString() }
func (g *GemmSplitK[AB, Acc, E]) Instance() GemmInstance { return g.core.inst }

func (g *GemmSplitK[AB, Acc, E]) MakeArgument(p GemmProblem[AB, E]) Argument {
	arg := resolveGemm(g, g.core, p, max(p.KBatch, 1))
	if arg.err == nil && len(p.Ds) > 0 {
		arg.err = errors.Wrap(ErrUnsupported, "split-K GEMM takes no D operands")
	}
	return arg
}

func (g *GemmSplitK[AB, Acc, E]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, g.Name(), func() error {
		a, err := gemmArg[AB, E](g, arg)
		if err != nil {
			return err
		}
		if !gpu.SupportsAtomicAdd(dtype.Of[E]()) {
			return errors.Wrapf(ErrUnsupported, "no atomic add for %s", dtype.Of[E]())
		}
		return g.core.check(dev, a.launch, true)
	})
}

func (g *GemmSplitK[AB, Acc, E]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := g.IsSupportedArgument(dev, arg)
	if ok {
		a, _ := gemmArg[AB, E](g, arg)
		if !a.accumulate {
			sc = withPreprocess(sc, func() { zeroMatrix(a.e, a.launch.m, a.launch.n, a.strideE) })
		}
	}
	return timedRun(dev, sc, g.Name(), ok, func(s *gpu.Stream) error {
		a, _ := gemmArg[AB, E](g, arg)
		return g.core.launch(ctx, dev, s, a.launch)
	})
}

// withPreprocess runs fn before the caller's own preprocess hook.
func withPreprocess(sc gpu.StreamConfig, fn func()) gpu.StreamConfig {
	prev := sc.Preprocess
	sc.Preprocess = func() {
		fn()
		if prev != nil {
			prev()
		}
	}
	return sc
}

// zeroMatrix clears the [m, n] row-major region of buf with leading
// dimension ld.
func zeroMatrix[T dtype.Storage](buf []T, m, n, ld int) {
	for i := range m {
		clear(buf[i*ld : i*ld+n])
	}
}
