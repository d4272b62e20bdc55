package gridwise

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
	"github.com/samcharles93/tessera/pkg/xdlops"
)

// GemmArgs are the resolved operands of one GEMM launch. A is viewed as
// [KBatch, K, M], B as [KBatch, K, N], C and every D as [M, N]; all of them
// already padded to whole tiles. Batch strides offset each of BatchCount
// independent problems sharing the descriptors.
type GemmArgs[AB, C dtype.Storage] struct {
	A, B    []AB
	C       []C
	Ds      [][]C
	ADesc   tensordesc.Descriptor
	BDesc   tensordesc.Descriptor
	CDesc   tensordesc.Descriptor
	DsDescs []tensordesc.Descriptor

	AOp   elementwise.Unary
	BOp   elementwise.Unary
	CDEOp elementwise.MultiD

	TileMap Block2CTileMap

	BatchCount    int
	BatchStrideA  int
	BatchStrideB  int
	BatchStrideC  int
	BatchStrideDs []int
}

// K is the reduction length handled by one K batch.
func (a *GemmArgs[AB, C]) K() int { return a.ADesc.Length(1) }

func (a *GemmArgs[AB, C]) batches() int { return max(a.BatchCount, 1) }

// GridwiseGemm is a validated kernel variant: tile geometry, the matrix-core
// instruction it issues and the LDS layout of its double buffer.
type GridwiseGemm[AB dtype.Storage, Acc dtype.Accumulator, C dtype.Storage] struct {
	cfg      GemmConfig
	dev      *gpu.Device
	in       xdlops.Instruction
	ldsAlign int

	aBlockDesc tensordesc.Descriptor
	bBlockDesc tensordesc.Descriptor
	aSlot      int
	bSlot      int
	gemmPlan   *xdlops.BlockGemmPlan
}

// New validates cfg for dev and prepares the LDS layout.
func New[AB dtype.Storage, Acc dtype.Accumulator, C dtype.Storage](cfg GemmConfig, dev *gpu.Device) (*GridwiseGemm[AB, Acc, C], error) {
	props := dev.Properties()
	if err := cfg.Validate(props.WaveSize); err != nil {
		return nil, err
	}
	in, err := xdlops.Select(dtype.Of[AB](), cfg.MPerXdl, cfg.NPerXdl, props)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: %v", cfg, err)
	}
	if in.Acc != dtype.Of[Acc]() {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s accumulates in %s, not %s", in, in.Acc, dtype.Of[Acc]())
	}
	if cfg.CMemoryOp == transfer.AtomicAdd && !gpu.SupportsAtomicAdd(dtype.Of[C]()) {
		return nil, errors.Wrapf(ErrInvalidConfig, "no atomic add for %s output", dtype.Of[C]())
	}

	g := &GridwiseGemm[AB, Acc, C]{cfg: cfg, dev: dev, in: in}
	g.ldsAlign = lcm(lcm(cfg.ABlockTransfer.DstScalarPerVector, cfg.BBlockTransfer.DstScalarPerVector), in.KPerLane)
	g.aBlockDesc = ldsTileDesc(cfg.KPerBlock, cfg.MPerBlock, g.ldsAlign, cfg.ABlockTransfer.LdsExtra)
	g.bBlockDesc = ldsTileDesc(cfg.KPerBlock, cfg.NPerBlock, g.ldsAlign, cfg.BBlockTransfer.LdsExtra)
	g.aSlot = roundUp(g.aBlockDesc.ElementSpaceSize(), g.ldsAlign)
	g.bSlot = roundUp(g.bBlockDesc.ElementSpaceSize(), g.ldsAlign)

	g.gemmPlan, err = xdlops.NewBlockGemmPlan(xdlops.BlockGemmConfig{
		BlockSize:   cfg.BlockSize,
		MPerBlock:   cfg.MPerBlock,
		NPerBlock:   cfg.NPerBlock,
		KPerBlock:   cfg.KPerBlock,
		MPerXdl:     cfg.MPerXdl,
		NPerXdl:     cfg.NPerXdl,
		MXdlPerWave: cfg.MXdlPerWave,
		NXdlPerWave: cfg.NXdlPerWave,
	}, in, props.WaveSize, gemmTileDesc(g.aBlockDesc), gemmTileDesc(g.bBlockDesc))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: %v", cfg, err)
	}
	if n := g.GetSharedMemoryNumberOfByte(); n > props.LDSBytes {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s needs %d bytes of LDS, %s has %d", cfg, n, props.Name, props.LDSBytes)
	}
	return g, nil
}

// ldsTileDesc is the [1, K, MN] LDS view of one buffer slot. Rows are padded
// to the LDS alignment, plus one extra aligned chunk when requested.
func ldsTileDesc(k, mn, align int, extra bool) tensordesc.Descriptor {
	row := roundUp(mn, align)
	if extra {
		row += align
	}
	return tensordesc.MakeNaive([]int{1, k, mn}, []int{k * row, row, 1})
}

// gemmTileDesc is the same slot seen by the block multiply as [K, MN].
func gemmTileDesc(d tensordesc.Descriptor) tensordesc.Descriptor {
	row := d.CalculateOffset([]int{0, 1, 0})
	return tensordesc.MakeNaive([]int{d.Length(1), d.Length(2)}, []int{row, 1})
}

func (g *GridwiseGemm[AB, Acc, C]) Config() GemmConfig { return g.cfg }

func (g *GridwiseGemm[AB, Acc, C]) Instruction() xdlops.Instruction { return g.in }

func (g *GridwiseGemm[AB, Acc, C]) String() string {
	return fmt.Sprintf("gridwise_gemm_xdl<%s,%s,%s>_%s_%s", dtype.Of[AB](), dtype.Of[Acc](), dtype.Of[C](), g.cfg, g.in.Name)
}

// GetSharedMemoryNumberOfByte is the LDS footprint of both buffer slots of A
// and B.
func (g *GridwiseGemm[AB, Acc, C]) GetSharedMemoryNumberOfByte() int {
	return 2 * (g.aSlot + g.bSlot) * dtype.SizeOf[AB]()
}

// CalculateHasMainKBlockLoop reports whether K needs more than two K blocks.
func (g *GridwiseGemm[AB, Acc, C]) CalculateHasMainKBlockLoop(k int) bool {
	return PlanKLoop(k, g.cfg.KPerBlock).HasMainLoop
}

// CalculateHasDoubleTailKBlockLoop reports whether two K blocks remain after
// the main loop.
func (g *GridwiseGemm[AB, Acc, C]) CalculateHasDoubleTailKBlockLoop(k int) bool {
	return PlanKLoop(k, g.cfg.KPerBlock).HasDoubleTail
}

// PlanKLoop is the K loop plan of this variant for reduction length k.
func (g *GridwiseGemm[AB, Acc, C]) PlanKLoop(k int) KLoopPlan { return PlanKLoop(k, g.cfg.KPerBlock) }

// MakeDefaultBlock2CTileMap picks the M01 adaptive map, or the M01 x N01
// cluster map when n01 > 1.
func (g *GridwiseGemm[AB, Acc, C]) MakeDefaultBlock2CTileMap(c tensordesc.Descriptor, m01, n01 int) Block2CTileMap {
	if n01 > 1 {
		return NewM01N01TileMap(c, g.cfg.MPerBlock, g.cfg.NPerBlock, m01, n01)
	}
	return NewM01AdaptTileMap(c, g.cfg.MPerBlock, g.cfg.NPerBlock, m01)
}

// CheckValidity reports why args cannot run on this variant. It never
// launches anything.
func (g *GridwiseGemm[AB, Acc, C]) CheckValidity(args *GemmArgs[AB, C]) error {
	a, b, c := args.ADesc, args.BDesc, args.CDesc
	if a.NumDims() != 3 || b.NumDims() != 3 || c.NumDims() != 2 {
		return errors.Wrapf(ErrInvalidConfig, "operand ranks %d, %d, %d", a.NumDims(), b.NumDims(), c.NumDims())
	}
	kBatch, k, m, n := a.Length(0), a.Length(1), c.Length(0), c.Length(1)
	if b.Length(0) != kBatch || b.Length(1) != k || a.Length(2) != m || b.Length(2) != n {
		return errors.Wrapf(ErrInvalidConfig, "A %v, B %v and C %v disagree", a.Lengths(), b.Lengths(), c.Lengths())
	}
	if m%g.cfg.MPerBlock != 0 || n%g.cfg.NPerBlock != 0 || k%g.cfg.KPerBlock != 0 {
		return errors.Wrapf(ErrInvalidConfig, "M=%d N=%d K=%d not multiples of the %s tile", m, n, k, g.cfg)
	}
	if args.TileMap == nil || !args.TileMap.CheckValidity(c) {
		return errors.Wrapf(ErrInvalidConfig, "tile map %v does not cover C %v", args.TileMap, c.Lengths())
	}
	if KBatchOf(args.TileMap) != kBatch {
		return errors.Wrapf(ErrInvalidConfig, "tile map splits K %d ways, operands %d", KBatchOf(args.TileMap), kBatch)
	}
	if kBatch > 1 && g.cfg.CMemoryOp != transfer.AtomicAdd {
		return errors.Wrapf(ErrInvalidConfig, "split-K needs atomic add output")
	}
	numD := 0
	if args.CDEOp != nil {
		numD = args.CDEOp.NumD()
	}
	if len(args.Ds) != numD || len(args.DsDescs) != numD {
		return errors.Wrapf(ErrInvalidConfig, "%d D operands for an epilogue taking %d", len(args.Ds), numD)
	}
	if kBatch > 1 && numD > 0 {
		return errors.Wrapf(ErrInvalidConfig, "split-K cannot fuse %d D operands", numD)
	}
	for i, d := range args.DsDescs {
		if d.NumDims() != 2 || d.Length(0) != m || d.Length(1) != n {
			return errors.Wrapf(ErrInvalidConfig, "D%d %v does not match C %v", i, d.Lengths(), c.Lengths())
		}
	}
	if bc := args.batches(); bc > 1 && len(args.BatchStrideDs) != numD {
		return errors.Wrapf(ErrInvalidConfig, "%d D batch strides for %d D operands", len(args.BatchStrideDs), numD)
	}
	return nil
}

// LaunchConfig is the grid for args.
func (g *GridwiseGemm[AB, Acc, C]) LaunchConfig(args *GemmArgs[AB, C]) gpu.LaunchConfig {
	return gpu.LaunchConfig{
		Name:      g.String(),
		GridSize:  args.batches() * args.TileMap.GridSize(),
		BlockSize: g.cfg.BlockSize,
		LDSBytes:  g.GetSharedMemoryNumberOfByte(),
	}
}

func (g *GridwiseGemm[AB, Acc, C]) operandPlan(t BlockTransferConfig, mn int, grid tensordesc.Descriptor, lds tensordesc.Descriptor, op elementwise.Unary) (*transfer.BlockwisePlan, error) {
	cfg := t.blockwise(g.cfg.KPerBlock, mn)
	if op != nil {
		if _, ok := op.(elementwise.PassThrough); !ok {
			cfg.Op = op
		}
	}
	return transfer.NewBlockwisePlan(cfg, grid, lds)
}

// Kernel builds the kernel for args. hasMain and hasDoubleTail select the
// pipeline variant and must agree with PlanKLoop for the K of args.
func (g *GridwiseGemm[AB, Acc, C]) Kernel(args *GemmArgs[AB, C], hasMain, hasDoubleTail bool) (gpu.KernelFunc, error) {
	if err := g.CheckValidity(args); err != nil {
		return nil, err
	}
	plan := g.PlanKLoop(args.K())
	if plan.HasMainLoop != hasMain || plan.HasDoubleTail != hasDoubleTail {
		return nil, errors.Wrapf(ErrInvalidConfig, "K=%d runs %s, kernel built for main=%t double_tail=%t",
			args.K(), plan, hasMain, hasDoubleTail)
	}
	aPlan, err := g.operandPlan(g.cfg.ABlockTransfer, g.cfg.MPerBlock, args.ADesc, g.aBlockDesc, args.AOp)
	if err != nil {
		return nil, errors.Wrap(err, "A block transfer")
	}
	bPlan, err := g.operandPlan(g.cfg.BBlockTransfer, g.cfg.NPerBlock, args.BDesc, g.bBlockDesc, args.BOp)
	if err != nil {
		return nil, errors.Wrap(err, "B block transfer")
	}
	ep, err := newEpilogue[AB, Acc, C](g, args)
	if err != nil {
		return nil, err
	}

	kStep := []int{0, g.cfg.KPerBlock, 0}
	aStep := aPlan.MakeSrcWindowStep(kStep)
	bStep := bPlan.MakeSrcWindowStep(kStep)
	perBatch := args.TileMap.GridSize()
	mPB, nPB := g.cfg.MPerBlock, g.cfg.NPerBlock
	aSlot, bSlot := g.aSlot, g.bSlot
	ldsOrigin := []int{0, 0, 0}

	return func(blk *gpu.Block) gpu.ThreadFunc {
		batch := blk.ID / perBatch
		idx := args.TileMap.CalculateBottomIndex(blk.ID % perBatch)
		if !args.TileMap.ValidCTileIndex(idx) {
			return nil
		}
		a := args.A[batch*args.BatchStrideA:]
		b := args.B[batch*args.BatchStrideB:]
		ldsA := [2][]AB{gpu.LDS[AB](blk, 0, aSlot), gpu.LDS[AB](blk, aSlot, aSlot)}
		ldsB := [2][]AB{gpu.LDS[AB](blk, 2*aSlot, bSlot), gpu.LDS[AB](blk, 2*aSlot+bSlot, bSlot)}
		core := xdlops.NewMatrixCore[Acc](g.in, blk)
		mBase, nBase := idx.M0*mPB, idx.N0*nPB

		return func(th *gpu.Thread) {
			t := &gemmThread[AB, Acc]{
				th:    th,
				a:     a,
				b:     b,
				ldsA:  ldsA,
				ldsB:  ldsB,
				aCopy: transfer.NewBlockwiseTransfer[AB, AB](aPlan, th.ID, []int{idx.KBatch, 0, mBase}, ldsOrigin),
				bCopy: transfer.NewBlockwiseTransfer[AB, AB](bPlan, th.ID, []int{idx.KBatch, 0, nBase}, ldsOrigin),
				aStep: aStep,
				bStep: bStep,
				gemm:  xdlops.NewBlockwiseGemm[AB](g.gemmPlan, core, th),
				acc:   make([]Acc, g.gemmPlan.AccLen()),
			}
			runKLoop(plan, t)
			ep.run(th, batch, idx, t.acc)
		}
	}, nil
}

// Run checks args, builds the matching kernel and launches it on s.
func (g *GridwiseGemm[AB, Acc, C]) Run(ctx context.Context, s *gpu.Stream, args *GemmArgs[AB, C]) (gpu.LaunchStats, error) {
	plan := g.PlanKLoop(args.K())
	k, err := g.Kernel(args, plan.HasMainLoop, plan.HasDoubleTail)
	if err != nil {
		return gpu.LaunchStats{}, err
	}
	return s.Launch(ctx, g.LaunchConfig(args), k)
}

// gemmThread is one thread's side of the K loop.
type gemmThread[AB dtype.Storage, Acc dtype.Accumulator] struct {
	th           *gpu.Thread
	a, b         []AB
	ldsA, ldsB   [2][]AB
	aCopy, bCopy *transfer.BlockwiseTransfer[AB, AB]
	aStep, bStep transfer.WindowStep
	gemm         *xdlops.BlockwiseGemm[AB, Acc]
	acc          []Acc
}

func (t *gemmThread[AB, Acc]) advance() {
	t.aCopy.MoveSrcSliceWindowStep(t.aStep)
	t.bCopy.MoveSrcSliceWindowStep(t.bStep)
}

func (t *gemmThread[AB, Acc]) load() {
	t.aCopy.RunRead(t.a)
	t.bCopy.RunRead(t.b)
}

func (t *gemmThread[AB, Acc]) store(slot int) {
	t.aCopy.RunWrite(t.ldsA[slot])
	t.bCopy.RunWrite(t.ldsB[slot])
}

func (t *gemmThread[AB, Acc]) compute(slot int) { t.gemm.Run(t.ldsA[slot], t.ldsB[slot], t.acc) }

func (t *gemmThread[AB, Acc]) sync() { t.th.Sync() }
