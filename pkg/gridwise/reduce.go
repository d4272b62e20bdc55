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
)

// ReduceArgs reduce the K dimension of a [M, K] view into a [M] output:
// Out = Alpha * op(InOp(In)) + Beta * Out. With BlocksPerRow > 1 every row is
// split across that many blocks whose partial results are atomically added
// into Out, which must then hold zero beforehand.
type ReduceArgs[In, Out dtype.Storage] struct {
	In           []In
	Out          []Out
	InDesc       tensordesc.Descriptor
	OutDesc      tensordesc.Descriptor
	M, K         int
	Op           elementwise.ReduceOp
	InOp         elementwise.Unary
	Alpha        float64
	Beta         float64
	BlocksPerRow int
}

func (a *ReduceArgs[In, Out]) blocksPerRow() int { return max(a.BlocksPerRow, 1) }

// GridwiseReduce is a row reduction kernel.
type GridwiseReduce[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	cfg ReductionConfig
	dev *gpu.Device
}

func NewReduce[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](cfg ReductionConfig, dev *gpu.Device) (*GridwiseReduce[In, Acc, Out], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BlockSize > dev.Properties().MaxBlockSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: block larger than %d", cfg, dev.Properties().MaxBlockSize)
	}
	return &GridwiseReduce[In, Acc, Out]{cfg: cfg, dev: dev}, nil
}

func (r *GridwiseReduce[In, Acc, Out]) Config() ReductionConfig { return r.cfg }

func (r *GridwiseReduce[In, Acc, Out]) String() string {
	return fmt.Sprintf("gridwise_reduce<%s,%s,%s>_%s", dtype.Of[In](), dtype.Of[Acc](), dtype.Of[Out](), r.cfg)
}

func (r *GridwiseReduce[In, Acc, Out]) CheckValidity(args *ReduceArgs[In, Out]) error {
	if err := r.cfg.checkView("reduce input", args.InDesc, args.M, args.K); err != nil {
		return err
	}
	if args.OutDesc.NumDims() != 1 || args.OutDesc.Length(0) != args.InDesc.Length(0) {
		return errors.Wrapf(ErrInvalidConfig, "reduce output %v for input %v", args.OutDesc.Lengths(), args.InDesc.Lengths())
	}
	if r.cfg.MThreadSliceSize%r.cfg.OutDstVectorSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: output vector does not divide the M slice", r.cfg)
	}
	if args.blocksPerRow() > 1 {
		if !args.Op.Additive() {
			return errors.Wrapf(ErrInvalidConfig, "%s partials cannot be merged by atomic add", args.Op)
		}
		if !gpu.SupportsAtomicAdd(dtype.Of[Out]()) {
			return errors.Wrapf(ErrInvalidConfig, "no atomic add for %s output", dtype.Of[Out]())
		}
		if args.Beta != 0 {
			return errors.Wrapf(ErrInvalidConfig, "multi-block reduction cannot blend a prior output")
		}
	}
	return nil
}

func (r *GridwiseReduce[In, Acc, Out]) LaunchConfig(args *ReduceArgs[In, Out]) gpu.LaunchConfig {
	return gpu.LaunchConfig{
		Name:      r.String(),
		GridSize:  args.InDesc.Length(0) / r.cfg.MPerBlock() * args.blocksPerRow(),
		BlockSize: r.cfg.BlockSize,
		LDSBytes:  r.cfg.MPerBlock() * r.cfg.KClusterSize * dtype.SizeOf[Acc](),
	}
}

func (r *GridwiseReduce[In, Acc, Out]) Kernel(args *ReduceArgs[In, Out]) (gpu.KernelFunc, error) {
	if err := r.CheckValidity(args); err != nil {
		return nil, err
	}
	cfg := r.cfg
	readPlan, err := cfg.inputPlan(args.InDesc)
	if err != nil {
		return nil, errors.Wrap(err, "reduce input transfer")
	}
	slice := []int{cfg.MThreadSliceSize}
	staging := tensordesc.MakePacked(slice...)
	wcfg := transfer.ThreadwiseConfig{
		SliceLengths:       slice,
		SrcScalarPerVector: 1,
		DstScalarPerVector: cfg.OutDstVectorSize,
		DstOp:              transfer.Set,
	}
	split := args.blocksPerRow()
	if split > 1 {
		wcfg.DstOp = transfer.AtomicAdd
	}
	writePlan, err := transfer.NewThreadwisePlan(wcfg, staging, args.OutDesc)
	if err != nil {
		return nil, errors.Wrap(err, "reduce output transfer")
	}
	var priorPlan *transfer.ThreadwisePlan
	if args.Beta != 0 {
		wcfg.DstOp = transfer.Set
		wcfg.SrcScalarPerVector, wcfg.DstScalarPerVector = cfg.OutDstVectorSize, 1
		if priorPlan, err = transfer.NewThreadwisePlan(wcfg, args.OutDesc, staging); err != nil {
			return nil, errors.Wrap(err, "reduce prior output transfer")
		}
	}

	op := args.Op
	inOp := args.InOp
	if inOp == nil {
		inOp = elementwise.PassThrough{}
	}
	windows := args.InDesc.Length(1) / cfg.KPerBlock()
	perBlock := ceilDiv(windows, split)
	inStep := readPlan.MakeSrcWindowStep([]int{0, cfg.KPerBlock()})
	mPB := cfg.MPerBlock()
	combine := func(a, b float64) float64 { return roundTo[Acc](op.Combine(a, b)) }

	return func(blk *gpu.Block) gpu.ThreadFunc {
		mBlock, kBlock := blk.ID/split, blk.ID%split
		w0 := kBlock * perBlock
		w1 := min(w0+perBlock, windows)
		lds := gpu.LDS[Acc](blk, 0, mPB*cfg.KClusterSize)
		return func(th *gpu.Thread) {
			mc, kc := cfg.threadCoord(th.ID)
			row0 := mBlock*mPB + mc*cfg.MThreadSliceSize
			col0 := kc * cfg.KThreadSliceSize

			acc := make([]float64, cfg.MThreadSliceSize)
			for i := range acc {
				acc[i] = op.Identity()
			}
			if w0 < w1 {
				rd := transfer.NewThreadwiseTransfer[In, In](readPlan, []int{row0, col0 + w0*cfg.KPerBlock()}, nil)
				buf := rd.Buffer()
				for w := w0; w < w1; w++ {
					if w > w0 {
						rd.MoveSrcSliceWindowStep(inStep)
					}
					rd.RunRead(args.In)
					for i := range cfg.MThreadSliceSize {
						for j := range cfg.KThreadSliceSize {
							if col0+w*cfg.KPerBlock()+j >= args.K {
								continue
							}
							x := inOp.Apply(dtype.ToFloat64(buf[i*cfg.KThreadSliceSize+j]))
							acc[i] = combine(acc[i], op.In(x))
						}
					}
				}
			}
			blockReduce[Acc](th, cfg, lds, combine, acc)
			if kc != 0 {
				return
			}

			out := transfer.NewThreadwiseTransfer[float64, Out](writePlan, nil, []int{row0})
			obuf := out.Buffer()
			for i := range obuf {
				obuf[i] = args.Alpha * op.Out(acc[i], args.K)
			}
			if priorPlan != nil {
				prior := transfer.NewThreadwiseTransfer[Out, Out](priorPlan, []int{row0}, nil)
				prior.RunRead(args.Out)
				for i, p := range prior.Buffer() {
					obuf[i] += args.Beta * dtype.ToFloat64(p)
				}
			}
			out.RunWrite(args.Out)
		}
	}, nil
}

func (r *GridwiseReduce[In, Acc, Out]) Run(ctx context.Context, st *gpu.Stream, args *ReduceArgs[In, Out]) (gpu.LaunchStats, error) {
	k, err := r.Kernel(args)
	if err != nil {
		return gpu.LaunchStats{}, err
	}
	return st.Launch(ctx, r.LaunchConfig(args), k)
}
