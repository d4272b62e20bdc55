package gridwise

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// SoftmaxArgs are the operands of a softmax over the K dimension of a
// [M, K] view: Out = Alpha * softmax(In) + Beta * Out. Both views are padded
// to whole tiles; M and K are the real extents.
type SoftmaxArgs[In, Out dtype.Storage] struct {
	In      []In
	Out     []Out
	InDesc  tensordesc.Descriptor
	OutDesc tensordesc.Descriptor
	M, K    int
	Alpha   float64
	Beta    float64
}

// GridwiseSoftmax runs one block per MPerBlock rows in three passes over K:
// row max, sum of exponentials, then the normalized write.
type GridwiseSoftmax[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	cfg ReductionConfig
	dev *gpu.Device
}

func NewSoftmax[In dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](cfg ReductionConfig, dev *gpu.Device) (*GridwiseSoftmax[In, Acc, Out], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BlockSize > dev.Properties().MaxBlockSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: block larger than %d", cfg, dev.Properties().MaxBlockSize)
	}
	if dtype.Of[Acc]() == dtype.I32 {
		return nil, errors.Wrapf(ErrInvalidConfig, "softmax accumulates in floating point, not %s", dtype.Of[Acc]())
	}
	return &GridwiseSoftmax[In, Acc, Out]{cfg: cfg, dev: dev}, nil
}

func (s *GridwiseSoftmax[In, Acc, Out]) Config() ReductionConfig { return s.cfg }

func (s *GridwiseSoftmax[In, Acc, Out]) String() string {
	return fmt.Sprintf("gridwise_softmax<%s,%s,%s>_%s", dtype.Of[In](), dtype.Of[Acc](), dtype.Of[Out](), s.cfg)
}

func (s *GridwiseSoftmax[In, Acc, Out]) CheckValidity(args *SoftmaxArgs[In, Out]) error {
	if err := s.cfg.checkView("softmax input", args.InDesc, args.M, args.K); err != nil {
		return err
	}
	if err := s.cfg.checkView("softmax output", args.OutDesc, args.M, args.K); err != nil {
		return err
	}
	if args.InDesc.Length(0) != args.OutDesc.Length(0) || args.InDesc.Length(1) != args.OutDesc.Length(1) {
		return errors.Wrapf(ErrInvalidConfig, "softmax views %v and %v differ", args.InDesc.Lengths(), args.OutDesc.Lengths())
	}
	if s.cfg.KThreadSliceSize%s.cfg.OutDstVectorSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: output vector does not divide the K slice", s.cfg)
	}
	return nil
}

func (s *GridwiseSoftmax[In, Acc, Out]) LaunchConfig(args *SoftmaxArgs[In, Out]) gpu.LaunchConfig {
	return gpu.LaunchConfig{
		Name:      s.String(),
		GridSize:  args.InDesc.Length(0) / s.cfg.MPerBlock(),
		BlockSize: s.cfg.BlockSize,
		LDSBytes:  s.cfg.MPerBlock() * s.cfg.KClusterSize * dtype.SizeOf[Acc](),
	}
}

func (s *GridwiseSoftmax[In, Acc, Out]) Kernel(args *SoftmaxArgs[In, Out]) (gpu.KernelFunc, error) {
	if err := s.CheckValidity(args); err != nil {
		return nil, err
	}
	cfg := s.cfg
	readPlan, err := cfg.inputPlan(args.InDesc)
	if err != nil {
		return nil, errors.Wrap(err, "softmax input transfer")
	}
	slice := []int{cfg.MThreadSliceSize, cfg.KThreadSliceSize}
	staging := tensordesc.MakePacked(slice...)
	wcfg := transfer.ThreadwiseConfig{
		SliceLengths:       slice,
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 1,
		DstScalarPerVector: cfg.OutDstVectorSize,
	}
	writePlan, err := transfer.NewThreadwisePlan(wcfg, staging, args.OutDesc)
	if err != nil {
		return nil, errors.Wrap(err, "softmax output transfer")
	}
	windows := args.InDesc.Length(1) / cfg.KPerBlock()
	step := []int{0, cfg.KPerBlock()}
	inStep := readPlan.MakeSrcWindowStep(step)
	outStep := writePlan.MakeDstWindowStep(step)

	var (
		priorPlan *transfer.ThreadwisePlan
		priorStep transfer.WindowStep
	)
	if args.Beta != 0 {
		wcfg.SrcScalarPerVector, wcfg.DstScalarPerVector = cfg.OutDstVectorSize, 1
		if priorPlan, err = transfer.NewThreadwisePlan(wcfg, args.OutDesc, staging); err != nil {
			return nil, errors.Wrap(err, "softmax prior output transfer")
		}
		priorStep = priorPlan.MakeSrcWindowStep(step)
	}
	mPB := cfg.MPerBlock()

	return func(blk *gpu.Block) gpu.ThreadFunc {
		lds := gpu.LDS[Acc](blk, 0, mPB*cfg.KClusterSize)
		return func(th *gpu.Thread) {
			mc, kc := cfg.threadCoord(th.ID)
			row0 := blk.ID*mPB + mc*cfg.MThreadSliceSize
			col0 := kc * cfg.KThreadSliceSize
			origin := []int{row0, col0}
			valid := func(w, j int) bool { return col0+w*cfg.KPerBlock()+j < args.K }

			// each pass walks every window of the thread's rows; f sees the
			// staged row i, column j values of window w
			pass := func(f func(w, i, j int, x float64)) {
				r := transfer.NewThreadwiseTransfer[In, In](readPlan, origin, nil)
				buf := r.Buffer()
				for w := range windows {
					if w > 0 {
						r.MoveSrcSliceWindowStep(inStep)
					}
					r.RunRead(args.In)
					for i := range cfg.MThreadSliceSize {
						for j := range cfg.KThreadSliceSize {
							f(w, i, j, dtype.ToFloat64(buf[i*cfg.KThreadSliceSize+j]))
						}
					}
				}
			}

			rowMax := make([]float64, cfg.MThreadSliceSize)
			for i := range rowMax {
				rowMax[i] = math.Inf(-1)
			}
			pass(func(w, i, j int, x float64) {
				if valid(w, j) {
					rowMax[i] = max(rowMax[i], x)
				}
			})
			blockReduce[Acc](th, cfg, lds, func(a, b float64) float64 { return max(a, b) }, rowMax)

			rowSum := make([]float64, cfg.MThreadSliceSize)
			pass(func(w, i, j int, x float64) {
				if valid(w, j) {
					rowSum[i] = roundTo[Acc](rowSum[i] + math.Exp(x-rowMax[i]))
				}
			})
			blockReduce[Acc](th, cfg, lds, func(a, b float64) float64 { return roundTo[Acc](a + b) }, rowSum)

			out := transfer.NewThreadwiseTransfer[float64, Out](writePlan, nil, origin)
			obuf := out.Buffer()
			var prior *transfer.ThreadwiseTransfer[Out, Out]
			if priorPlan != nil {
				prior = transfer.NewThreadwiseTransfer[Out, Out](priorPlan, origin, nil)
			}
			r := transfer.NewThreadwiseTransfer[In, In](readPlan, origin, nil)
			buf := r.Buffer()
			for w := range windows {
				if w > 0 {
					r.MoveSrcSliceWindowStep(inStep)
					out.MoveDstSliceWindowStep(outStep)
					if prior != nil {
						prior.MoveSrcSliceWindowStep(priorStep)
					}
				}
				r.RunRead(args.In)
				if prior != nil {
					prior.RunRead(args.Out)
				}
				for i := range cfg.MThreadSliceSize {
					for j := range cfg.KThreadSliceSize {
						k := i*cfg.KThreadSliceSize + j
						y := args.Alpha * math.Exp(dtype.ToFloat64(buf[k])-rowMax[i]) / rowSum[i]
						if prior != nil {
							y += args.Beta * dtype.ToFloat64(prior.Buffer()[k])
						}
						obuf[k] = y
					}
				}
				out.RunWrite(args.Out)
			}
		}
	}, nil
}

func (s *GridwiseSoftmax[In, Acc, Out]) Run(ctx context.Context, st *gpu.Stream, args *SoftmaxArgs[In, Out]) (gpu.LaunchStats, error) {
	k, err := s.Kernel(args)
	if err != nil {
		return gpu.LaunchStats{}, err
	}
	return st.Launch(ctx, s.LaunchConfig(args), k)
}
