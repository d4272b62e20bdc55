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

// ElementwiseConfig splits a flattened N-D problem into ThreadSliceSize
// consecutive elements per thread.
type ElementwiseConfig struct {
	BlockSize       int `yaml:"block_size" json:"block_size"`
	ThreadSliceSize int `yaml:"thread_slice_size" json:"thread_slice_size"`
	InVectorSize    int `yaml:"in_vector_size" json:"in_vector_size"`
	OutVectorSize   int `yaml:"out_vector_size" json:"out_vector_size"`
}

func (c ElementwiseConfig) String() string {
	return fmt.Sprintf("%d_%d_v%d_%d", c.BlockSize, c.ThreadSliceSize, c.InVectorSize, c.OutVectorSize)
}

func (c ElementwiseConfig) Validate() error {
	if c.BlockSize <= 0 || c.ThreadSliceSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: non-positive geometry", c)
	}
	if c.InVectorSize <= 0 || c.ThreadSliceSize%c.InVectorSize != 0 ||
		c.OutVectorSize <= 0 || c.ThreadSliceSize%c.OutVectorSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: vectors do not divide the thread slice", c)
	}
	return nil
}

// ElementwiseArgs map Out = Op(Ins[0], Ins[1:]...) over N-D views of equal
// lengths. Inputs broadcast along a dimension by giving it a zero stride.
type ElementwiseArgs[In, Out dtype.Storage] struct {
	Ins     [][]In
	InDescs []tensordesc.Descriptor
	Out     []Out
	OutDesc tensordesc.Descriptor
	Op      elementwise.MultiD
	PostOp  elementwise.Unary
	Lengths []int
}

// GridwiseElementwise is the element-wise map kernel behind permutes and
// normalizations.
type GridwiseElementwise[In, Out dtype.Storage] struct {
	cfg ElementwiseConfig
	dev *gpu.Device
}

func NewElementwise[In, Out dtype.Storage](cfg ElementwiseConfig, dev *gpu.Device) (*GridwiseElementwise[In, Out], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BlockSize > dev.Properties().MaxBlockSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: block larger than %d", cfg, dev.Properties().MaxBlockSize)
	}
	return &GridwiseElementwise[In, Out]{cfg: cfg, dev: dev}, nil
}

func (e *GridwiseElementwise[In, Out]) Config() ElementwiseConfig { return e.cfg }

func (e *GridwiseElementwise[In, Out]) String() string {
	return fmt.Sprintf("gridwise_elementwise<%s,%s>_%s", dtype.Of[In](), dtype.Of[Out](), e.cfg)
}

func (e *GridwiseElementwise[In, Out]) tile() int { return e.cfg.BlockSize * e.cfg.ThreadSliceSize }

// CheckValidity verifies the views agree and that vectors stay inside the
// contiguous innermost dimension of every view.
func (e *GridwiseElementwise[In, Out]) CheckValidity(args *ElementwiseArgs[In, Out]) error {
	op := args.Op
	if op == nil {
		op = elementwise.NoD{}
	}
	if len(args.Ins) != op.NumD()+1 || len(args.InDescs) != len(args.Ins) {
		return errors.Wrapf(ErrInvalidConfig, "%d inputs for %s", len(args.Ins), op.Name())
	}
	views := append(append([]tensordesc.Descriptor(nil), args.InDescs...), args.OutDesc)
	for i, d := range views {
		if d.NumDims() != len(args.Lengths) {
			return errors.Wrapf(ErrInvalidConfig, "view %d of rank %d, problem rank %d", i, d.NumDims(), len(args.Lengths))
		}
		for j, l := range args.Lengths {
			if d.Length(j) != l {
				return errors.Wrapf(ErrInvalidConfig, "view %d lengths %v, problem %v", i, d.Lengths(), args.Lengths)
			}
		}
		vec := e.cfg.InVectorSize
		if i == len(views)-1 {
			vec = e.cfg.OutVectorSize
		}
		if vec > 1 && !contiguousInner(d, vec) {
			return errors.Wrapf(ErrInvalidConfig, "view %d cannot be read %d-wide", i, vec)
		}
	}
	return nil
}

// contiguousInner reports whether vec-wide vectors along the flattened index
// are contiguous in d: the last dimension is unit stride and divisible by vec.
func contiguousInner(d tensordesc.Descriptor, vec int) bool {
	n := d.NumDims()
	if d.Length(n-1)%vec != 0 {
		return false
	}
	idx := make([]int, n)
	base := d.CalculateOffset(idx)
	idx[n-1] = 1
	return d.CalculateOffset(idx)-base == 1
}

func (e *GridwiseElementwise[In, Out]) flatten(d tensordesc.Descriptor) (tensordesc.Descriptor, error) {
	lengths := d.Lengths()
	all := make([]int, len(lengths))
	total := 1
	for i, l := range lengths {
		all[i] = i
		total *= l
	}
	flat, err := tensordesc.TransformDescriptor(d, []tensordesc.Transform{tensordesc.MakeMerge(lengths...)}, [][]int{all}, [][]int{{0}})
	if err != nil {
		return tensordesc.Descriptor{}, err
	}
	return tensordesc.TransformDescriptor(flat, []tensordesc.Transform{padOrPass(total, e.tile())}, [][]int{{0}}, [][]int{{0}})
}

func (e *GridwiseElementwise[In, Out]) LaunchConfig(args *ElementwiseArgs[In, Out]) gpu.LaunchConfig {
	total := 1
	for _, l := range args.Lengths {
		total *= l
	}
	return gpu.LaunchConfig{
		Name:      e.String(),
		GridSize:  ceilDiv(total, e.tile()),
		BlockSize: e.cfg.BlockSize,
	}
}

func (e *GridwiseElementwise[In, Out]) Kernel(args *ElementwiseArgs[In, Out]) (gpu.KernelFunc, error) {
	if err := e.CheckValidity(args); err != nil {
		return nil, err
	}
	op := args.Op
	if op == nil {
		op = elementwise.NoD{}
	}
	post := args.PostOp
	slice := []int{e.cfg.ThreadSliceSize}
	staging := tensordesc.MakePacked(slice...)

	readPlans := make([]*transfer.ThreadwisePlan, len(args.Ins))
	for i, d := range args.InDescs {
		flat, err := e.flatten(d)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d view", i)
		}
		readPlans[i], err = transfer.NewThreadwisePlan(transfer.ThreadwiseConfig{
			SliceLengths:       slice,
			SrcScalarPerVector: e.cfg.InVectorSize,
			DstScalarPerVector: 1,
		}, flat, staging)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d transfer", i)
		}
	}
	flatOut, err := e.flatten(args.OutDesc)
	if err != nil {
		return nil, errors.Wrap(err, "output view")
	}
	writePlan, err := transfer.NewThreadwisePlan(transfer.ThreadwiseConfig{
		SliceLengths:       slice,
		SrcScalarPerVector: 1,
		DstScalarPerVector: e.cfg.OutVectorSize,
		Op:                 post,
	}, staging, flatOut)
	if err != nil {
		return nil, errors.Wrap(err, "output transfer")
	}

	return func(blk *gpu.Block) gpu.ThreadFunc {
		return func(th *gpu.Thread) {
			origin := []int{(blk.ID*e.cfg.BlockSize + th.ID) * e.cfg.ThreadSliceSize}
			ins := make([][]In, len(readPlans))
			for i, p := range readPlans {
				rd := transfer.NewThreadwiseTransfer[In, In](p, origin, nil)
				rd.RunRead(args.Ins[i])
				ins[i] = rd.Buffer()
			}
			w := transfer.NewThreadwiseTransfer[float64, Out](writePlan, nil, origin)
			buf := w.Buffer()
			ds := make([]float64, len(ins)-1)
			for k := range buf {
				for j := range ds {
					ds[j] = dtype.ToFloat64(ins[j+1][k])
				}
				buf[k] = op.Apply(dtype.ToFloat64(ins[0][k]), ds)
			}
			w.RunWrite(args.Out)
		}
	}, nil
}

func (e *GridwiseElementwise[In, Out]) Run(ctx context.Context, st *gpu.Stream, args *ElementwiseArgs[In, Out]) (gpu.LaunchStats, error) {
	k, err := e.Kernel(args)
	if err != nil {
		return gpu.LaunchStats{}, err
	}
	return st.Launch(ctx, e.LaunchConfig(args), k)
}
