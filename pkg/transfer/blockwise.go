package transfer

import (
	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// BlockwiseConfig splits a block slice over a cluster of threads. Thread ids
// are laid out over ClusterLengths in ClusterArrangeOrder (slowest first);
// each thread owns a contiguous BlockSliceLengths/ClusterLengths sub-slice.
type BlockwiseConfig struct {
	BlockSliceLengths   []int
	ClusterLengths      []int
	ClusterArrangeOrder []int
	AccessOrder         []int
	SrcVectorDim        int
	DstVectorDim        int
	SrcScalarPerVector  int
	DstScalarPerVector  int
	DstOp               MemoryOp
	Op                  elementwise.Unary
}

type BlockwisePlan struct {
	cfg         BlockwiseConfig
	thread      *ThreadwisePlan
	threadSlice []int
	arranged    []int
	numThreads  int
}

func NewBlockwisePlan(cfg BlockwiseConfig, src, dst tensordesc.Descriptor) (*BlockwisePlan, error) {
	rank := len(cfg.BlockSliceLengths)
	if len(cfg.ClusterLengths) != rank {
		return nil, errors.Wrapf(ErrInvalidSliceGeometry, "block slice %v and cluster %v differ in rank",
			cfg.BlockSliceLengths, cfg.ClusterLengths)
	}
	if cfg.ClusterArrangeOrder == nil {
		cfg.ClusterArrangeOrder = naturalOrder(rank)
	}
	if !isPermutation(cfg.ClusterArrangeOrder, rank) {
		return nil, errors.Wrapf(ErrInvalidSliceGeometry, "cluster arrange order %v", cfg.ClusterArrangeOrder)
	}
	threadSlice := make([]int, rank)
	for i := range threadSlice {
		c := cfg.ClusterLengths[i]
		if c <= 0 || cfg.BlockSliceLengths[i]%c != 0 {
			return nil, errors.Wrapf(ErrInvalidSliceGeometry, "block slice %v is not a multiple of cluster %v",
				cfg.BlockSliceLengths, cfg.ClusterLengths)
		}
		threadSlice[i] = cfg.BlockSliceLengths[i] / c
	}
	tp, err := NewThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       threadSlice,
		AccessOrder:        cfg.AccessOrder,
		SrcVectorDim:       cfg.SrcVectorDim,
		DstVectorDim:       cfg.DstVectorDim,
		SrcScalarPerVector: cfg.SrcScalarPerVector,
		DstScalarPerVector: cfg.DstScalarPerVector,
		DstOp:              cfg.DstOp,
		Op:                 cfg.Op,
	}, src, dst)
	if err != nil {
		return nil, err
	}
	arranged := make([]int, rank)
	for i, d := range cfg.ClusterArrangeOrder {
		arranged[i] = cfg.ClusterLengths[d]
	}
	return &BlockwisePlan{
		cfg:         cfg,
		thread:      tp,
		threadSlice: threadSlice,
		arranged:    arranged,
		numThreads:  product(cfg.ClusterLengths),
	}, nil
}

func (p *BlockwisePlan) Config() BlockwiseConfig { return p.cfg }

// NumThreads is the number of threads taking part in the transfer.
func (p *BlockwisePlan) NumThreads() int { return p.numThreads }

func (p *BlockwisePlan) ThreadSliceLengths() []int { return append([]int(nil), p.threadSlice...) }

func (p *BlockwisePlan) ThreadPlan() *ThreadwisePlan { return p.thread }

// ThreadClusterIndex places tid in the cluster. ok is false for threads
// beyond the cluster, which stay idle.
func (p *BlockwisePlan) ThreadClusterIndex(tid int) (idx []int, ok bool) {
	if tid < 0 || tid >= p.numThreads {
		return nil, false
	}
	idx = make([]int, len(p.arranged))
	for i := len(p.arranged) - 1; i >= 0; i-- {
		idx[p.cfg.ClusterArrangeOrder[i]] = tid % p.arranged[i]
		tid /= p.arranged[i]
	}
	return idx, true
}

func (p *BlockwisePlan) MakeSrcWindowStep(delta []int) WindowStep { return p.thread.MakeSrcWindowStep(delta) }

func (p *BlockwisePlan) MakeDstWindowStep(delta []int) WindowStep { return p.thread.MakeDstWindowStep(delta) }

// BlockwiseTransfer is one thread's share of a block-cooperative transfer.
type BlockwiseTransfer[S, D dtype.Storage] struct {
	t *ThreadwiseTransfer[S, D]
}

// NewBlockwiseTransfer offsets the block origins by the thread's sub-slice.
func NewBlockwiseTransfer[S, D dtype.Storage](p *BlockwisePlan, tid int, srcOrigin, dstOrigin []int) *BlockwiseTransfer[S, D] {
	cidx, ok := p.ThreadClusterIndex(tid)
	if !ok {
		return &BlockwiseTransfer[S, D]{}
	}
	shift := func(origin []int) []int {
		if origin == nil {
			return nil
		}
		out := make([]int, len(origin))
		for i := range origin {
			out[i] = origin[i] + cidx[i]*p.threadSlice[i]
		}
		return out
	}
	return &BlockwiseTransfer[S, D]{t: NewThreadwiseTransfer[S, D](p.thread, shift(srcOrigin), shift(dstOrigin))}
}

// Active reports whether the thread takes part in the transfer.
func (b *BlockwiseTransfer[S, D]) Active() bool { return b.t != nil }

func (b *BlockwiseTransfer[S, D]) RunRead(src []S) {
	if b.t != nil {
		b.t.RunRead(src)
	}
}

func (b *BlockwiseTransfer[S, D]) RunWrite(dst []D) {
	if b.t != nil {
		b.t.RunWrite(dst)
	}
}

func (b *BlockwiseTransfer[S, D]) Run(src []S, dst []D) {
	if b.t != nil {
		b.t.Run(src, dst)
	}
}

func (b *BlockwiseTransfer[S, D]) MoveSrcSliceWindow(delta []int) {
	if b.t != nil {
		b.t.MoveSrcSliceWindow(delta)
	}
}

func (b *BlockwiseTransfer[S, D]) MoveSrcSliceWindowStep(ws WindowStep) {
	if b.t != nil {
		b.t.MoveSrcSliceWindowStep(ws)
	}
}

func (b *BlockwiseTransfer[S, D]) MoveDstSliceWindowStep(ws WindowStep) {
	if b.t != nil {
		b.t.MoveDstSliceWindowStep(ws)
	}
}
