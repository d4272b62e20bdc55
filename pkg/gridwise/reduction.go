package gridwise

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// ReductionConfig is the thread geometry of the row-wise kernels over a
// [M, K] view. Threads form an MClusterSize x KClusterSize grid, K fastest;
// each owns MThreadSliceSize rows and KThreadSliceSize columns of a window.
// A block covers MPerBlock rows and walks K one window of KPerBlock at a time.
type ReductionConfig struct {
	BlockSize        int `yaml:"block_size" json:"block_size"`
	MClusterSize     int `yaml:"m_cluster_size" json:"m_cluster_size"`
	KClusterSize     int `yaml:"k_cluster_size" json:"k_cluster_size"`
	MThreadSliceSize int `yaml:"m_thread_slice_size" json:"m_thread_slice_size"`
	KThreadSliceSize int `yaml:"k_thread_slice_size" json:"k_thread_slice_size"`
	InSrcVectorDim   int `yaml:"in_src_vector_dim" json:"in_src_vector_dim"`
	InSrcVectorSize  int `yaml:"in_src_vector_size" json:"in_src_vector_size"`
	OutDstVectorSize int `yaml:"out_dst_vector_size" json:"out_dst_vector_size"`
}

func (c ReductionConfig) MPerBlock() int { return c.MClusterSize * c.MThreadSliceSize }
func (c ReductionConfig) KPerBlock() int { return c.KClusterSize * c.KThreadSliceSize }

func (c ReductionConfig) String() string {
	return fmt.Sprintf("%d_%dx%d_%dx%d_v%d_%d_%d", c.BlockSize, c.MClusterSize, c.KClusterSize,
		c.MThreadSliceSize, c.KThreadSliceSize, c.InSrcVectorDim, c.InSrcVectorSize, c.OutDstVectorSize)
}

func (c ReductionConfig) Validate() error {
	if c.MClusterSize <= 0 || c.KClusterSize <= 0 || c.MClusterSize*c.KClusterSize != c.BlockSize {
		return errors.Wrapf(ErrInvalidConfig, "%s: cluster does not cover the block", c)
	}
	if c.MThreadSliceSize <= 0 || c.KThreadSliceSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: non-positive thread slice", c)
	}
	slice := [2]int{c.MThreadSliceSize, c.KThreadSliceSize}
	if c.InSrcVectorDim != 0 && c.InSrcVectorDim != 1 {
		return errors.Wrapf(ErrInvalidConfig, "%s: vector dim %d", c, c.InSrcVectorDim)
	}
	if c.InSrcVectorSize <= 0 || slice[c.InSrcVectorDim]%c.InSrcVectorSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: input vector does not divide the thread slice", c)
	}
	if c.OutDstVectorSize <= 0 || c.MThreadSliceSize%c.OutDstVectorSize != 0 && c.KThreadSliceSize%c.OutDstVectorSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: output vector does not divide the thread slice", c)
	}
	return nil
}

// inputPlan reads a [MThreadSliceSize, KThreadSliceSize] window of in.
func (c ReductionConfig) inputPlan(in tensordesc.Descriptor) (*transfer.ThreadwisePlan, error) {
	slice := []int{c.MThreadSliceSize, c.KThreadSliceSize}
	return transfer.NewThreadwisePlan(transfer.ThreadwiseConfig{
		SliceLengths:       slice,
		SrcVectorDim:       c.InSrcVectorDim,
		DstVectorDim:       1,
		SrcScalarPerVector: c.InSrcVectorSize,
		DstScalarPerVector: 1,
	}, in, tensordesc.MakePacked(slice...))
}

// checkView checks a [M, K] view padded to whole blocks and windows.
func (c ReductionConfig) checkView(name string, d tensordesc.Descriptor, m, k int) error {
	if d.NumDims() != 2 {
		return errors.Wrapf(ErrInvalidConfig, "%s view of rank %d", name, d.NumDims())
	}
	if d.Length(0)%c.MPerBlock() != 0 || d.Length(1)%c.KPerBlock() != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s view %v not padded to %dx%d", name, d.Lengths(), c.MPerBlock(), c.KPerBlock())
	}
	if m > d.Length(0) || k > d.Length(1) || m <= 0 || k <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s extent %dx%d outside view %v", name, m, k, d.Lengths())
	}
	return nil
}

// threadCoord is a thread's place in the reduction cluster.
func (c ReductionConfig) threadCoord(tid int) (mc, kc int) {
	return tid / c.KClusterSize, tid % c.KClusterSize
}

// blockReduce combines each of the thread's row partials with those of the
// other threads of its K cluster through LDS. Every thread gets the result.
// Values pass through Acc on the way, and all threads combine in the same
// order, so the result is identical across the row.
func blockReduce[Acc dtype.Accumulator](th *gpu.Thread, cfg ReductionConfig, lds []Acc, combine func(a, b float64) float64, partial []float64) {
	mc, kc := cfg.threadCoord(th.ID)
	kcl := cfg.KClusterSize
	for i, p := range partial {
		lds[(mc*cfg.MThreadSliceSize+i)*kcl+kc] = dtype.FromFloat64[Acc](p)
	}
	th.Sync()
	for i := range partial {
		row := lds[(mc*cfg.MThreadSliceSize+i)*kcl:][:kcl]
		v := dtype.ToFloat64(row[0])
		for _, x := range row[1:] {
			v = combine(v, dtype.ToFloat64(x))
		}
		partial[i] = v
	}
	th.Sync()
}

// roundTo rounds x to the precision of Acc.
func roundTo[Acc dtype.Accumulator](x float64) float64 {
	return dtype.ToFloat64(dtype.FromFloat64[Acc](x))
}
