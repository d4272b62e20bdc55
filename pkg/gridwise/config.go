// Package gridwise holds the grid-level kernels: the double-buffered matrix
// core GEMM pipeline and the reduction-style kernels the operators build on.
package gridwise

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/transfer"
)

var ErrInvalidConfig = errors.New("invalid gridwise configuration")

// BlockTransferConfig describes how a block loads a [KPerBlock, MN] operand
// tile into LDS. Dimensions are numbered 0 = K and 1 = M (or N).
type BlockTransferConfig struct {
	ClusterLengths      [2]int `yaml:"cluster_lengths" json:"cluster_lengths"`
	ClusterArrangeOrder [2]int `yaml:"cluster_arrange_order" json:"cluster_arrange_order"`
	SrcAccessOrder      [2]int `yaml:"src_access_order" json:"src_access_order"`
	SrcVectorDim        int    `yaml:"src_vector_dim" json:"src_vector_dim"`
	SrcScalarPerVector  int    `yaml:"src_scalar_per_vector" json:"src_scalar_per_vector"`
	DstScalarPerVector  int    `yaml:"dst_scalar_per_vector" json:"dst_scalar_per_vector"`
	LdsExtra            bool   `yaml:"lds_extra" json:"lds_extra"`
}

// GemmConfig is the fixed tile geometry of one GEMM kernel variant.
type GemmConfig struct {
	BlockSize      int                 `yaml:"block_size" json:"block_size"`
	MPerBlock      int                 `yaml:"m_per_block" json:"m_per_block"`
	NPerBlock      int                 `yaml:"n_per_block" json:"n_per_block"`
	KPerBlock      int                 `yaml:"k_per_block" json:"k_per_block"`
	MPerXdl        int                 `yaml:"m_per_xdl" json:"m_per_xdl"`
	NPerXdl        int                 `yaml:"n_per_xdl" json:"n_per_xdl"`
	MXdlPerWave    int                 `yaml:"m_xdl_per_wave" json:"m_xdl_per_wave"`
	NXdlPerWave    int                 `yaml:"n_xdl_per_wave" json:"n_xdl_per_wave"`
	ABlockTransfer BlockTransferConfig `yaml:"a_block_transfer" json:"a_block_transfer"`
	BBlockTransfer BlockTransferConfig `yaml:"b_block_transfer" json:"b_block_transfer"`
	CMemoryOp      transfer.MemoryOp   `yaml:"-" json:"-"`
}

func (c GemmConfig) String() string {
	return fmt.Sprintf("%d_%dx%dx%d_%dx%d_%dx%d", c.BlockSize, c.MPerBlock, c.NPerBlock, c.KPerBlock,
		c.MPerXdl, c.NPerXdl, c.MXdlPerWave, c.NXdlPerWave)
}

// Validate rejects tile geometry that does not divide evenly. It needs no
// problem size and is checked once per configuration.
func (c GemmConfig) Validate(waveSize int) error {
	if c.BlockSize <= 0 || c.MPerBlock <= 0 || c.NPerBlock <= 0 || c.KPerBlock <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: non-positive tile", c)
	}
	if c.MPerXdl <= 0 || c.NPerXdl <= 0 || c.MXdlPerWave <= 0 || c.NXdlPerWave <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: non-positive xdl tile", c)
	}
	mw, nw := c.MXdlPerWave*c.MPerXdl, c.NXdlPerWave*c.NPerXdl
	if c.MPerBlock%mw != 0 || c.NPerBlock%nw != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: block tile is not a multiple of the wave tile %dx%d", c, mw, nw)
	}
	if waves := (c.MPerBlock / mw) * (c.NPerBlock / nw); waves*waveSize != c.BlockSize {
		return errors.Wrapf(ErrInvalidConfig, "%s: %d waves of %d lanes do not fill the block", c, waves, waveSize)
	}
	if err := c.ABlockTransfer.validate("A", c.BlockSize, c.KPerBlock, c.MPerBlock); err != nil {
		return errors.Wrapf(err, "%s", c)
	}
	if err := c.BBlockTransfer.validate("B", c.BlockSize, c.KPerBlock, c.NPerBlock); err != nil {
		return errors.Wrapf(err, "%s", c)
	}
	switch c.CMemoryOp {
	case transfer.Set, transfer.AtomicAdd:
	default:
		return errors.Wrapf(ErrInvalidConfig, "%s: output memory op %s", c, c.CMemoryOp)
	}
	return nil
}

func (t BlockTransferConfig) validate(name string, blockSize, k, mn int) error {
	ck, cmn := t.ClusterLengths[0], t.ClusterLengths[1]
	if ck <= 0 || cmn <= 0 || ck*cmn != blockSize {
		return errors.Wrapf(ErrInvalidConfig, "%s cluster %v does not cover %d threads", name, t.ClusterLengths, blockSize)
	}
	if k%ck != 0 || mn%cmn != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s tile %dx%d is not a multiple of cluster %v", name, k, mn, t.ClusterLengths)
	}
	slice := [2]int{k / ck, mn / cmn}
	if t.SrcVectorDim != 0 && t.SrcVectorDim != 1 {
		return errors.Wrapf(ErrInvalidConfig, "%s src vector dim %d", name, t.SrcVectorDim)
	}
	if t.SrcScalarPerVector <= 0 || slice[t.SrcVectorDim]%t.SrcScalarPerVector != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s src vector %d does not divide thread slice %v", name, t.SrcScalarPerVector, slice)
	}
	if t.DstScalarPerVector <= 0 || slice[1]%t.DstScalarPerVector != 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s LDS vector %d does not divide thread slice %v", name, t.DstScalarPerVector, slice)
	}
	if !isPerm2(t.ClusterArrangeOrder) || !isPerm2(t.SrcAccessOrder) {
		return errors.Wrapf(ErrInvalidConfig, "%s orders %v %v", name, t.ClusterArrangeOrder, t.SrcAccessOrder)
	}
	return nil
}

func isPerm2(o [2]int) bool {
	return (o[0] == 0 && o[1] == 1) || (o[0] == 1 && o[1] == 0)
}

// blockwise lifts the 2-D transfer description to the [KBatch, K, MN] grid
// view, where the batch dimension is always a slice of one.
func (t BlockTransferConfig) blockwise(kPerBlock, mn int) transfer.BlockwiseConfig {
	return transfer.BlockwiseConfig{
		BlockSliceLengths:   []int{1, kPerBlock, mn},
		ClusterLengths:      []int{1, t.ClusterLengths[0], t.ClusterLengths[1]},
		ClusterArrangeOrder: []int{0, t.ClusterArrangeOrder[0] + 1, t.ClusterArrangeOrder[1] + 1},
		AccessOrder:         []int{0, t.SrcAccessOrder[0] + 1, t.SrcAccessOrder[1] + 1},
		SrcVectorDim:        t.SrcVectorDim + 1,
		DstVectorDim:        2,
		SrcScalarPerVector:  t.SrcScalarPerVector,
		DstScalarPerVector:  t.DstScalarPerVector,
		DstOp:               transfer.Set,
	}
}

func lcm(a, b int) int {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}

func roundUp(x, m int) int {
	return (x + m - 1) / m * m
}

func ceilDiv(x, m int) int {
	return (x + m - 1) / m
}
