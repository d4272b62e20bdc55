package xdlops

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestInstructionLayoutsPartitionTile(t *testing.T) {
	t.Parallel()

	for _, in := range Instructions() {
		assert.Equal(t, 64, in.WaveSize(), in.Name)
		assert.Equal(t, in.MPerXdl*in.NPerXdl, in.NumRegs()*in.WaveSize(), in.Name)

		seen := make([]int, in.MPerXdl*in.NPerXdl)
		l := in.Layout()
		for lane := range in.WaveSize() {
			m0, n0 := l.ThreadOutputOrigin(lane)
			for r := range l.NumRegs() {
				dm, dn := l.RegisterOffset(r)
				m, n := m0+dm, n0+dn
				require.True(t, m < in.MPerXdl && n < in.NPerXdl, "%s lane %d reg %d -> (%d,%d)", in.Name, lane, r, m, n)
				seen[m*in.NPerXdl+n]++
			}
		}
		for i, c := range seen {
			require.Equal(t, 1, c, "%s element %d", in.Name, i)
		}
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	gfx908 := must.M1(gpu.Lookup("gfx908"))
	gfx90a := must.M1(gpu.Lookup("gfx90a"))

	in, err := Select(dtype.F16, 32, 32, gfx908)
	require.NoError(t, err)
	assert.Equal(t, "mfma_f32_32x32x8f16", in.Name)

	_, err = Select(dtype.BF16, 32, 32, gfx908)
	require.ErrorIs(t, err, ErrNoInstruction)
	in, err = Select(dtype.BF16, 16, 16, gfx90a)
	require.NoError(t, err)
	assert.Equal(t, 16, in.KPerXdl())

	_, err = Select(dtype.F32, 32, 32, must.M1(gpu.Lookup("gfx1030")))
	require.ErrorIs(t, err, ErrNoInstruction)

	in, ok := Lookup("mfma_f64_16x16x4f64")
	require.True(t, ok)
	assert.True(t, in.SupportedOn("gfx90a"))
	assert.False(t, in.SupportedOn("gfx908"))
}

func planFor(t *testing.T, cfg BlockGemmConfig, in Instruction) *BlockGemmPlan {
	t.Helper()
	a := tensordesc.MakeAligned([]int{cfg.KPerBlock, cfg.MPerBlock}, 4)
	b := tensordesc.MakeAligned([]int{cfg.KPerBlock, cfg.NPerBlock}, 4)
	p, err := NewBlockGemmPlan(cfg, in, 64, a, b)
	require.NoError(t, err)
	return p
}

func TestThreadOutputsPartitionBlockTile(t *testing.T) {
	t.Parallel()

	f16x32, _ := Lookup("mfma_f32_32x32x8f16")
	f32x16, _ := Lookup("mfma_f32_16x16x4f32")
	f64x16, _ := Lookup("mfma_f64_16x16x4f64")
	tests := []struct {
		in  Instruction
		cfg BlockGemmConfig
	}{
		{f16x32, BlockGemmConfig{BlockSize: 256, MPerBlock: 256, NPerBlock: 128, KPerBlock: 32, MPerXdl: 32, NPerXdl: 32, MXdlPerWave: 4, NXdlPerWave: 2}},
		{f16x32, BlockGemmConfig{BlockSize: 64, MPerBlock: 32, NPerBlock: 64, KPerBlock: 8, MPerXdl: 32, NPerXdl: 32, MXdlPerWave: 1, NXdlPerWave: 2}},
		{f32x16, BlockGemmConfig{BlockSize: 256, MPerBlock: 64, NPerBlock: 32, KPerBlock: 8, MPerXdl: 16, NPerXdl: 16, MXdlPerWave: 2, NXdlPerWave: 1}},
		{f64x16, BlockGemmConfig{BlockSize: 256, MPerBlock: 64, NPerBlock: 64, KPerBlock: 4, MPerXdl: 16, NPerXdl: 16, MXdlPerWave: 2, NXdlPerWave: 2}},
	}
	for _, tt := range tests {
		p := planFor(t, tt.cfg, tt.in)
		seen := make([]int, tt.cfg.MPerBlock*tt.cfg.NPerBlock)
		for tid := range tt.cfg.BlockSize {
			for mr := range p.MRepeat() {
				for nr := range p.NRepeat() {
					for r := range tt.in.NumRegs() {
						m, n := p.ThreadOutputIndex(tid, mr, nr, r)
						require.True(t, m >= 0 && m < tt.cfg.MPerBlock && n >= 0 && n < tt.cfg.NPerBlock)
						seen[m*tt.cfg.NPerBlock+n]++
					}
				}
			}
		}
		for i, c := range seen {
			require.Equal(t, 1, c, "%s %+v element %d", tt.in.Name, tt.cfg, i)
		}
		m, n := p.CalculateCThreadOriginDataIndex(tt.cfg.BlockSize - 1)
		assert.Less(t, m, tt.cfg.MPerBlock)
		assert.Less(t, n, tt.cfg.NPerBlock)
	}
}

func TestPlanRejectsBadTiles(t *testing.T) {
	t.Parallel()

	in, _ := Lookup("mfma_f32_32x32x8f16")
	a := tensordesc.MakePacked(16, 64)
	b := tensordesc.MakePacked(16, 64)
	good := BlockGemmConfig{BlockSize: 256, MPerBlock: 64, NPerBlock: 64, KPerBlock: 16, MPerXdl: 32, NPerXdl: 32, MXdlPerWave: 1, NXdlPerWave: 1}
	_, err := NewBlockGemmPlan(good, in, 64, a, b)
	require.NoError(t, err)

	bad := []func(c *BlockGemmConfig){
		func(c *BlockGemmConfig) { c.BlockSize = 128 },
		func(c *BlockGemmConfig) { c.KPerBlock = 12 },
		func(c *BlockGemmConfig) { c.MPerXdl = 16 },
		func(c *BlockGemmConfig) { c.MXdlPerWave = 3 },
	}
	for i, mutate := range bad {
		c := good
		mutate(&c)
		_, err := NewBlockGemmPlan(c, in, 64, a, b)
		require.ErrorIs(t, err, ErrInvalidTile, "case %d", i)
	}
	_, err = NewBlockGemmPlan(good, in, 32, a, b)
	require.ErrorIs(t, err, ErrInvalidTile)
	_, err = NewBlockGemmPlan(good, in, 64, tensordesc.MakePacked(16, 32), b)
	require.ErrorIs(t, err, ErrInvalidTile)
}

// runBlockGemm multiplies an LDS-resident [2*K, M] x [2*K, N] pair in one
// block, consuming the second K half through the read window, and scatters
// the accumulators to a row-major [M, N] result.
func runBlockGemm(t *testing.T, cfg BlockGemmConfig, in Instruction, a, b []float16.Float16) []float32 {
	t.Helper()
	dev := gpu.MustOpen("gfx90a")
	defer dev.Close()

	k2 := 2 * cfg.KPerBlock
	aFull := tensordesc.MakePacked(k2, cfg.MPerBlock)
	bFull := tensordesc.MakePacked(k2, cfg.NPerBlock)
	aTile := tensordesc.MakePacked(cfg.KPerBlock, cfg.MPerBlock)
	bTile := tensordesc.MakePacked(cfg.KPerBlock, cfg.NPerBlock)
	p := must.M1(NewBlockGemmPlan(cfg, in, 64, aTile, bTile))

	out := make([]float32, cfg.MPerBlock*cfg.NPerBlock)
	aLen, bLen := aFull.ElementSpaceSize(), bFull.ElementSpaceSize()
	_, err := dev.Launch(context.Background(), gpu.LaunchConfig{
		Name: "block_gemm", GridSize: 1, BlockSize: cfg.BlockSize, LDSBytes: (aLen + bLen) * 2,
	}, func(blk *gpu.Block) gpu.ThreadFunc {
		ldsA := gpu.LDS[float16.Float16](blk, 0, aLen)
		ldsB := gpu.LDS[float16.Float16](blk, aLen, bLen)
		core := NewMatrixCore[float32](in, blk)
		return func(th *gpu.Thread) {
			for i := th.ID; i < aLen; i += blk.Size {
				ldsA[i] = a[i]
			}
			for i := th.ID; i < bLen; i += blk.Size {
				ldsB[i] = b[i]
			}
			th.Sync()
			g := NewBlockwiseGemm[float16.Float16](p, core, th)
			acc := make([]float32, p.AccLen())
			g.Run(ldsA, ldsB, acc)
			g.MoveABlockSliceWindow([]int{cfg.KPerBlock, 0})
			g.MoveBBlockSliceWindow([]int{cfg.KPerBlock, 0})
			g.Run(ldsA, ldsB, acc)
			for mr := range p.MRepeat() {
				for nr := range p.NRepeat() {
					for r := range in.NumRegs() {
						m, n := p.ThreadOutputIndex(th.ID, mr, nr, r)
						out[m*cfg.NPerBlock+n] = acc[p.AccIndex(mr, nr, r)]
					}
				}
			}
		}
	})
	require.NoError(t, err)
	return out
}

func TestBlockwiseGemmMatchesReference(t *testing.T) {
	t.Parallel()

	f16x32, _ := Lookup("mfma_f32_32x32x8f16")
	f16x16, _ := Lookup("mfma_f32_16x16x16f16")
	tests := []struct {
		in  Instruction
		cfg BlockGemmConfig
	}{
		{f16x32, BlockGemmConfig{BlockSize: 128, MPerBlock: 64, NPerBlock: 64, KPerBlock: 16, MPerXdl: 32, NPerXdl: 32, MXdlPerWave: 1, NXdlPerWave: 2}},
		{f16x16, BlockGemmConfig{BlockSize: 256, MPerBlock: 64, NPerBlock: 32, KPerBlock: 16, MPerXdl: 16, NPerXdl: 16, MXdlPerWave: 2, NXdlPerWave: 1}},
	}
	rng := rand.New(rand.NewPCG(3, 5))
	for _, tt := range tests {
		k2 := 2 * tt.cfg.KPerBlock
		a := make([]float16.Float16, k2*tt.cfg.MPerBlock)
		b := make([]float16.Float16, k2*tt.cfg.NPerBlock)
		for i := range a {
			a[i] = float16.Fromfloat32(float32(rng.IntN(7) - 3))
		}
		for i := range b {
			b[i] = float16.Fromfloat32(float32(rng.IntN(5) - 2))
		}
		got := runBlockGemm(t, tt.cfg, tt.in, a, b)
		for m := range tt.cfg.MPerBlock {
			for n := range tt.cfg.NPerBlock {
				var want float32
				for k := range k2 {
					want += a[k*tt.cfg.MPerBlock+m].Float32() * b[k*tt.cfg.NPerBlock+n].Float32()
				}
				require.Equal(t, want, got[m*tt.cfg.NPerBlock+n], "%s (%d,%d)", tt.in.Name, m, n)
			}
		}
	}
}
