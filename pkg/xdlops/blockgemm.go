package xdlops

import (
	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

var ErrInvalidTile = errors.New("invalid block gemm tile")

// BlockGemmConfig is the block tile and its split over waves. Each wave
// computes MXdlPerWave x NXdlPerWave instruction tiles; the waves form an
// MWaves x NWaves grid with the M index slower.
type BlockGemmConfig struct {
	BlockSize   int
	MPerBlock   int
	NPerBlock   int
	KPerBlock   int
	MPerXdl     int
	NPerXdl     int
	MXdlPerWave int
	NXdlPerWave int
}

// BlockGemmPlan is the validated tile mapping shared by a block's threads.
// The LDS tiles are [KPerBlock, MPerBlock] and [KPerBlock, NPerBlock] linear
// descriptors.
type BlockGemmPlan struct {
	cfg      BlockGemmConfig
	in       Instruction
	layout   OutputLayout
	waveSize int
	mWaves   int
	nWaves   int
	kSteps   int
	aDesc    tensordesc.Descriptor
	bDesc    tensordesc.Descriptor
}

func NewBlockGemmPlan(cfg BlockGemmConfig, in Instruction, waveSize int, aDesc, bDesc tensordesc.Descriptor) (*BlockGemmPlan, error) {
	if cfg.MPerXdl != in.MPerXdl || cfg.NPerXdl != in.NPerXdl {
		return nil, errors.Wrapf(ErrInvalidTile, "%dx%d per xdl does not match %s", cfg.MPerXdl, cfg.NPerXdl, in)
	}
	if in.WaveSize() != waveSize {
		return nil, errors.Wrapf(ErrInvalidTile, "%s needs %d lanes, wave has %d", in, in.WaveSize(), waveSize)
	}
	if cfg.MXdlPerWave <= 0 || cfg.NXdlPerWave <= 0 ||
		cfg.MPerBlock%(cfg.MXdlPerWave*cfg.MPerXdl) != 0 || cfg.NPerBlock%(cfg.NXdlPerWave*cfg.NPerXdl) != 0 {
		return nil, errors.Wrapf(ErrInvalidTile, "%dx%d block tile does not split into %dx%d xdl tiles of %dx%d",
			cfg.MPerBlock, cfg.NPerBlock, cfg.MXdlPerWave, cfg.NXdlPerWave, cfg.MPerXdl, cfg.NPerXdl)
	}
	if cfg.KPerBlock <= 0 || cfg.KPerBlock%in.KPerXdl() != 0 {
		return nil, errors.Wrapf(ErrInvalidTile, "KPerBlock %d is not a multiple of %d", cfg.KPerBlock, in.KPerXdl())
	}
	p := &BlockGemmPlan{
		cfg:      cfg,
		in:       in,
		layout:   in.Layout(),
		waveSize: waveSize,
		mWaves:   cfg.MPerBlock / (cfg.MXdlPerWave * cfg.MPerXdl),
		nWaves:   cfg.NPerBlock / (cfg.NXdlPerWave * cfg.NPerXdl),
		kSteps:   cfg.KPerBlock / in.KPerXdl(),
		aDesc:    aDesc,
		bDesc:    bDesc,
	}
	if got := p.mWaves * p.nWaves * waveSize; got != cfg.BlockSize {
		return nil, errors.Wrapf(ErrInvalidTile, "%dx%d waves need %d threads, block has %d", p.mWaves, p.nWaves, got, cfg.BlockSize)
	}
	if !sameLengths(aDesc, cfg.KPerBlock, cfg.MPerBlock) || !sameLengths(bDesc, cfg.KPerBlock, cfg.NPerBlock) {
		return nil, errors.Wrapf(ErrInvalidTile, "LDS tiles %v and %v for a %dx%dx%d block",
			aDesc.Lengths(), bDesc.Lengths(), cfg.MPerBlock, cfg.NPerBlock, cfg.KPerBlock)
	}
	return p, nil
}

func sameLengths(d tensordesc.Descriptor, k, mn int) bool {
	return d.NumDims() == 2 && d.Length(0) == k && d.Length(1) == mn
}

func (p *BlockGemmPlan) Instruction() Instruction { return p.in }
func (p *BlockGemmPlan) MRepeat() int             { return p.cfg.MXdlPerWave }
func (p *BlockGemmPlan) NRepeat() int             { return p.cfg.NXdlPerWave }
func (p *BlockGemmPlan) MWaves() int              { return p.mWaves }
func (p *BlockGemmPlan) NWaves() int              { return p.nWaves }

// AccLen is the number of accumulator registers per thread.
func (p *BlockGemmPlan) AccLen() int { return p.MRepeat() * p.NRepeat() * p.in.NumRegs() }

// AccIndex is the position of (mr, nr, reg) in a thread's accumulators.
func (p *BlockGemmPlan) AccIndex(mr, nr, reg int) int {
	return (mr*p.NRepeat()+nr)*p.in.NumRegs() + reg
}

// CalculateCThreadOriginDataIndex is the (m, n) within the block tile of the
// first accumulator register of thread tid.
func (p *BlockGemmPlan) CalculateCThreadOriginDataIndex(tid int) (m, n int) {
	return p.ThreadOutputIndex(tid, 0, 0, 0)
}

// ThreadOutputIndex is the (m, n) within the block tile of register reg of
// repeat (mr, nr) of thread tid.
func (p *BlockGemmPlan) ThreadOutputIndex(tid, mr, nr, reg int) (m, n int) {
	wave, lane := tid/p.waveSize, tid%p.waveSize
	waveM, waveN := wave/p.nWaves, wave%p.nWaves
	m0, n0 := p.layout.ThreadOutputOrigin(lane)
	dm, dn := p.layout.RegisterOffset(reg)
	m = (mr*p.mWaves+waveM)*p.cfg.MPerXdl + m0 + dm
	n = (nr*p.nWaves+waveN)*p.cfg.NPerXdl + n0 + dn
	return m, n
}

// BlockwiseGemm is one thread's view of the block multiply. Read offsets into
// the LDS tiles are precomputed; the window moves shift them logically.
type BlockwiseGemm[AB dtype.Storage, Acc dtype.Accumulator] struct {
	p       *BlockGemmPlan
	core    *MatrixCore[Acc]
	th      *gpu.Thread
	aRows   []int
	bRows   []int
	aKs     int
	bKs     int
	aShift  int
	bShift  int
	aMs     int
	bNs     int
	aFrag   []Acc
	bFrag   []Acc
	kLaneLo int
}

// NewBlockwiseGemm binds the plan to a thread and its block's matrix core.
func NewBlockwiseGemm[AB dtype.Storage, Acc dtype.Accumulator](p *BlockGemmPlan, core *MatrixCore[Acc], th *gpu.Thread) *BlockwiseGemm[AB, Acc] {
	in := p.in
	wave, lane := th.Wave(), th.Lane()
	waveM, waveN := wave/p.nWaves, wave%p.nWaves
	row := lane % in.NumThreadsPerBlk

	g := &BlockwiseGemm[AB, Acc]{
		p:       p,
		core:    core,
		th:      th,
		aRows:   make([]int, p.MRepeat()),
		bRows:   make([]int, p.NRepeat()),
		aFrag:   make([]Acc, p.MRepeat()*in.KPerLane),
		bFrag:   make([]Acc, p.NRepeat()*in.KPerLane),
		kLaneLo: (lane / in.NumThreadsPerBlk) * in.KPerLane,
	}
	aBase := p.aDesc.CalculateOffset([]int{0, 0})
	g.aKs = p.aDesc.CalculateOffset([]int{1, 0}) - aBase
	g.aMs = p.aDesc.CalculateOffset([]int{0, 1}) - aBase
	bBase := p.bDesc.CalculateOffset([]int{0, 0})
	g.bKs = p.bDesc.CalculateOffset([]int{1, 0}) - bBase
	g.bNs = p.bDesc.CalculateOffset([]int{0, 1}) - bBase
	for mr := range g.aRows {
		g.aRows[mr] = aBase + ((mr*p.mWaves+waveM)*in.MPerXdl+row)*g.aMs
	}
	for nr := range g.bRows {
		g.bRows[nr] = bBase + ((nr*p.nWaves+waveN)*in.NPerXdl+row)*g.bNs
	}
	return g
}

// Run accumulates aTile x bTile into acc: for every K step of the block tile,
// one instruction issue per (mr, nr) repeat.
func (g *BlockwiseGemm[AB, Acc]) Run(aTile, bTile []AB, acc []Acc) {
	in := g.p.in
	kpl := in.KPerLane
	nregs := in.NumRegs()
	for ks := range g.p.kSteps {
		k0 := ks*in.KPerXdl() + g.kLaneLo
		for mr, rowOff := range g.aRows {
			frag := g.aFrag[mr*kpl : (mr+1)*kpl]
			for j := range frag {
				frag[j] = dtype.Cast[Acc](aTile[rowOff+g.aShift+(k0+j)*g.aKs])
			}
		}
		for nr, rowOff := range g.bRows {
			frag := g.bFrag[nr*kpl : (nr+1)*kpl]
			for j := range frag {
				frag[j] = dtype.Cast[Acc](bTile[rowOff+g.bShift+(k0+j)*g.bKs])
			}
		}
		for mr := range g.aRows {
			for nr := range g.bRows {
				i := g.p.AccIndex(mr, nr, 0)
				g.core.Issue(g.th, g.aFrag[mr*kpl:(mr+1)*kpl], g.bFrag[nr*kpl:(nr+1)*kpl], acc[i:i+nregs])
			}
		}
	}
}

// CalculateCThreadOriginDataIndex is the (m, n) of the thread's first output.
func (g *BlockwiseGemm[AB, Acc]) CalculateCThreadOriginDataIndex() (m, n int) {
	return g.p.CalculateCThreadOriginDataIndex(g.th.ID)
}

// MoveABlockSliceWindow shifts the logical A read position by a [K, M] delta.
func (g *BlockwiseGemm[AB, Acc]) MoveABlockSliceWindow(delta []int) {
	g.aShift += delta[0]*g.aKs + delta[1]*g.aMs
}

// MoveBBlockSliceWindow shifts the logical B read position by a [K, N] delta.
func (g *BlockwiseGemm[AB, Acc]) MoveBBlockSliceWindow(delta []int) {
	g.bShift += delta[0]*g.bKs + delta[1]*g.bNs
}

// ResetWindows returns both read positions to the tile origins.
func (g *BlockwiseGemm[AB, Acc]) ResetWindows() {
	g.aShift, g.bShift = 0, 0
}
