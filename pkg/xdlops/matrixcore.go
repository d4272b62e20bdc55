package xdlops

import (
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
)

// MatrixCore executes instructions for the waves of one block. Lanes deposit
// their A and B fragments into per-wave staging, meet at a wave barrier and
// then each lane computes its own accumulator registers. Staging alternates
// between two slots, so one barrier per issue keeps a lane's next deposit
// from overwriting fragments another lane is still reading.
type MatrixCore[Acc dtype.Accumulator] struct {
	in      Instruction
	layout  OutputLayout
	staging [][2]waveStage[Acc]
	slot    [][]uint8
}

type waveStage[Acc dtype.Accumulator] struct {
	a []Acc
	b []Acc
}

// NewMatrixCore allocates staging for every wave of blk.
func NewMatrixCore[Acc dtype.Accumulator](in Instruction, blk *gpu.Block) *MatrixCore[Acc] {
	frag := in.NumThreadsPerBlk * in.KPerXdl()
	mc := &MatrixCore[Acc]{
		in:      in,
		layout:  in.Layout(),
		staging: make([][2]waveStage[Acc], blk.NumWaves()),
		slot:    make([][]uint8, blk.NumWaves()),
	}
	for w := range mc.staging {
		for s := range 2 {
			mc.staging[w][s] = waveStage[Acc]{a: make([]Acc, frag), b: make([]Acc, frag)}
		}
		mc.slot[w] = make([]uint8, blk.WaveSize)
	}
	return mc
}

func (mc *MatrixCore[Acc]) Instruction() Instruction { return mc.in }

// Issue runs one instruction. aFrag and bFrag hold the lane's KPerLane input
// values; acc receives NumRegs accumulated outputs. Every lane of the wave
// must call Issue the same number of times.
func (mc *MatrixCore[Acc]) Issue(th *gpu.Thread, aFrag, bFrag, acc []Acc) {
	in := mc.in
	w, lane := th.Wave(), th.Lane()
	s := mc.slot[w][lane]
	mc.slot[w][lane] ^= 1
	st := &mc.staging[w][s]

	// fragments are stored [row][k] over the full KPerXdl of the issue
	kxdl := in.KPerXdl()
	row := lane % in.NumThreadsPerBlk
	k0 := (lane / in.NumThreadsPerBlk) * in.KPerLane
	copy(st.a[row*kxdl+k0:row*kxdl+k0+in.KPerLane], aFrag)
	copy(st.b[row*kxdl+k0:row*kxdl+k0+in.KPerLane], bFrag)

	th.WaveSync()

	m0, n := mc.layout.ThreadOutputOrigin(lane)
	bRow := st.b[n*kxdl : (n+1)*kxdl]
	for r := range in.NumRegs() {
		dm, _ := mc.layout.RegisterOffset(r)
		aRow := st.a[(m0+dm)*kxdl : (m0+dm+1)*kxdl]
		sum := acc[r]
		for k := range kxdl {
			sum += aRow[k] * bRow[k]
		}
		acc[r] = sum
	}
}
