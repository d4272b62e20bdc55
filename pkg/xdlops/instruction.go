// Package xdlops emulates matrix-core (XDL) instructions and the block-level
// multiply built from them.
//
// A k-reduction instruction on a wave of lanes computes an MPerXdl x NPerXdl
// tile over KPerXdl = NumInputBlks*KPerLane. Lanes are split into
// NumInputBlks blocks of NumThreadsPerBlk; lane l feeds row/column
// l%NumThreadsPerBlk for the K slice of its block and receives NumRegs output
// registers laid out in groups of GroupSize consecutive rows.
package xdlops

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
)

var ErrNoInstruction = errors.New("no matrix-core instruction")

type Instruction struct {
	Name             string
	AB               dtype.DataType
	Acc              dtype.DataType
	MPerXdl          int
	NPerXdl          int
	NumThreadsPerBlk int
	NumInputBlks     int
	GroupSize        int
	NumGroupsPerBlk  int
	KPerLane         int
	Archs            []string
}

// KPerXdl is the reduction length consumed by one issue.
func (in Instruction) KPerXdl() int { return in.NumInputBlks * in.KPerLane }

// NumRegs is the number of accumulator registers per lane.
func (in Instruction) NumRegs() int { return in.NumGroupsPerBlk * in.GroupSize }

// WaveSize is the number of lanes taking part in one issue.
func (in Instruction) WaveSize() int { return in.NumInputBlks * in.NumThreadsPerBlk }

// SupportedOn reports whether arch implements the instruction.
func (in Instruction) SupportedOn(arch string) bool { return slices.Contains(in.Archs, arch) }

func (in Instruction) String() string { return in.Name }

var cdna = []string{"gfx908", "gfx90a", "gfx940"}

var instructions = []Instruction{
	{
		Name: "mfma_f32_32x32x8f16", AB: dtype.F16, Acc: dtype.F32, MPerXdl: 32, NPerXdl: 32,
		NumThreadsPerBlk: 32, NumInputBlks: 2, GroupSize: 4, NumGroupsPerBlk: 4, KPerLane: 4, Archs: cdna,
	},
	{
		Name: "mfma_f32_16x16x16f16", AB: dtype.F16, Acc: dtype.F32, MPerXdl: 16, NPerXdl: 16,
		NumThreadsPerBlk: 16, NumInputBlks: 4, GroupSize: 4, NumGroupsPerBlk: 1, KPerLane: 4, Archs: cdna,
	},
	{
		Name: "mfma_f32_32x32x8bf16_1k", AB: dtype.BF16, Acc: dtype.F32, MPerXdl: 32, NPerXdl: 32,
		NumThreadsPerBlk: 32, NumInputBlks: 2, GroupSize: 4, NumGroupsPerBlk: 4, KPerLane: 4, Archs: []string{"gfx90a", "gfx940"},
	},
	{
		Name: "mfma_f32_16x16x16bf16_1k", AB: dtype.BF16, Acc: dtype.F32, MPerXdl: 16, NPerXdl: 16,
		NumThreadsPerBlk: 16, NumInputBlks: 4, GroupSize: 4, NumGroupsPerBlk: 1, KPerLane: 4, Archs: []string{"gfx90a", "gfx940"},
	},
	{
		Name: "mfma_f32_32x32x2f32", AB: dtype.F32, Acc: dtype.F32, MPerXdl: 32, NPerXdl: 32,
		NumThreadsPerBlk: 32, NumInputBlks: 2, GroupSize: 4, NumGroupsPerBlk: 4, KPerLane: 1, Archs: cdna,
	},
	{
		Name: "mfma_f32_16x16x4f32", AB: dtype.F32, Acc: dtype.F32, MPerXdl: 16, NPerXdl: 16,
		NumThreadsPerBlk: 16, NumInputBlks: 4, GroupSize: 4, NumGroupsPerBlk: 1, KPerLane: 1, Archs: cdna,
	},
	{
		Name: "mfma_i32_32x32x8i8", AB: dtype.I8, Acc: dtype.I32, MPerXdl: 32, NPerXdl: 32,
		NumThreadsPerBlk: 32, NumInputBlks: 2, GroupSize: 4, NumGroupsPerBlk: 4, KPerLane: 4, Archs: []string{"gfx908", "gfx90a"},
	},
	{
		Name: "mfma_f64_16x16x4f64", AB: dtype.F64, Acc: dtype.F64, MPerXdl: 16, NPerXdl: 16,
		NumThreadsPerBlk: 16, NumInputBlks: 4, GroupSize: 1, NumGroupsPerBlk: 4, KPerLane: 1, Archs: []string{"gfx90a", "gfx940"},
	},
}

// Instructions returns the instruction table.
func Instructions() []Instruction { return slices.Clone(instructions) }

// Select finds the instruction for an input type and output tile shape on a
// device.
func Select(ab dtype.DataType, mPerXdl, nPerXdl int, dev gpu.Properties) (Instruction, error) {
	if !dev.MatrixCores {
		return Instruction{}, errors.Wrapf(ErrNoInstruction, "%s has no matrix cores", dev.Name)
	}
	for _, in := range instructions {
		if in.AB == ab && in.MPerXdl == mPerXdl && in.NPerXdl == nPerXdl && in.SupportedOn(dev.Name) {
			return in, nil
		}
	}
	return Instruction{}, errors.Wrapf(ErrNoInstruction, "%s %dx%d on %s", ab, mPerXdl, nPerXdl, dev.Name)
}

// Lookup returns an instruction by name.
func Lookup(name string) (Instruction, bool) {
	for _, in := range instructions {
		if in.Name == name {
			return in, true
		}
	}
	return Instruction{}, false
}

// OutputLayout maps lanes and registers of one instruction issue to positions
// in its MPerXdl x NPerXdl output tile.
type OutputLayout interface {
	ThreadOutputOrigin(lane int) (m, n int)
	RegisterOffset(reg int) (dm, dn int)
	NumRegs() int
}

type xdlLayout struct {
	in Instruction
}

// Layout returns the output register layout of in.
func (in Instruction) Layout() OutputLayout { return xdlLayout{in: in} }

func (l xdlLayout) ThreadOutputOrigin(lane int) (m, n int) {
	return (lane / l.in.NumThreadsPerBlk) * l.in.GroupSize, lane % l.in.NumThreadsPerBlk
}

func (l xdlLayout) RegisterOffset(reg int) (dm, dn int) {
	g := reg / l.in.GroupSize
	return g*l.in.NumInputBlks*l.in.GroupSize + reg%l.in.GroupSize, 0
}

func (l xdlLayout) NumRegs() int { return l.in.NumRegs() }
