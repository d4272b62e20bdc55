package transfer

import (
	"testing"

	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestSnakeAccessesStepByOne(t *testing.T) {
	t.Parallel()

	lengths := []int{3, 4, 8}
	order := []int{1, 0, 2}
	acc := snakeAccesses(lengths, order, 2, 4)
	require.Len(t, acc, 3*4*2)

	seen := make(map[[3]int]bool)
	for i, a := range acc {
		key := [3]int{a[0], a[1], a[2]}
		require.False(t, seen[key], "access %v repeated", a)
		seen[key] = true
		assert.Zero(t, a[2]%4)
		if i == 0 {
			continue
		}
		moved := 0
		for d := range a {
			diff := a[d] - acc[i-1][d]
			if diff == 0 {
				continue
			}
			moved++
			unit := 1
			if d == 2 {
				unit = 4
			}
			assert.Contains(t, []int{unit, -unit}, diff)
		}
		assert.Equal(t, 1, moved, "step %d: %v -> %v", i, acc[i-1], a)
	}
}

func TestThreadwiseCopy(t *testing.T) {
	t.Parallel()

	src := tensordesc.MakePacked(4, 8)
	dst := tensordesc.MakePacked(2, 4)
	p, err := NewThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{2, 4},
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 4,
		DstScalarPerVector: 2,
	}, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, p.NumReads())
	assert.Equal(t, 4, p.NumWrites())

	out := make([]float64, 8)
	tr := NewThreadwiseTransfer[float32, float64](p, []int{1, 2}, []int{0, 0})
	tr.Run(iota32(32), out)
	assert.Equal(t, []float64{10, 11, 12, 13, 18, 19, 20, 21}, out)
}

func TestPaddedSourceReadsZero(t *testing.T) {
	t.Parallel()

	// [3, 6] right-padded to [4, 8]
	src := tensordesc.MustTransform(tensordesc.MakePacked(3, 6),
		[]tensordesc.Transform{tensordesc.MakeRightPad(3, 1), tensordesc.MakeRightPad(6, 2)},
		[][]int{{0}, {1}}, [][]int{{0}, {1}})
	dst := tensordesc.MakePacked(4, 8)
	p := MustThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{4, 8},
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 2,
		DstScalarPerVector: 8,
	}, src, dst)

	out := make([]float32, 32)
	for i := range out {
		out[i] = -1
	}
	NewThreadwiseTransfer[float32, float32](p, []int{0, 0}, []int{0, 0}).Run(iota32(18), out)
	for r := range 4 {
		for c := range 8 {
			want := float32(0)
			if r < 3 && c < 6 {
				want = float32(r*6 + c)
			}
			assert.Equal(t, want, out[r*8+c], "(%d,%d)", r, c)
		}
	}
}

func TestPaddedDestinationSkipped(t *testing.T) {
	t.Parallel()

	src := tensordesc.MakePacked(4, 4)
	dst := tensordesc.MustTransform(tensordesc.MakePacked(3, 4),
		[]tensordesc.Transform{tensordesc.MakeRightPadToMultiple(3, 4), tensordesc.MakePassThrough(4)},
		[][]int{{0}, {1}}, [][]int{{0}, {1}})
	p := MustThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{4, 4},
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 4,
		DstScalarPerVector: 4,
	}, src, dst)

	out := make([]float32, 16)
	for i := range out {
		out[i] = -1
	}
	NewThreadwiseTransfer[float32, float32](p, []int{0, 0}, []int{0, 0}).Run(iota32(16), out)
	assert.Equal(t, iota32(12), out[:12])
	assert.Equal(t, []float32{-1, -1, -1, -1}, out[12:])
}

func TestWindowSteps(t *testing.T) {
	t.Parallel()

	// walk K in windows of 2 over a [8, 4] source
	src := tensordesc.MakePacked(8, 4)
	dst := tensordesc.MakePacked(2, 4)
	p := MustThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{2, 4},
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 2,
		DstScalarPerVector: 4,
	}, src, dst)
	data := iota32(32)

	precomputed := NewThreadwiseTransfer[float32, float32](p, []int{0, 0}, []int{0, 0})
	onTheFly := NewThreadwiseTransfer[float32, float32](p, []int{0, 0}, []int{0, 0})
	ws := p.MakeSrcWindowStep([]int{2, 0})
	for k := 0; k < 8; k += 2 {
		a := make([]float32, 8)
		b := make([]float32, 8)
		precomputed.Run(data, a)
		onTheFly.Run(data, b)
		assert.Equal(t, data[k*4:k*4+8], a, "window %d", k)
		assert.Equal(t, a, b)
		assert.Equal(t, []int{k, 0}, precomputed.SrcOrigin())
		precomputed.MoveSrcSliceWindowStep(ws)
		onTheFly.MoveSrcSliceWindow([]int{2, 0})
	}
	assert.Equal(t, []int{8, 0}, onTheFly.SrcOrigin())
}

func TestElementOpAndMemoryOps(t *testing.T) {
	t.Parallel()

	src := tensordesc.MakePacked(4)
	dst := tensordesc.MakePacked(4)
	cfg := ThreadwiseConfig{SliceLengths: []int{4}, SrcScalarPerVector: 1, DstScalarPerVector: 1}

	cfg.Op = elementwise.Scale{Factor: 2}
	cfg.DstOp = Add
	out := []int32{1, 1, 1, 1}
	NewThreadwiseTransfer[float32, int32](MustThreadwisePlan(cfg, src, dst), []int{0}, []int{0}).
		Run([]float32{0.5, 1, 1.5, -3}, out)
	assert.Equal(t, []int32{2, 3, 4, -5}, out)

	cfg.Op = nil
	cfg.DstOp = AtomicAdd
	acc := []float32{1, 2, 3, 4}
	tr := NewThreadwiseTransfer[float32, float32](MustThreadwisePlan(cfg, src, dst), []int{0}, []int{0})
	tr.Run([]float32{1, 1, 1, 1}, acc)
	tr.Run([]float32{1, 1, 1, 1}, acc)
	assert.Equal(t, []float32{3, 4, 5, 6}, acc)
}

func TestRegisterSourcedWrite(t *testing.T) {
	t.Parallel()

	dst := tensordesc.MakePacked(2, 2)
	p := MustThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{2, 2},
		SrcVectorDim:       1,
		DstVectorDim:       1,
		SrcScalarPerVector: 1,
		DstScalarPerVector: 1,
	}, tensordesc.MakePacked(2, 2), dst)
	tr := NewThreadwiseTransfer[float64, float32](p, nil, []int{0, 0})
	copy(tr.Buffer(), []float64{1, 2, 3, 4})
	out := make([]float32, 4)
	tr.RunWrite(out)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
	assert.Equal(t, 3, p.BufferIndex([]int{1, 1}))
}

func TestBlockwiseCoversTileOnce(t *testing.T) {
	t.Parallel()

	// [K=4, M=16] tile from a [8, 32] matrix by a 4x8 cluster, M fastest
	src := tensordesc.MakePacked(8, 32)
	lds := tensordesc.MakeAligned([]int{4, 16}, 8)
	p, err := NewBlockwisePlan(BlockwiseConfig{
		BlockSliceLengths:   []int{4, 16},
		ClusterLengths:      []int{4, 8},
		ClusterArrangeOrder: []int{0, 1},
		AccessOrder:         []int{0, 1},
		SrcVectorDim:        1,
		DstVectorDim:        1,
		SrcScalarPerVector:  2,
		DstScalarPerVector:  2,
	}, src, lds)
	require.NoError(t, err)
	assert.Equal(t, 32, p.NumThreads())
	assert.Equal(t, []int{1, 2}, p.ThreadSliceLengths())

	data := iota32(8 * 32)
	out := make([]float32, lds.ElementSpaceSize())
	for tid := range 64 {
		bt := NewBlockwiseTransfer[float32, float32](p, tid, []int{2, 16}, []int{0, 0})
		assert.Equal(t, tid < 32, bt.Active())
		bt.Run(data, out)
	}
	for k := range 4 {
		for m := range 16 {
			assert.Equal(t, data[(k+2)*32+16+m], out[lds.CalculateOffset([]int{k, m})])
		}
	}

	idx, ok := p.ThreadClusterIndex(9)
	require.True(t, ok)
	assert.Equal(t, []int{1, 1}, idx)
}

func TestBlockwiseArrangeOrder(t *testing.T) {
	t.Parallel()

	p, err := NewBlockwisePlan(BlockwiseConfig{
		BlockSliceLengths:   []int{4, 8},
		ClusterLengths:      []int{4, 2},
		ClusterArrangeOrder: []int{1, 0},
		SrcVectorDim:        1,
		DstVectorDim:        1,
		SrcScalarPerVector:  4,
		DstScalarPerVector:  4,
	}, tensordesc.MakePacked(4, 8), tensordesc.MakePacked(4, 8))
	require.NoError(t, err)
	// dim 0 varies fastest
	idx, _ := p.ThreadClusterIndex(1)
	assert.Equal(t, []int{1, 0}, idx)
	idx, _ = p.ThreadClusterIndex(4)
	assert.Equal(t, []int{0, 1}, idx)
}

func TestInvalidGeometry(t *testing.T) {
	t.Parallel()

	d := tensordesc.MakePacked(4, 8)
	tests := []struct {
		name string
		cfg  BlockwiseConfig
	}{
		{"cluster does not divide", BlockwiseConfig{BlockSliceLengths: []int{4, 8}, ClusterLengths: []int{3, 8},
			SrcVectorDim: 1, DstVectorDim: 1, SrcScalarPerVector: 1, DstScalarPerVector: 1}},
		{"vector does not divide", BlockwiseConfig{BlockSliceLengths: []int{4, 8}, ClusterLengths: []int{4, 4},
			SrcVectorDim: 1, DstVectorDim: 1, SrcScalarPerVector: 4, DstScalarPerVector: 1}},
		{"rank mismatch", BlockwiseConfig{BlockSliceLengths: []int{4, 8}, ClusterLengths: []int{4},
			SrcVectorDim: 1, DstVectorDim: 1, SrcScalarPerVector: 1, DstScalarPerVector: 1}},
		{"bad order", BlockwiseConfig{BlockSliceLengths: []int{4, 8}, ClusterLengths: []int{4, 1},
			ClusterArrangeOrder: []int{0, 0}, SrcVectorDim: 1, DstVectorDim: 1, SrcScalarPerVector: 1, DstScalarPerVector: 1}},
	}
	for _, tt := range tests {
		_, err := NewBlockwisePlan(tt.cfg, d, d)
		require.ErrorIs(t, err, ErrInvalidSliceGeometry, tt.name)
	}

	_, err := NewThreadwisePlan(ThreadwiseConfig{SliceLengths: []int{4, 8}, SrcVectorDim: 1, DstVectorDim: 1,
		SrcScalarPerVector: 1, DstScalarPerVector: 1}, d, tensordesc.MakePacked(32))
	require.ErrorIs(t, err, ErrInvalidSliceGeometry)
}

func TestDistinctVectorDims(t *testing.T) {
	t.Parallel()

	// K-contiguous source written into an M-contiguous tile
	src := tensordesc.MakePacked(4, 8)
	dst := tensordesc.MakeNaive([]int{4, 4}, []int{1, 4})
	p := MustThreadwisePlan(ThreadwiseConfig{
		SliceLengths:       []int{4, 4},
		SrcVectorDim:       1,
		DstVectorDim:       0,
		SrcScalarPerVector: 4,
		DstScalarPerVector: 2,
	}, src, dst)
	out := make([]float32, 16)
	NewThreadwiseTransfer[float32, float32](p, []int{0, 4}, []int{0, 0}).Run(iota32(32), out)
	for r := range 4 {
		for c := range 4 {
			assert.Equal(t, float32(r*8+4+c), out[c*4+r])
		}
	}
}
