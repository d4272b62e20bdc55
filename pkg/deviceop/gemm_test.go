package deviceop

import (
	"context"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
)

// alongK reads vec elements along K, alongMN along M or N.
func alongK(cluster [2]int, vec, dst int) gridwise.BlockTransferConfig {
	return gridwise.BlockTransferConfig{
		ClusterLengths: cluster, ClusterArrangeOrder: [2]int{0, 1}, SrcAccessOrder: [2]int{1, 0},
		SrcVectorDim: 0, SrcScalarPerVector: vec, DstScalarPerVector: dst,
	}
}

func alongMN(cluster [2]int, vec, dst int) gridwise.BlockTransferConfig {
	return gridwise.BlockTransferConfig{
		ClusterLengths: cluster, ClusterArrangeOrder: [2]int{0, 1}, SrcAccessOrder: [2]int{0, 1},
		SrcVectorDim: 1, SrcScalarPerVector: vec, DstScalarPerVector: dst,
	}
}

// transferFor picks the vector direction that is contiguous for an operand:
// row-major A and column-major B are contiguous along K.
func transferFor(contiguousK bool, k, mn [2]int, kVec, mnVec int) gridwise.BlockTransferConfig {
	if contiguousK {
		return alongK(k, kVec, 2)
	}
	return alongMN(mn, mnVec, mnVec)
}

func tile256(la, lb Layout) gridwise.GemmConfig {
	return gridwise.GemmConfig{
		BlockSize: 256, MPerBlock: 128, NPerBlock: 128, KPerBlock: 32,
		MPerXdl: 32, NPerXdl: 32, MXdlPerWave: 2, NXdlPerWave: 2,
		ABlockTransfer: transferFor(la == RowMajor, [2]int{4, 64}, [2]int{8, 32}, 8, 4),
		BBlockTransfer: transferFor(lb == ColumnMajor, [2]int{4, 64}, [2]int{8, 32}, 8, 4),
	}
}

func tile64(la, lb Layout, vec bool) gridwise.GemmConfig {
	kVec, mnVec := 8, 4
	if !vec {
		kVec, mnVec = 1, 1
	}
	cfg := gridwise.GemmConfig{
		BlockSize: 64, MPerBlock: 32, NPerBlock: 32, KPerBlock: 32,
		MPerXdl: 16, NPerXdl: 16, MXdlPerWave: 2, NXdlPerWave: 2,
		ABlockTransfer: transferFor(la == RowMajor, [2]int{4, 16}, [2]int{8, 8}, kVec, mnVec),
		BBlockTransfer: transferFor(lb == ColumnMajor, [2]int{4, 16}, [2]int{8, 8}, kVec, mnVec),
	}
	if !vec {
		cfg.ABlockTransfer.DstScalarPerVector = 1
		cfg.BBlockTransfer.DstScalarPerVector = 1
	}
	return cfg
}

// hostMatrix allocates a rows x cols host matrix in the given layout.
func hostMatrix[T float16.Float16 | float32](rows, cols int, l Layout) *hosttensor.Tensor[T] {
	if l == RowMajor {
		return hosttensor.New[T](rows, cols)
	}
	return must.M1(hosttensor.NewStrided[T]([]int{rows, cols}, []int{1, rows}))
}

func leading(rows, cols int, l Layout) int {
	if l == RowMajor {
		return cols
	}
	return rows
}

func TestGemmMatchesReference(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	const m, n, k = 256, 256, 64
	op := NewGemm[float16.Float16, float32, float32](GemmInstance{
		LayoutA: RowMajor, LayoutB: RowMajor, Tile: tile256(RowMajor, RowMajor),
	})
	a := hosttensor.New[float16.Float16](m, k)
	b := hosttensor.New[float16.Float16](k, n)
	e := hosttensor.New[float32](m, n)
	hosttensor.Generate(a, hosttensor.InitDecimal, 1)
	hosttensor.Generate(b, hosttensor.InitDecimal, 2)

	arg := op.MakeArgument(GemmProblem[float16.Float16, float32]{
		A: a.Data, B: b.Data, E: e.Data, M: m, N: n, K: k, StrideA: k, StrideB: n, StrideE: n,
	})
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := hosttensor.New[float32](m, n)
	require.NoError(t, reference.Gemm(a, b, want, reference.Ops{}))
	assert.NoError(t, hosttensor.CheckErr(e, want, 1e-3, 1e-3))

	ga := arg.(*GemmArgument[float16.Float16, float32])
	assert.EqualValues(t, 2*m*n*k, ga.FLOPs())
	assert.EqualValues(t, (m*k+k*n)*2+m*n*4, ga.Bytes())
}

func TestGemmLayouts(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	t.Cleanup(dev.Close)

	const m, n, k = 40, 72, 48
	for _, la := range []Layout{RowMajor, ColumnMajor} {
		for _, lb := range []Layout{RowMajor, ColumnMajor} {
			t.Run(la.String()+lb.String(), func(t *testing.T) {
				t.Parallel()
				op := NewGemm[float16.Float16, float32, float16.Float16](GemmInstance{
					LayoutA: la, LayoutB: lb, Spec: GemmMNKPadding, Tile: tile64(la, lb, true),
				})
				a := hostMatrix[float16.Float16](m, k, la)
				b := hostMatrix[float16.Float16](k, n, lb)
				e := hosttensor.New[float16.Float16](m, n)
				hosttensor.Generate(a, hosttensor.InitInteger, 3)
				hosttensor.Generate(b, hosttensor.InitInteger, 4)

				arg := op.MakeArgument(GemmProblem[float16.Float16, float16.Float16]{
					A: a.Data, B: b.Data, E: e.Data, M: m, N: n, K: k,
					StrideA: leading(m, k, la), StrideB: leading(k, n, lb), StrideE: n,
				})
				require.True(t, op.IsSupportedArgument(dev, arg), op.TypeString())
				_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
				require.NoError(t, err)

				want := hosttensor.New[float16.Float16](m, n)
				require.NoError(t, reference.Gemm(a, b, want, reference.Ops{}))
				assert.NoError(t, hosttensor.CheckErr(e, want, 0, 0))
			})
		}
	}
}

func TestGemmSpecializationRejectsRemainders(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	op := NewGemm[float16.Float16, float32, float16.Float16](GemmInstance{Tile: tile256(RowMajor, RowMajor)})
	a := make([]float16.Float16, 200*64)
	b := make([]float16.Float16, 64*128)
	e := make([]float16.Float16, 200*128)
	arg := op.MakeArgument(GemmProblem[float16.Float16, float16.Float16]{
		A: a, B: b, E: e, M: 200, N: 128, K: 64, StrideA: 64, StrideB: 128, StrideE: 128,
	})
	require.NoError(t, arg.Err())
	assert.False(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	assert.True(t, errors.Is(err, ErrInvalidGridwiseSetting), "%v", err)

	bad := op.MakeArgument(GemmProblem[float16.Float16, float16.Float16]{M: 0, N: 1, K: 1})
	assert.ErrorIs(t, bad.Err(), ErrUnsupported)
	assert.False(t, op.IsSupportedArgument(dev, bad))
}

func TestGemmNoMatrixCores(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx1030"))
	defer dev.Close()

	op := NewGemm[float16.Float16, float32, float16.Float16](GemmInstance{Tile: tile256(RowMajor, RowMajor)})
	p, _, _, _ := halfGemm(128, 128, 32)
	assert.False(t, op.IsSupportedArgument(dev, op.MakeArgument(p)))
}

func TestGemmForeignArgument(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	inst := GemmInstance{Tile: tile256(RowMajor, RowMajor)}
	op1 := NewGemm[float16.Float16, float32, float16.Float16](inst)
	op2 := NewGemm[float16.Float16, float32, float16.Float16](inst)
	p, _, _, _ := halfGemm(128, 128, 32)
	arg := op1.MakeArgument(p)
	assert.True(t, op1.IsSupportedArgument(dev, arg))
	assert.False(t, op2.IsSupportedArgument(dev, arg))
}

func halfGemm(m, n, k int) (GemmProblem[float16.Float16, float16.Float16], *hosttensor.Tensor[float16.Float16], *hosttensor.Tensor[float16.Float16], *hosttensor.Tensor[float16.Float16]) {
	a := hosttensor.New[float16.Float16](m, k)
	b := hosttensor.New[float16.Float16](k, n)
	e := hosttensor.New[float16.Float16](m, n)
	hosttensor.Generate(a, hosttensor.InitInteger, 11)
	hosttensor.Generate(b, hosttensor.InitInteger, 12)
	return GemmProblem[float16.Float16, float16.Float16]{
		A: a.Data, B: b.Data, E: e.Data, M: m, N: n, K: k, StrideA: k, StrideB: n, StrideE: n,
	}, a, b, e
}

func TestGemmMultipleDBiasRelu(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()

	const m, n, k = 64, 64, 32
	op := NewGemmMultipleD[float16.Float16, float32, float16.Float16](GemmInstance{
		Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true),
	})
	p, a, b, e := halfGemm(m, n, k)
	bias := hosttensor.New[float16.Float16](n)
	hosttensor.Generate(bias, hosttensor.InitInteger, 13)
	p.Ds = [][]float16.Float16{bias.Data}
	p.StrideDs = []int{0}
	p.CDEOp = elementwise.AddRelu{}

	arg := op.MakeArgument(p)
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	// A zero stride broadcasts the bias row.
	biasMN := &hosttensor.Tensor[float16.Float16]{Lengths: []int{m, n}, Strides: []int{0, 1}, Data: bias.Data}
	want := hosttensor.New[float16.Float16](m, n)
	require.NoError(t, reference.Gemm(a, b, want, reference.Ops{CDE: elementwise.AddRelu{}}, biasMN))
	assert.NoError(t, hosttensor.CheckErr(e, want, 0, 0))
}

func TestGemmSplitKStreams(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	const m, n, k = 64, 64, 128
	op := NewGemmSplitK[float16.Float16, float32, float32](GemmInstance{
		Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true),
	})
	a := hosttensor.New[float16.Float16](m, k)
	b := hosttensor.New[float16.Float16](k, n)
	hosttensor.Generate(a, hosttensor.InitInteger, 5)
	hosttensor.Generate(b, hosttensor.InitInteger, 6)

	// One launch with two K batches.
	single := hosttensor.New[float32](m, n)
	single.Fill(7)
	arg := op.MakeArgument(GemmProblem[float16.Float16, float32]{
		A: a.Data, B: b.Data, E: single.Data, M: m, N: n, K: k, StrideA: k, StrideB: n, StrideE: n, KBatch: 2,
	})
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	// Two accumulating launches over disjoint halves of K, one per stream.
	split := hosttensor.New[float32](m, n)
	half := k / 2
	var g errgroup.Group
	for i := range 2 {
		s := dev.NewStream()
		defer s.Close()
		arg := op.MakeArgument(GemmProblem[float16.Float16, float32]{
			A: a.Data[i*half:], B: b.Data[i*half*n:], E: split.Data,
			M: m, N: n, K: half, StrideA: k, StrideB: n, StrideE: n, Accumulate: true,
		})
		require.True(t, op.IsSupportedArgument(dev, arg))
		g.Go(func() error {
			_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{Stream: s})
			return err
		})
	}
	require.NoError(t, g.Wait())

	want := hosttensor.New[float32](m, n)
	require.NoError(t, reference.Gemm(a, b, want, reference.Ops{}))
	assert.NoError(t, hosttensor.CheckErr(single, want, 0, 0))
	assert.Equal(t, single.Data, split.Data)
}

func TestGemmSplitKNeedsAtomicOutput(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	op := NewGemmSplitK[float16.Float16, float32, float16.Float16](GemmInstance{
		Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true),
	})
	p, _, _, _ := halfGemm(32, 32, 64)
	p.KBatch = 2
	assert.False(t, op.IsSupportedArgument(dev, op.MakeArgument(p)))
}

func TestGemmTimed(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx940"))
	defer dev.Close()

	op := NewGemm[float16.Float16, float32, float16.Float16](GemmInstance{
		Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, false),
	})
	p, _, _, _ := halfGemm(33, 17, 9)
	arg := op.MakeArgument(p)
	require.True(t, op.IsSupportedArgument(dev, arg))
	calls := 0
	ms, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{
		TimeKernel: true, WarmupIters: 1, RepeatIters: 2, Preprocess: func() { calls++ },
	})
	require.NoError(t, err)
	assert.Positive(t, ms)
	assert.Equal(t, 3, calls)
}
