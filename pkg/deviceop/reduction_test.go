package deviceop

import (
	"context"
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
)

func reductionTile(vec int) gridwise.ReductionConfig {
	return gridwise.ReductionConfig{
		BlockSize: 64, MClusterSize: 4, KClusterSize: 16, MThreadSliceSize: 2, KThreadSliceSize: 4,
		InSrcVectorDim: 1, InSrcVectorSize: vec, OutDstVectorSize: vec,
	}
}

func TestSoftmaxMatchesReference(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	lengths := []int{4, 8, 32}
	in := hosttensor.New[float16.Float16](lengths...)
	out := hosttensor.New[float16.Float16](lengths...)
	hosttensor.Generate(in, hosttensor.InitDecimal, 1)

	op := NewSoftmax[float16.Float16, float32, float16.Float16](ReductionInstance{Tile: reductionTile(2)})
	arg := op.MakeArgument(SoftmaxProblem[float16.Float16, float16.Float16]{
		Lengths: lengths, ReduceDims: []int{2}, In: in.Data, Out: out.Data, Alpha: 1,
	})
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := hosttensor.New[float16.Float16](lengths...)
	require.NoError(t, reference.Softmax(in, want, []int{2}, 1, 0))
	assert.NoError(t, hosttensor.CheckErr(out, want, 2e-3, 2e-3))

	// Every row sums to one.
	for row := range 4 * 8 {
		var sum float64
		for _, v := range out.Data[row*32 : (row+1)*32] {
			sum += float64(v.Float32())
		}
		assert.InDelta(t, 1, sum, 2e-2)
	}
}

func TestSoftmaxInnerDims(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()

	// Reducing the leading dim leaves no contiguous reduced run, so only
	// scalar reads apply.
	lengths := []int{6, 5, 3}
	in := hosttensor.New[float32](lengths...)
	out := hosttensor.New[float32](lengths...)
	hosttensor.Generate(in, hosttensor.InitDecimal, 2)
	out.Fill(1)
	prob := SoftmaxProblem[float32, float32]{
		Lengths: lengths, ReduceDims: []int{0, 2}, In: in.Data, Out: out.Data, Alpha: 0.5, Beta: 2,
	}

	vec := NewSoftmax[float32, float32, float32](ReductionInstance{Tile: reductionTile(2)})
	assert.False(t, vec.IsSupportedArgument(dev, vec.MakeArgument(prob)))

	op := NewSoftmax[float32, float32, float32](ReductionInstance{Tile: reductionTile(1)})
	arg := op.MakeArgument(prob)
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := hosttensor.New[float32](lengths...)
	want.Fill(1)
	require.NoError(t, reference.Softmax(in, want, []int{0, 2}, 0.5, 2))
	assert.NoError(t, hosttensor.CheckErr(out, want, 1e-5, 1e-5))
}

func TestReduceOps(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	lengths := []int{6, 50}
	in := hosttensor.New[float32](lengths...)
	hosttensor.Generate(in, hosttensor.InitDecimal, 3)

	for _, tc := range []struct {
		op           elementwise.ReduceOp
		blocksPerRow int
	}{
		{elementwise.ReduceAdd, 1},
		{elementwise.ReduceAdd, 4},
		{elementwise.ReduceAvg, 1},
		{elementwise.ReduceMax, 1},
		{elementwise.ReduceMin, 1},
		{elementwise.ReduceAMax, 1},
		{elementwise.ReduceNorm2, 1},
	} {
		out := hosttensor.New[float32](6)
		op := NewReduce[float32, float32, float32](ReductionInstance{Tile: reductionTile(1), BlocksPerRow: tc.blocksPerRow})
		arg := op.MakeArgument(ReduceProblem[float32, float32]{
			Lengths: lengths, ReduceDims: []int{1}, In: in.Data, Out: out.Data, Op: tc.op, Alpha: 1,
		})
		require.NoError(t, arg.Err(), tc.op.String())
		require.True(t, op.IsSupportedArgument(dev, arg), tc.op.String())
		_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
		require.NoError(t, err)

		want := hosttensor.New[float32](6)
		require.NoError(t, reference.Reduce(in, want, []int{1}, tc.op, nil, 1, 0))
		assert.NoError(t, hosttensor.CheckErr(out, want, 1e-5, 1e-5), "%s x%d", tc.op, tc.blocksPerRow)
	}
}

func TestReduceAllDims(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx940"))
	defer dev.Close()

	in := hosttensor.New[float16.Float16](4, 5)
	hosttensor.Generate(in, hosttensor.InitInteger, 4)
	out := hosttensor.New[float32](1)

	op := NewReduce[float16.Float16, float32, float32](ReductionInstance{Tile: reductionTile(1)})
	arg := op.MakeArgument(ReduceProblem[float16.Float16, float32]{
		Lengths: []int{4, 5}, ReduceDims: []int{0, 1}, In: in.Data, Out: out.Data,
		Op: elementwise.ReduceAdd, InOp: elementwise.UnarySquare{}, Alpha: 1,
	})
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	var want float64
	for _, v := range in.Data {
		want += float64(v.Float32()) * float64(v.Float32())
	}
	assert.InDelta(t, want, out.Data[0], 1e-6)
}

func TestPermuteNCHWToNHWC(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	const n, c, h, w = 2, 3, 4, 5
	lengths := []int{n, c, h, w}
	in := hosttensor.New[float16.Float16](lengths...)
	hosttensor.GenerateSequential(in, 1)
	outStrides := []int{h * w * c, 1, w * c, c}
	out := must.M1(hosttensor.NewStrided[float16.Float16](lengths, outStrides))

	op := NewPermute[float16.Float16, float16.Float16](ElementwiseInstance{
		Tile: gridwise.ElementwiseConfig{BlockSize: 64, ThreadSliceSize: 4, InVectorSize: 1, OutVectorSize: 1},
	})
	arg := op.MakeArgument(PermuteProblem[float16.Float16, float16.Float16]{
		Lengths: lengths, OutStrides: outStrides, In: in.Data, Out: out.Data, Op: elementwise.PassThrough{},
	})
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := must.M1(hosttensor.NewStrided[float16.Float16](lengths, outStrides))
	require.NoError(t, reference.Permute(in, want, nil))
	assert.Equal(t, want.Data, out.Data)
	assert.Equal(t, in.At(1, 2, 3, 4), out.Data[1*h*w*c+3*w*c+4*c+2])

	// Eight-wide reads need a contiguous inner dim of the output as well.
	wide := NewPermute[float16.Float16, float16.Float16](ElementwiseInstance{
		Tile: gridwise.ElementwiseConfig{BlockSize: 64, ThreadSliceSize: 8, InVectorSize: 8, OutVectorSize: 8},
	})
	assert.False(t, wide.IsSupportedArgument(dev, wide.MakeArgument(PermuteProblem[float16.Float16, float16.Float16]{
		Lengths: lengths, OutStrides: outStrides, In: in.Data, Out: out.Data,
	})))
}

func TestBatchNormInfer(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()

	lengths := []int{2, 3, 3, 8}
	x := hosttensor.New[float32](lengths...)
	y := hosttensor.New[float32](lengths...)
	hosttensor.Generate(x, hosttensor.InitDecimal, 5)
	stats := make([]*hosttensor.Tensor[float32], 4)
	for i := range stats {
		stats[i] = hosttensor.New[float32](8)
		hosttensor.GenerateUniform(stats[i], uint64(10+i), 0.5, 1.5)
	}

	op := NewBatchNormInfer[float32](ElementwiseInstance{
		Tile: gridwise.ElementwiseConfig{BlockSize: 64, ThreadSliceSize: 4, InVectorSize: 1, OutVectorSize: 1},
	})
	arg := op.MakeArgument(BatchNormInferProblem[float32]{
		Lengths: lengths, X: x.Data, Y: y.Data,
		Scale: stats[0].Data, Bias: stats[1].Data, Mean: stats[2].Data, Variance: stats[3].Data,
		Epsilon: 1e-5,
	})
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := hosttensor.New[float32](lengths...)
	require.NoError(t, reference.BatchNormInfer(x, want, stats[0], stats[1], stats[2], stats[3], 1e-5))
	assert.NoError(t, hosttensor.CheckErr(y, want, 1e-5, 1e-5))
}

func attentionInstance() AttentionInstance {
	return AttentionInstance{
		Gemm0:   GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, ColumnMajor, true)},
		Softmax: reductionTile(1),
		Gemm1:   GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true)},
	}
}

func TestAttentionMatchesReference(t *testing.T) {
	t.Parallel()

	const g0, g1, m, n, k, o = 2, 2, 32, 32, 16, 16
	q := hosttensor.New[float16.Float16](g0, g1, m, k)
	keys := hosttensor.New[float16.Float16](g0, g1, n, k)
	v := hosttensor.New[float16.Float16](g0, g1, n, o)
	hosttensor.Generate(q, hosttensor.InitDecimal, 6)
	hosttensor.Generate(keys, hosttensor.InitDecimal, 7)
	hosttensor.Generate(v, hosttensor.InitDecimal, 8)
	// Out is stored as [G0, M, G1, O].
	outStrides := []int{m * g1 * o, o, g1 * o, 1}
	out := must.M1(hosttensor.NewStrided[float16.Float16]([]int{g0, g1, m, o}, outStrides))
	scale := 1 / math.Sqrt(k)

	prob := AttentionProblem[float16.Float16, float16.Float16]{
		G0: g0, G1: g1, M: m, N: n, K: k, O: o,
		Q: q.Data, Keys: keys.Data, V: v.Data, Out: out.Data, Scale: scale,
	}
	op := NewBatchedGemmSoftmaxGemmPermute[float16.Float16, float32, float16.Float16](attentionInstance())

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()
	arg := op.MakeArgument(prob)
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := must.M1(hosttensor.NewStrided[float16.Float16]([]int{g0, g1, m, o}, outStrides))
	require.NoError(t, reference.BatchedGemmSoftmaxGemm(q, keys, v, want, scale))
	assert.NoError(t, hosttensor.CheckErr(out, want, 1e-2, 1e-2))

	aa := arg.(*AttentionArgument[float16.Float16, float32, float16.Float16])
	assert.EqualValues(t, 2*g0*g1*(m*n*k+m*o*n), aa.FLOPs())
	assert.EqualValues(t, g0*g1*((m*k+n*k+n*o)*2+m*o*2), aa.Bytes())
}

func TestAttentionDeviceRestriction(t *testing.T) {
	t.Parallel()

	op := NewBatchedGemmSoftmaxGemmPermute[float16.Float16, float32, float16.Float16](attentionInstance())
	const m, n, k, o = 32, 32, 16, 16
	prob := AttentionProblem[float16.Float16, float16.Float16]{
		G0: 1, G1: 1, M: m, N: n, K: k, O: o,
		Q: make([]float16.Float16, m*k), Keys: make([]float16.Float16, n*k),
		V: make([]float16.Float16, n*o), Out: make([]float16.Float16, m*o), Scale: 1,
	}
	for name, ok := range map[string]bool{"gfx908": true, "gfx90a": true, "gfx940": false, "gfx1030": false} {
		dev := must.M1(gpu.Open(name))
		assert.Equal(t, ok, op.IsSupportedArgument(dev, op.MakeArgument(prob)), name)
		if !ok {
			_, err := op.Run(context.Background(), dev, op.MakeArgument(prob), gpu.StreamConfig{})
			assert.ErrorIs(t, err, ErrInvalidGridwiseSetting, name)
		}
		dev.Close()
	}
}

func TestGemmBiasAddReduce(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	const m, n, k = 32, 48, 32
	p, a, b, e := halfGemm(m, n, k)
	bias := hosttensor.New[float16.Float16](n)
	d0 := hosttensor.New[float16.Float16](m, n)
	hosttensor.Generate(bias, hosttensor.InitInteger, 20)
	hosttensor.Generate(d0, hosttensor.InitInteger, 21)
	r0 := make([]float32, m)
	r1 := make([]float32, m)

	op := NewGemmBiasAddReduce[float16.Float16, float32, float16.Float16, float32](GemmReduceInstance{
		Gemm:   GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true)},
		Reduce: reductionTile(1),
	})
	arg := op.MakeArgument(GemmReduceProblem[float16.Float16, float16.Float16, float32]{
		A: p.A, B: p.B, E: p.E, Bias: bias.Data, D0: d0.Data, R0: r0, R1: r1,
		M: m, N: n, K: k, StrideA: k, StrideB: n, StrideE: n, StrideD0: n,
	})
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	biasMN := &hosttensor.Tensor[float16.Float16]{Lengths: []int{m, n}, Strides: []int{0, 1}, Data: bias.Data}
	want := hosttensor.New[float16.Float16](m, n)
	require.NoError(t, reference.Gemm(a, b, want, reference.Ops{CDE: elementwise.AddAdd{}}, biasMN, d0))
	assert.NoError(t, hosttensor.CheckErr(e, want, 0, 0))

	for i := range m {
		var sum, sq float64
		for j := range n {
			v := dtype.ToFloat64(e.At(i, j))
			sum += v
			sq += v * v
		}
		assert.InDelta(t, sum/n, float64(r0[i]), 1e-2, "row %d", i)
		assert.InEpsilon(t, sq/n, float64(r1[i]), 1e-4, "row %d", i)
	}
}
