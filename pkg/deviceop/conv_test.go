package deviceop

import (
	"context"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
)

func conv2D(g, n, c, k, hw, yx, stride, pad int) convparam.Params {
	return convparam.Params{
		NumSpatialDims: 2,
		G:              g, N: n, K: k, C: c,
		FilterLengths: []int{yx, yx},
		InputLengths:  []int{hw, hw},
		Strides:       []int{stride, stride},
		Dilations:     []int{1, 1},
		LeftPads:      []int{pad, pad},
		RightPads:     []int{pad, pad},
	}
}

// channelsLast allocates a conv tensor in the NHWGC family of layouts the
// operators default to.
func channelsLast[T dtype.Storage](lengths []int) *hosttensor.Tensor[T] {
	return must.M1(hosttensor.NewStrided[T](lengths, convparam.ChannelsLastStrides(lengths)))
}

func TestConvFwdMatchesReference(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()

	p := conv2D(2, 2, 16, 24, 7, 3, 2, 1)
	in := channelsLast[float16.Float16](p.InputGNC())
	wei := channelsLast[float16.Float16](p.WeightGKC())
	out := channelsLast[float16.Float16](p.OutputGNK())
	hosttensor.Generate(in, hosttensor.InitInteger, 1)
	hosttensor.Generate(wei, hosttensor.InitInteger, 2)

	op := NewGroupedConvFwd[float16.Float16, float32, float16.Float16](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, ColumnMajor, true)},
	})
	arg := op.MakeArgument(ConvFwdProblem[float16.Float16, float16.Float16]{Params: p, In: in.Data, Wei: wei.Data, Out: out.Data})
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := channelsLast[float16.Float16](p.OutputGNK())
	require.NoError(t, reference.ConvFwd(p, in, wei, want, reference.Ops{}))
	rtol, atol := hosttensor.Tolerance[float16.Float16]()
	assert.NoError(t, hosttensor.CheckErr(out, want, rtol, atol))

	ca := arg.(*ConvArgument[float16.Float16, float16.Float16])
	assert.Equal(t, p.FLOPs(), ca.FLOPs())
	assert.Equal(t, 1, ca.NumLaunches())
}

func TestConvFwd1x1ViewsMatchGemm(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	p := conv2D(1, 2, 64, 32, 4, 1, 1, 0)
	gemm := GemmInstance{LayoutA: RowMajor, LayoutB: ColumnMajor, Spec: GemmMNKPadding, Tile: tile64(RowMajor, ColumnMajor, true)}
	conv := NewGroupedConvFwd[float16.Float16, float32, float16.Float16](ConvInstance{Gemm: gemm, ConvSpec: ConvFilter1x1Stride1Pad0})
	plain := NewGemm[float16.Float16, float32, float16.Float16](gemm)

	in := channelsLast[float16.Float16](p.InputGNC())
	wei := channelsLast[float16.Float16](p.WeightGKC())
	out := channelsLast[float16.Float16](p.OutputGNK())
	hosttensor.Generate(in, hosttensor.InitInteger, 3)
	hosttensor.Generate(wei, hosttensor.InitInteger, 4)
	carg := conv.MakeArgument(ConvFwdProblem[float16.Float16, float16.Float16]{Params: p, In: in.Data, Wei: wei.Data, Out: out.Data})
	require.True(t, conv.IsSupportedArgument(dev, carg))

	// M = N*Ho*Wo, N = K, K = C with the weights read as a column-major B.
	m := p.N * 4 * 4
	e := make([]float16.Float16, m*p.K)
	garg := plain.MakeArgument(GemmProblem[float16.Float16, float16.Float16]{
		A: in.Data, B: wei.Data, E: e, M: m, N: p.K, K: p.C, StrideA: p.C, StrideB: p.C, StrideE: p.K,
	})
	require.True(t, plain.IsSupportedArgument(dev, garg))

	ca, cb, ce := carg.(*ConvArgument[float16.Float16, float16.Float16]).Views()
	ga, gb, ge := garg.(*GemmArgument[float16.Float16, float16.Float16]).Views()
	assert.True(t, ca.Equal(ga), "A\n%s\n%s", ca, ga)
	assert.True(t, cb.Equal(gb), "B\n%s\n%s", cb, gb)
	assert.True(t, ce.Equal(ge), "E\n%s\n%s", ce, ge)

	_, err := conv.Run(context.Background(), dev, carg, gpu.StreamConfig{})
	require.NoError(t, err)
	_, err = plain.Run(context.Background(), dev, garg, gpu.StreamConfig{})
	require.NoError(t, err)
	assert.Equal(t, e, out.Data)

	// The specialization refuses anything but a unit filter.
	p3 := conv2D(1, 2, 64, 32, 4, 3, 1, 1)
	assert.Error(t, conv.MakeArgument(ConvFwdProblem[float16.Float16, float16.Float16]{Params: p3}).Err())
}

func TestConvFwdVectorWidth(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	// Three input channels cannot feed 8-wide reads along C.
	p := conv2D(1, 1, 3, 32, 8, 3, 1, 1)
	in := channelsLast[float16.Float16](p.InputGNC())
	wei := channelsLast[float16.Float16](p.WeightGKC())
	out := channelsLast[float16.Float16](p.OutputGNK())
	hosttensor.Generate(in, hosttensor.InitInteger, 5)
	hosttensor.Generate(wei, hosttensor.InitInteger, 6)
	prob := ConvFwdProblem[float16.Float16, float16.Float16]{Params: p, In: in.Data, Wei: wei.Data, Out: out.Data}

	vec := NewGroupedConvFwd[float16.Float16, float32, float16.Float16](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, ColumnMajor, true)},
	})
	arg := vec.MakeArgument(prob)
	require.NoError(t, arg.Err())
	assert.False(t, vec.IsSupportedArgument(dev, arg))
	_, err := vec.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	assert.ErrorIs(t, err, ErrInvalidGridwiseSetting)

	scalar := NewGroupedConvFwd[float16.Float16, float32, float16.Float16](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, ColumnMajor, false)},
	})
	arg = scalar.MakeArgument(prob)
	require.True(t, scalar.IsSupportedArgument(dev, arg))
	_, err = scalar.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	want := channelsLast[float16.Float16](p.OutputGNK())
	require.NoError(t, reference.ConvFwd(p, in, wei, want, reference.Ops{}))
	assert.NoError(t, hosttensor.CheckErr(out, want, 0, 0))
}

func TestConvBwdDataMatchesReference(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()

	p := conv2D(1, 2, 8, 16, 6, 3, 2, 1)
	dIn := channelsLast[float16.Float16](p.InputGNC())
	wei := channelsLast[float16.Float16](p.WeightGKC())
	dOut := channelsLast[float16.Float16](p.OutputGNK())
	hosttensor.Generate(wei, hosttensor.InitInteger, 7)
	hosttensor.Generate(dOut, hosttensor.InitInteger, 8)
	dIn.Fill(float16.Fromfloat32(9))

	op := NewConvBwdData[float16.Float16, float32, float16.Float16](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(RowMajor, RowMajor, true)},
	})
	arg := op.MakeArgument(ConvBwdDataProblem[float16.Float16, float16.Float16]{Params: p, DIn: dIn.Data, Wei: wei.Data, DOut: dOut.Data})
	require.NoError(t, arg.Err())
	require.True(t, op.IsSupportedArgument(dev, arg))
	_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)

	// A stride of two splits the 3x3 filter into 2x2 phases.
	assert.Equal(t, 4, arg.(*ConvArgument[float16.Float16, float16.Float16]).NumLaunches())

	want := channelsLast[float16.Float16](p.InputGNC())
	require.NoError(t, reference.ConvBwdData(p, want, wei, dOut))
	assert.NoError(t, hosttensor.CheckErr(dIn, want, 0, 0))
}

func TestConvBwdWeightMatchesReference(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()

	p := conv2D(1, 2, 8, 8, 5, 3, 1, 1)
	in := channelsLast[float16.Float16](p.InputGNC())
	dWei := channelsLast[float32](p.WeightGKC())
	dOut := channelsLast[float16.Float16](p.OutputGNK())
	hosttensor.Generate(in, hosttensor.InitInteger, 9)
	hosttensor.Generate(dOut, hosttensor.InitInteger, 10)
	dWei.Fill(3)

	op := NewConvBwdWeight[float16.Float16, float32, float32](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(ColumnMajor, RowMajor, true)},
	})
	for _, kBatch := range []int{0, 1, 3} {
		arg := op.MakeArgument(ConvBwdWeightProblem[float16.Float16, float32]{
			Params: p, In: in.Data, DWei: dWei.Data, DOut: dOut.Data, KBatch: kBatch,
		})
		require.NoError(t, arg.Err())
		require.True(t, op.IsSupportedArgument(dev, arg), "kBatch=%d", kBatch)
		_, err := op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
		require.NoError(t, err)

		want := channelsLast[float32](p.WeightGKC())
		require.NoError(t, reference.ConvBwdWeight(p, in, want, dOut))
		assert.NoError(t, hosttensor.CheckErr(dWei, want, 0, 0), "kBatch=%d", kBatch)
	}

	// Half-precision weight gradients have no atomic add.
	half := NewConvBwdWeight[float16.Float16, float32, float16.Float16](ConvInstance{
		Gemm: GemmInstance{Spec: GemmMNKPadding, Tile: tile64(ColumnMajor, RowMajor, true)},
	})
	dWeiHalf := channelsLast[float16.Float16](p.WeightGKC())
	arg := half.MakeArgument(ConvBwdWeightProblem[float16.Float16, float16.Float16]{Params: p, In: in.Data, DWei: dWeiHalf.Data, DOut: dOut.Data})
	assert.False(t, half.IsSupportedArgument(dev, arg))
}
