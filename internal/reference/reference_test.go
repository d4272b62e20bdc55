package reference

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/elementwise"
)

func fromData(data []float64, lengths ...int) *hosttensor.Tensor[float64] {
	return must.M1(hosttensor.FromData(data, lengths...))
}

func dot(a, b *hosttensor.Tensor[float64]) float64 {
	var s float64
	av, bv := a.Float64s(), b.Float64s()
	for i := range av {
		s += av[i] * bv[i]
	}
	return s
}

func TestGemmLayoutsAndEpilogue(t *testing.T) {
	t.Parallel()
	a := fromData([]float64{1, 2, 3, 4}, 2, 2)
	// Column-major B = [[5, 6], [7, 8]].
	b := &hosttensor.Tensor[float64]{Lengths: []int{2, 2}, Strides: []int{1, 2}, Data: []float64{5, 7, 6, 8}}
	bias := &hosttensor.Tensor[float64]{Lengths: []int{2, 2}, Strides: []int{0, 1}, Data: []float64{-20, -100}}
	e := hosttensor.New[float64](2, 2)

	require.NoError(t, Gemm(a, b, e, Ops{CDE: elementwise.AddRelu{}}, bias))
	// A*B = [[19, 22], [43, 50]]
	assert.Equal(t, []float64{0, 0, 23, 0}, e.Float64s())

	require.ErrorIs(t, Gemm(a, b, e, Ops{CDE: elementwise.AddRelu{}}), ErrShape)
	require.ErrorIs(t, Gemm(a, b, hosttensor.New[float64](3, 2), Ops{}), ErrShape)
}

func TestBatchedGemm(t *testing.T) {
	t.Parallel()
	a := hosttensor.New[float64](3, 4, 5)
	b := hosttensor.New[float64](3, 5, 2)
	hosttensor.GenerateInteger(a, 1, -3, 3)
	hosttensor.GenerateInteger(b, 2, -3, 3)
	e := hosttensor.New[float64](3, 4, 2)
	require.NoError(t, Gemm(a, b, e, Ops{A: elementwise.Scale{Factor: 2}}))

	for g := range 3 {
		for i := range 4 {
			for j := range 2 {
				var want float64
				for k := range 5 {
					want += 2 * a.At(g, i, k) * b.At(g, k, j)
				}
				assert.Equal(t, want, e.At(g, i, j))
			}
		}
	}
}

func conv(stride, pad int) convparam.Params {
	return convparam.Params{
		NumSpatialDims: 2,
		G:              2,
		N:              2,
		K:              3,
		C:              4,
		FilterLengths:  []int{3, 2},
		InputLengths:   []int{7, 6},
		Strides:        []int{stride, stride},
		Dilations:      []int{1, 2},
		LeftPads:       []int{pad, pad},
		RightPads:      []int{pad, pad},
	}
}

func TestConvFwd1x1MatchesGemm(t *testing.T) {
	t.Parallel()
	p := conv(1, 0)
	p.G = 1
	p.FilterLengths = []int{1, 1}
	p.Dilations = []int{1, 1}

	// NHWC input and KYXC weight make the convolution a row-major by
	// column-major GEMM over C.
	in := must.M1(hosttensor.NewStrided[float64](p.InputGNC(), convparam.ChannelsLastStrides(p.InputGNC())))
	wei := must.M1(hosttensor.NewStrided[float64](p.WeightGKC(), convparam.ChannelsLastStrides(p.WeightGKC())))
	out := must.M1(hosttensor.NewStrided[float64](p.OutputGNK(), convparam.ChannelsLastStrides(p.OutputGNK())))
	hosttensor.GenerateInteger(in, 3, -4, 4)
	hosttensor.GenerateInteger(wei, 4, -4, 4)
	require.NoError(t, ConvFwd(p, in, wei, out, Ops{}))

	m, n, k := p.GemmSize()
	a := must.M1(hosttensor.FromData(in.Data, m, k))
	b := &hosttensor.Tensor[float64]{Lengths: []int{k, n}, Strides: []int{1, k}, Data: wei.Data}
	e := hosttensor.New[float64](m, n)
	require.NoError(t, Gemm(a, b, e, Ops{}))
	assert.Equal(t, e.Data, out.Data)
}

// The backward passes are the adjoints of the forward pass:
// <fwd(x, w), dy> = <x, bwdData(w, dy)> = <w, bwdWeight(x, dy)>.
func TestConvBackwardIsAdjoint(t *testing.T) {
	t.Parallel()
	for _, p := range []convparam.Params{conv(1, 0), conv(2, 1), conv(3, 2)} {
		x := hosttensor.New[float64](p.InputGNC()...)
		w := hosttensor.New[float64](p.WeightGKC()...)
		dy := hosttensor.New[float64](p.OutputGNK()...)
		hosttensor.GenerateInteger(x, 5, -3, 3)
		hosttensor.GenerateInteger(w, 6, -3, 3)
		hosttensor.GenerateInteger(dy, 7, -3, 3)

		y := hosttensor.New[float64](p.OutputGNK()...)
		dx := hosttensor.New[float64](p.InputGNC()...)
		dw := hosttensor.New[float64](p.WeightGKC()...)
		require.NoError(t, ConvFwd(p, x, w, y, Ops{}))
		require.NoError(t, ConvBwdData(p, dx, w, dy))
		require.NoError(t, ConvBwdWeight(p, x, dw, dy))

		want := dot(y, dy)
		assert.Equal(t, want, dot(x, dx), "%s", p)
		assert.Equal(t, want, dot(w, dw), "%s", p)
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()
	in := hosttensor.New[float64](2, 3, 4)
	hosttensor.GenerateUniform(in, 9, -2, 2)
	out := hosttensor.New[float64](2, 3, 4)
	require.NoError(t, Softmax(in, out, []int{1, 2}, 1, 0))
	for g := range 2 {
		var sum float64
		for i := range 3 {
			for j := range 4 {
				sum += out.At(g, i, j)
			}
		}
		assert.InDelta(t, 1, sum, 1e-12)
	}

	require.ErrorIs(t, Softmax(in, out, []int{1, 1}, 1, 0), ErrShape)
}

func TestReduce(t *testing.T) {
	t.Parallel()
	in := fromData([]float64{1, -7, 3, 4, 5, 6}, 2, 3)

	rowMax := hosttensor.New[float64](2)
	require.NoError(t, Reduce(in, rowMax, []int{1}, elementwise.ReduceAMax, nil, 1, 0))
	assert.Equal(t, []float64{7, 6}, rowMax.Data)

	colAvg := hosttensor.New[float64](3)
	require.NoError(t, Reduce(in, colAvg, []int{0}, elementwise.ReduceAvg, nil, 1, 0))
	assert.Equal(t, []float64{2.5, -1, 4.5}, colAvg.Data)

	all := fromData([]float64{10}, 1)
	require.NoError(t, Reduce(in, all, []int{0, 1}, elementwise.ReduceAdd, elementwise.UnarySquare{}, 1, 0.5))
	assert.Equal(t, []float64{1 + 49 + 9 + 16 + 25 + 36 + 5}, all.Data)
}

func TestBatchNormInfer(t *testing.T) {
	t.Parallel()
	x := fromData([]float64{1, 2, 3, 4}, 1, 2, 1, 2)
	y := hosttensor.New[float64](1, 2, 1, 2)
	scale := fromData([]float64{2, 1}, 2)
	bias := fromData([]float64{0, 1}, 2)
	mean := fromData([]float64{1, 0}, 2)
	variance := fromData([]float64{4, 1}, 2)
	require.NoError(t, BatchNormInfer(x, y, scale, bias, mean, variance, 0))
	assert.Equal(t, []float64{0, 3, 2, 5}, y.Data)
}

func TestPermute(t *testing.T) {
	t.Parallel()
	in := fromData([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	// Transposed storage for the same logical [2, 3] tensor.
	out := &hosttensor.Tensor[float64]{Lengths: []int{2, 3}, Strides: []int{1, 2}, Data: make([]float64, 6)}
	require.NoError(t, Permute(in, out, elementwise.Scale{Factor: -1}))
	assert.Equal(t, []float64{-1, -4, -2, -5, -3, -6}, out.Data)
}

func TestAttentionWithUniformScores(t *testing.T) {
	t.Parallel()
	q := hosttensor.New[float64](1, 2, 3, 4)
	k := hosttensor.New[float64](1, 2, 5, 4)
	v := hosttensor.New[float64](1, 2, 5, 2)
	hosttensor.GenerateUniform(q, 1, -1, 1)
	hosttensor.GenerateUniform(v, 2, -1, 1)
	out := hosttensor.New[float64](1, 2, 3, 2)
	require.NoError(t, BatchedGemmSoftmaxGemm(q, k, v, out, 0.5))

	// Zero keys give equal scores, so every row is the mean of v.
	for b := range 2 {
		for c := range 2 {
			var mean float64
			for j := range 5 {
				mean += v.At(0, b, j, c) / 5
			}
			for i := range 3 {
				assert.InDelta(t, mean, out.At(0, b, i, c), 1e-12)
			}
		}
	}
}
