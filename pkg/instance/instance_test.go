package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
)

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	tab := Default()
	require.NotNil(t, tab)
	assert.Len(t, tab.Families(), 11)
	for _, f := range tab.Families() {
		assert.NotEmpty(t, tab.Summaries(f), f)
	}

	// Priorities are non-increasing inside each family.
	for _, f := range tab.Families() {
		ss := tab.Summaries(f)
		for i := 1; i < len(ss); i++ {
			assert.GreaterOrEqual(t, ss[i-1].Priority, ss[i].Priority, "%s: %s before %s", f, ss[i-1].Name, ss[i].Name)
		}
	}

	// Anchored geometry is merged into every tile.
	for _, e := range tab.Gemm {
		tile := e.Instance.Tile
		assert.Positive(t, tile.BlockSize, e.Name())
		assert.Positive(t, tile.ABlockTransfer.SrcScalarPerVector, e.Name())
		assert.NoError(t, tile.Validate(64), e.Name())
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	t.Parallel()

	const doc = `
permute:
  - {name: p, types: {ab: f16, e: f16}, tile: {block_size: 64, thread_slice_size: 4, in_vector_size: 1, out_vector_size: 1}}
batchnorm_infer:
  - {name: p, types: {ab: f16, e: f16}, tile: {block_size: 64, thread_slice_size: 4, in_vector_size: 1, out_vector_size: 1}}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"p"`)

	_, err = Parse([]byte("permute:\n  - {name: q, tile: {block_size: 64}}\n"))
	require.Error(t, err)

	_, err = Parse([]byte("permute:\n  - {name: q, types: {ab: f4, e: f16}}\n"))
	require.Error(t, err)
}

func TestParseOrdersByPriority(t *testing.T) {
	t.Parallel()

	const doc = `
softmax:
  - {name: low, types: {ab: f32, acc: f32, e: f32}, priority: 1}
  - {name: high, types: {ab: f32, acc: f32, e: f32}, priority: 9}
  - {name: mid, types: {ab: f32, acc: f32, e: f32}, priority: 5}
`
	tab, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, tab.Names())
	assert.Equal(t, "f32_f32_f32", tab.Softmax[0].Types.String())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	tab, err := Load("")
	require.NoError(t, err)
	assert.Same(t, Default(), tab)

	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte("permute:\n  - {name: only, types: {ab: f32, e: f32}, tile: {block_size: 64, thread_slice_size: 4, in_vector_size: 1, out_vector_size: 1}}\n"), 0o644))
	tab, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, tab.Names())
	assert.Len(t, Permutes[float32, float32](tab), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistryFilters(t *testing.T) {
	t.Parallel()

	tab := Default()
	rr := Gemms[float16.Float16, float32, float16.Float16](tab, deviceop.RowMajor, deviceop.RowMajor)
	require.NotEmpty(t, rr)
	for _, op := range rr {
		assert.Contains(t, op.Name(), "_rr_")
	}
	assert.Empty(t, Gemms[float16.Float16, float32, float32](tab, deviceop.RowMajor, deviceop.RowMajor))
	assert.NotEmpty(t, GemmSplitKs[float16.Float16, float32, float32](tab, deviceop.RowMajor, deviceop.RowMajor))
	assert.NotEmpty(t, GemmMultipleDs[float32, float32, float32](tab, deviceop.ColumnMajor, deviceop.ColumnMajor))
	assert.NotEmpty(t, ConvFwds[float16.Float16, float32, float16.Float16](tab))
	assert.NotEmpty(t, ConvBwdWeights[float16.Float16, float32, float32](tab))
	assert.NotEmpty(t, Softmaxes[float16.Float16, float32, float16.Float16](tab, 3, 1))
	assert.NotEmpty(t, Reduces[float32, float32, float32](tab, 2, 1))
	assert.NotEmpty(t, BatchNormInfers[float16.Float16](tab))
	assert.NotEmpty(t, Attentions[float16.Float16, float32, float16.Float16](tab))
}

func gemmProblem(m, n, k int) (deviceop.GemmProblem[float16.Float16, float16.Float16], *hosttensor.Tensor[float16.Float16], *hosttensor.Tensor[float16.Float16], *hosttensor.Tensor[float16.Float16]) {
	a := hosttensor.New[float16.Float16](m, k)
	b := hosttensor.New[float16.Float16](k, n)
	e := hosttensor.New[float16.Float16](m, n)
	hosttensor.Generate(a, hosttensor.InitInteger, 1)
	hosttensor.Generate(b, hosttensor.InitInteger, 2)
	return deviceop.GemmProblem[float16.Float16, float16.Float16]{
		A: a.Data, B: b.Data, E: e.Data,
		M: m, N: n, K: k,
		StrideA: k, StrideB: n, StrideE: n,
	}, a, b, e
}

func TestSelectFallsBackToPadding(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()
	ops := Gemms[float16.Float16, float32, float16.Float16](Default(), deviceop.RowMajor, deviceop.RowMajor)

	// 100 is not a multiple of any tile, so only padding instances apply.
	p, a, b, e := gemmProblem(100, 40, 24)
	op, arg, err := Select(dev, ops, p)
	require.NoError(t, err)
	assert.Contains(t, op.Name(), "mnkpad")

	_, err = op.Run(context.Background(), dev, arg, gpu.StreamConfig{})
	require.NoError(t, err)
	want := hosttensor.New[float16.Float16](100, 40)
	require.NoError(t, reference.Gemm(a, b, want, reference.Ops{}))
	rtol, atol := hosttensor.Tolerance[float16.Float16]()
	assert.NoError(t, hosttensor.CheckErr(e, want, rtol, atol))

	_, _, err = Select(dev, ops[:1], p)
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestTuneCachesWinner(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()
	ops := Gemms[float16.Float16, float32, float16.Float16](Default(), deviceop.RowMajor, deviceop.RowMajor)
	p, _, _, _ := gemmProblem(64, 64, 32)

	tuner := NewAutotuner()
	key := Key(FamilyGemm, Types{AB: dtype.F16, Acc: dtype.F32, E: dtype.F16}, p.M, p.N, p.K)
	assert.Equal(t, "gemm/f16_f32_f16/64x64x32", key)

	sc := gpu.StreamConfig{WarmupIters: 0, RepeatIters: 1}
	op, _, err := Tune(context.Background(), tuner, dev, key, ops, p, sc)
	require.NoError(t, err)
	tuned, ok := tuner.Cached(key)
	require.True(t, ok)
	assert.Equal(t, op.Name(), tuned.Name)

	again, _, err := Tune(context.Background(), tuner, dev, key, ops, p, sc)
	require.NoError(t, err)
	assert.Equal(t, op.Name(), again.Name())

	tuner.Forget()
	_, ok = tuner.Cached(key)
	assert.False(t, ok)
}

func TestByName(t *testing.T) {
	t.Parallel()

	ops := Softmaxes[float32, float32, float32](Default(), 0, 0)
	op, err := ByName(ops, "softmax_f32_64_4x16_2x4_v1")
	require.NoError(t, err)
	assert.Equal(t, "softmax_f32_64_4x16_2x4_v1", op.Name())
	_, err = ByName(ops, "nope")
	assert.ErrorIs(t, err, ErrNoInstance)
}
