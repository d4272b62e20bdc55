package profiler

import (
	"bytes"
	"context"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/internal/reference"
	"github.com/samcharles93/tessera/pkg/deviceop"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

type gemmCase struct {
	p       deviceop.GemmProblem[float16.Float16, float16.Float16]
	a, b, e *hosttensor.Tensor[float16.Float16]
}

func newGemmCase(m, n, k int) gemmCase {
	c := gemmCase{
		a: hosttensor.New[float16.Float16](m, k),
		b: hosttensor.New[float16.Float16](k, n),
		e: hosttensor.New[float16.Float16](m, n),
	}
	hosttensor.Generate(c.a, hosttensor.InitInteger, 1)
	hosttensor.Generate(c.b, hosttensor.InitInteger, 2)
	c.p = deviceop.GemmProblem[float16.Float16, float16.Float16]{
		A: c.a.Data, B: c.b.Data, E: c.e.Data, M: m, N: n, K: k, StrideA: k, StrideB: n, StrideE: n,
	}
	return c
}

func (c gemmCase) verify() error {
	want := hosttensor.New[float16.Float16](c.e.Lengths...)
	if err := reference.Gemm(c.a, c.b, want, reference.Ops{}); err != nil {
		return err
	}
	return hosttensor.CheckErr(c.e, want, 0, 0)
}

func TestProfileGemm(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()
	ops := instance.Gemms[float16.Float16, float32, float16.Float16](instance.Default(), deviceop.RowMajor, deviceop.RowMajor)
	c := newGemmCase(64, 64, 32)

	var progress bytes.Buffer
	rep, err := Profile(context.Background(), dev, instance.FamilyGemm, "64x64x32", ops, c.p, Options{
		Stream:   gpu.StreamConfig{WarmupIters: 0, RepeatIters: 1},
		Reset:    func() { c.e.Fill(0) },
		Verify:   c.verify,
		Progress: &progress,
	})
	require.NoError(t, err)
	require.Len(t, rep.Runs, len(ops))
	assert.NotEmpty(t, rep.ID)
	assert.NotEmpty(t, rep.Best)
	assert.EqualValues(t, 2*64*64*32, rep.Counts.FLOPs)
	assert.Positive(t, rep.Counts.Bytes)

	ids := map[string]bool{}
	for _, run := range rep.Runs {
		assert.False(t, ids[run.ID], "run ids are unique")
		ids[run.ID] = true
	}

	sup := rep.Supported()
	require.NotEmpty(t, sup)
	assert.Equal(t, rep.Best, sup[0].Instance)
	sel, _, err := instance.Select(dev, ops, c.p)
	require.NoError(t, err)
	assert.Equal(t, sel.Name(), rep.Default)
	for i, run := range sup {
		require.NotNil(t, run.Verified, run.Instance)
		assert.True(t, *run.Verified, run.Instance)
		assert.Positive(t, run.TFLOPS, run.Instance)
		if i > 0 {
			assert.LessOrEqual(t, sup[i-1].Ms, run.Ms)
		}
	}

	out := rep.Table()
	assert.Contains(t, out, rep.Best)
	assert.Contains(t, rep.Summary(), "gfx908")

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))
	back, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, rep.Best, back.Best)
	assert.Len(t, back.Runs, len(rep.Runs))
}

func TestProfileRecordsVerificationFailures(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx90a"))
	defer dev.Close()
	ops := instance.Gemms[float16.Float16, float32, float16.Float16](instance.Default(), deviceop.RowMajor, deviceop.RowMajor)
	c := newGemmCase(64, 64, 32)

	rep, err := Profile(context.Background(), dev, instance.FamilyGemm, "64x64x32", ops, c.p, Options{
		Stream: gpu.StreamConfig{RepeatIters: 1},
		Verify: func() error { return errors.New("mismatch at (0, 0)") },
	})
	require.Error(t, err)
	assert.Empty(t, rep.Best)
	for _, run := range rep.Runs {
		if run.Supported {
			assert.Contains(t, run.Error, ErrVerification.Error())
		}
	}
	assert.Empty(t, rep.Supported())
}

func TestProfileNothingSupported(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx1030"))
	defer dev.Close()
	ops := instance.Gemms[float16.Float16, float32, float16.Float16](instance.Default(), deviceop.RowMajor, deviceop.RowMajor)
	c := newGemmCase(64, 64, 32)

	rep, err := Profile(context.Background(), dev, instance.FamilyGemm, "64x64x32", ops, c.p, Options{})
	require.Error(t, err)
	for _, run := range rep.Runs {
		assert.False(t, run.Supported)
	}
	assert.Contains(t, rep.Table(), "unsupported")
}

func TestProfileCancelled(t *testing.T) {
	t.Parallel()

	dev := must.M1(gpu.Open("gfx908"))
	defer dev.Close()
	ops := instance.Gemms[float16.Float16, float32, float16.Float16](instance.Default(), deviceop.RowMajor, deviceop.RowMajor)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Profile(ctx, dev, instance.FamilyGemm, "64x64x32", ops, newGemmCase(64, 64, 32).p, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
