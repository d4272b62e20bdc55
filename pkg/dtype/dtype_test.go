package dtype

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestOfAndSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, F16, Of[float16.Float16]())
	assert.Equal(t, BF16, Of[bfloat16.BFloat16]())
	assert.Equal(t, F32, Of[float32]())
	assert.Equal(t, F64, Of[float64]())
	assert.Equal(t, I8, Of[int8]())
	assert.Equal(t, I32, Of[int32]())

	assert.Equal(t, 2, SizeOf[float16.Float16]())
	assert.Equal(t, 8, SizeOf[float64]())
	assert.Equal(t, 1, SizeOf[int8]())
	assert.Equal(t, dtypes.Float16, F16.PJRT())
}

func TestParse(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DataType{
		"fp16": F16, "half": F16, "BF16": BF16, " f32 ": F32, "double": F64, "int8": I8, "i32": I32,
	} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := Parse("f8")
	require.Error(t, err)
}

func TestCast(t *testing.T) {
	t.Parallel()
	h := FromFloat64[float16.Float16](1.5)
	assert.Equal(t, 1.5, ToFloat64(h))
	assert.Equal(t, float32(1.5), Cast[float32](h))

	b := Cast[bfloat16.BFloat16](float32(-2))
	assert.Equal(t, -2.0, ToFloat64(b))

	// Integer narrowing truncates and saturates.
	assert.Equal(t, int8(127), FromFloat64[int8](300))
	assert.Equal(t, int8(-128), FromFloat64[int8](-1000))
	assert.Equal(t, int8(-3), FromFloat64[int8](-3.9))
	assert.Equal(t, int32(7), Cast[int32](int8(7)))

	// Same-type casts are the identity.
	assert.Equal(t, float64(0.1), Cast[float64](0.1))
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()
	var d DataType
	require.NoError(t, d.UnmarshalText([]byte("bfloat16")))
	assert.Equal(t, BF16, d)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "bf16", string(b))
	require.Error(t, d.UnmarshalText([]byte("f4")))
}
