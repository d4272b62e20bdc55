// Package dtype defines the element types kernels read, write and accumulate in.
package dtype

import (
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DataType identifies a storage or accumulator element type.
type DataType int

const (
	Invalid DataType = iota
	F16
	BF16
	F32
	F64
	I8
	I32
)

// Storage is the set of element types a tensor buffer can hold.
type Storage interface {
	float16.Float16 | bfloat16.BFloat16 | float32 | float64 | int8 | int32
}

// Accumulator is the set of types partial sums are kept in.
type Accumulator interface {
	float32 | float64 | int32
}

var names = map[DataType]string{
	F16:  "f16",
	BF16: "bf16",
	F32:  "f32",
	F64:  "f64",
	I8:   "i8",
	I32:  "i32",
}

func (d DataType) String() string {
	if s, ok := names[d]; ok {
		return s
	}
	return "invalid"
}

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32, I32:
		return 4
	case F64:
		return 8
	case I8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating point type.
func (d DataType) IsFloat() bool {
	return d == F16 || d == BF16 || d == F32 || d == F64
}

// PJRT maps d onto the XLA/PJRT dtype enumeration used in reports.
func (d DataType) PJRT() dtypes.DType {
	switch d {
	case F16:
		return dtypes.Float16
	case BF16:
		return dtypes.BFloat16
	case F32:
		return dtypes.Float32
	case F64:
		return dtypes.Float64
	case I8:
		return dtypes.Int8
	case I32:
		return dtypes.Int32
	default:
		return dtypes.InvalidDType
	}
}

// Parse accepts short ("f16") and long ("float16", "half") spellings.
func Parse(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f32", "fp32", "float32", "float":
		return F32, nil
	case "f64", "fp64", "float64", "double":
		return F64, nil
	case "i8", "int8":
		return I8, nil
	case "i32", "int32":
		return I32, nil
	default:
		return Invalid, errors.Errorf("unknown data type %q", s)
	}
}

func (d DataType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DataType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Of returns the DataType of the Go type T.
func Of[T Storage]() DataType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return F16
	case bfloat16.BFloat16:
		return BF16
	case float32:
		return F32
	case float64:
		return F64
	case int8:
		return I8
	case int32:
		return I32
	}
	return Invalid
}

// SizeOf returns the byte size of T.
func SizeOf[T Storage]() int {
	return Of[T]().Size()
}

// ToFloat64 widens v. The conversion is exact for every Storage type.
func ToFloat64[T Storage](v T) float64 {
	switch x := any(v).(type) {
	case float16.Float16:
		return float64(x.Float32())
	case bfloat16.BFloat16:
		return float64(x.Float32())
	case float32:
		return float64(x)
	case float64:
		return x
	case int8:
		return float64(x)
	case int32:
		return float64(x)
	}
	panic("dtype: unsupported storage type")
}

// FromFloat64 narrows f to T. Integer targets truncate toward zero and saturate.
func FromFloat64[T Storage](f float64) T {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(float32(f))).(T)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32(float32(f))).(T)
	case float32:
		return any(float32(f)).(T)
	case float64:
		return any(f).(T)
	case int8:
		return any(int8(saturate(f, math.MinInt8, math.MaxInt8))).(T)
	case int32:
		return any(int32(saturate(f, math.MinInt32, math.MaxInt32))).(T)
	}
	panic("dtype: unsupported storage type")
}

// Cast converts between storage types, going through float64 unless the types match.
func Cast[To, From Storage](v From) To {
	if same, ok := any(v).(To); ok {
		return same
	}
	return FromFloat64[To](ToFloat64(v))
}

func saturate(f, lo, hi float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	f = math.Trunc(f)
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
