package gpu

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
)

// SupportsAtomicAdd reports whether global atomic add exists for dt.
func SupportsAtomicAdd(dt dtype.DataType) bool {
	switch dt {
	case dtype.F32, dtype.F64, dtype.I32:
		return true
	}
	return false
}

// AtomicAdd adds v to *p atomically with respect to other AtomicAdd calls.
// Float additions use a compare-and-swap loop, so the order in which
// concurrent adds land is unspecified.
func AtomicAdd[T dtype.Storage](p *T, v T) {
	switch q := any(p).(type) {
	case *float32:
		addFloat32(q, any(v).(float32))
	case *float64:
		addFloat64(q, any(v).(float64))
	case *int32:
		atomic.AddInt32(q, any(v).(int32))
	default:
		panic(errors.Errorf("gpu: no atomic add for %s", dtype.Of[T]()))
	}
}

func addFloat32(p *float32, v float32) {
	bits := (*uint32)(unsafe.Pointer(p))
	for {
		old := atomic.LoadUint32(bits)
		next := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(bits, old, next) {
			return
		}
	}
}

func addFloat64(p *float64, v float64) {
	bits := (*uint64)(unsafe.Pointer(p))
	for {
		old := atomic.LoadUint64(bits)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(bits, old, next) {
			return
		}
	}
}
