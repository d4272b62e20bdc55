// Package hosttensor holds strided host-side tensors used to feed operators and
// check their results.
package hosttensor

import (
	"fmt"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

var (
	errNegativeDim   = errors.New("negative dimension for tensor")
	errRankMismatch  = errors.New("lengths and strides differ in rank")
	errDataTooShort  = errors.New("data shorter than the element space")
	errShapeMismatch = errors.New("tensor shapes differ")
)

// Tensor is a strided view over a flat slice. Data covers the element space of
// the naive descriptor built from Lengths and Strides.
type Tensor[T dtype.Storage] struct {
	Lengths []int
	Strides []int
	Data    []T
}

// New allocates a packed row-major tensor.
func New[T dtype.Storage](lengths ...int) *Tensor[T] {
	return must.M1(NewStrided[T](lengths, PackedStrides(lengths)))
}

// NewStrided allocates a tensor large enough for the given strides.
func NewStrided[T dtype.Storage](lengths, strides []int) (*Tensor[T], error) {
	if len(lengths) != len(strides) {
		return nil, errors.Wrapf(errRankMismatch, "%d vs %d", len(lengths), len(strides))
	}
	space := 1
	for i, l := range lengths {
		if l < 0 || strides[i] < 0 {
			return nil, errors.Wrapf(errNegativeDim, "dim %d", i)
		}
		if l == 0 {
			space = 0
			break
		}
		space += (l - 1) * strides[i]
	}
	return &Tensor[T]{
		Lengths: append([]int(nil), lengths...),
		Strides: append([]int(nil), strides...),
		Data:    make([]T, space),
	}, nil
}

// FromData wraps data as a packed tensor.
func FromData[T dtype.Storage](data []T, lengths ...int) (*Tensor[T], error) {
	t := &Tensor[T]{Lengths: append([]int(nil), lengths...), Strides: PackedStrides(lengths), Data: data}
	if n := t.Desc().ElementSpaceSize(); len(data) < n {
		return nil, errors.Wrapf(errDataTooShort, "have %d, need %d", len(data), n)
	}
	return t, nil
}

// PackedStrides returns row-major strides for lengths.
func PackedStrides(lengths []int) []int {
	strides := make([]int, len(lengths))
	s := 1
	for i := len(lengths) - 1; i >= 0; i-- {
		strides[i] = s
		s *= lengths[i]
	}
	return strides
}

func (t *Tensor[T]) Rank() int { return len(t.Lengths) }

// ElementSize is the number of logical elements.
func (t *Tensor[T]) ElementSize() int {
	n := 1
	for _, l := range t.Lengths {
		n *= l
	}
	return n
}

// Desc returns the naive descriptor matching the tensor's layout.
func (t *Tensor[T]) Desc() tensordesc.Descriptor {
	return tensordesc.MakeNaive(t.Lengths, t.Strides)
}

func (t *Tensor[T]) Offset(idx ...int) int {
	off := 0
	for i, v := range idx {
		off += v * t.Strides[i]
	}
	return off
}

func (t *Tensor[T]) At(idx ...int) T     { return t.Data[t.Offset(idx...)] }
func (t *Tensor[T]) Set(v T, idx ...int) { t.Data[t.Offset(idx...)] = v }

// ForEach visits every logical index in row-major order. The slice passed to
// fn is reused between calls.
func (t *Tensor[T]) ForEach(fn func(idx []int)) {
	ForEachIndex(t.Lengths, fn)
}

// ForEachIndex walks the row-major index space of lengths.
func ForEachIndex(lengths []int, fn func(idx []int)) {
	for _, l := range lengths {
		if l == 0 {
			return
		}
	}
	idx := make([]int, len(lengths))
	for {
		fn(idx)
		d := len(lengths) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < lengths[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

func (t *Tensor[T]) Fill(v T) {
	t.ForEach(func(idx []int) { t.Data[t.Offset(idx...)] = v })
}

// Float64s returns the logical elements widened to float64, packed row-major.
func (t *Tensor[T]) Float64s() []float64 {
	out := make([]float64, 0, t.ElementSize())
	t.ForEach(func(idx []int) { out = append(out, dtype.ToFloat64(t.Data[t.Offset(idx...)])) })
	return out
}

// SetFloat64s narrows packed row-major values into the tensor.
func (t *Tensor[T]) SetFloat64s(vals []float64) {
	i := 0
	t.ForEach(func(idx []int) {
		t.Data[t.Offset(idx...)] = dtype.FromFloat64[T](vals[i])
		i++
	})
}

// Clone copies the tensor, keeping its strides.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Lengths: append([]int(nil), t.Lengths...),
		Strides: append([]int(nil), t.Strides...),
		Data:    append([]T(nil), t.Data...),
	}
}

// Convert returns a packed copy of t in another element type.
func Convert[To, From dtype.Storage](t *Tensor[From]) *Tensor[To] {
	out := New[To](t.Lengths...)
	out.SetFloat64s(t.Float64s())
	return out
}

func (t *Tensor[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%v", dtype.Of[T](), t.Lengths)
	if !isPacked(t.Lengths, t.Strides) {
		fmt.Fprintf(&b, " strides=%v", t.Strides)
	}
	return b.String()
}

func isPacked(lengths, strides []int) bool {
	want := PackedStrides(lengths)
	for i := range want {
		if strides[i] != want[i] {
			return false
		}
	}
	return true
}

func sameLengths(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
