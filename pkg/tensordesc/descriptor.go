// Package tensordesc implements transform-chain tensor descriptors: a logical
// multi-index is mapped to a linear element offset through a fixed composition
// of coordinate transforms. Descriptors are immutable values.
package tensordesc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidTransform reports a malformed Transform call.
var ErrInvalidTransform = errors.New("invalid descriptor transform")

// Hidden dimension 0 always holds the linear offset.
const bottomID = 0

type bound struct {
	t     Transform
	lower []int
	upper []int
}

// Descriptor maps visible indices to offsets. The zero value is unusable; build
// one with MakeNaive, MakePacked or MakeAligned and refine it with TransformDescriptor.
type Descriptor struct {
	transforms []bound
	numHidden  int
	visible    []int
	lengths    []int
	spaceSize  int
	maxArity   int
}

// MakeNaive builds a strided descriptor over a linear buffer.
func MakeNaive(lengths, strides []int) Descriptor {
	if len(lengths) != len(strides) {
		panic(fmt.Sprintf("tensordesc: %d lengths and %d strides", len(lengths), len(strides)))
	}
	n := len(lengths)
	upper := make([]int, n)
	visible := make([]int, n)
	for i := range upper {
		upper[i] = i + 1
		visible[i] = i + 1
	}
	space := 1
	for i := range lengths {
		if lengths[i] == 0 {
			space = 0
			break
		}
		space += (lengths[i] - 1) * strides[i]
	}
	return Descriptor{
		transforms: []bound{{t: MakeEmbed(lengths, strides), lower: []int{bottomID}, upper: upper}},
		numHidden:  n + 1,
		visible:    visible,
		lengths:    append([]int(nil), lengths...),
		spaceSize:  space,
		maxArity:   max(n, 1),
	}
}

// MakePacked builds a row-major contiguous descriptor.
func MakePacked(lengths ...int) Descriptor {
	return MakeNaive(lengths, packedStrides(lengths))
}

// MakeAligned is row-major with the second-to-last stride rounded up to align
// elements, so every row of the innermost dimension starts aligned.
func MakeAligned(lengths []int, align int) Descriptor {
	n := len(lengths)
	strides := make([]int, n)
	if n == 0 {
		return MakeNaive(lengths, strides)
	}
	strides[n-1] = 1
	if n >= 2 {
		strides[n-2] = roundUp(lengths[n-1], align)
		for i := n - 3; i >= 0; i-- {
			strides[i] = strides[i+1] * lengths[i+1]
		}
	}
	return MakeNaive(lengths, strides)
}

// TransformDescriptor composes transforms on top of d. oldDims[i] names the visible
// dimensions of d consumed by transforms[i]; newDims[i] names the positions of
// its upper dimensions in the result. Every visible dimension of d must be
// consumed exactly once and newDims must partition 0..n-1.
func TransformDescriptor(d Descriptor, transforms []Transform, oldDims, newDims [][]int) (Descriptor, error) {
	if len(transforms) != len(oldDims) || len(transforms) != len(newDims) {
		return Descriptor{}, errors.Wrapf(ErrInvalidTransform,
			"%d transforms, %d old dim groups, %d new dim groups", len(transforms), len(oldDims), len(newDims))
	}

	seen := make([]int, len(d.visible))
	numNew := 0
	for i, t := range transforms {
		if len(oldDims[i]) != t.NumLower() {
			return Descriptor{}, errors.Wrapf(ErrInvalidTransform,
				"%s consumes %d dims, got group %v", t, t.NumLower(), oldDims[i])
		}
		if len(newDims[i]) != t.NumUpper() {
			return Descriptor{}, errors.Wrapf(ErrInvalidTransform,
				"%s produces %d dims, got group %v", t, t.NumUpper(), newDims[i])
		}
		lowerLengths := t.LowerLengths()
		for j, old := range oldDims[i] {
			if old < 0 || old >= len(d.visible) {
				return Descriptor{}, errors.Wrapf(ErrInvalidTransform, "old dim %d out of range [0, %d)", old, len(d.visible))
			}
			seen[old]++
			if lowerLengths != nil && lowerLengths[j] != d.lengths[old] {
				return Descriptor{}, errors.Wrapf(ErrInvalidTransform,
					"%s expects length %d for dim %d, descriptor has %d", t, lowerLengths[j], old, d.lengths[old])
			}
		}
		if f, ok := t.(Freeze); ok {
			if f.index < 0 || f.index >= d.lengths[oldDims[i][0]] {
				return Descriptor{}, errors.Wrapf(ErrInvalidTransform,
					"%s outside dim %d of length %d", t, oldDims[i][0], d.lengths[oldDims[i][0]])
			}
		}
		numNew += t.NumUpper()
	}
	for dim, count := range seen {
		if count != 1 {
			return Descriptor{}, errors.Wrapf(ErrInvalidTransform, "dim %d referenced by %d transforms", dim, count)
		}
	}

	newLengths := make([]int, numNew)
	claimed := make([]bool, numNew)
	base := d.numHidden
	bounds := make([]bound, 0, len(d.transforms)+len(transforms))
	bounds = append(bounds, d.transforms...)
	maxArity := d.maxArity
	for i, t := range transforms {
		up := t.UpperLengths()
		b := bound{t: t, lower: make([]int, len(oldDims[i])), upper: make([]int, len(newDims[i]))}
		for j, old := range oldDims[i] {
			b.lower[j] = d.visible[old]
		}
		for j, nd := range newDims[i] {
			if nd < 0 || nd >= numNew || claimed[nd] {
				return Descriptor{}, errors.Wrapf(ErrInvalidTransform, "new dims do not partition [0, %d): %v", numNew, newDims)
			}
			claimed[nd] = true
			newLengths[nd] = up[j]
			b.upper[j] = base + nd
		}
		maxArity = max(maxArity, len(b.lower), len(b.upper))
		bounds = append(bounds, b)
	}

	visible := make([]int, numNew)
	for i := range visible {
		visible[i] = base + i
	}
	return Descriptor{
		transforms: bounds,
		numHidden:  base + numNew,
		visible:    visible,
		lengths:    newLengths,
		spaceSize:  d.spaceSize,
		maxArity:   maxArity,
	}, nil
}

// MustTransform is Transform for descriptors whose shape is fixed by the
// caller's own configuration. It panics on error.
func MustTransform(d Descriptor, transforms []Transform, oldDims, newDims [][]int) Descriptor {
	out, err := TransformDescriptor(d, transforms, oldDims, newDims)
	if err != nil {
		panic(err)
	}
	return out
}

// Dims is shorthand for building dimension groups: Dims(0, 2) == []int{0, 2}.
func Dims(ids ...int) []int { return ids }

func (d Descriptor) NumDims() int { return len(d.lengths) }

func (d Descriptor) Length(i int) int { return d.lengths[i] }

func (d Descriptor) Lengths() []int { return append([]int(nil), d.lengths...) }

// ElementSpaceSize is the linear buffer capacity the descriptor may address.
func (d Descriptor) ElementSpaceSize() int { return d.spaceSize }

// ElementSize is the number of visible elements.
func (d Descriptor) ElementSize() int { return product(d.lengths) }

// CalculateOffset evaluates the whole chain for idx.
func (d Descriptor) CalculateOffset(idx []int) int {
	hidden := make([]int, d.numHidden)
	d.calculateHidden(hidden, idx)
	return hidden[bottomID]
}

// IsValidIndex reports whether idx is inside the visible lengths and does not
// fall into any pad region.
func (d Descriptor) IsValidIndex(idx []int) bool {
	for i, v := range idx {
		if v < 0 || v >= d.lengths[i] {
			return false
		}
	}
	hidden := make([]int, d.numHidden)
	d.calculateHidden(hidden, idx)
	return d.hiddenValid(hidden, make([]int, d.maxArity))
}

// Pads returns the pad transforms of the chain in reverse application order:
// the most recently applied pad comes first, and pads added by one
// TransformDescriptor call appear last transform first.
func (d Descriptor) Pads() []Pad {
	var pads []Pad
	for i := len(d.transforms) - 1; i >= 0; i-- {
		if p, ok := d.transforms[i].t.(Pad); ok {
			pads = append(pads, p)
		}
	}
	return pads
}

// Equal reports whether both descriptors are built from the same chain.
func (d Descriptor) Equal(other Descriptor) bool {
	return reflect.DeepEqual(d, other)
}

func (d Descriptor) String() string {
	parts := make([]string, len(d.transforms))
	for i, b := range d.transforms {
		parts[i] = fmt.Sprintf("%s %v->%v", b.t, b.upper, b.lower)
	}
	return fmt.Sprintf("Descriptor(lengths=%v, space=%d, [%s])", d.lengths, d.spaceSize, strings.Join(parts, "; "))
}

func (d Descriptor) calculateHidden(hidden, idx []int) {
	if len(idx) != len(d.visible) {
		panic(fmt.Sprintf("tensordesc: index of rank %d for descriptor of rank %d", len(idx), len(d.visible)))
	}
	for i, id := range d.visible {
		hidden[id] = idx[i]
	}
	up := make([]int, d.maxArity)
	low := make([]int, d.maxArity)
	for ti := len(d.transforms) - 1; ti >= 0; ti-- {
		b := d.transforms[ti]
		u := up[:len(b.upper)]
		l := low[:len(b.lower)]
		for k, id := range b.upper {
			u[k] = hidden[id]
		}
		b.t.CalculateLowerIndex(l, u)
		for k, id := range b.lower {
			hidden[id] = l[k]
		}
	}
}

func (d Descriptor) hiddenValid(hidden, scratch []int) bool {
	for _, b := range d.transforms {
		if b.t.AlwaysMapsValid() {
			continue
		}
		u := scratch[:len(b.upper)]
		for k, id := range b.upper {
			u[k] = hidden[id]
		}
		if !b.t.IsValidUpperIndexMappedToValidLowerIndex(u) {
			return false
		}
	}
	return true
}
