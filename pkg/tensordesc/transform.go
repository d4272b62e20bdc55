package tensordesc

import (
	"fmt"
)

// Kind tags the closed set of coordinate transforms.
type Kind int

const (
	KindPassThrough Kind = iota
	KindPad
	KindMerge
	KindUnmerge
	KindEmbed
	KindSlice
	KindFreeze
)

func (k Kind) String() string {
	switch k {
	case KindPassThrough:
		return "pass_through"
	case KindPad:
		return "pad"
	case KindMerge:
		return "merge"
	case KindUnmerge:
		return "unmerge"
	case KindEmbed:
		return "embed"
	case KindSlice:
		return "slice"
	case KindFreeze:
		return "freeze"
	default:
		return "unknown"
	}
}

// Transform maps an upper (logical) index onto a lower index. The set of
// implementations is closed; build them with the Make* constructors.
//
// UpdateLowerIndex applies an upper-index delta incrementally: it writes the
// resulting lower delta into lowDiff and updates low in place.
type Transform interface {
	Kind() Kind
	NumLower() int
	NumUpper() int
	UpperLengths() []int
	// LowerLengths returns nil when the transform does not pin its lower lengths.
	LowerLengths() []int
	CalculateLowerIndex(low, up []int)
	UpdateLowerIndex(lowDiff, upDiff, low []int)
	IsValidUpperIndexMappedToValidLowerIndex(up []int) bool
	AlwaysMapsValid() bool
	String() string

	sealed()
}

// PassThrough maps one dimension to itself.
type PassThrough struct {
	length int
}

func MakePassThrough(length int) PassThrough { return PassThrough{length: length} }

func (PassThrough) Kind() Kind                        { return KindPassThrough }
func (PassThrough) NumLower() int                     { return 1 }
func (PassThrough) NumUpper() int                     { return 1 }
func (t PassThrough) UpperLengths() []int             { return []int{t.length} }
func (t PassThrough) LowerLengths() []int             { return []int{t.length} }
func (PassThrough) CalculateLowerIndex(low, up []int) { low[0] = up[0] }
func (PassThrough) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	lowDiff[0] = upDiff[0]
	low[0] += upDiff[0]
}
func (PassThrough) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (PassThrough) AlwaysMapsValid() bool                               { return true }
func (t PassThrough) String() string                                    { return fmt.Sprintf("pass_through(%d)", t.length) }
func (PassThrough) sealed()                                             {}

// Pad extends a dimension by left and right pad elements. Upper indices that
// land in the pad region are reported invalid.
type Pad struct {
	length, left, right int
}

func MakePad(length, left, right int) Pad { return Pad{length: length, left: left, right: right} }

func MakeLeftPad(length, left int) Pad { return Pad{length: length, left: left} }

func MakeRightPad(length, right int) Pad { return Pad{length: length, right: right} }

// MakeRightPadToMultiple pads length on the right up to the next multiple.
func MakeRightPadToMultiple(length, multiple int) Pad {
	return Pad{length: length, right: roundUp(length, multiple) - length}
}

func (Pad) Kind() Kind            { return KindPad }
func (Pad) NumLower() int         { return 1 }
func (Pad) NumUpper() int         { return 1 }
func (t Pad) UpperLengths() []int { return []int{t.length + t.left + t.right} }
func (t Pad) LowerLengths() []int { return []int{t.length} }
func (t Pad) CalculateLowerIndex(low, up []int) {
	low[0] = up[0] - t.left
}
func (Pad) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	lowDiff[0] = upDiff[0]
	low[0] += upDiff[0]
}
func (t Pad) IsValidUpperIndexMappedToValidLowerIndex(up []int) bool {
	return up[0] >= t.left && up[0] < t.left+t.length
}
func (Pad) AlwaysMapsValid() bool { return false }
func (t Pad) String() string {
	return fmt.Sprintf("pad(%d, left=%d, right=%d)", t.length, t.left, t.right)
}
func (Pad) sealed() {}

// ValidRange returns the half-open range of upper indices that hold real data.
func (t Pad) ValidRange() (begin, end int) { return t.left, t.left + t.length }

// Merge folds several lower dimensions into one upper dimension (row-major).
type Merge struct {
	lengths []int
	strides []int
	total   int
}

func MakeMerge(lengths ...int) Merge {
	ls := append([]int(nil), lengths...)
	return Merge{lengths: ls, strides: packedStrides(ls), total: product(ls)}
}

func (Merge) Kind() Kind            { return KindMerge }
func (t Merge) NumLower() int       { return len(t.lengths) }
func (Merge) NumUpper() int         { return 1 }
func (t Merge) UpperLengths() []int { return []int{t.total} }
func (t Merge) LowerLengths() []int { return append([]int(nil), t.lengths...) }
func (t Merge) CalculateLowerIndex(low, up []int) {
	rem := up[0]
	for i := 0; i < len(t.lengths)-1; i++ {
		low[i] = rem / t.strides[i]
		rem -= low[i] * t.strides[i]
	}
	low[len(t.lengths)-1] = rem
}

// UpdateLowerIndex decomposes the delta once and propagates a single carry or
// borrow per dimension, from the fastest dimension to the slowest.
func (t Merge) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	n := len(t.lengths)
	d := upDiff[0]
	for i := 0; i < n-1; i++ {
		lowDiff[i] = d / t.strides[i]
		d -= lowDiff[i] * t.strides[i]
	}
	lowDiff[n-1] = d

	carry := 0
	for i := n - 1; i >= 0; i-- {
		v := low[i] + lowDiff[i] + carry
		carry = 0
		if i > 0 {
			if v >= t.lengths[i] {
				v -= t.lengths[i]
				carry = 1
			} else if v < 0 {
				v += t.lengths[i]
				carry = -1
			}
		}
		lowDiff[i] = v - low[i]
		low[i] = v
	}
}
func (Merge) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (Merge) AlwaysMapsValid() bool                               { return true }
func (t Merge) String() string                                    { return fmt.Sprintf("merge(%v)", t.lengths) }
func (Merge) sealed()                                             {}

// Unmerge splits one lower dimension into several upper dimensions (row-major).
type Unmerge struct {
	lengths []int
	strides []int
}

func MakeUnmerge(lengths ...int) Unmerge {
	ls := append([]int(nil), lengths...)
	return Unmerge{lengths: ls, strides: packedStrides(ls)}
}

func (Unmerge) Kind() Kind            { return KindUnmerge }
func (Unmerge) NumLower() int         { return 1 }
func (t Unmerge) NumUpper() int       { return len(t.lengths) }
func (t Unmerge) UpperLengths() []int { return append([]int(nil), t.lengths...) }
func (t Unmerge) LowerLengths() []int { return []int{product(t.lengths)} }
func (t Unmerge) CalculateLowerIndex(low, up []int) {
	low[0] = dot(up, t.strides)
}
func (t Unmerge) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	lowDiff[0] = dot(upDiff, t.strides)
	low[0] += lowDiff[0]
}
func (Unmerge) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (Unmerge) AlwaysMapsValid() bool                               { return true }
func (t Unmerge) String() string                                    { return fmt.Sprintf("unmerge(%v)", t.lengths) }
func (Unmerge) sealed()                                             {}

// Embed maps several upper dimensions onto one lower dimension through signed
// linear coefficients: low = sum(up[i] * coefficients[i]).
type Embed struct {
	lengths      []int
	coefficients []int
}

func MakeEmbed(lengths, coefficients []int) Embed {
	if len(lengths) != len(coefficients) {
		panic(fmt.Sprintf("tensordesc: embed with %d lengths and %d coefficients", len(lengths), len(coefficients)))
	}
	return Embed{
		lengths:      append([]int(nil), lengths...),
		coefficients: append([]int(nil), coefficients...),
	}
}

func (Embed) Kind() Kind            { return KindEmbed }
func (Embed) NumLower() int         { return 1 }
func (t Embed) NumUpper() int       { return len(t.lengths) }
func (t Embed) UpperLengths() []int { return append([]int(nil), t.lengths...) }
func (Embed) LowerLengths() []int   { return nil }
func (t Embed) CalculateLowerIndex(low, up []int) {
	low[0] = dot(up, t.coefficients)
}
func (t Embed) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	lowDiff[0] = dot(upDiff, t.coefficients)
	low[0] += lowDiff[0]
}
func (Embed) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (Embed) AlwaysMapsValid() bool                               { return true }
func (t Embed) String() string {
	return fmt.Sprintf("embed(%v, coefficients=%v)", t.lengths, t.coefficients)
}
func (Embed) sealed() {}

// Slice exposes the half-open range [begin, end) of a dimension.
type Slice struct {
	length, begin, end int
}

func MakeSlice(length, begin, end int) Slice { return Slice{length: length, begin: begin, end: end} }

func (Slice) Kind() Kind            { return KindSlice }
func (Slice) NumLower() int         { return 1 }
func (Slice) NumUpper() int         { return 1 }
func (t Slice) UpperLengths() []int { return []int{t.end - t.begin} }
func (t Slice) LowerLengths() []int { return []int{t.length} }
func (t Slice) CalculateLowerIndex(low, up []int) {
	low[0] = up[0] + t.begin
}
func (Slice) UpdateLowerIndex(lowDiff, upDiff, low []int) {
	lowDiff[0] = upDiff[0]
	low[0] += upDiff[0]
}
func (Slice) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (Slice) AlwaysMapsValid() bool                               { return true }
func (t Slice) String() string {
	return fmt.Sprintf("slice(%d, [%d, %d))", t.length, t.begin, t.end)
}
func (Slice) sealed() {}

// Freeze pins a lower dimension to a fixed index and exposes no upper dimension.
type Freeze struct {
	index int
}

func MakeFreeze(index int) Freeze { return Freeze{index: index} }

func (Freeze) Kind() Kind          { return KindFreeze }
func (Freeze) NumLower() int       { return 1 }
func (Freeze) NumUpper() int       { return 0 }
func (Freeze) UpperLengths() []int { return nil }
func (Freeze) LowerLengths() []int { return nil }
func (t Freeze) CalculateLowerIndex(low, _ []int) {
	low[0] = t.index
}
func (Freeze) UpdateLowerIndex(lowDiff, _, _ []int) {
	lowDiff[0] = 0
}
func (Freeze) IsValidUpperIndexMappedToValidLowerIndex([]int) bool { return true }
func (Freeze) AlwaysMapsValid() bool                               { return true }
func (t Freeze) String() string                                    { return fmt.Sprintf("freeze(%d)", t.index) }
func (Freeze) sealed()                                             {}

// Index returns the pinned lower index.
func (t Freeze) Index() int { return t.index }

func packedStrides(lengths []int) []int {
	strides := make([]int, len(lengths))
	s := 1
	for i := len(lengths) - 1; i >= 0; i-- {
		strides[i] = s
		s *= lengths[i]
	}
	return strides
}

func product(xs []int) int {
	p := 1
	for _, x := range xs {
		p *= x
	}
	return p
}

func dot(a, b []int) int {
	s := 0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func roundUp(x, m int) int {
	if m <= 0 {
		return x
	}
	return (x + m - 1) / m * m
}
