// Package transfer moves slices of tensors between buffers through tensor
// descriptors. A plan fixes the slice geometry and precomputes every
// coordinate step; transfers bound to a plan carry only their coordinates and
// register staging.
package transfer

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

var ErrInvalidSliceGeometry = errors.New("invalid slice geometry")

// MemoryOp is how a destination element is written.
type MemoryOp int

const (
	Set MemoryOp = iota
	AtomicAdd
	Add
)

func (op MemoryOp) String() string {
	switch op {
	case Set:
		return "set"
	case AtomicAdd:
		return "atomic_add"
	case Add:
		return "add"
	}
	return fmt.Sprintf("MemoryOp(%d)", int(op))
}

// ThreadwiseConfig is the geometry of one thread's slice. AccessOrder lists
// dimensions slowest first; nil means natural order. Source vectors run along
// SrcVectorDim and destination vectors along DstVectorDim; each must be
// contiguous in its buffer.
type ThreadwiseConfig struct {
	SliceLengths       []int
	AccessOrder        []int
	SrcVectorDim       int
	DstVectorDim       int
	SrcScalarPerVector int
	DstScalarPerVector int
	DstOp              MemoryOp
	// Op is applied once per element on write; nil passes values through.
	Op elementwise.Unary
}

type accessPlan struct {
	dim    int
	vector int
	starts [][]int
	steps  []tensordesc.CoordinateStep
	last   []int
	reset  tensordesc.CoordinateStep
}

// ThreadwisePlan is a validated ThreadwiseConfig bound to source and
// destination descriptors. It is read-only and shared by every transfer made
// from it.
type ThreadwisePlan struct {
	cfg        ThreadwiseConfig
	src, dst   tensordesc.Descriptor
	read       accessPlan
	write      accessPlan
	bufStrides []int
	bufLen     int
}

func NewThreadwisePlan(cfg ThreadwiseConfig, src, dst tensordesc.Descriptor) (*ThreadwisePlan, error) {
	rank := len(cfg.SliceLengths)
	if rank == 0 {
		return nil, errors.Wrap(ErrInvalidSliceGeometry, "empty slice")
	}
	if src.NumDims() != rank || dst.NumDims() != rank {
		return nil, errors.Wrapf(ErrInvalidSliceGeometry,
			"slice of rank %d, source rank %d, destination rank %d", rank, src.NumDims(), dst.NumDims())
	}
	if cfg.AccessOrder == nil {
		cfg.AccessOrder = naturalOrder(rank)
	}
	if !isPermutation(cfg.AccessOrder, rank) {
		return nil, errors.Wrapf(ErrInvalidSliceGeometry, "access order %v is not a permutation of %d dims", cfg.AccessOrder, rank)
	}
	for _, l := range cfg.SliceLengths {
		if l <= 0 {
			return nil, errors.Wrapf(ErrInvalidSliceGeometry, "slice lengths %v", cfg.SliceLengths)
		}
	}
	for _, v := range []struct{ dim, width int }{
		{cfg.SrcVectorDim, cfg.SrcScalarPerVector},
		{cfg.DstVectorDim, cfg.DstScalarPerVector},
	} {
		if v.dim < 0 || v.dim >= rank {
			return nil, errors.Wrapf(ErrInvalidSliceGeometry, "vector dim %d outside rank %d", v.dim, rank)
		}
		if v.width <= 0 || cfg.SliceLengths[v.dim]%v.width != 0 {
			return nil, errors.Wrapf(ErrInvalidSliceGeometry,
				"vector width %d does not divide slice length %d along dim %d", v.width, cfg.SliceLengths[v.dim], v.dim)
		}
	}

	p := &ThreadwisePlan{
		cfg:        cfg,
		src:        src,
		dst:        dst,
		bufStrides: packedStrides(cfg.SliceLengths),
		bufLen:     product(cfg.SliceLengths),
	}
	p.read = makeAccessPlan(src, cfg.SliceLengths, cfg.AccessOrder, cfg.SrcVectorDim, cfg.SrcScalarPerVector)
	p.write = makeAccessPlan(dst, cfg.SliceLengths, cfg.AccessOrder, cfg.DstVectorDim, cfg.DstScalarPerVector)
	return p, nil
}

// MustThreadwisePlan panics on error.
func MustThreadwisePlan(cfg ThreadwiseConfig, src, dst tensordesc.Descriptor) *ThreadwisePlan {
	p, err := NewThreadwisePlan(cfg, src, dst)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *ThreadwisePlan) Config() ThreadwiseConfig { return p.cfg }

// NumReads is the number of vector loads per RunRead.
func (p *ThreadwisePlan) NumReads() int { return len(p.read.starts) }

// NumWrites is the number of vector stores per RunWrite.
func (p *ThreadwisePlan) NumWrites() int { return len(p.write.starts) }

// BufferIndex is the staging position of a slice index.
func (p *ThreadwisePlan) BufferIndex(idx []int) int { return dot(idx, p.bufStrides) }

// WindowStep is a precomputed slice-window move. It accounts for whether the
// coordinate still sits on the last access of the previous run.
type WindowStep struct {
	fromOrigin tensordesc.CoordinateStep
	fromEnd    tensordesc.CoordinateStep
}

// MakeSrcWindowStep precomputes a source window move by delta.
func (p *ThreadwisePlan) MakeSrcWindowStep(delta []int) WindowStep {
	return makeWindowStep(p.src, delta, p.read.last)
}

// MakeDstWindowStep precomputes a destination window move by delta.
func (p *ThreadwisePlan) MakeDstWindowStep(delta []int) WindowStep {
	return makeWindowStep(p.dst, delta, p.write.last)
}

func makeWindowStep(d tensordesc.Descriptor, delta, last []int) WindowStep {
	back := make([]int, len(delta))
	for i := range delta {
		back[i] = delta[i] - last[i]
	}
	return WindowStep{
		fromOrigin: tensordesc.MakeCoordinateStep(d, delta),
		fromEnd:    tensordesc.MakeCoordinateStep(d, back),
	}
}

func makeAccessPlan(d tensordesc.Descriptor, lengths, order []int, vdim, vec int) accessPlan {
	starts := snakeAccesses(lengths, order, vdim, vec)
	ap := accessPlan{dim: vdim, vector: vec, starts: starts, last: starts[len(starts)-1]}
	cache := make(map[string]tensordesc.CoordinateStep)
	step := func(delta []int) tensordesc.CoordinateStep {
		key := fmt.Sprint(delta)
		if s, ok := cache[key]; ok {
			return s
		}
		s := tensordesc.MakeCoordinateStep(d, delta)
		cache[key] = s
		return s
	}
	delta := make([]int, len(lengths))
	for i := 1; i < len(starts); i++ {
		for k := range delta {
			delta[k] = starts[i][k] - starts[i-1][k]
		}
		ap.steps = append(ap.steps, step(delta))
	}
	for k := range delta {
		delta[k] = -ap.last[k]
	}
	ap.reset = step(delta)
	return ap
}

// snakeAccesses enumerates vector start indices so that consecutive accesses
// differ by one access along exactly one dimension: each dimension reverses
// direction whenever the accesses of the slower dimensions advance by an odd
// count.
func snakeAccesses(lengths, order []int, vdim, vec int) [][]int {
	rank := len(lengths)
	ordered := make([]int, rank)
	for i, d := range order {
		ordered[i] = lengths[d]
		if d == vdim {
			ordered[i] /= vec
		}
	}
	n := product(ordered)
	out := make([][]int, 0, n)
	digits := make([]int, rank)
	for lin := range n {
		rem := lin
		for i := rank - 1; i >= 0; i-- {
			digits[i] = rem % ordered[i]
			rem /= ordered[i]
		}
		idx := make([]int, rank)
		prefix := 0
		for i, d := range order {
			v := digits[i]
			if prefix%2 == 1 {
				v = ordered[i] - 1 - v
			}
			prefix = prefix*ordered[i] + digits[i]
			idx[d] = v
		}
		idx[vdim] *= vec
		out = append(out, idx)
	}
	return out
}

func naturalOrder(n int) []int {
	o := make([]int, n)
	for i := range o {
		o[i] = i
	}
	return o
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	s := slices.Clone(order)
	slices.Sort(s)
	for i, v := range s {
		if v != i {
			return false
		}
	}
	return true
}

func packedStrides(lengths []int) []int {
	s := make([]int, len(lengths))
	acc := 1
	for i := len(lengths) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= lengths[i]
	}
	return s
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
