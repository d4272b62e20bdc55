package transfer

import (
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// ThreadwiseTransfer moves one thread's slice from a source buffer into its
// register staging and from there into a destination buffer. It is owned by
// a single thread.
type ThreadwiseTransfer[S, D dtype.Storage] struct {
	plan     *ThreadwisePlan
	srcCoord tensordesc.Coordinate
	dstCoord tensordesc.Coordinate
	srcAtEnd bool
	dstAtEnd bool
	buf      []S
}

// NewThreadwiseTransfer binds p to a source and destination origin. A nil
// origin marks a side that is never addressed, as when the staging buffer is
// filled directly from registers.
func NewThreadwiseTransfer[S, D dtype.Storage](p *ThreadwisePlan, srcOrigin, dstOrigin []int) *ThreadwiseTransfer[S, D] {
	t := &ThreadwiseTransfer[S, D]{plan: p, buf: make([]S, p.bufLen)}
	if srcOrigin != nil {
		t.srcCoord = tensordesc.MakeCoordinate(p.src, srcOrigin)
	}
	if dstOrigin != nil {
		t.dstCoord = tensordesc.MakeCoordinate(p.dst, dstOrigin)
	}
	return t
}

// Buffer is the register staging, packed row-major over the slice lengths.
func (t *ThreadwiseTransfer[S, D]) Buffer() []S { return t.buf }

// RunRead loads the slice from src. Vectors starting at an invalid source
// coordinate, or running past the end of src, read as zero.
func (t *ThreadwiseTransfer[S, D]) RunRead(src []S) {
	p := t.plan
	if t.srcAtEnd {
		tensordesc.MoveCoordinate(p.src, &t.srcCoord, p.read.reset)
	}
	vec := p.read.vector
	vstride := p.bufStrides[p.read.dim]
	var zero S
	for i, start := range p.read.starts {
		base := dot(start, p.bufStrides)
		off := t.srcCoord.Offset()
		if off >= 0 && off+vec <= len(src) && t.srcCoord.Valid(p.src) {
			for j := range vec {
				t.buf[base+j*vstride] = src[off+j]
			}
		} else {
			for j := range vec {
				t.buf[base+j*vstride] = zero
			}
		}
		if i < len(p.read.steps) {
			tensordesc.MoveCoordinate(p.src, &t.srcCoord, p.read.steps[i])
		}
	}
	t.srcAtEnd = true
}

// RunWrite stores the staged slice into dst with the plan's memory op,
// narrowing each element to D once. Vectors at invalid destination
// coordinates are skipped.
func (t *ThreadwiseTransfer[S, D]) RunWrite(dst []D) {
	p := t.plan
	if t.dstAtEnd {
		tensordesc.MoveCoordinate(p.dst, &t.dstCoord, p.write.reset)
	}
	vec := p.write.vector
	vstride := p.bufStrides[p.write.dim]
	for i, start := range p.write.starts {
		off := t.dstCoord.Offset()
		if off >= 0 && off+vec <= len(dst) && t.dstCoord.Valid(p.dst) {
			base := dot(start, p.bufStrides)
			for j := range vec {
				t.store(dst, off+j, t.buf[base+j*vstride])
			}
		}
		if i < len(p.write.steps) {
			tensordesc.MoveCoordinate(p.dst, &t.dstCoord, p.write.steps[i])
		}
	}
	t.dstAtEnd = true
}

// Run is RunRead followed by RunWrite.
func (t *ThreadwiseTransfer[S, D]) Run(src []S, dst []D) {
	t.RunRead(src)
	t.RunWrite(dst)
}

func (t *ThreadwiseTransfer[S, D]) store(dst []D, k int, s S) {
	switch t.plan.cfg.DstOp {
	case AtomicAdd:
		gpu.AtomicAdd(&dst[k], t.narrow(s))
	case Add:
		dst[k] = dtype.FromFloat64[D](dtype.ToFloat64(dst[k]) + t.widen(s))
	default:
		dst[k] = t.narrow(s)
	}
}

func (t *ThreadwiseTransfer[S, D]) widen(s S) float64 {
	if op := t.plan.cfg.Op; op != nil {
		return op.Apply(dtype.ToFloat64(s))
	}
	return dtype.ToFloat64(s)
}

func (t *ThreadwiseTransfer[S, D]) narrow(s S) D {
	if t.plan.cfg.Op == nil {
		return dtype.Cast[D](s)
	}
	return dtype.FromFloat64[D](t.widen(s))
}

// MoveSrcSliceWindow shifts the source window by delta.
func (t *ThreadwiseTransfer[S, D]) MoveSrcSliceWindow(delta []int) {
	t.MoveSrcSliceWindowStep(t.plan.MakeSrcWindowStep(delta))
}

// MoveSrcSliceWindowStep shifts the source window by a precomputed step.
func (t *ThreadwiseTransfer[S, D]) MoveSrcSliceWindowStep(ws WindowStep) {
	if t.srcAtEnd {
		tensordesc.MoveCoordinate(t.plan.src, &t.srcCoord, ws.fromEnd)
		t.srcAtEnd = false
		return
	}
	tensordesc.MoveCoordinate(t.plan.src, &t.srcCoord, ws.fromOrigin)
}

func (t *ThreadwiseTransfer[S, D]) MoveDstSliceWindow(delta []int) {
	t.MoveDstSliceWindowStep(t.plan.MakeDstWindowStep(delta))
}

func (t *ThreadwiseTransfer[S, D]) MoveDstSliceWindowStep(ws WindowStep) {
	if t.dstAtEnd {
		tensordesc.MoveCoordinate(t.plan.dst, &t.dstCoord, ws.fromEnd)
		t.dstAtEnd = false
		return
	}
	tensordesc.MoveCoordinate(t.plan.dst, &t.dstCoord, ws.fromOrigin)
}

// SrcOrigin is the current source window origin.
func (t *ThreadwiseTransfer[S, D]) SrcOrigin() []int {
	return windowOrigin(t.srcCoord.Index(t.plan.src), t.srcAtEnd, t.plan.read.last)
}

// DstOrigin is the current destination window origin.
func (t *ThreadwiseTransfer[S, D]) DstOrigin() []int {
	return windowOrigin(t.dstCoord.Index(t.plan.dst), t.dstAtEnd, t.plan.write.last)
}

func windowOrigin(idx []int, atEnd bool, last []int) []int {
	if atEnd {
		for i := range idx {
			idx[i] -= last[i]
		}
	}
	return idx
}
