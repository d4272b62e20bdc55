package tensordesc

// Coordinate caches the hidden index vector of a descriptor at one visible
// index so that moves only touch the transforms a step actually changes.
// A Coordinate carries scratch space and must not be shared; use Clone.
type Coordinate struct {
	hidden  []int
	diff    []int
	up      []int
	low     []int
	lowDiff []int
}

// CoordinateStep is a visible-index delta with the set of transforms it
// reaches precomputed.
type CoordinateStep struct {
	visibleDiff []int
	active      []bool
}

// MakeCoordinate evaluates d at idx.
func MakeCoordinate(d Descriptor, idx []int) Coordinate {
	c := Coordinate{
		hidden:  make([]int, d.numHidden),
		diff:    make([]int, d.numHidden),
		up:      make([]int, d.maxArity),
		low:     make([]int, d.maxArity),
		lowDiff: make([]int, d.maxArity),
	}
	d.calculateHidden(c.hidden, idx)
	return c
}

// Offset is the linear element offset of the coordinate.
func (c *Coordinate) Offset() int { return c.hidden[bottomID] }

// Index returns a copy of the visible index.
func (c *Coordinate) Index(d Descriptor) []int {
	idx := make([]int, len(d.visible))
	for i, id := range d.visible {
		idx[i] = c.hidden[id]
	}
	return idx
}

// Valid reports whether the visible index is in range and no pad transform
// maps it into padding.
func (c *Coordinate) Valid(d Descriptor) bool {
	for i, id := range d.visible {
		if v := c.hidden[id]; v < 0 || v >= d.lengths[i] {
			return false
		}
	}
	return d.hiddenValid(c.hidden, c.up)
}

func (c *Coordinate) Clone() Coordinate {
	return Coordinate{
		hidden:  append([]int(nil), c.hidden...),
		diff:    make([]int, len(c.diff)),
		up:      make([]int, len(c.up)),
		low:     make([]int, len(c.low)),
		lowDiff: make([]int, len(c.lowDiff)),
	}
}

// MakeCoordinateStep precomputes a move by delta over d.
func MakeCoordinateStep(d Descriptor, delta []int) CoordinateStep {
	if len(delta) != len(d.visible) {
		panic("tensordesc: step rank does not match descriptor rank")
	}
	nonzero := make([]bool, d.numHidden)
	for i, id := range d.visible {
		nonzero[id] = delta[i] != 0
	}
	active := make([]bool, len(d.transforms))
	for ti := len(d.transforms) - 1; ti >= 0; ti-- {
		b := d.transforms[ti]
		for _, id := range b.upper {
			if nonzero[id] {
				active[ti] = true
				break
			}
		}
		if active[ti] {
			for _, id := range b.lower {
				nonzero[id] = true
			}
		}
	}
	return CoordinateStep{visibleDiff: append([]int(nil), delta...), active: active}
}

// Delta returns the visible delta of the step.
func (s CoordinateStep) Delta() []int { return append([]int(nil), s.visibleDiff...) }

// IsZero reports whether the step moves nothing.
func (s CoordinateStep) IsZero() bool {
	for _, v := range s.visibleDiff {
		if v != 0 {
			return false
		}
	}
	return true
}

// MoveCoordinate applies step to c in place using each transform's
// incremental update rule.
func MoveCoordinate(d Descriptor, c *Coordinate, step CoordinateStep) {
	clear(c.diff)
	for i, id := range d.visible {
		c.diff[id] = step.visibleDiff[i]
		c.hidden[id] += step.visibleDiff[i]
	}
	for ti := len(d.transforms) - 1; ti >= 0; ti-- {
		if !step.active[ti] {
			continue
		}
		b := d.transforms[ti]
		up := c.up[:len(b.upper)]
		low := c.low[:len(b.lower)]
		lowDiff := c.lowDiff[:len(b.lower)]
		for k, id := range b.upper {
			up[k] = c.diff[id]
		}
		for k, id := range b.lower {
			low[k] = c.hidden[id]
		}
		b.t.UpdateLowerIndex(lowDiff, up, low)
		for k, id := range b.lower {
			c.hidden[id] = low[k]
			c.diff[id] = lowDiff[k]
		}
	}
}

// IncrementalOffset moves c by delta and returns the new offset.
func IncrementalOffset(d Descriptor, c *Coordinate, delta []int) int {
	MoveCoordinate(d, c, MakeCoordinateStep(d, delta))
	return c.Offset()
}
