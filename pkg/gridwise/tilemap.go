package gridwise

import (
	"fmt"

	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// TileIndex is the output tile, and K split, a block works on.
type TileIndex struct {
	KBatch int
	M0     int
	N0     int
}

// Block2CTileMap assigns 1-D block ids to output tiles.
type Block2CTileMap interface {
	CalculateBottomIndex(blockID int) TileIndex
	// ValidCTileIndex is false for blocks of a padded grid with no tile.
	ValidCTileIndex(idx TileIndex) bool
	GridSize() int
	// CheckValidity reports whether the map covers a C grid descriptor.
	CheckValidity(c tensordesc.Descriptor) bool
	String() string
}

// RowMajorTileMap walks tiles along N first.
type RowMajorTileMap struct {
	MPerBlock, NPerBlock int
	M0, N0               int
}

func NewRowMajorTileMap(c tensordesc.Descriptor, mPerBlock, nPerBlock int) RowMajorTileMap {
	return RowMajorTileMap{
		MPerBlock: mPerBlock,
		NPerBlock: nPerBlock,
		M0:        ceilDiv(c.Length(0), mPerBlock),
		N0:        ceilDiv(c.Length(1), nPerBlock),
	}
}

func (t RowMajorTileMap) CalculateBottomIndex(id int) TileIndex {
	return TileIndex{M0: id / t.N0, N0: id % t.N0}
}

func (t RowMajorTileMap) ValidCTileIndex(idx TileIndex) bool { return idx.M0 < t.M0 && idx.N0 < t.N0 }
func (t RowMajorTileMap) GridSize() int                      { return t.M0 * t.N0 }

func (t RowMajorTileMap) CheckValidity(c tensordesc.Descriptor) bool {
	return t.M0*t.MPerBlock == c.Length(0) && t.N0*t.NPerBlock == c.Length(1)
}

func (t RowMajorTileMap) String() string { return fmt.Sprintf("row_major(%dx%d)", t.M0, t.N0) }

// M01AdaptTileMap groups M01 consecutive M tiles so that neighbouring blocks
// share A rows and B columns. When M0 is not a multiple of M01 the last group
// shrinks to the remainder, so no block is wasted.
type M01AdaptTileMap struct {
	MPerBlock, NPerBlock int
	M0, N0               int
	M01                  int
}

func NewM01AdaptTileMap(c tensordesc.Descriptor, mPerBlock, nPerBlock, m01 int) M01AdaptTileMap {
	return M01AdaptTileMap{
		MPerBlock: mPerBlock,
		NPerBlock: nPerBlock,
		M0:        ceilDiv(c.Length(0), mPerBlock),
		N0:        ceilDiv(c.Length(1), nPerBlock),
		M01:       max(m01, 1),
	}
}

func (t M01AdaptTileMap) CalculateBottomIndex(id int) TileIndex {
	idxN0 := id % t.N0
	idxM0 := id / t.N0
	m01Adapt := t.M01
	if idxM0 >= t.M0-t.M0%t.M01 {
		m01Adapt = t.M0 % t.M01
	}
	idxM00 := idxM0 / t.M01
	idxM01 := idxM0 % t.M01
	local := idxN0 + idxM01*t.N0
	return TileIndex{M0: local%m01Adapt + idxM00*t.M01, N0: local / m01Adapt}
}

func (t M01AdaptTileMap) ValidCTileIndex(idx TileIndex) bool { return idx.M0 < t.M0 && idx.N0 < t.N0 }
func (t M01AdaptTileMap) GridSize() int                      { return t.M0 * t.N0 }

func (t M01AdaptTileMap) CheckValidity(c tensordesc.Descriptor) bool {
	return t.M0*t.MPerBlock == c.Length(0) && t.N0*t.NPerBlock == c.Length(1)
}

func (t M01AdaptTileMap) String() string {
	return fmt.Sprintf("m00_n0_m01_adapt(%dx%d, m01=%d)", t.M0, t.N0, t.M01)
}

// M01N01TileMap tiles the grid in M01 x N01 clusters. The grid is padded to
// whole clusters and blocks landing outside the C tiles are invalid.
type M01N01TileMap struct {
	MPerBlock, NPerBlock int
	M0, N0               int
	M01, N01             int
}

func NewM01N01TileMap(c tensordesc.Descriptor, mPerBlock, nPerBlock, m01, n01 int) M01N01TileMap {
	return M01N01TileMap{
		MPerBlock: mPerBlock,
		NPerBlock: nPerBlock,
		M0:        ceilDiv(c.Length(0), mPerBlock),
		N0:        ceilDiv(c.Length(1), nPerBlock),
		M01:       max(m01, 1),
		N01:       max(n01, 1),
	}
}

func (t M01N01TileMap) CalculateBottomIndex(id int) TileIndex {
	n00 := ceilDiv(t.N0, t.N01)
	m00 := id / (n00 * t.M01 * t.N01)
	id %= n00 * t.M01 * t.N01
	n00i := id / (t.M01 * t.N01)
	id %= t.M01 * t.N01
	return TileIndex{M0: m00*t.M01 + id/t.N01, N0: n00i*t.N01 + id%t.N01}
}

func (t M01N01TileMap) ValidCTileIndex(idx TileIndex) bool { return idx.M0 < t.M0 && idx.N0 < t.N0 }

func (t M01N01TileMap) GridSize() int {
	return ceilDiv(t.M0, t.M01) * t.M01 * ceilDiv(t.N0, t.N01) * t.N01
}

func (t M01N01TileMap) CheckValidity(c tensordesc.Descriptor) bool {
	return t.M0*t.MPerBlock == c.Length(0) && t.N0*t.NPerBlock == c.Length(1)
}

func (t M01N01TileMap) String() string {
	return fmt.Sprintf("m00_n00_m01_n01(%dx%d, %dx%d)", t.M0, t.N0, t.M01, t.N01)
}

// KSplitTileMap runs an inner map once per K batch; the batch is the slowest
// index.
type KSplitTileMap struct {
	Inner  Block2CTileMap
	KBatch int
}

func (t KSplitTileMap) CalculateBottomIndex(id int) TileIndex {
	per := t.Inner.GridSize()
	idx := t.Inner.CalculateBottomIndex(id % per)
	idx.KBatch = id / per
	return idx
}

func (t KSplitTileMap) ValidCTileIndex(idx TileIndex) bool {
	return idx.KBatch < t.KBatch && t.Inner.ValidCTileIndex(idx)
}

func (t KSplitTileMap) GridSize() int { return t.KBatch * t.Inner.GridSize() }

func (t KSplitTileMap) CheckValidity(c tensordesc.Descriptor) bool {
	return t.KBatch >= 1 && t.Inner.CheckValidity(c)
}

func (t KSplitTileMap) String() string { return fmt.Sprintf("ksplit(%d, %s)", t.KBatch, t.Inner) }

// KBatchOf is the K split of a map, 1 for maps without one.
func KBatchOf(m Block2CTileMap) int {
	if k, ok := m.(KSplitTileMap); ok {
		return k.KBatch
	}
	return 1
}
