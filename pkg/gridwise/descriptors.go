package gridwise

import (
	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// MakeKBatchDescriptor turns a [K, MN] operand view into the [KBatch, K, MN]
// grid view: K is padded up to whole KBatch*kPerBlock chunks and split into
// KBatch slowest-varying pieces, MN is padded to whole mnPerBlock tiles.
// Padded elements read as zero.
func MakeKBatchDescriptor(kmn tensordesc.Descriptor, kBatch, kPerBlock, mnPerBlock int) (tensordesc.Descriptor, error) {
	if kmn.NumDims() != 2 || kBatch <= 0 || kPerBlock <= 0 || mnPerBlock <= 0 {
		return tensordesc.Descriptor{}, errors.Wrapf(ErrInvalidConfig, "k batch view of %v with kbatch=%d k=%d mn=%d",
			kmn.Lengths(), kBatch, kPerBlock, mnPerBlock)
	}
	padded, err := PadToTiles(kmn, kBatch*kPerBlock, mnPerBlock)
	if err != nil {
		return tensordesc.Descriptor{}, err
	}
	kPad := padded.Length(0)
	return tensordesc.TransformDescriptor(padded,
		[]tensordesc.Transform{
			tensordesc.MakeUnmerge(kBatch, kPad/kBatch),
			tensordesc.MakePassThrough(padded.Length(1)),
		},
		[][]int{{0}, {1}},
		[][]int{{0, 1}, {2}})
}

// PadToTiles right-pads both dimensions of a 2-D view to multiples of the
// given tile sizes. Dimensions that already divide are passed through.
func PadToTiles(d tensordesc.Descriptor, tile0, tile1 int) (tensordesc.Descriptor, error) {
	if d.NumDims() != 2 {
		return tensordesc.Descriptor{}, errors.Wrapf(ErrInvalidConfig, "pad of rank %d view", d.NumDims())
	}
	if d.Length(0)%tile0 == 0 && d.Length(1)%tile1 == 0 {
		return d, nil
	}
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{
			padOrPass(d.Length(0), tile0),
			padOrPass(d.Length(1), tile1),
		},
		[][]int{{0}, {1}},
		[][]int{{0}, {1}})
}

func padOrPass(length, tile int) tensordesc.Transform {
	if length%tile == 0 {
		return tensordesc.MakePassThrough(length)
	}
	return tensordesc.MakeRightPadToMultiple(length, tile)
}

// Transpose2D swaps the two dimensions of a view, e.g. a row-major [M, K]
// matrix into the [K, M] operand view.
func Transpose2D(d tensordesc.Descriptor) tensordesc.Descriptor {
	return tensordesc.MustTransform(d,
		[]tensordesc.Transform{
			tensordesc.MakePassThrough(d.Length(0)),
			tensordesc.MakePassThrough(d.Length(1)),
		},
		[][]int{{0}, {1}},
		[][]int{{1}, {0}})
}

// MatrixDescriptor describes a rows x cols matrix with leading stride ld,
// row-major when rowMajor is set and column-major otherwise.
func MatrixDescriptor(rows, cols, ld int, rowMajor bool) tensordesc.Descriptor {
	if rowMajor {
		return tensordesc.MakeNaive([]int{rows, cols}, []int{ld, 1})
	}
	return tensordesc.MakeNaive([]int{rows, cols}, []int{1, ld})
}
