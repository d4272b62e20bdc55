package deviceop

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// aView is the [K, M] operand view of an A[M, K] matrix.
func aView(m, k, lda int, layout Layout) tensordesc.Descriptor {
	return gridwise.Transpose2D(gridwise.MatrixDescriptor(m, k, lda, layout == RowMajor))
}

// bView is the [K, N] operand view of a B[K, N] matrix.
func bView(k, n, ldb int, layout Layout) tensordesc.Descriptor {
	return gridwise.MatrixDescriptor(k, n, ldb, layout == RowMajor)
}

// eView is the [M, N] view of a row-major output or D operand. A zero
// leading dimension broadcasts one row to every M.
func eView(m, n, lde int) tensordesc.Descriptor {
	return gridwise.MatrixDescriptor(m, n, lde, true)
}

// gemmGridViews pads 2-D views to the tile and splits K into kBatch pieces:
// a [K, M] and b [K, N] become [KBatch, K', M'] and [KBatch, K', N'], every
// [M, N] view is padded to whole tiles.
func gemmGridViews(cfg gridwise.GemmConfig, a, b tensordesc.Descriptor, kBatch int, es ...tensordesc.Descriptor) (ga, gb tensordesc.Descriptor, ges []tensordesc.Descriptor, err error) {
	if ga, err = gridwise.MakeKBatchDescriptor(a, kBatch, cfg.KPerBlock, cfg.MPerBlock); err != nil {
		return ga, gb, nil, errors.WithMessage(err, "A view")
	}
	if gb, err = gridwise.MakeKBatchDescriptor(b, kBatch, cfg.KPerBlock, cfg.NPerBlock); err != nil {
		return ga, gb, nil, errors.WithMessage(err, "B view")
	}
	ges = make([]tensordesc.Descriptor, len(es))
	for i, e := range es {
		if ges[i], err = gridwise.PadToTiles(e, cfg.MPerBlock, cfg.NPerBlock); err != nil {
			return ga, gb, nil, errors.WithMessage(err, "output view")
		}
	}
	return ga, gb, ges, nil
}

// checkSpec rejects dimensions the specialization does not pad and that do
// not divide their tile.
func checkSpec(spec GemmSpecialization, cfg gridwise.GemmConfig, m, n, k, kBatch int) error {
	if !spec.PadsM() && m%cfg.MPerBlock != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: M=%d is not a multiple of %d", spec, m, cfg.MPerBlock)
	}
	if !spec.PadsN() && n%cfg.NPerBlock != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: N=%d is not a multiple of %d", spec, n, cfg.NPerBlock)
	}
	if kt := cfg.KPerBlock * kBatch; !spec.PadsK() && k%kt != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: K=%d is not a multiple of %d", spec, k, kt)
	}
	return nil
}

// checkVector verifies that vec-wide reads along dim of a 2-D view are
// contiguous, stay inside the dimension, and start aligned along the other
// dimension.
func checkVector(name string, view tensordesc.Descriptor, dim, vec int) error {
	if vec <= 1 {
		return nil
	}
	if view.Length(dim)%vec != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: length %d along dim %d not divisible by vector %d", name, view.Length(dim), dim, vec)
	}
	base := view.CalculateOffset([]int{0, 0})
	step := []int{0, 0}
	step[dim] = 1
	if view.CalculateOffset(step)-base != 1 {
		return errors.Wrapf(ErrUnsupported, "%s: dim %d is not contiguous for %d-wide reads", name, dim, vec)
	}
	step = []int{0, 0}
	step[1-dim] = 1
	if (view.CalculateOffset(step)-base)%vec != 0 {
		return errors.Wrapf(ErrUnsupported, "%s: leading dimension not aligned to vector %d", name, vec)
	}
	return nil
}
