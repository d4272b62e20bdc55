package deviceop

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// ReductionInstance is one tuned softmax or reduction kernel. Rank and
// NumReduceDims restrict the problems it accepts when non-zero.
type ReductionInstance struct {
	Name          string                   `yaml:"name" json:"name"`
	Rank          int                      `yaml:"rank,omitempty" json:"rank,omitempty"`
	NumReduceDims int                      `yaml:"num_reduce_dims,omitempty" json:"num_reduce_dims,omitempty"`
	BlocksPerRow  int                      `yaml:"blocks_per_row,omitempty" json:"blocks_per_row,omitempty"`
	Tile          gridwise.ReductionConfig `yaml:"tile" json:"tile"`
}

// reductionLayout splits a strided N-D tensor into the invariant dims that
// form rows and the reduced dims that form columns.
type reductionLayout struct {
	lengths   []int
	invariant []int
	reduced   []int
	m, k      int
}

func newReductionLayout(lengths, reduceDims []int) (reductionLayout, error) {
	r := reductionLayout{lengths: lengths, m: 1, k: 1}
	if len(reduceDims) == 0 || len(reduceDims) > len(lengths) {
		return r, errors.Wrapf(ErrUnsupported, "reduce dims %v of rank %d", reduceDims, len(lengths))
	}
	for i, l := range lengths {
		if l <= 0 {
			return r, errors.Wrapf(ErrUnsupported, "lengths %v", lengths)
		}
		if slices.Contains(reduceDims, i) {
			r.reduced = append(r.reduced, i)
			r.k *= l
		} else {
			r.invariant = append(r.invariant, i)
			r.m *= l
		}
	}
	if len(r.reduced) != len(reduceDims) {
		return r, errors.Wrapf(ErrUnsupported, "reduce dims %v of rank %d", reduceDims, len(lengths))
	}
	return r, nil
}

// stridesOr defaults nil strides to a packed row-major layout of lengths.
func stridesOr(strides, lengths []int) ([]int, error) {
	if strides == nil {
		strides = make([]int, len(lengths))
		s := 1
		for i := len(lengths) - 1; i >= 0; i-- {
			strides[i] = s
			s *= lengths[i]
		}
	}
	if len(strides) != len(lengths) {
		return nil, errors.Wrapf(ErrUnsupported, "%d strides for lengths %v", len(strides), lengths)
	}
	return strides, nil
}

func (r reductionLayout) lengthsOf(dims []int) []int {
	ls := make([]int, len(dims))
	for i, d := range dims {
		ls[i] = r.lengths[d]
	}
	return ls
}

// view is the [M, K] view of a tensor with the layout's lengths, padded to
// whole tiles. With every dim reduced a unit M dim of stride 0 is added.
func (r reductionLayout) view(strides []int, tileM, tileK int) (tensordesc.Descriptor, error) {
	lengths, inv, red := r.lengths, r.invariant, r.reduced
	if len(inv) == 0 {
		lengths = append([]int{1}, lengths...)
		strides = append([]int{0}, strides...)
		inv = []int{0}
		red = make([]int, len(r.reduced))
		for i, d := range r.reduced {
			red[i] = d + 1
		}
	}
	invLens, redLens := make([]int, len(inv)), make([]int, len(red))
	for i, d := range inv {
		invLens[i] = lengths[d]
	}
	for i, d := range red {
		redLens[i] = lengths[d]
	}
	d, err := tensordesc.TransformDescriptor(tensordesc.MakeNaive(lengths, strides),
		[]tensordesc.Transform{tensordesc.MakeMerge(invLens...), tensordesc.MakeMerge(redLens...)},
		[][]int{inv, red}, [][]int{{0}, {1}})
	if err != nil {
		return d, err
	}
	return gridwise.PadToTiles(d, tileM, tileK)
}

// rowView is the 1-D [M] view of a reduction output over the invariant dims,
// right-padded to whole tiles.
func (r reductionLayout) rowView(strides []int, tile int) (tensordesc.Descriptor, error) {
	var d tensordesc.Descriptor
	if len(r.invariant) == 0 {
		d = tensordesc.MakePacked(1)
	} else {
		lens := r.lengthsOf(r.invariant)
		var err error
		d, err = tensordesc.TransformDescriptor(tensordesc.MakeNaive(lens, strides),
			[]tensordesc.Transform{tensordesc.MakeMerge(lens...)}, [][]int{seq(0, len(lens))}, [][]int{{0}})
		if err != nil {
			return d, err
		}
	}
	return tensordesc.TransformDescriptor(d,
		[]tensordesc.Transform{tensordesc.MakeRightPadToMultiple(r.m, tile)}, [][]int{{0}}, [][]int{{0}})
}

// checkStridedVector verifies vec-wide access along the merged dims of a tensor:
// the innermost of them is unit stride and divisible by vec and every other
// stride keeps vectors aligned.
func checkStridedVector(name string, lengths, strides, dims []int, vec int) error {
	if vec <= 1 {
		return nil
	}
	if len(dims) == 0 {
		return errors.Wrapf(ErrUnsupported, "%s: no dimension to read %d-wide", name, vec)
	}
	inner := dims[len(dims)-1]
	if lengths[inner]%vec != 0 || strides[inner] != 1 {
		return errors.Wrapf(ErrUnsupported, "%s: dim %d (length %d, stride %d) cannot be read %d-wide",
			name, inner, lengths[inner], strides[inner], vec)
	}
	for i, s := range strides {
		if i != inner && lengths[i] > 1 && s%vec != 0 {
			return errors.Wrapf(ErrUnsupported, "%s: stride %d of dim %d not aligned to vector %d", name, s, i, vec)
		}
	}
	return nil
}

// checkShape applies the rank and reduce-count restrictions of an instance.
func (inst ReductionInstance) checkShape(rank, numReduce int) error {
	if inst.Rank != 0 && inst.Rank != rank {
		return errors.Wrapf(ErrUnsupported, "instance rank %d, problem rank %d", inst.Rank, rank)
	}
	if inst.NumReduceDims != 0 && inst.NumReduceDims != numReduce {
		return errors.Wrapf(ErrUnsupported, "instance reduces %d dims, problem %d", inst.NumReduceDims, numReduce)
	}
	return nil
}
