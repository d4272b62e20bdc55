package deviceop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
)

// ConvInstance is a GEMM variant used as an implicit-GEMM convolution.
type ConvInstance struct {
	Gemm     GemmInstance       `yaml:"gemm" json:"gemm"`
	ConvSpec ConvSpecialization `yaml:"conv_spec" json:"conv_spec"`
}

// ConvArgument is a convolution problem resolved into one or more GEMM
// launches that share a kernel.
type ConvArgument[AB, E dtype.Storage] struct {
	argBase
	params   convparam.Params
	launches []*gemmLaunch[AB, E]

	in, wei, out convTensor
	// zero clears the output before every run, when set.
	zero func()
}

func (a *ConvArgument[AB, E]) Params() convparam.Params { return a.params }

// NumLaunches is the number of GEMMs the convolution decomposes into.
func (a *ConvArgument[AB, E]) NumLaunches() int { return len(a.launches) }

// Views returns the padded A, B and E views of the first GEMM launch.
func (a *ConvArgument[AB, E]) Views() (aDesc, bDesc, eDesc tensordesc.Descriptor) {
	if len(a.launches) == 0 {
		return
	}
	g := &a.launches[0].grid
	return g.ADesc, g.BDesc, g.CDesc
}

func (a *ConvArgument[AB, E]) FLOPs() int64 { return a.params.FLOPs() }

func (a *ConvArgument[AB, E]) Bytes() int64 { return convparam.Bytes[AB, AB, E](a.params) }

func convArg[AB, E dtype.Storage](owner any, arg Argument) (*ConvArgument[AB, E], error) {
	a, ok := arg.(*ConvArgument[AB, E])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(owner)
}

// tensors resolves the input, weight and output layouts of p.
func (a *ConvArgument[AB, E]) tensors(in, wei, out []int) error {
	var err error
	if a.in, err = newConvTensor(a.params.InputGNC(), in); err != nil {
		return errors.WithMessage(err, "input")
	}
	if a.wei, err = newConvTensor(a.params.WeightGKC(), wei); err != nil {
		return errors.WithMessage(err, "weight")
	}
	if a.out, err = newConvTensor(a.params.OutputGNK(), out); err != nil {
		return errors.WithMessage(err, "output")
	}
	return nil
}

// checkConvSpec rejects problems the convolution specialization cannot run.
func checkConvSpec(spec ConvSpecialization, p convparam.Params) error {
	switch spec {
	case ConvFilter1x1Pad0:
		if !p.IsFilter1x1Pad0() {
			return errors.Wrapf(ErrUnsupported, "%s with %s", spec, p)
		}
	case ConvFilter1x1Stride1Pad0:
		if !p.IsFilter1x1Stride1Pad0() {
			return errors.Wrapf(ErrUnsupported, "%s with %s", spec, p)
		}
	}
	return nil
}

// matrix is a 2-D [rows, cols] view with a uniform stride per dimension,
// flattening rowDims of t into rows.
func matrix(t convTensor, rowDims []int, col int) (tensordesc.Descriptor, error) {
	ld, ok := t.flatten(rowDims...)
	if !ok {
		return tensordesc.Descriptor{}, errors.Wrapf(ErrUnsupported, "dims %v of %v are not one strided run", rowDims, t.lengths)
	}
	rows := 1
	for _, d := range rowDims {
		rows *= t.lengths[d]
	}
	return tensordesc.MakeNaive([]int{rows, t.lengths[col]}, []int{ld, t.strides[col]}), nil
}

// rowsOf returns N and the spatial dims, the rows of a flattened activation.
func rowsOf(nd int) []int { return append([]int{dimN}, seq(dimSpatial, nd)...) }

// vectorInner maps a block transfer's source vector dim to the tensor dim
// that holds the contiguous run for GEMM K (0) or M/N (1).
func vectorInner(srcVectorDim, kInner, mnInner int) int {
	if srcVectorDim == 0 {
		return kInner
	}
	return mnInner
}

// checkConvVectors checks the A and B operand reads of the gridwise kernel
// against the tensors they come from.
func checkConvVectors(tile gridwise.GemmConfig, a convTensor, aName string, aK, aMN int, b convTensor, bName string, bK, bN int) error {
	at, bt := tile.ABlockTransfer, tile.BBlockTransfer
	if err := a.checkVectorDim(aName, vectorInner(at.SrcVectorDim, aK, aMN), at.SrcScalarPerVector); err != nil {
		return err
	}
	return b.checkVectorDim(bName, vectorInner(bt.SrcVectorDim, bK, bN), bt.SrcScalarPerVector)
}

func runLaunches[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](ctx context.Context, dev *gpu.Device, s *gpu.Stream, c *gemmCore[AB, Acc, E], ls []*gemmLaunch[AB, E]) error {
	fns := make([]func(context.Context) error, len(ls))
	for i, l := range ls {
		fns[i] = func(ctx context.Context) error { return c.launch(ctx, dev, s, l) }
	}
	return launchAll(ctx, fns...)
}

// zeroStrided clears every element of a strided tensor.
func zeroStrided[T dtype.Storage](buf []T, lengths, strides []int) {
	if len(lengths) == 0 {
		return
	}
	var zero T
	last := len(lengths) - 1
	var walk func(dim, off int)
	walk = func(dim, off int) {
		if dim == last {
			if strides[last] == 1 {
				clear(buf[off : off+lengths[last]])
				return
			}
			for i := range lengths[last] {
				buf[off+i*strides[last]] = zero
			}
			return
		}
		for i := range lengths[dim] {
			walk(dim+1, off+i*strides[dim])
		}
	}
	walk(0, 0)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
