// Package reference holds straightforward CPU implementations of every device
// operator. They accumulate in float64 and exist to check kernel output.
package reference

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tessera/internal/hosttensor"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
)

var ErrShape = errors.New("reference: shape mismatch")

// Ops are the element-wise operations fused around a contraction. Nil
// members mean pass-through.
type Ops struct {
	A, B elementwise.Unary
	CDE  elementwise.MultiD
}

func (o Ops) a() elementwise.Unary { return orPass(o.A) }
func (o Ops) b() elementwise.Unary { return orPass(o.B) }

func (o Ops) cde() elementwise.MultiD {
	if o.CDE == nil {
		return elementwise.NoD{Op: elementwise.PassThrough{}}
	}
	return o.CDE
}

func orPass(op elementwise.Unary) elementwise.Unary {
	if op == nil {
		return elementwise.PassThrough{}
	}
	return op
}

// apply runs op on x and rounds the result back into T, as a kernel does when
// it stages transformed operands in their storage type.
func apply[T dtype.Storage](op elementwise.Unary, x T) float64 {
	return dtype.ToFloat64(dtype.FromFloat64[T](op.Apply(dtype.ToFloat64(x))))
}

// parallelFor runs fn for every i in [0, n) on up to GOMAXPROCS goroutines.
// Each i must write a disjoint part of the output.
func parallelFor(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func checkLengths(name string, got []int, want ...int) error {
	if len(got) != len(want) {
		return errors.Wrapf(ErrShape, "%s: rank %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Wrapf(ErrShape, "%s: lengths %v, want %v", name, got, want)
		}
	}
	return nil
}

// epilogue finishes one output element: E = CDE(c, D...).
func epilogue[E dtype.Storage](op elementwise.MultiD, c float64, ds []*hosttensor.Tensor[E], scratch []float64, idx []int) float64 {
	for j, d := range ds {
		scratch[j] = dtype.ToFloat64(d.At(idx...))
	}
	return op.Apply(c, scratch[:len(ds)])
}

func checkDs[E dtype.Storage](op elementwise.MultiD, ds []*hosttensor.Tensor[E], lengths []int) error {
	if len(ds) != op.NumD() {
		return errors.Wrapf(ErrShape, "%s takes %d D tensors, got %d", op.Name(), op.NumD(), len(ds))
	}
	for i, d := range ds {
		if err := checkLengths("D", d.Lengths, lengths...); err != nil {
			return errors.WithMessagef(err, "D%d", i)
		}
	}
	return nil
}
