package deviceop

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// attentionDevices are the architectures the fused attention is tuned for.
var attentionDevices = []string{"gfx908", "gfx90a"}

// AttentionInstance pairs the two GEMMs of an attention block with the
// softmax between them.
type AttentionInstance struct {
	Name    string                   `yaml:"name" json:"name"`
	Gemm0   GemmInstance             `yaml:"gemm0" json:"gemm0"`
	Softmax gridwise.ReductionConfig `yaml:"softmax" json:"softmax"`
	Gemm1   GemmInstance             `yaml:"gemm1" json:"gemm1"`
}

// AttentionProblem is Out = softmax(Scale * Q * Keys^T) * V for G0*G1
// independent heads. Q is [G0, G1, M, K], Keys [G0, G1, N, K], V
// [G0, G1, N, O] and Out [G0, G1, M, O], all with strides in that order.
// Nil input strides are packed; nil output strides store Out as
// [G0, M, G1, O].
type AttentionProblem[AB, Out dtype.Storage] struct {
	G0, G1      int
	M, N, K, O  int
	Q, Keys, V  []AB
	Out         []Out
	QStrides    []int
	KeysStrides []int
	VStrides    []int
	OutStrides  []int
	Scale       float64
}

type AttentionArgument[AB dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	argBase
	g0      int
	scores  []Acc
	probs   []AB
	gemm0   []*gemmLaunch[AB, Acc]
	softmax gridwise.SoftmaxArgs[Acc, AB]
	gemm1   []*gemmLaunch[AB, Out]
}

func (a *AttentionArgument[AB, Acc, Out]) FLOPs() int64 {
	if len(a.gemm0) == 0 {
		return 0
	}
	l0, l1 := a.gemm0[0], a.gemm1[0]
	heads := int64(a.g0) * int64(l0.grid.BatchCount)
	return 2 * heads * (int64(l0.m)*int64(l0.n)*int64(l0.k) + int64(l1.m)*int64(l1.n)*int64(l1.k))
}

// Bytes counts Q, Keys, V and Out once each. The score and probability
// workspaces are not counted.
func (a *AttentionArgument[AB, Acc, Out]) Bytes() int64 {
	if len(a.gemm0) == 0 {
		return 0
	}
	l0, l1 := a.gemm0[0], a.gemm1[0]
	heads := int64(a.g0) * int64(l0.grid.BatchCount)
	in := int64(l0.m)*int64(l0.k) + int64(l0.n)*int64(l0.k) + int64(l1.k)*int64(l1.n)
	return heads * (in*int64(dtype.SizeOf[AB]()) + int64(l1.m)*int64(l1.n)*int64(dtype.SizeOf[Out]()))
}

// BatchedGemmSoftmaxGemmPermute runs attention as three launches per G0
// slice: the scaled score GEMM into an accumulator workspace, a row softmax
// into a probability workspace of the input type, and the value GEMM
// written through the output strides.
type BatchedGemmSoftmaxGemmPermute[AB dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage] struct {
	inst  AttentionInstance
	gemm0 *gemmCore[AB, Acc, Acc]
	gemm1 *gemmCore[AB, Acc, Out]
}

func NewBatchedGemmSoftmaxGemmPermute[AB dtype.Storage, Acc dtype.Accumulator, Out dtype.Storage](inst AttentionInstance) *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out] {
	return &BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]{
		inst:  inst,
		gemm0: newGemmCore[AB, Acc, Acc]("BatchedGemm0_Xdl", inst.Gemm0, transfer.Set),
		gemm1: newGemmCore[AB, Acc, Out]("BatchedGemm1_Xdl", inst.Gemm1, transfer.Set),
	}
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) Name() string {
	if b.inst.Name != "" {
		return b.inst.Name
	}
	return fmt.Sprintf("BatchedGemmSoftmaxGemmPermute_%s_%s_%s", b.gemm0.tile, b.inst.Softmax, b.gemm1.tile)
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) TypeString() string {
	return fmt.Sprintf("DeviceBatchedGemmSoftmaxGemmPermute<%s,%s,%s, %s, %s, %s>",
		dtype.Of[AB](), dtype.Of[Acc](), dtype.Of[Out](), b.gemm0.tile, b.inst.Softmax, b.gemm1.tile)
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) MakeArgument(p AttentionProblem[AB, Out]) Argument {
	arg := &AttentionArgument[AB, Acc, Out]{argBase: argBase{owner: b}, g0: p.G0}
	arg.err = b.resolve(arg, p)
	return arg
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) resolve(arg *AttentionArgument[AB, Acc, Out], p AttentionProblem[AB, Out]) error {
	if p.G0 <= 0 || p.G1 <= 0 || p.M <= 0 || p.N <= 0 || p.K <= 0 || p.O <= 0 {
		return errors.Wrapf(ErrUnsupported, "attention G0=%d G1=%d M=%d N=%d K=%d O=%d", p.G0, p.G1, p.M, p.N, p.K, p.O)
	}
	q, err := stridesOr(p.QStrides, []int{p.G0, p.G1, p.M, p.K})
	if err != nil {
		return errors.WithMessage(err, "Q")
	}
	k, err := stridesOr(p.KeysStrides, []int{p.G0, p.G1, p.N, p.K})
	if err != nil {
		return errors.WithMessage(err, "keys")
	}
	v, err := stridesOr(p.VStrides, []int{p.G0, p.G1, p.N, p.O})
	if err != nil {
		return errors.WithMessage(err, "V")
	}
	out := p.OutStrides
	if out == nil {
		out = []int{p.M * p.G1 * p.O, p.O, p.G1 * p.O, 1}
	}
	if len(out) != 4 {
		return errors.Wrapf(ErrUnsupported, "%d output strides", len(out))
	}

	rows := p.G1 * p.M
	arg.scores = make([]Acc, rows*p.N)
	arg.probs = make([]AB, rows*p.N)

	// S [M, N] = Q [M, K] * Keys^T, P [M, N] row-major per head.
	qView := gridwise.Transpose2D(tensordesc.MakeNaive([]int{p.M, p.K}, []int{q[2], q[3]}))
	kView := tensordesc.MakeNaive([]int{p.K, p.N}, []int{k[3], k[2]})
	sView := eView(p.M, p.N, p.N)
	pView := gridwise.Transpose2D(sView)
	vView := tensordesc.MakeNaive([]int{p.N, p.O}, []int{v[2], v[3]})
	oView := tensordesc.MakeNaive([]int{p.M, p.O}, []int{out[2], out[3]})
	scale := elementwise.NoD{Op: elementwise.Scale{Factor: p.Scale}}

	for g := range p.G0 {
		l0, err := b.gemm0.bind(p.Q[min(g*q[0], len(p.Q)):], p.Keys[min(g*k[0], len(p.Keys)):], arg.scores, nil,
			qView, kView, sView, nil, 1,
			gemmBatch{count: p.G1, a: q[1], b: k[1], e: p.M * p.N}, nil, nil, scale)
		if err != nil {
			return errors.WithMessage(err, "score GEMM")
		}
		l1, err := b.gemm1.bind(arg.probs, p.V[min(g*v[0], len(p.V)):], p.Out[min(g*out[0], len(p.Out)):], nil,
			pView, vView, oView, nil, 1,
			gemmBatch{count: p.G1, a: p.M * p.N, b: v[1], e: out[1]}, nil, nil, nil)
		if err != nil {
			return errors.WithMessage(err, "value GEMM")
		}
		arg.gemm0 = append(arg.gemm0, l0)
		arg.gemm1 = append(arg.gemm1, l1)
	}

	sm := b.inst.Softmax
	view, err := gridwise.PadToTiles(tensordesc.MakePacked(rows, p.N), sm.MPerBlock(), sm.KPerBlock())
	if err != nil {
		return errors.WithMessage(err, "softmax view")
	}
	arg.softmax = gridwise.SoftmaxArgs[Acc, AB]{
		In:      arg.scores,
		Out:     arg.probs,
		InDesc:  view,
		OutDesc: view,
		M:       rows,
		K:       p.N,
		Alpha:   1,
	}
	return nil
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) arg(arg Argument) (*AttentionArgument[AB, Acc, Out], error) {
	a, ok := arg.(*AttentionArgument[AB, Acc, Out])
	if !ok {
		return nil, errForeignArgument
	}
	return a, a.ownedBy(b)
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) IsSupportedArgument(dev *gpu.Device, arg Argument) bool {
	return checkSupport(dev, b.Name(), func() error {
		if !slices.Contains(attentionDevices, dev.Name()) {
			return errors.Wrapf(ErrUnsupported, "fused attention is not available on %s", dev.Name())
		}
		a, err := b.arg(arg)
		if err != nil {
			return err
		}
		for i := range a.gemm0 {
			if err := b.gemm0.check(dev, a.gemm0[i], true); err != nil {
				return errors.WithMessage(err, "score GEMM")
			}
			if err := b.gemm1.check(dev, a.gemm1[i], true); err != nil {
				return errors.WithMessage(err, "value GEMM")
			}
		}
		k, err := gridwise.NewSoftmax[Acc, Acc, AB](b.inst.Softmax, dev)
		if err != nil {
			return err
		}
		return k.CheckValidity(&a.softmax)
	})
}

func (b *BatchedGemmSoftmaxGemmPermute[AB, Acc, Out]) Run(ctx context.Context, dev *gpu.Device, arg Argument, sc gpu.StreamConfig) (float64, error) {
	ok := b.IsSupportedArgument(dev, arg)
	return timedRun(dev, sc, b.Name(), ok, func(s *gpu.Stream) error {
		a, _ := b.arg(arg)
		sm, err := gridwise.NewSoftmax[Acc, Acc, AB](b.inst.Softmax, dev)
		if err != nil {
			return err
		}
		var steps []func(context.Context) error
		for i := range a.gemm0 {
			l0, l1 := a.gemm0[i], a.gemm1[i]
			steps = append(steps,
				func(ctx context.Context) error { return b.gemm0.launch(ctx, dev, s, l0) },
				func(ctx context.Context) error {
					_, err := sm.Run(ctx, s, &a.softmax)
					return err
				},
				func(ctx context.Context) error { return b.gemm1.launch(ctx, dev, s, l1) },
			)
		}
		return launchAll(ctx, steps...)
	})
}
