package deviceop

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/gridwise"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
)

// GemmInstance is one tuned GEMM variant: operand layouts, the dimensions it
// pads and the tile geometry of its kernel.
type GemmInstance struct {
	Name    string              `yaml:"name" json:"name"`
	LayoutA Layout              `yaml:"layout_a" json:"layout_a"`
	LayoutB Layout              `yaml:"layout_b" json:"layout_b"`
	Spec    GemmSpecialization  `yaml:"spec" json:"spec"`
	M01     int                 `yaml:"m01,omitempty" json:"m01,omitempty"`
	Tile    gridwise.GemmConfig `yaml:"tile" json:"tile"`
}

// gemmBatch offsets BatchCount independent problems sharing one set of views.
type gemmBatch struct {
	count   int
	a, b, e int
	ds      []int
}

// gemmLaunch is one resolved GEMM launch together with the unpadded 2-D views
// it was built from.
type gemmLaunch[AB, E dtype.Storage] struct {
	m, n, k, kBatch int
	aView, bView    tensordesc.Descriptor
	grid            gridwise.GemmArgs[AB, E]
}

// gemmCore is the part shared by every operator running the gridwise GEMM.
type gemmCore[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage] struct {
	inst    GemmInstance
	tile    gridwise.GemmConfig
	kind    string
	kernels sync.Map
}

func newGemmCore[AB dtype.Storage, Acc dtype.Accumulator, E dtype.Storage](kind string, inst GemmInstance, memOp transfer.MemoryOp) *gemmCore[AB, Acc, E] {
	c := &gemmCore[AB, Acc, E]{inst: inst, tile: inst.Tile, kind: kind}
	c.tile.CMemoryOp = memOp
	if c.inst.M01 <= 0 {
		c.inst.M01 = 4
	}
	return c
}

func (c *gemmCore[AB, Acc, E]) name() string {
	if c.inst.Name != "" {
		return c.inst.Name
	}
	return fmt.Sprintf("%s_%s%s_%s_%s", c.kind, c.inst.LayoutA, c.inst.LayoutB, c.inst.Spec, c.tile)
}

func (c *gemmCore[AB, Acc, E]) typeString() string {
	return fmt.Sprintf("Device%s<%s,%s,%s, %s,%s, %s, %s>", c.kind,
		dtype.Of[AB](), dtype.Of[Acc](), dtype.Of[E](), c.inst.LayoutA, c.inst.LayoutB, c.inst.Spec, c.tile)
}

// kernel returns the gridwise GEMM for dev, built once per device.
func (c *gemmCore[AB, Acc, E]) kernel(dev *gpu.Device) (*gridwise.GridwiseGemm[AB, Acc, E], error) {
	if k, ok := c.kernels.Load(dev); ok {
		return k.(*gridwise.GridwiseGemm[AB, Acc, E]), nil
	}
	g, err := gridwise.New[AB, Acc, E](c.tile, dev)
	if err != nil {
		return nil, err
	}
	k, _ := c.kernels.LoadOrStore(dev, g)
	return k.(*gridwise.GridwiseGemm[AB, Acc, E]), nil
}

func (c *gemmCore[AB, Acc, E]) tileMap(e tensordesc.Descriptor, kBatch int) gridwise.Block2CTileMap {
	inner := gridwise.NewM01AdaptTileMap(e, c.tile.MPerBlock, c.tile.NPerBlock, c.inst.M01)
	if kBatch > 1 {
		return gridwise.KSplitTileMap{Inner: inner, KBatch: kBatch}
	}
	return inner
}

// bind resolves 2-D views a [K, M], b [K, N], e and ds [M, N] into a launch.
func (c *gemmCore[AB, Acc, E]) bind(a, b []AB, e []E, ds [][]E, av, bv, ev tensordesc.Descriptor, dvs []tensordesc.Descriptor,
	kBatch int, batch gemmBatch, aOp, bOp elementwise.Unary, cde elementwise.MultiD) (*gemmLaunch[AB, E], error) {
	if cde == nil {
		cde = elementwise.NoD{Op: elementwise.PassThrough{}}
	}
	if len(ds) != cde.NumD() || len(dvs) != len(ds) {
		return nil, errors.Wrapf(ErrUnsupported, "%s takes %d D operands, got %d", cde.Name(), cde.NumD(), len(ds))
	}
	kBatch = max(kBatch, 1)
	ga, gb, ges, err := gemmGridViews(c.tile, av, bv, kBatch, append([]tensordesc.Descriptor{ev}, dvs...)...)
	if err != nil {
		return nil, err
	}
	l := &gemmLaunch[AB, E]{
		m:      ev.Length(0),
		n:      ev.Length(1),
		k:      av.Length(0),
		kBatch: kBatch,
		aView:  av,
		bView:  bv,
		grid: gridwise.GemmArgs[AB, E]{
			A:             a,
			B:             b,
			C:             e,
			Ds:            ds,
			ADesc:         ga,
			BDesc:         gb,
			CDesc:         ges[0],
			DsDescs:       ges[1:],
			AOp:           aOp,
			BOp:           bOp,
			CDEOp:         cde,
			TileMap:       c.tileMap(ges[0], kBatch),
			BatchCount:    max(batch.count, 1),
			BatchStrideA:  batch.a,
			BatchStrideB:  batch.b,
			BatchStrideC:  batch.e,
			BatchStrideDs: batch.ds,
		},
	}
	return l, nil
}

// check runs the device-independent and kernel checks for one launch. Plain
// matrix operands also get their vector reads checked here; convolution views
// are checked by their operators.
func (c *gemmCore[AB, Acc, E]) check(dev *gpu.Device, l *gemmLaunch[AB, E], plainVectors bool) error {
	k, err := c.kernel(dev)
	if err != nil {
		return err
	}
	if err := checkSpec(c.inst.Spec, c.tile, l.m, l.n, l.k, l.kBatch); err != nil {
		return err
	}
	if plainVectors {
		if err := checkVector("A", l.aView, c.tile.ABlockTransfer.SrcVectorDim, c.tile.ABlockTransfer.SrcScalarPerVector); err != nil {
			return err
		}
		if err := checkVector("B", l.bView, c.tile.BBlockTransfer.SrcVectorDim, c.tile.BBlockTransfer.SrcScalarPerVector); err != nil {
			return err
		}
	}
	g := &l.grid
	n := g.BatchCount - 1
	if err := checkSpace("A", len(g.A), g.ADesc, n*g.BatchStrideA); err != nil {
		return err
	}
	if err := checkSpace("B", len(g.B), g.BDesc, n*g.BatchStrideB); err != nil {
		return err
	}
	if err := checkSpace("E", len(g.C), g.CDesc, n*g.BatchStrideC); err != nil {
		return err
	}
	for i, d := range g.DsDescs {
		off := 0
		if i < len(g.BatchStrideDs) {
			off = n * g.BatchStrideDs[i]
		}
		if err := checkSpace(fmt.Sprintf("D%d", i), len(g.Ds[i]), d, off); err != nil {
			return err
		}
	}
	return k.CheckValidity(g)
}

func (c *gemmCore[AB, Acc, E]) launch(ctx context.Context, dev *gpu.Device, s *gpu.Stream, l *gemmLaunch[AB, E]) error {
	k, err := c.kernel(dev)
	if err != nil {
		return err
	}
	_, err = k.Run(ctx, s, &l.grid)
	return err
}

func checkSpace(name string, have int, d tensordesc.Descriptor, batchOffset int) error {
	if need := d.ElementSpaceSize() + batchOffset; have < need {
		return errors.Wrapf(ErrUnsupported, "%s holds %d elements, view needs %d", name, have, need)
	}
	return nil
}
