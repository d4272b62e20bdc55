package gridwise

import (
	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
	"github.com/samcharles93/tessera/pkg/elementwise"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/tensordesc"
	"github.com/samcharles93/tessera/pkg/transfer"
	"github.com/samcharles93/tessera/pkg/xdlops"
)

// epilogue writes a thread's accumulators to C. C and every D are viewed
// through the same 10-D split of [M, N] that mirrors the register layout:
//
//	M -> [MBlock, MRepeat, MWave, Group, InputBlk, GroupElem]
//	N -> [NBlock, NRepeat, NWave, Lane]
//
// so each thread owns one rectangular slice of it.
type epilogue[Acc dtype.Accumulator, C dtype.Storage] struct {
	gp      *xdlops.BlockGemmPlan
	in      xdlops.Instruction
	cPlan   *transfer.ThreadwisePlan
	dPlan   []*transfer.ThreadwisePlan
	cde     elementwise.MultiD
	c       []C
	ds      [][]C
	strideC int
	strideD []int
}

func newEpilogue[AB dtype.Storage, Acc dtype.Accumulator, C dtype.Storage](g *GridwiseGemm[AB, Acc, C], args *GemmArgs[AB, C]) (*epilogue[Acc, C], error) {
	gp, in := g.gemmPlan, g.in
	slice := []int{1, gp.MRepeat(), 1, in.NumGroupsPerBlk, 1, in.GroupSize, 1, gp.NRepeat(), 1, 1}
	staging := tensordesc.MakePacked(slice...)
	cfg := transfer.ThreadwiseConfig{
		SliceLengths:       slice,
		SrcVectorDim:       9,
		DstVectorDim:       9,
		SrcScalarPerVector: 1,
		DstScalarPerVector: 1,
		DstOp:              g.cfg.CMemoryOp,
	}

	cDesc, err := g.threadOutputDesc(args.CDesc)
	if err != nil {
		return nil, err
	}
	ep := &epilogue[Acc, C]{
		gp:      gp,
		in:      in,
		cde:     args.CDEOp,
		c:       args.C,
		ds:      args.Ds,
		strideC: args.BatchStrideC,
		strideD: args.BatchStrideDs,
	}
	if ep.cde == nil {
		ep.cde = elementwise.NoD{}
	}
	if ep.cPlan, err = transfer.NewThreadwisePlan(cfg, staging, cDesc); err != nil {
		return nil, errors.Wrap(err, "C thread transfer")
	}
	cfg.DstOp = transfer.Set
	for i, d := range args.DsDescs {
		dDesc, err := g.threadOutputDesc(d)
		if err != nil {
			return nil, err
		}
		p, err := transfer.NewThreadwisePlan(cfg, dDesc, staging)
		if err != nil {
			return nil, errors.Wrapf(err, "D%d thread transfer", i)
		}
		ep.dPlan = append(ep.dPlan, p)
	}
	return ep, nil
}

func (g *GridwiseGemm[AB, Acc, C]) threadOutputDesc(c tensordesc.Descriptor) (tensordesc.Descriptor, error) {
	gp, in := g.gemmPlan, g.in
	d, err := tensordesc.TransformDescriptor(c,
		[]tensordesc.Transform{
			tensordesc.MakeUnmerge(c.Length(0)/g.cfg.MPerBlock, gp.MRepeat(), gp.MWaves(), in.NumGroupsPerBlk, in.NumInputBlks, in.GroupSize),
			tensordesc.MakeUnmerge(c.Length(1)/g.cfg.NPerBlock, gp.NRepeat(), gp.NWaves(), in.NumThreadsPerBlk),
		},
		[][]int{{0}, {1}},
		[][]int{{0, 1, 2, 3, 4, 5}, {6, 7, 8, 9}})
	return d, errors.Wrap(err, "thread output view")
}

func (ep *epilogue[Acc, C]) run(th *gpu.Thread, batch int, idx TileIndex, acc []Acc) {
	in, gp := ep.in, ep.gp
	wave, lane := th.Wave(), th.Lane()
	origin := []int{
		idx.M0, 0, wave / gp.NWaves(), 0, lane / in.NumThreadsPerBlk, 0,
		idx.N0, 0, wave % gp.NWaves(), lane % in.NumThreadsPerBlk,
	}

	ds := make([][]C, len(ep.dPlan))
	for j, p := range ep.dPlan {
		r := transfer.NewThreadwiseTransfer[C, C](p, origin, nil)
		off := 0
		if len(ep.strideD) > j {
			off = batch * ep.strideD[j]
		}
		r.RunRead(ep.ds[j][off:])
		ds[j] = r.Buffer()
	}

	w := transfer.NewThreadwiseTransfer[float64, C](ep.cPlan, nil, origin)
	buf := w.Buffer()
	dvals := make([]float64, len(ds))
	groups, gsize, nrep := in.NumGroupsPerBlk, in.GroupSize, gp.NRepeat()
	for mr := range gp.MRepeat() {
		for g := range groups {
			for e := range gsize {
				for nr := range nrep {
					i := ((mr*groups+g)*gsize+e)*nrep + nr
					for j := range ds {
						dvals[j] = dtype.ToFloat64(ds[j][i])
					}
					buf[i] = ep.cde.Apply(dtype.ToFloat64(acc[gp.AccIndex(mr, nr, g*gsize+e)]), dvals)
				}
			}
		}
	}
	w.RunWrite(ep.c[batch*ep.strideC:])
}
