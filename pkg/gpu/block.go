package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/samcharles93/tessera/pkg/dtype"
)

var errBarrierBroken = errors.New("barrier broken by a faulting thread")

// Block is one thread block of a launch. It owns its LDS arena for its
// lifetime; the arena is zeroed when the block starts.
type Block struct {
	ID       int
	Size     int
	WaveSize int

	kernel  string
	dev     *Device
	lds     []uint64
	ldsSize int
	barrier *barrier
	waves   []*barrier
}

func newBlock(d *Device, cfg LaunchConfig, id int) *Block {
	ws := d.props.WaveSize
	b := &Block{
		ID:       id,
		Size:     cfg.BlockSize,
		WaveSize: ws,
		kernel:   cfg.Name,
		dev:      d,
		lds:      make([]uint64, (cfg.LDSBytes+7)/8),
		ldsSize:  cfg.LDSBytes,
		barrier:  newBarrier(cfg.BlockSize),
		waves:    make([]*barrier, cfg.BlockSize/ws),
	}
	for w := range b.waves {
		b.waves[w] = newBarrier(ws)
	}
	return b
}

func (b *Block) NumWaves() int { return len(b.waves) }

// LDSBytes is the size of the block's LDS arena.
func (b *Block) LDSBytes() int { return b.ldsSize }

func (b *Block) Device() *Device { return b.dev }

func (b *Block) leave(th *Thread) {
	b.barrier.leave()
	b.waves[th.Wave()].leave()
}

func (b *Block) breakBarriers() {
	b.barrier.breakAll()
	for _, w := range b.waves {
		w.breakAll()
	}
}

// LDS returns a typed view of n elements of the block's LDS arena starting at
// element offset off (in units of T).
func LDS[T dtype.Storage](b *Block, off, n int) []T {
	size := dtype.SizeOf[T]()
	if off < 0 || n < 0 || (off+n)*size > b.ldsSize {
		panic(fmt.Sprintf("gpu: LDS view [%d, %d) of %s outside %d byte arena", off, off+n, dtype.Of[T](), b.ldsSize))
	}
	if n == 0 {
		return nil
	}
	base := unsafe.Pointer(unsafe.SliceData(b.lds))
	return unsafe.Slice((*T)(unsafe.Add(base, off*size)), n)
}

// Thread is one lane of a block.
type Thread struct {
	ID    int
	Block *Block
}

// Wave is the index of the thread's wave within its block.
func (t *Thread) Wave() int { return t.ID / t.Block.WaveSize }

// Lane is the thread's position within its wave.
func (t *Thread) Lane() int { return t.ID % t.Block.WaveSize }

// Sync is a block-wide barrier; it also orders LDS accesses across the block.
func (t *Thread) Sync() { t.Block.barrier.wait() }

// WaveSync is a barrier over the thread's wave.
func (t *Thread) WaveSync() { t.Block.waves[t.Wave()].wait() }

// barrier is a reusable generation barrier. Threads that exit normally leave
// it, so remaining threads are not held by finished ones. A broken barrier
// releases every waiter with errBarrierBroken.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	arrived int
	gen     uint64
	broken  bool
	passes  int64
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		panic(errBarrierBroken)
	}
	gen := b.gen
	b.arrived++
	if b.arrived == b.parties {
		b.release()
		b.mu.Unlock()
		return
	}
	for gen == b.gen && !b.broken {
		b.cond.Wait()
	}
	broken := gen == b.gen
	b.mu.Unlock()
	if broken {
		panic(errBarrierBroken)
	}
}

func (b *barrier) leave() {
	b.mu.Lock()
	b.parties--
	if b.arrived > 0 && b.arrived == b.parties {
		b.release()
	}
	b.mu.Unlock()
}

func (b *barrier) release() {
	b.arrived = 0
	b.gen++
	b.passes++
	b.cond.Broadcast()
}

func (b *barrier) breakAll() {
	b.mu.Lock()
	b.broken = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
