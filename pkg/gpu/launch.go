package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LaunchConfig is the fixed geometry of one kernel launch.
type LaunchConfig struct {
	Name      string
	GridSize  int
	BlockSize int
	LDSBytes  int
}

// KernelFunc runs once per block before its threads start and returns the
// per-thread body. Per-block state (tile origin, LDS views) is built here and
// shared by the closure.
type KernelFunc func(b *Block) ThreadFunc

// ThreadFunc is the body executed by every thread of a block.
type ThreadFunc func(th *Thread)

// LaunchStats summarises a finished launch.
type LaunchStats struct {
	Kernel        string        `json:"kernel"`
	Blocks        int           `json:"blocks"`
	Threads       int           `json:"threads"`
	BlockBarriers int64         `json:"block_barriers"`
	WaveBarriers  int64         `json:"wave_barriers"`
	Elapsed       time.Duration `json:"elapsed"`
}

// BarriersPerBlock is the number of block-wide barriers each block passed.
func (s LaunchStats) BarriersPerBlock() int64 {
	if s.Blocks == 0 {
		return 0
	}
	return s.BlockBarriers / int64(s.Blocks)
}

// Validate checks cfg against the device limits.
func (d *Device) Validate(cfg LaunchConfig) error {
	switch {
	case cfg.GridSize <= 0:
		return errors.Wrapf(ErrInvalidLaunch, "%s: grid size %d", cfg.Name, cfg.GridSize)
	case cfg.BlockSize <= 0 || cfg.BlockSize > d.props.MaxBlockSize:
		return errors.Wrapf(ErrInvalidLaunch, "%s: block size %d outside (0, %d]", cfg.Name, cfg.BlockSize, d.props.MaxBlockSize)
	case cfg.BlockSize%d.props.WaveSize != 0:
		return errors.Wrapf(ErrInvalidLaunch, "%s: block size %d is not a multiple of wave size %d", cfg.Name, cfg.BlockSize, d.props.WaveSize)
	case cfg.LDSBytes < 0 || cfg.LDSBytes > d.props.LDSBytes:
		return errors.Wrapf(ErrInvalidLaunch, "%s: %d bytes of LDS, device has %d", cfg.Name, cfg.LDSBytes, d.props.LDSBytes)
	}
	return nil
}

// Launch runs k on the default stream and waits for it.
func (d *Device) Launch(ctx context.Context, cfg LaunchConfig, k KernelFunc) (LaunchStats, error) {
	return d.stream.Launch(ctx, cfg, k)
}

// execute runs every block of the grid. Blocks are independent and scheduled
// over at most d.workers goroutines; a block's threads each get a goroutine.
// The context is only consulted before the grid starts: a started grid runs
// to completion unless a block faults.
func (d *Device) execute(ctx context.Context, cfg LaunchConfig, k KernelFunc) (LaunchStats, error) {
	stats := LaunchStats{Kernel: cfg.Name, Blocks: cfg.GridSize, Threads: cfg.GridSize * cfg.BlockSize}
	if err := d.Validate(cfg); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	d.log.Debug("launch", "kernel", cfg.Name, "grid", cfg.GridSize, "block", cfg.BlockSize, "lds", cfg.LDSBytes)

	var blockBarriers, waveBarriers atomic.Int64
	start := time.Now()
	var g errgroup.Group
	g.SetLimit(d.workers)
	for id := range cfg.GridSize {
		g.Go(func() error {
			blk := newBlock(d, cfg, id)
			err := blk.run(k)
			blockBarriers.Add(blk.barrier.passes)
			for _, w := range blk.waves {
				waveBarriers.Add(w.passes)
			}
			return err
		})
	}
	err := g.Wait()
	stats.Elapsed = time.Since(start)
	stats.BlockBarriers = blockBarriers.Load()
	stats.WaveBarriers = waveBarriers.Load()
	if err != nil {
		d.log.Error("kernel fault", "kernel", cfg.Name, "error", err)
	}
	return stats, err
}

func (b *Block) run(k KernelFunc) error {
	var body ThreadFunc
	if exc := exceptions.Try(func() { body = k(b) }); exc != nil {
		return b.fault(-1, exc)
	}
	if body == nil {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for tid := range b.Size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := &Thread{ID: tid, Block: b}
			exc := exceptions.Try(func() { body(th) })
			if exc == nil {
				b.leave(th)
				return
			}
			b.breakBarriers()
			if exc == errBarrierBroken {
				return
			}
			mu.Lock()
			if firstErr == nil {
				firstErr = b.fault(tid, exc)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return firstErr
}

func (b *Block) fault(tid int, exc any) error {
	where := fmt.Sprintf("block %d", b.ID)
	if tid >= 0 {
		where = fmt.Sprintf("block %d thread %d", b.ID, tid)
	}
	if err, ok := exc.(error); ok {
		return errors.Wrapf(ErrKernelFault, "%s: %s: %v", b.kernel, where, err)
	}
	return errors.Wrapf(ErrKernelFault, "%s: %s: %v", b.kernel, where, exc)
}
