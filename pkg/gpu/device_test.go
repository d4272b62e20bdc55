package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultDevice},
		{"GFX908", "gfx908"},
		{" mi250 ", "gfx90a"},
		{"navi21", "gfx1030"},
		{"gfx90a:sramecc+:xnack-", "gfx90a"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := Normalize("gfx1100")
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestValidateLaunch(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx1030")
	defer d.Close()

	require.NoError(t, d.Validate(LaunchConfig{Name: "ok", GridSize: 1, BlockSize: 64, LDSBytes: 1024}))
	require.ErrorIs(t, d.Validate(LaunchConfig{GridSize: 1, BlockSize: 48}), ErrInvalidLaunch)
	require.ErrorIs(t, d.Validate(LaunchConfig{GridSize: 1, BlockSize: 2048}), ErrInvalidLaunch)
	require.ErrorIs(t, d.Validate(LaunchConfig{GridSize: 1, BlockSize: 64, LDSBytes: 1 << 20}), ErrInvalidLaunch)
	require.ErrorIs(t, d.Validate(LaunchConfig{GridSize: 0, BlockSize: 64}), ErrInvalidLaunch)
}

// Each block reverses its thread ids through LDS; without the barrier the
// reads would race the writes of other threads.
func TestLaunchLDSExchange(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a", WithWorkers(3))
	defer d.Close()

	const grid, block = 5, 128
	out := make([]int32, grid*block)
	stats, err := d.Launch(context.Background(), LaunchConfig{Name: "reverse", GridSize: grid, BlockSize: block, LDSBytes: block * 4},
		func(b *Block) ThreadFunc {
			lds := LDS[int32](b, 0, block)
			return func(th *Thread) {
				lds[th.ID] = int32(b.ID*1000 + th.ID)
				th.Sync()
				out[b.ID*block+th.ID] = lds[block-1-th.ID]
			}
		})
	require.NoError(t, err)
	for b := range grid {
		for tid := range block {
			assert.Equal(t, int32(b*1000+block-1-tid), out[b*block+tid])
		}
	}
	assert.Equal(t, int64(1), stats.BarriersPerBlock())
	assert.Equal(t, grid*block, stats.Threads)
}

func TestWaveSync(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx908")
	defer d.Close()

	sums := make([]int32, 4)
	stats, err := d.Launch(context.Background(), LaunchConfig{Name: "wave", GridSize: 1, BlockSize: 256, LDSBytes: 256 * 4},
		func(b *Block) ThreadFunc {
			lds := LDS[int32](b, 0, b.Size)
			return func(th *Thread) {
				lds[th.ID] = 1
				th.WaveSync()
				if th.Lane() == 0 {
					var s int32
					for i := range b.WaveSize {
						s += lds[th.Wave()*b.WaveSize+i]
					}
					sums[th.Wave()] = s
				}
			}
		})
	require.NoError(t, err)
	assert.Equal(t, []int32{64, 64, 64, 64}, sums)
	assert.Equal(t, int64(4), stats.WaveBarriers)
}

func TestKernelFaultBreaksBarriers(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a")
	defer d.Close()

	_, err := d.Launch(context.Background(), LaunchConfig{Name: "fault", GridSize: 2, BlockSize: 64},
		func(b *Block) ThreadFunc {
			return func(th *Thread) {
				if b.ID == 1 && th.ID == 7 {
					panic("boom")
				}
				th.Sync()
				th.Sync()
			}
		})
	require.ErrorIs(t, err, ErrKernelFault)
	assert.Contains(t, err.Error(), "block 1 thread 7")
}

func TestLDSOutOfRangeFaults(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a")
	defer d.Close()

	_, err := d.Launch(context.Background(), LaunchConfig{Name: "oob", GridSize: 1, BlockSize: 64, LDSBytes: 64},
		func(b *Block) ThreadFunc {
			_ = LDS[float32](b, 8, 16)
			return nil
		})
	require.ErrorIs(t, err, ErrKernelFault)
}

func TestAtomicAddAcrossBlocks(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a", WithWorkers(8))
	defer d.Close()

	var f32 float32
	var f64 float64
	var i32 int32
	_, err := d.Launch(context.Background(), LaunchConfig{Name: "atomic", GridSize: 16, BlockSize: 64},
		func(b *Block) ThreadFunc {
			return func(th *Thread) {
				AtomicAdd(&f32, 0.5)
				AtomicAdd(&f64, 0.25)
				AtomicAdd(&i32, 1)
			}
		})
	require.NoError(t, err)
	assert.Equal(t, float32(512), f32)
	assert.Equal(t, 256.0, f64)
	assert.Equal(t, int32(1024), i32)
}

func TestStreamsRunConcurrently(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a")
	defer d.Close()
	s := d.NewStream()
	defer s.Close()

	var count atomic.Int64
	k := func(b *Block) ThreadFunc {
		return func(th *Thread) { count.Add(1) }
	}
	p1 := d.DefaultStream().LaunchAsync(context.Background(), LaunchConfig{Name: "a", GridSize: 4, BlockSize: 64}, k)
	p2 := s.LaunchAsync(context.Background(), LaunchConfig{Name: "b", GridSize: 4, BlockSize: 64}, k)
	s.Synchronize()
	d.DefaultStream().Synchronize()
	_, err := p1.Wait()
	require.NoError(t, err)
	_, err = p2.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(512), count.Load())
}

func TestLaunchAfterClose(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx908")
	noop := func(b *Block) ThreadFunc { return func(th *Thread) {} }

	_, err := d.Launch(context.Background(), LaunchConfig{Name: "before", GridSize: 1, BlockSize: 64}, noop)
	require.NoError(t, err)
	d.Close()
	d.Close()
	_, err = d.Launch(context.Background(), LaunchConfig{Name: "after", GridSize: 1, BlockSize: 64}, noop)
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestCloseRacesLaunches(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx908")
	s := d.NewStream()
	noop := func(b *Block) ThreadFunc { return func(th *Thread) {} }

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Launch(context.Background(), LaunchConfig{Name: fmt.Sprint("k", i), GridSize: 2, BlockSize: 64}, noop)
			errs <- err
		}()
	}
	s.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrStreamClosed)
		}
	}
	s.Synchronize()
	d.Close()
}

func TestCancelledContextNeverLaunches(t *testing.T) {
	t.Parallel()
	d := MustOpen("gfx90a")
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := d.Launch(ctx, LaunchConfig{Name: "never", GridSize: 1, BlockSize: 64}, func(b *Block) ThreadFunc {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestTime(t *testing.T) {
	t.Parallel()

	calls, pre := 0, 0
	ms, err := Time(StreamConfig{Preprocess: func() { pre++ }}, func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Zero(t, ms)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, pre)

	calls, pre = 0, 0
	_, err = Time(StreamConfig{TimeKernel: true, WarmupIters: 2, RepeatIters: 3, Preprocess: func() { pre++ }},
		func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, pre)
}

func TestHost(t *testing.T) {
	t.Parallel()
	h := Host()
	assert.Positive(t, h.CPUs)
	assert.NotEmpty(t, h.GOARCH)
}
