package gpu

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type streamTask struct {
	ctx  context.Context
	cfg  LaunchConfig
	k    KernelFunc
	done chan launchResult
}

type launchResult struct {
	stats LaunchStats
	err   error
}

// Stream executes launches in submission order on one persistent goroutine.
// Launches on different streams run concurrently.
type Stream struct {
	dev   *Device
	tasks chan streamTask

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool
}

// NewStream starts a new in-order stream on d.
func (d *Device) NewStream() *Stream {
	s := &Stream{
		dev:   d,
		tasks: make(chan streamTask, 16),
	}
	s.idle = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Stream) loop() {
	for task := range s.tasks {
		stats, err := s.dev.execute(task.ctx, task.cfg, task.k)
		task.done <- launchResult{stats: stats, err: err}
		s.mu.Lock()
		s.inflight--
		if s.inflight == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}

// Pending is the result of an asynchronous launch.
type Pending struct {
	done   chan launchResult
	once   sync.Once
	result launchResult
}

// Wait blocks until the launch finished.
func (p *Pending) Wait() (LaunchStats, error) {
	p.once.Do(func() { p.result = <-p.done })
	return p.result.stats, p.result.err
}

// LaunchAsync enqueues a kernel and returns immediately. On a closed stream
// the returned Pending fails with ErrStreamClosed.
func (s *Stream) LaunchAsync(ctx context.Context, cfg LaunchConfig, k KernelFunc) *Pending {
	p := &Pending{done: make(chan launchResult, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.done <- launchResult{err: errors.Wrapf(ErrStreamClosed, "launch %s", cfg.Name)}
		return p
	}
	// Close waits for inflight to drain, so the channel stays open until
	// this send is consumed.
	s.inflight++
	s.mu.Unlock()
	s.tasks <- streamTask{ctx: ctx, cfg: cfg, k: k, done: p.done}
	return p
}

// Launch enqueues a kernel and waits for it.
func (s *Stream) Launch(ctx context.Context, cfg LaunchConfig, k KernelFunc) (LaunchStats, error) {
	return s.LaunchAsync(ctx, cfg, k).Wait()
}

// Synchronize waits until no launch is queued or running.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Close rejects further launches, drains the queued ones and stops the
// stream goroutine. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
	close(s.tasks)
}
