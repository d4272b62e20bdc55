package api

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/tessera/pkg/gpu"
)

type pooledDevice struct {
	dev  *gpu.Device
	busy *semaphore.Weighted
}

// DevicePool opens emulated devices on first use and runs one job per
// device at a time so concurrent jobs do not skew each other's timings.
type DevicePool struct {
	mu      sync.Mutex
	opts    []gpu.Option
	devices map[string]*pooledDevice
}

func NewDevicePool(opts ...gpu.Option) *DevicePool {
	return &DevicePool{opts: opts, devices: make(map[string]*pooledDevice)}
}

func (p *DevicePool) get(name string) (*pooledDevice, error) {
	n, err := gpu.Normalize(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[n]; ok {
		return d, nil
	}
	dev, err := gpu.Open(n, p.opts...)
	if err != nil {
		return nil, err
	}
	d := &pooledDevice{dev: dev, busy: semaphore.NewWeighted(1)}
	p.devices[n] = d
	return d, nil
}

// Acquire waits until the named device is idle. The caller must call
// release when done.
func (p *DevicePool) Acquire(ctx context.Context, name string) (dev *gpu.Device, release func(), err error) {
	d, err := p.get(name)
	if err != nil {
		return nil, nil, err
	}
	if err := d.busy.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	return d.dev, func() { d.busy.Release(1) }, nil
}

// Close closes every opened device.
func (p *DevicePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, d := range p.devices {
		d.dev.Close()
		delete(p.devices, n)
	}
}
