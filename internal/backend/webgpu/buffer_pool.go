//go:build windows

package webgpu

import (
	"github.com/go-webgpu/webgpu/wgpu"
)

// maxPooledPerSize bounds the staging buffers kept for one size.
const maxPooledPerSize = 8

// stagingPool reuses MapRead staging buffers between read-backs. Callers
// hold the device lock.
type stagingPool struct {
	device *wgpu.Device
	free   map[uint64][]*wgpu.Buffer

	hits   uint64
	misses uint64
}

func newStagingPool(device *wgpu.Device) *stagingPool {
	return &stagingPool{device: device, free: make(map[uint64][]*wgpu.Buffer)}
}

// acquire returns a staging buffer of exactly size bytes.
func (p *stagingPool) acquire(size uint64) *wgpu.Buffer {
	if list := p.free[size]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[size] = list[:len(list)-1]
		p.hits++
		return buf
	}
	p.misses++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
}

// release returns buf to the pool, or frees it when the pool for its size is
// full.
func (p *stagingPool) release(buf *wgpu.Buffer, size uint64) {
	if len(p.free[size]) >= maxPooledPerSize {
		buf.Release()
		return
	}
	p.free[size] = append(p.free[size], buf)
}

// stats returns pool hits, misses and the number of pooled buffers.
func (p *stagingPool) stats() (hits, misses uint64, pooled int) {
	for _, list := range p.free {
		pooled += len(list)
	}
	return p.hits, p.misses, pooled
}

func (p *stagingPool) clear() {
	for size, list := range p.free {
		for _, buf := range list {
			buf.Release()
		}
		delete(p.free, size)
	}
}
