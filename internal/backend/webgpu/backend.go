//go:build windows

package webgpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
)

// Backend is the WebGPU device.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// mu serializes queue submissions and buffer mapping.
	mu       sync.Mutex
	staging  *stagingPool
	programs map[*program]struct{}
	closed   bool

	allocated atomic.Int64
}

// New creates a WebGPU device on the high performance adapter.
func New() (backend *Backend, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("%w: native library: %v", ErrUnavailable, r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrUnavailable, instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %w", ErrUnavailable, adapterErr)
	}

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %w", ErrUnavailable, deviceErr)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", ErrUnavailable)
	}

	return &Backend{
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		staging:  newStagingPool(dev),
		programs: make(map[*program]struct{}),
	}, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "WebGPU"
}

// Capabilities describes the adapter with the limits every WebGPU
// implementation guarantees.
func (b *Backend) Capabilities() device.Capabilities {
	return device.Capabilities{
		Name:         b.Name(),
		Kind:         device.KindGPU,
		MaxGroupSize: DefaultWorkgroupSize,
		ComputeUnits: 1,
		DeviceCount:  1,
	}
}

// Allocated returns the number of bytes of live device memory.
func (b *Backend) Allocated() int64 {
	return b.allocated.Load()
}

// Build reflects the WGSL source and creates its shader module. Pipelines are
// created on first use of each entry point.
func (b *Backend) Build(ctx context.Context, name, source string) (device.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := reflectShader(name, source)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, device.ErrReleased
	}
	var module *wgpu.ShaderModule
	if err := guard("create shader module", func() {
		module = b.device.CreateShaderModuleWGSL(source)
	}); err != nil {
		return nil, err
	}
	p := &program{
		dev:       b,
		shader:    sh,
		module:    module,
		pipelines: make(map[string]*wgpu.ComputePipeline),
		entries:   make(map[string]*entry),
	}
	b.programs[p] = struct{}{}
	return p, nil
}

// Alloc creates a storage buffer. Sizes are rounded up to a multiple of four
// bytes as buffer copies require.
func (b *Backend) Alloc(dtype buffer.DataType, length int) (device.Memory, error) {
	if !dtype.Valid() || length < 0 {
		return nil, fmt.Errorf("webgpu: invalid allocation of %d %s elements", length, dtype)
	}
	if dtype == buffer.Float64 || dtype == buffer.Int64 {
		return nil, fmt.Errorf("webgpu: %s buffers are not supported", dtype)
	}
	size := dtype.Size() * length

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, device.ErrReleased
	}
	var buf *wgpu.Buffer
	padded := uint64(max(size, 4)+3) &^ 3
	if err := guard("create buffer", func() {
		buf = b.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
			Size:  padded,
		})
	}); err != nil {
		return nil, err
	}
	b.allocated.Add(int64(padded))
	return &memory{dev: b, buf: buf, size: size, padded: padded}, nil
}

// Copy records a buffer to buffer copy on the device queue.
func (b *Backend) Copy(ctx context.Context, dst, src device.Memory) error {
	d, err := b.own(dst)
	if err != nil {
		return err
	}
	s, err := b.own(src)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.buf == nil || s.buf == nil {
		return device.ErrReleased
	}
	return guard("copy", func() {
		encoder := b.device.CreateCommandEncoder(nil)
		encoder.CopyBufferToBuffer(s.buf, 0, d.buf, 0, s.padded)
		b.queue.Submit(encoder.Finish(nil))
		b.device.Poll(true)
	})
}

// Close releases every pipeline, shader module and pooled buffer, then the
// device itself. Memory still held by callers must not be used afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for p := range b.programs {
		p.releaseLocked()
	}
	b.programs = nil
	b.staging.clear()

	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
	return nil
}

func (b *Backend) own(m device.Memory) (*memory, error) {
	mem, ok := m.(*memory)
	if !ok || mem.dev != b {
		return nil, device.ErrForeignMemory
	}
	return mem, nil
}

// guard turns a panic raised by a native call into an error.
func guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webgpu: %s: %v", op, r)
		}
	}()
	fn()
	return nil
}
