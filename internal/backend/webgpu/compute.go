//go:build windows

package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/workspace"
)

// storageOffsetAlignment is the minStorageBufferOffsetAlignment every
// WebGPU adapter supports.
const storageOffsetAlignment = 256

type program struct {
	dev    *Backend
	shader *shader
	module *wgpu.ShaderModule

	// Guarded by dev.mu.
	pipelines map[string]*wgpu.ComputePipeline
	entries   map[string]*entry
	released  bool
}

func (p *program) EntryPoints() []string {
	return append([]string(nil), p.shader.order...)
}

func (p *program) Entry(name string) (device.Entry, bool) {
	se, ok := p.shader.entries[name]
	if !ok {
		return nil, false
	}
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.released {
		return nil, false
	}
	if e, ok := p.entries[name]; ok {
		return e, true
	}
	e := &entry{prog: p, reflected: se}
	p.entries[name] = e
	return e, true
}

func (p *program) Release() error {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.releaseLocked()
	if p.dev.programs != nil {
		delete(p.dev.programs, p)
	}
	return nil
}

func (p *program) releaseLocked() {
	if p.released {
		return
	}
	p.released = true
	for _, pl := range p.pipelines {
		pl.Release()
	}
	p.pipelines = nil
	p.entries = nil
	p.module.Release()
}

// pipelineLocked returns the cached pipeline of an entry point or creates it.
func (p *program) pipelineLocked(name string) (*wgpu.ComputePipeline, error) {
	if pl, ok := p.pipelines[name]; ok {
		return pl, nil
	}
	var pl *wgpu.ComputePipeline
	if err := guard("create pipeline "+name, func() {
		// Auto layout (nil) from the bindings the entry uses.
		pl = p.dev.device.CreateComputePipelineSimple(nil, p.module, name)
	}); err != nil {
		return nil, err
	}
	p.pipelines[name] = pl
	return pl, nil
}

type entry struct {
	prog      *program
	reflected *shaderEntry
}

func (e *entry) Name() string {
	return e.reflected.name
}

func (e *entry) Params() []device.Param {
	return append([]device.Param(nil), e.reflected.params...)
}

func (e *entry) GroupSize() int {
	return e.reflected.workgroupSize
}

// Launch dispatches one workgroup per work group of ws and returns once the
// device finished executing it.
func (e *entry) Launch(ctx context.Context, ws workspace.WorkSpace, args []device.Arg) error {
	if ws.IsZero() {
		return fmt.Errorf("webgpu: launch %s: %w: empty workspace", e.Name(), workspace.ErrInvalidDomain)
	}
	if ws.GroupSize() != e.reflected.workgroupSize {
		return fmt.Errorf("webgpu: launch %s: group size %d, shader declares @workgroup_size(%d)",
			e.Name(), ws.GroupSize(), e.reflected.workgroupSize)
	}
	params := e.reflected.params
	if len(args) != len(params) {
		return fmt.Errorf("webgpu: kernel %s takes %d arguments, got %d", e.Name(), len(params), len(args))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := e.prog.dev
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.prog.released || b.closed {
		return device.ErrReleased
	}
	pipeline, err := e.prog.pipelineLocked(e.Name())
	if err != nil {
		return err
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(params))
	var uniforms []*wgpu.Buffer
	defer func() {
		for _, u := range uniforms {
			u.Release()
		}
	}()
	for i, p := range params {
		index := e.reflected.bindings[i]
		if !p.Buffer {
			var u *wgpu.Buffer
			if err := guard("create uniform", func() { u = b.createUniformBuffer(scalarBytes(p.Type, args[i])) }); err != nil {
				return err
			}
			uniforms = append(uniforms, u)
			entries = append(entries, wgpu.BufferBindingEntry(index, u, 0, 16))
			continue
		}
		if args[i].Mem == nil {
			return fmt.Errorf("webgpu: kernel %s: argument %s: no memory bound", e.Name(), p.Name)
		}
		m, err := b.own(args[i].Mem)
		if err != nil {
			return fmt.Errorf("webgpu: kernel %s: argument %s: %w", e.Name(), p.Name, err)
		}
		if m.buf == nil {
			return fmt.Errorf("webgpu: kernel %s: argument %s: %w", e.Name(), p.Name, device.ErrReleased)
		}
		off, size, err := args[i].Window(m.size)
		if err != nil {
			return fmt.Errorf("webgpu: kernel %s: argument %s: %w", e.Name(), p.Name, err)
		}
		if size == m.size {
			entries = append(entries, wgpu.BufferBindingEntry(index, m.buf, 0, m.padded))
			continue
		}
		if off%storageOffsetAlignment != 0 {
			return fmt.Errorf("webgpu: kernel %s: argument %s: window offset %d is not a multiple of %d bytes",
				e.Name(), p.Name, off, storageOffsetAlignment)
		}
		//nolint:gosec // G115: the window lies inside the allocation.
		entries = append(entries, wgpu.BufferBindingEntry(index, m.buf, uint64(off), uint64(size)))
	}

	return guard("dispatch "+e.Name(), func() {
		layout := pipeline.GetBindGroupLayout(0)
		bindGroup := b.device.CreateBindGroupSimple(layout, entries)
		defer bindGroup.Release()

		encoder := b.device.CreateCommandEncoder(nil)
		pass := encoder.BeginComputePass(nil)
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, bindGroup, nil)
		//nolint:gosec // G115: NumGroups is positive and bounded by the workspace.
		pass.DispatchWorkgroups(uint32(ws.NumGroups()), 1, 1)
		pass.End()
		b.queue.Submit(encoder.Finish(nil))
		// Block until the device ran the dispatch.
		b.device.Poll(true)
	})
}

// scalarBytes encodes a scalar argument as a 16-byte uniform block.
func scalarBytes(dt buffer.DataType, arg device.Arg) []byte {
	out := make([]byte, 16)
	var bits uint32
	switch dt {
	case buffer.Float32:
		bits = math.Float32bits(float32(arg.Float))
	case buffer.Int32:
		//nolint:gosec // G115: two's complement truncation is intended.
		bits = uint32(int32(arg.Int))
	default:
		//nolint:gosec // G115: truncation is intended.
		bits = uint32(arg.Int)
	}
	binary.LittleEndian.PutUint32(out, bits)
	return out
}

// createUniformBuffer creates a uniform buffer with proper alignment.
// Uniform buffers require 16-byte alignment for struct fields.
func (b *Backend) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15

	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buf.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), alignedSize), data)
	buf.Unmap()
	return buf
}

// memory is a storage buffer. padded is the allocated size, size the bytes
// the host buffer holds.
type memory struct {
	dev    *Backend
	buf    *wgpu.Buffer
	size   int
	padded uint64
}

func (m *memory) Size() int {
	return m.size
}

// Upload writes src through a staging buffer created mapped, then copies it
// into the storage buffer on the queue.
func (m *memory) Upload(ctx context.Context, src []byte) error {
	if len(src) != m.size {
		return fmt.Errorf("webgpu: upload of %d bytes into %d bytes", len(src), m.size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := m.dev
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.buf == nil || b.closed {
		return device.ErrReleased
	}
	return guard("upload", func() {
		staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage:            wgpu.BufferUsageCopySrc,
			Size:             m.padded,
			MappedAtCreation: wgpu.True,
		})
		defer staging.Release()
		mappedPtr := staging.GetMappedRange(0, m.padded)
		//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
		copy(unsafe.Slice((*byte)(mappedPtr), m.padded), src)
		staging.Unmap()

		encoder := b.device.CreateCommandEncoder(nil)
		encoder.CopyBufferToBuffer(staging, 0, m.buf, 0, m.padded)
		b.queue.Submit(encoder.Finish(nil))
		b.device.Poll(true)
	})
}

// Download reads the buffer back through a pooled staging buffer. Mapping
// waits for every submission before it, so the result reflects all launches
// submitted earlier.
func (m *memory) Download(ctx context.Context, dst []byte) error {
	if len(dst) != m.size {
		return fmt.Errorf("webgpu: download of %d bytes into %d bytes", m.size, len(dst))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := m.dev
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.buf == nil || b.closed {
		return device.ErrReleased
	}

	staging := b.staging.acquire(m.padded)
	defer b.staging.release(staging, m.padded)

	var mapErr error
	err := guard("download", func() {
		encoder := b.device.CreateCommandEncoder(nil)
		encoder.CopyBufferToBuffer(m.buf, 0, staging, 0, m.padded)
		b.queue.Submit(encoder.Finish(nil))

		if mapErr = staging.MapAsync(b.device, wgpu.MapModeRead, 0, m.padded); mapErr != nil {
			return
		}
		mappedPtr := staging.GetMappedRange(0, m.padded)
		//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
		copy(dst, unsafe.Slice((*byte)(mappedPtr), m.padded))
		staging.Unmap()
	})
	if mapErr != nil {
		return fmt.Errorf("webgpu: map staging buffer: %w", mapErr)
	}
	return err
}

func (m *memory) Release() error {
	b := m.dev
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.buf == nil {
		return nil
	}
	if !b.closed {
		m.buf.Release()
	}
	m.buf = nil
	b.allocated.Add(-int64(m.padded))
	return nil
}
