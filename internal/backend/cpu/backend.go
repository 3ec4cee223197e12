// Package cpu implements the CPU device. Programs are compiled by kernelc and
// work groups are spread over worker goroutines; the items of one group run
// sequentially on one goroutine.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/kernelc"
	"github.com/born-ml/ndrange/internal/parallel"
	"github.com/born-ml/ndrange/internal/workspace"
)

// DefaultMaxGroupSize is the largest group size the CPU device accepts unless
// configured otherwise.
const DefaultMaxGroupSize = 1024

// Option configures a CPUBackend.
type Option func(*CPUBackend)

// WithWorkers sets the number of worker goroutines. n <= 1 runs every group
// on the launching goroutine.
func WithWorkers(n int) Option {
	return func(b *CPUBackend) {
		b.parallel.NumWorkers = n
		b.parallel.Enabled = n > 1
	}
}

// WithMinChunk sets the minimum number of groups a worker takes at once.
func WithMinChunk(groups int) Option {
	return func(b *CPUBackend) {
		b.parallel.MinChunkSize = max(groups, 1)
	}
}

// WithMaxGroupSize sets the largest accepted group size.
func WithMaxGroupSize(n int) Option {
	return func(b *CPUBackend) {
		b.maxGroupSize = n
	}
}

// CPUBackend is the CPU device.
type CPUBackend struct {
	parallel     parallel.Config
	maxGroupSize int
	closed       atomic.Bool
	allocated    atomic.Int64
}

// New creates a CPU device.
func New(opts ...Option) *CPUBackend {
	b := &CPUBackend{
		parallel:     parallel.DefaultConfig(),
		maxGroupSize: DefaultMaxGroupSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name.
func (b *CPUBackend) Name() string {
	return "CPU"
}

// Capabilities describes the host processor.
func (b *CPUBackend) Capabilities() device.Capabilities {
	return device.Capabilities{
		Name:         b.Name(),
		Kind:         device.KindCPU,
		MaxGroupSize: b.maxGroupSize,
		ComputeUnits: max(b.parallel.NumWorkers, 1),
		DeviceCount:  1,
	}
}

// Workers returns the number of goroutines a launch of n groups would use.
func (b *CPUBackend) Workers(groups int) int {
	return b.parallel.Workers(groups)
}

// Allocated returns the number of bytes of live device memory.
func (b *CPUBackend) Allocated() int64 {
	return b.allocated.Load()
}

// Build compiles source with kernelc.
func (b *CPUBackend) Build(ctx context.Context, name, source string) (device.Program, error) {
	if b.closed.Load() {
		return nil, device.ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prog, err := kernelc.Compile(name, source)
	if err != nil {
		return nil, err
	}
	return &program{dev: b, prog: prog, entries: make(map[string]*entry)}, nil
}

// Alloc returns zeroed host memory standing in for device memory.
func (b *CPUBackend) Alloc(dtype buffer.DataType, length int) (device.Memory, error) {
	if b.closed.Load() {
		return nil, device.ErrReleased
	}
	if !dtype.Valid() || length < 0 {
		return nil, fmt.Errorf("cpu: invalid allocation of %d %s elements", length, dtype)
	}
	m := &memory{dev: b, data: make([]byte, dtype.Size()*length)}
	b.allocated.Add(int64(len(m.data)))
	return m, nil
}

// Copy copies between two memories of this device.
func (b *CPUBackend) Copy(ctx context.Context, dst, src device.Memory) error {
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
	if d == s {
		return nil
	}
	tmp := make([]byte, s.Size())
	if err := s.Download(ctx, tmp); err != nil {
		return err
	}
	return d.Upload(ctx, tmp)
}

// Close marks the device closed. Memory still alive stays readable by its
// holders but no new objects can be created.
func (b *CPUBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *CPUBackend) own(m device.Memory) (*memory, error) {
	mem, ok := m.(*memory)
	if !ok || mem.dev != b {
		return nil, device.ErrForeignMemory
	}
	return mem, nil
}

type program struct {
	dev  *CPUBackend
	prog *kernelc.Program

	mu       sync.Mutex
	entries  map[string]*entry
	released bool
}

func (p *program) EntryPoints() []string {
	return p.prog.EntryPoints()
}

func (p *program) Entry(name string) (device.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, false
	}
	if e, ok := p.entries[name]; ok {
		return e, true
	}
	ke, ok := p.prog.Entry(name)
	if !ok {
		return nil, false
	}
	e := &entry{dev: p.dev, kernel: ke, params: convertParams(ke.Params())}
	p.entries[name] = e
	return e, true
}

func (p *program) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.entries = nil
	return nil
}

func convertParams(in []kernelc.Param) []device.Param {
	out := make([]device.Param, len(in))
	for i, p := range in {
		out[i] = device.Param{Name: p.Name, Buffer: p.Buffer, Type: p.Type, Reads: p.Reads, Writes: p.Writes}
	}
	return out
}

type entry struct {
	dev    *CPUBackend
	kernel *kernelc.Entry
	params []device.Param
}

func (e *entry) Name() string {
	return e.kernel.Name()
}

func (e *entry) Params() []device.Param {
	return append([]device.Param(nil), e.params...)
}

// GroupSize is 0: CPU entries run with any group size.
func (e *entry) GroupSize() int {
	return 0
}

// Launch runs every work group of ws. Each worker takes an invocation from a
// pool, so frames are reused across the groups it runs.
func (e *entry) Launch(ctx context.Context, ws workspace.WorkSpace, args []device.Arg) error {
	if ws.IsZero() {
		return fmt.Errorf("cpu: launch %s: %w: empty workspace", e.Name(), workspace.ErrInvalidDomain)
	}
	kargs, unlock, err := e.bind(args)
	if err != nil {
		return err
	}
	defer unlock()

	pool := newInvocationPool(e.dev.Workers(ws.NumGroups()), func() (*kernelc.Invocation, error) {
		return e.kernel.NewInvocation(ctx, kargs)
	})
	return parallel.For(ctx, ws.NumGroups(), func(g int) error {
		inv, err := pool.get()
		if err != nil {
			return fmt.Errorf("cpu: launch %s: %w", e.Name(), err)
		}
		defer pool.put(inv)
		var runErr error
		ws.Group(g, func(it workspace.Item) {
			if runErr == nil {
				runErr = inv.Run(it)
			}
		})
		return runErr
	}, e.dev.parallel)
}

// invocationPool hands out kernel invocations to workers, creating them on
// demand and keeping up to cap(free) of them for reuse.
type invocationPool struct {
	free   chan *kernelc.Invocation
	create func() (*kernelc.Invocation, error)
}

func newInvocationPool(workers int, create func() (*kernelc.Invocation, error)) *invocationPool {
	return &invocationPool{free: make(chan *kernelc.Invocation, max(workers, 1)), create: create}
}

func (p *invocationPool) get() (*kernelc.Invocation, error) {
	select {
	case inv := <-p.free:
		return inv, nil
	default:
	}
	inv, err := p.create()
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, errors.New("no invocation created")
	}
	return inv, nil
}

func (p *invocationPool) put(inv *kernelc.Invocation) {
	select {
	case p.free <- inv:
	default:
	}
}

// bind resolves buffer arguments to their bytes and read-locks them until the
// launch returns.
func (e *entry) bind(args []device.Arg) ([]kernelc.Arg, func(), error) {
	if len(args) != len(e.params) {
		return nil, nil, fmt.Errorf("cpu: kernel %s takes %d arguments, got %d", e.Name(), len(e.params), len(args))
	}
	kargs := make([]kernelc.Arg, len(args))
	var locked []*memory
	unlock := func() {
		for _, m := range locked {
			m.mu.RUnlock()
		}
	}
	for i, p := range e.params {
		if !p.Buffer {
			kargs[i] = kernelc.Arg{Int: args[i].Int, Float: args[i].Float}
			continue
		}
		if args[i].Mem == nil {
			unlock()
			return nil, nil, fmt.Errorf("cpu: kernel %s: argument %s: no memory bound", e.Name(), p.Name)
		}
		m, err := e.dev.own(args[i].Mem)
		if err != nil {
			unlock()
			return nil, nil, fmt.Errorf("cpu: kernel %s: argument %s: %w", e.Name(), p.Name, err)
		}
		if !lockedAlready(locked, m) {
			m.mu.RLock()
			locked = append(locked, m)
		}
		if m.data == nil {
			unlock()
			return nil, nil, fmt.Errorf("cpu: kernel %s: argument %s: %w", e.Name(), p.Name, device.ErrReleased)
		}
		off, size, err := args[i].Window(len(m.data))
		if err != nil {
			unlock()
			return nil, nil, fmt.Errorf("cpu: kernel %s: argument %s: %w", e.Name(), p.Name, err)
		}
		kargs[i].Mem = m.data[off : off+size]
	}
	return kargs, unlock, nil
}

func lockedAlready(list []*memory, m *memory) bool {
	for _, l := range list {
		if l == m {
			return true
		}
	}
	return false
}
