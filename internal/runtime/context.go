// Package runtime orchestrates kernel execution on a device: it caches built
// programs, binds buffers to kernels, keeps device copies of buffers in step
// with the host and tracks every submission with an event.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/ctxlog"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/event"
)

// DefaultProgramName names programs built without an explicit name in
// diagnostics.
const DefaultProgramName = "program.knl"

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger of the context and of its queues.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInOrderQueues makes every queue of the context in-order.
func WithInOrderQueues() Option {
	return func(c *Context) {
		c.inOrder = true
	}
}

// Context owns a device and everything created on it. It is created
// explicitly and must be closed.
type Context struct {
	dev     device.Device
	logger  *slog.Logger
	inOrder bool
	builds  *event.Queue

	mu        sync.Mutex
	closed    bool
	programs  map[string]*cachedProgram
	residents map[*buffer.Buffer]*resident
	queues    []*Queue
}

// cachedProgram is the outcome of one build, successful or not.
type cachedProgram struct {
	ev   *event.Event
	prog *Program
}

// resident is the device copy of a buffer.
type resident struct {
	mu  sync.Mutex
	mem device.Memory
	// version is the host version the device copy was last synchronized
	// with.
	version uint64
	synced  bool
}

// New creates a context on dev. The context takes ownership of dev and
// closes it on Close.
func New(dev device.Device, opts ...Option) *Context {
	c := &Context{
		dev:       dev,
		logger:    ctxlog.Discard(),
		programs:  make(map[string]*cachedProgram),
		residents: make(map[*buffer.Buffer]*resident),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.builds = event.NewQueue(event.WithLogger(c.logger), event.WithName("build"))
	return c
}

// Device returns the device of the context.
func (c *Context) Device() device.Device {
	return c.dev
}

// Capabilities describes the device of the context.
func (c *Context) Capabilities() device.Capabilities {
	return c.dev.Capabilities()
}

// Logger returns the logger of the context.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Build returns the program built from source, building it on first use.
// Every build of the same source text shares one outcome: a compile error is
// cached and returned again.
func (c *Context) Build(ctx context.Context, source string) (*Program, error) {
	return c.BuildNamed(ctx, DefaultProgramName, source)
}

// BuildNamed is Build with the file name used in diagnostics. The name of the
// first build of a source text is kept.
func (c *Context) BuildNamed(ctx context.Context, name, source string) (*Program, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	cp, ok := c.programs[source]
	if !ok {
		cp = &cachedProgram{}
		ev, err := c.builds.Enqueue("build "+name, nil, func(ctx context.Context) error {
			p, err := c.dev.Build(ctx, name, source)
			if err != nil {
				return err
			}
			cp.prog = &Program{ctx: c, name: name, source: source, dev: p}
			return nil
		})
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		cp.ev = ev
		c.programs[source] = cp
	}
	c.mu.Unlock()

	if err := cp.ev.Wait(ctx); err != nil {
		return nil, err
	}
	return cp.prog, nil
}

// forget drops p from the program cache.
func (c *Context) forget(p *Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.programs[p.source]; ok && cp.prog == p {
		delete(c.programs, p.source)
	}
}

// NewQueue creates a queue whose commands run on the device of the context.
func (c *Context) NewQueue(name string) (*Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	opts := []event.Option{event.WithLogger(c.logger), event.WithName(name)}
	if c.inOrder {
		opts = append(opts, event.InOrder())
	}
	q := &Queue{ctx: c, q: event.NewQueue(opts...)}
	c.queues = append(c.queues, q)
	return q, nil
}

// resident returns the device copy of b, allocating it on first use. Windows
// share the device copy of their root.
func (c *Context) resident(b *buffer.Buffer) (*resident, error) {
	b = b.Root()
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.residents[b]; ok {
		return r, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	mem, err := c.dev.Alloc(b.DType(), b.Len())
	if err != nil {
		return nil, fmt.Errorf("allocating %s: %w", b, err)
	}
	r := &resident{mem: mem}
	c.residents[b] = r
	return r, nil
}

// sync makes the device copy of b current. The host copy is uploaded when it
// changed since the last synchronization; otherwise the device copy, which
// may hold kernel writes, is kept.
func (c *Context) sync(ctx context.Context, b *buffer.Buffer) (*resident, error) {
	r, err := c.resident(b)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.upload(ctx, b, false); err != nil {
		return nil, err
	}
	return r, nil
}

// upload copies the host copy of b to the device when forced or when it
// changed. r.mu must be held.
func (r *resident) upload(ctx context.Context, b *buffer.Buffer, force bool) error {
	return b.Snapshot(func(raw []byte, version uint64) error {
		if r.synced && r.version == version && !force {
			return nil
		}
		if err := r.mem.Upload(ctx, raw); err != nil {
			return fmt.Errorf("uploading %s: %w", b, err)
		}
		r.version = version
		r.synced = true
		return nil
	})
}

// Close closes every queue of the context, cancelling work in flight, then
// releases programs, device memory and the device. Release errors are
// aggregated. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queues := c.queues
	c.queues = nil
	c.mu.Unlock()

	var err error
	for _, q := range queues {
		err = multierr.Append(err, q.Close())
	}
	err = multierr.Append(err, c.builds.Close())

	c.mu.Lock()
	programs := c.programs
	residents := c.residents
	c.programs = nil
	c.residents = nil
	c.mu.Unlock()

	for _, cp := range programs {
		if cp.prog != nil {
			err = multierr.Append(err, cp.prog.Release())
		}
	}
	for _, r := range residents {
		err = multierr.Append(err, r.mem.Release())
	}
	err = multierr.Append(err, c.dev.Close())
	if err != nil {
		c.logger.Warn("context closed with errors", "error", err)
	}
	return err
}
