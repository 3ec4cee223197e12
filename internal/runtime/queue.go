package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/event"
	"github.com/born-ml/ndrange/internal/workspace"
)

// Queue submits commands to the device of its context. Every enqueue returns
// a fresh event; a command runs once every event of its wait set completed.
type Queue struct {
	ctx *Context
	q   *event.Queue
}

// Name returns the queue label.
func (q *Queue) Name() string {
	return q.q.Name()
}

// EnqueueKernel submits a launch of k over ws with the arguments bound now.
// Buffer parameters the kernel writes are held exclusively, the others
// shared, until the launch settles; buffers written become stale until a
// read-back of them settles.
func (q *Queue) EnqueueKernel(k *Kernel, ws workspace.WorkSpace, waitSet ...*event.Event) (*event.Event, error) {
	if ws.IsZero() {
		return nil, fmt.Errorf("%w: empty workspace", workspace.ErrInvalidDomain)
	}
	if err := q.checkWorkSpace(k, ws); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	args, err := k.snapshot()
	if err != nil {
		return nil, err
	}

	label := "kernel " + k.Name()
	ev, err := q.q.EnqueueWith(label, waitSet, func(ev *event.Event) (event.Command, error) {
		if err := acquireAll(ev, k.params, args); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return q.launch(ctx, k, ws, args)
		}, nil
	})
	if err != nil {
		return nil, q.wrap(err)
	}
	k.inflight = append(k.inflight, ev)
	return ev, nil
}

// checkWorkSpace rejects a workspace the device or the entry cannot run.
func (q *Queue) checkWorkSpace(k *Kernel, ws workspace.WorkSpace) error {
	caps := q.ctx.Capabilities()
	if caps.MaxGroupSize > 0 && ws.GroupSize() > caps.MaxGroupSize {
		return fmt.Errorf("%w: group size %d exceeds the %s maximum of %d",
			ErrUnsupportedConfiguration, ws.GroupSize(), caps.Name, caps.MaxGroupSize)
	}
	if gs := k.entry.GroupSize(); gs != 0 && gs != ws.GroupSize() {
		return fmt.Errorf("%w: kernel %s runs groups of %d, workspace has %d",
			ErrUnsupportedConfiguration, k.Name(), gs, ws.GroupSize())
	}
	return nil
}

// acquireAll takes the holds of a launch, or none of them.
func acquireAll(ev *event.Event, params []device.Param, args []Arg) error {
	var taken []*buffer.Buffer
	for i, p := range params {
		if !p.Buffer {
			continue
		}
		b := args[i].buf
		if err := b.Acquire(ev, p.Writes); err != nil {
			for _, t := range taken {
				t.Abandon(ev)
			}
			return err
		}
		taken = append(taken, b)
	}
	return nil
}

func (q *Queue) launch(ctx context.Context, k *Kernel, ws workspace.WorkSpace, args []Arg) error {
	dargs := make([]device.Arg, len(args))
	for i, p := range k.params {
		var mem device.Memory
		if p.Buffer {
			r, err := q.ctx.sync(ctx, args[i].buf)
			if err != nil {
				return err
			}
			mem = r.mem
		}
		dargs[i] = deviceArg(p, args[i], mem)
	}
	return k.entry.Launch(ctx, ws, dargs)
}

// EnqueueRead submits a transfer of the device copy of b into its host copy.
// The transfer accounts for every write to b enqueued before it, and b.Sync
// waits for it. Reading a window transfers its whole root.
func (q *Queue) EnqueueRead(b *buffer.Buffer, waitSet ...*event.Event) (*event.Event, error) {
	ev, err := q.q.EnqueueWith("read "+b.String(), waitSet, func(ev *event.Event) (event.Command, error) {
		rb, err := b.BeginReadBack(ev)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			r, err := q.ctx.sync(ctx, b)
			if err != nil {
				return err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			raw := make([]byte, b.Root().ByteSize())
			if err := r.mem.Download(ctx, raw); err != nil {
				return fmt.Errorf("reading back %s: %w", b, err)
			}
			r.version = rb.Commit(raw)
			return nil
		}, nil
	})
	return ev, q.wrap(err)
}

// EnqueueWrite submits an upload of the host copy of b to the device.
// Kernels upload changed buffers on their own; this makes the transfer an
// explicit, waitable step.
func (q *Queue) EnqueueWrite(b *buffer.Buffer, waitSet ...*event.Event) (*event.Event, error) {
	ev, err := q.q.EnqueueWith("write "+b.String(), waitSet, func(ev *event.Event) (event.Command, error) {
		if err := b.Acquire(ev, false); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			r, err := q.ctx.resident(b)
			if err != nil {
				return err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.upload(ctx, b, true)
		}, nil
	})
	return ev, q.wrap(err)
}

// EnqueueCopy submits a device-side copy of src into dst. dst becomes stale
// until read back.
func (q *Queue) EnqueueCopy(src, dst *buffer.Buffer, waitSet ...*event.Event) (*event.Event, error) {
	if src.DType() != dst.DType() || src.Len() != dst.Len() {
		return nil, fmt.Errorf("%w: copy of %s into %s", ErrArgumentMismatch, src, dst)
	}
	if dst.Usage() == buffer.ReadOnly {
		return nil, fmt.Errorf("%w: copy into read-only %s", buffer.ErrUsageViolation, dst)
	}
	ev, err := q.q.EnqueueWith("copy "+src.String(), waitSet, func(ev *event.Event) (event.Command, error) {
		if err := src.Acquire(ev, false); err != nil {
			return nil, err
		}
		if err := dst.Acquire(ev, true); err != nil {
			src.Abandon(ev)
			return nil, err
		}
		return func(ctx context.Context) error {
			if src == dst {
				return nil
			}
			s, err := q.ctx.sync(ctx, src)
			if err != nil {
				return err
			}
			d, err := q.ctx.sync(ctx, dst)
			if err != nil {
				return err
			}
			// src is only read, so locking dst is enough.
			d.mu.Lock()
			defer d.mu.Unlock()
			if src.Root() == src && dst.Root() == dst {
				return device.Copy(ctx, q.ctx.dev, d.mem, s.mem)
			}
			return copyWindow(ctx, d.mem, dst.ByteOffset(), s.mem, src.ByteOffset(), src.ByteSize())
		}, nil
	})
	return ev, q.wrap(err)
}

// copyWindow copies n bytes of src starting at srcOff into dst at dstOff
// through the host. src and dst may be the same memory.
func copyWindow(ctx context.Context, dst device.Memory, dstOff int, src device.Memory, srcOff, n int) error {
	chunk := make([]byte, n)
	if err := device.ReadRange(ctx, src, chunk, srcOff); err != nil {
		return err
	}
	whole := make([]byte, dst.Size())
	if err := dst.Download(ctx, whole); err != nil {
		return err
	}
	copy(whole[dstOff:], chunk)
	return dst.Upload(ctx, whole)
}

// EnqueueReadRegion submits a transfer of length elements of the device copy
// of b, starting at element offset, into a region returned to the caller.
// The host copy of b is left alone, so a region can be read while b is
// stale. The transfer shares b with other readers.
func (q *Queue) EnqueueReadRegion(b *buffer.Buffer, offset, length int, waitSet ...*event.Event) (*Region, error) {
	if offset < 0 || length < 0 || offset+length > b.Len() {
		return nil, fmt.Errorf("%w: [%d:%d] of %s", buffer.ErrOutOfRange, offset, offset+length, b)
	}
	size := b.DType().Size()
	region := &Region{dtype: b.DType(), data: make([]byte, length*size)}
	start := b.ByteOffset() + offset*size
	label := fmt.Sprintf("read %s[%d:%d]", b, offset, offset+length)
	ev, err := q.q.EnqueueWith(label, waitSet, func(ev *event.Event) (event.Command, error) {
		if err := b.Acquire(ev, false); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			r, err := q.ctx.sync(ctx, b)
			if err != nil {
				return err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if err := device.ReadRange(ctx, r.mem, region.data, start); err != nil {
				return fmt.Errorf("reading %s: %w", label, err)
			}
			return nil
		}, nil
	})
	if err != nil {
		return nil, q.wrap(err)
	}
	region.ev = ev
	return region, nil
}

// EnqueueMarker returns an event that completes once every event of waitSet
// completed, or every event enqueued before it on an in-order queue.
func (q *Queue) EnqueueMarker(waitSet ...*event.Event) (*event.Event, error) {
	ev, err := q.q.Enqueue("marker", waitSet, nil)
	return ev, q.wrap(err)
}

// Finish blocks until every event enqueued so far has settled.
func (q *Queue) Finish(ctx context.Context) error {
	return q.q.Finish(ctx)
}

// Pending returns the number of unsettled events of the queue.
func (q *Queue) Pending() int {
	return q.q.Pending()
}

// Close cancels the commands that have not run and waits for every event to
// settle.
func (q *Queue) Close() error {
	return q.q.Close()
}

func (q *Queue) wrap(err error) error {
	if err != nil && errors.Is(err, event.ErrQueueClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
