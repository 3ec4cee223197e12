package runtime

import (
	"context"
	"fmt"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/event"
	"github.com/born-ml/ndrange/internal/workspace"
)

// Output is the host copy of one buffer the kernel was allowed to write.
type Output struct {
	// Arg is the position of the buffer in the argument list.
	Arg    int
	Name   string
	Buffer *buffer.Buffer
	Values []float64
}

// Executor runs kernels end to end on one queue of a context.
type Executor struct {
	ctx   *Context
	queue *Queue
}

// NewExecutor creates an executor with its own queue.
func NewExecutor(c *Context) (*Executor, error) {
	q, err := c.NewQueue("executor")
	if err != nil {
		return nil, err
	}
	return &Executor{ctx: c, queue: q}, nil
}

// Queue returns the queue the executor submits to.
func (x *Executor) Queue() *Queue {
	return x.queue
}

// Run builds source (or takes it from the cache), launches entry over ws
// with args and reads back every buffer whose usage lets the device write it,
// whether or not the entry stores to it. It returns those buffers in argument
// order. The first failure aborts the run.
func (x *Executor) Run(ctx context.Context, source, entry string, ws workspace.WorkSpace, args ...Arg) ([]Output, error) {
	return x.RunNamed(ctx, DefaultProgramName, source, entry, ws, args...)
}

// RunNamed is Run with the file name used in diagnostics.
func (x *Executor) RunNamed(ctx context.Context, name, source, entry string, ws workspace.WorkSpace, args ...Arg) ([]Output, error) {
	logger := x.ctx.logger.With("program", name, "kernel", entry)

	prog, err := x.ctx.BuildNamed(ctx, name, source)
	if err != nil {
		logger.Warn("build failed", "error", err)
		return nil, err
	}
	logger.Debug("program ready", "entry_points", prog.EntryPoints())

	k, err := prog.Kernel(entry)
	if err != nil {
		return nil, err
	}
	defer k.Release()

	if err := k.Bind(args...); err != nil {
		return nil, err
	}
	kev, err := x.queue.EnqueueKernel(k, ws)
	if err != nil {
		return nil, err
	}
	logger.Debug("kernel enqueued", "event", kev.String(), "workspace", ws.String())

	var outputs []Output
	var reads []*event.Event
	seen := make(map[*buffer.Buffer]bool)
	for i, p := range k.params {
		b := args[i].Buffer()
		if !p.Buffer || !b.Usage().DeviceWrites() || seen[b] {
			continue
		}
		seen[b] = true
		rev, err := x.queue.EnqueueRead(b, kev)
		if err != nil {
			return nil, err
		}
		reads = append(reads, rev)
		outputs = append(outputs, Output{Arg: i, Name: p.Name, Buffer: b})
	}
	if len(reads) == 0 {
		reads = append(reads, kev)
	}

	if err := event.WaitAll(ctx, reads...); err != nil {
		logger.Warn("run failed", "error", err)
		return nil, err
	}
	for i := range outputs {
		values, err := outputs[i].Buffer.Values()
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", outputs[i].Name, err)
		}
		outputs[i].Values = values
	}
	logger.Debug("run complete", "outputs", len(outputs), "duration", kev.Profile().Duration())
	return outputs, nil
}
