package runtime

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/event"
)

// Program is a built program of a Context.
type Program struct {
	ctx    *Context
	name   string
	source string
	dev    device.Program

	mu       sync.Mutex
	kernels  []*Kernel
	released bool
}

// Name returns the file name used in diagnostics.
func (p *Program) Name() string {
	return p.name
}

// Source returns the source text the program was built from.
func (p *Program) Source() string {
	return p.source
}

// EntryPoints returns the names of the entry points, sorted.
func (p *Program) EntryPoints() []string {
	return p.dev.EntryPoints()
}

// Kernel resolves the entry point name once and returns a new kernel for it.
func (p *Program) Kernel(name string) (*Kernel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, fmt.Errorf("program %s: %w", p.name, device.ErrReleased)
	}
	e, ok := p.dev.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s (have %s)",
			ErrUnknownEntryPoint, name, p.name, strings.Join(p.dev.EntryPoints(), ", "))
	}
	params := e.Params()
	k := &Kernel{prog: p, entry: e, params: params, args: make([]Arg, len(params))}
	p.kernels = append(p.kernels, k)
	return k, nil
}

// Release releases the program and its kernels and drops it from the cache
// of its context, so a later build of the same source builds again.
func (p *Program) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	kernels := p.kernels
	p.kernels = nil
	p.mu.Unlock()

	for _, k := range kernels {
		k.Release()
	}
	p.ctx.forget(p)
	return p.dev.Release()
}

type argKind uint8

const (
	argUnset argKind = iota
	argBuffer
	argInt
	argFloat
)

// Arg is a kernel argument: a buffer or a scalar.
type Arg struct {
	kind  argKind
	buf   *buffer.Buffer
	i     int64
	float float64
}

// BufferArg passes b to a buffer parameter.
func BufferArg(b *buffer.Buffer) Arg {
	return Arg{kind: argBuffer, buf: b}
}

// Scalar passes v to a scalar parameter. Integers may be passed to float
// parameters; floats to integer parameters are rejected.
func Scalar[T constraints.Integer | constraints.Float](v T) Arg {
	half := 0.5
	if T(half) != 0 {
		return Arg{kind: argFloat, float: float64(v)}
	}
	return Arg{kind: argInt, i: int64(v)}
}

// Buffer returns the buffer of a buffer argument and nil otherwise.
func (a Arg) Buffer() *buffer.Buffer {
	return a.buf
}

// String describes the argument.
func (a Arg) String() string {
	switch a.kind {
	case argBuffer:
		return a.buf.String()
	case argInt:
		return fmt.Sprintf("int %d", a.i)
	case argFloat:
		return fmt.Sprintf("float %g", a.float)
	}
	return "unset"
}

// Kernel is an entry point of a program with its bound arguments. Each
// submission captures the arguments bound at enqueue time.
type Kernel struct {
	prog   *Program
	entry  device.Entry
	params []device.Param

	mu       sync.Mutex
	args     []Arg
	inflight []*event.Event
	released bool
}

// Name returns the entry point name.
func (k *Kernel) Name() string {
	return k.entry.Name()
}

// Params returns the declared parameters.
func (k *Kernel) Params() []device.Param {
	return append([]device.Param(nil), k.params...)
}

// Bind binds args positionally to the parameters. It fails with
// ErrBusyKernel while a submission is unsettled, with ErrArgumentMismatch
// when args do not fit the parameters, and with buffer.ErrUsageViolation
// when a ReadOnly buffer is bound to a parameter the kernel writes. The
// previous binding is kept on failure.
func (k *Kernel) Bind(args ...Arg) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return fmt.Errorf("kernel %s: %w", k.Name(), device.ErrReleased)
	}
	if ev := k.busyLocked(); ev != nil {
		return fmt.Errorf("%w: %s in flight as %s", ErrBusyKernel, k.Name(), ev)
	}
	if len(args) != len(k.params) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrArgumentMismatch, k.Name(), len(k.params), len(args))
	}
	for i, a := range args {
		if err := check(k.params[i], a); err != nil {
			return fmt.Errorf("kernel %s: argument %d (%s): %w", k.Name(), i, k.params[i].Name, err)
		}
	}
	copy(k.args, args)
	return nil
}

func check(p device.Param, a Arg) error {
	switch {
	case a.kind == argUnset:
		return fmt.Errorf("%w: no value", ErrArgumentMismatch)
	case p.Buffer && a.kind != argBuffer:
		return fmt.Errorf("%w: %s given for a %s buffer", ErrArgumentMismatch, a, p.Type)
	case !p.Buffer && a.kind == argBuffer:
		return fmt.Errorf("%w: buffer given for a %s scalar", ErrArgumentMismatch, p.Type)
	case !p.Buffer && a.kind == argFloat && !p.Type.IsFloat():
		return fmt.Errorf("%w: %s given for a %s scalar", ErrArgumentMismatch, a, p.Type)
	case p.Buffer && a.buf == nil:
		return fmt.Errorf("%w: nil buffer", ErrArgumentMismatch)
	case p.Buffer && a.buf.DType() != p.Type:
		return fmt.Errorf("%w: %s given for a %s buffer", ErrArgumentMismatch, a.buf, p.Type)
	case p.Buffer && p.Writes && a.buf.Usage() == buffer.ReadOnly:
		return fmt.Errorf("%w: kernel writes read-only %s", buffer.ErrUsageViolation, a.buf)
	}
	return nil
}

// busyLocked returns an unsettled submission, pruning settled ones.
func (k *Kernel) busyLocked() *event.Event {
	live := k.inflight[:0]
	for _, ev := range k.inflight {
		if !ev.Settled() {
			live = append(live, ev)
		}
	}
	clear(k.inflight[len(live):])
	k.inflight = live
	if len(live) == 0 {
		return nil
	}
	return live[0]
}

// Release makes the kernel unusable. Submissions in flight are unaffected.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.released = true
}

// snapshot returns the bound arguments for a submission.
func (k *Kernel) snapshot() ([]Arg, error) {
	if k.released {
		return nil, fmt.Errorf("kernel %s: %w", k.Name(), device.ErrReleased)
	}
	for i, a := range k.args {
		if a.kind == argUnset {
			return nil, fmt.Errorf("%w: kernel %s: argument %d (%s) not bound",
				ErrArgumentMismatch, k.Name(), i, k.params[i].Name)
		}
	}
	return append([]Arg(nil), k.args...), nil
}

// deviceArg converts a to the launch form of parameter p.
func deviceArg(p device.Param, a Arg, mem device.Memory) device.Arg {
	switch {
	case p.Buffer:
		arg := device.Arg{Mem: mem}
		if b := a.buf; b.Root() != b {
			arg.Offset, arg.Size = b.ByteOffset(), b.ByteSize()
		}
		return arg
	case a.kind == argInt && p.Type.IsFloat():
		return device.Arg{Float: float64(a.i)}
	case a.kind == argFloat:
		return device.Arg{Float: a.float}
	}
	return device.Arg{Int: a.i}
}
