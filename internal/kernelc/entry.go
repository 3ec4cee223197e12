package kernelc

import (
	"context"
	"fmt"
	"go/token"
	"runtime"
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/workspace"
)

// Program is a compiled kernel source.
type Program struct {
	name    string
	src     source
	entries map[string]*Entry
}

// Name returns the file name the program was compiled as.
func (p *Program) Name() string {
	return p.name
}

// EntryPoints returns the names of every entry point, sorted.
func (p *Program) EntryPoints() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry point called name.
func (p *Program) Entry(name string) (*Entry, bool) {
	e, ok := p.entries[name]
	return e, ok
}

// Param describes one entry point parameter. Reads and Writes record whether
// the body may read or write a buffer parameter.
type Param struct {
	Name   string
	Buffer bool
	Type   buffer.DataType
	Reads  bool
	Writes bool
}

// Arg is the value bound to one parameter for an invocation. Buffer
// parameters use Mem, which is viewed in place; scalars use Int or Float
// depending on the parameter type.
type Arg struct {
	Mem   []byte
	Int   int64
	Float float64
}

type scalarInit struct {
	param int
	slot  int
	t     typ
}

// Entry is a compiled entry point. It is immutable and safe for concurrent
// use.
type Entry struct {
	name    string
	pos     token.Position
	src     source
	params  []Param
	slots   []int
	scalars []scalarInit
	layout  layout
	body    stmtFn
}

// Name returns the function name of the entry point.
func (e *Entry) Name() string {
	return e.name
}

// Pos returns the position of the declaration.
func (e *Entry) Pos() token.Position {
	return e.pos
}

// Params returns a copy of the parameter list.
func (e *Entry) Params() []Param {
	return append([]Param(nil), e.params...)
}

// Invocation runs the work items of one goroutine. It is not safe for
// concurrent use; create one per goroutine.
type Invocation struct {
	entry *Entry
	frame *frame
	init  []func(*frame)
}

// NewInvocation binds args to the entry's parameters. ctx aborts long running
// loops once done.
func (e *Entry) NewInvocation(ctx context.Context, args []Arg) (*Invocation, error) {
	if len(args) != len(e.params) {
		return nil, errors.Errorf("kernel %s takes %d arguments, got %d", e.name, len(e.params), len(args))
	}
	f := e.layout.newFrame(ctx)
	for i, p := range e.params {
		if !p.Buffer {
			continue
		}
		mem := args[i].Mem
		if len(mem)%p.Type.Size() != 0 {
			return nil, errors.Errorf("kernel %s: argument %s: %d bytes is not a whole number of %s elements",
				e.name, p.Name, len(mem), p.Type)
		}
		k := e.slots[i]
		switch p.Type {
		case buffer.Float32:
			f.f32[k] = buffer.View[float32](mem)
		case buffer.Float64:
			f.f64[k] = buffer.View[float64](mem)
		case buffer.Int32:
			f.i32[k] = buffer.View[int32](mem)
		case buffer.Uint32:
			f.u32[k] = buffer.View[uint32](mem)
		case buffer.Int64:
			f.i64[k] = buffer.View[int64](mem)
		}
	}

	inv := &Invocation{entry: e, frame: f}
	for _, s := range e.scalars {
		var v value
		if s.t.isFloat() {
			v = constFloat(tUntypedFloat, args[s.param].Float)
		} else {
			v = constInt(tUntypedInt, args[s.param].Int)
		}
		inv.init = append(inv.init, scalarSetter(s, v))
	}
	return inv, nil
}

func scalarSetter(s scalarInit, v value) func(*frame) {
	slot := s.slot
	switch {
	case s.t.isFloat():
		x := roundFloat(s.t, v.f(nil))
		return func(f *frame) { f.floats[slot] = x }
	default:
		x := wrapInt(s.t, v.i(nil))
		return func(f *frame) { f.ints[slot] = x }
	}
}

// Run executes the entry for one work item. Faults raised by the item are
// returned as a *RuntimeError.
func (inv *Invocation) Run(item workspace.Item) (err error) {
	f := inv.frame
	f.item = item
	for _, set := range inv.init {
		set(f)
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr := &RuntimeError{Entry: inv.entry.name, GlobalID: item.GlobalID}
		switch r := r.(type) {
		case trap:
			rerr.Pos = inv.entry.src.position(r.pos)
			rerr.Err = r.err
		case runtime.Error:
			rerr.Err = errors.WithStack(r)
		default:
			rerr.Err = fmt.Errorf("panic: %v", r)
		}
		err = rerr
	}()
	inv.entry.body(f)
	return nil
}
