package kernelc

import (
	"context"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/workspace"
)

// frame is the mutable state of one invocation. Locals live in ints (integer
// and boolean types) or floats, buffers in the typed view slices.
type frame struct {
	ctx    context.Context
	item   workspace.Item
	ints   []int64
	floats []float64
	f32    [][]float32
	f64    [][]float64
	i32    [][]int32
	u32    [][]uint32
	i64    [][]int64
	ticks  uint32
}

// tick is called on every loop iteration and aborts the work item once the
// invocation context is done.
func (f *frame) tick() {
	f.ticks++
	if f.ticks&1023 == 0 && f.ctx.Err() != nil {
		cancelled(f.ctx)
	}
}

// layout counts the frame slots an entry needs.
type layout struct {
	ints   int
	floats int
	bufs   [5]int
}

func (l *layout) alloc(t typ) int {
	if t.usesInts() {
		l.ints++
		return l.ints - 1
	}
	l.floats++
	return l.floats - 1
}

func (l *layout) allocBuffer(dt buffer.DataType) int {
	l.bufs[dt]++
	return l.bufs[dt] - 1
}

func (l layout) newFrame(ctx context.Context) *frame {
	if ctx == nil {
		ctx = context.Background()
	}
	return &frame{
		ctx:    ctx,
		ints:   make([]int64, l.ints),
		floats: make([]float64, l.floats),
		f32:    make([][]float32, l.bufs[buffer.Float32]),
		f64:    make([][]float64, l.bufs[buffer.Float64]),
		i32:    make([][]int32, l.bufs[buffer.Int32]),
		u32:    make([][]uint32, l.bufs[buffer.Uint32]),
		i64:    make([][]int64, l.bufs[buffer.Int64]),
	}
}

// value is a compiled expression. Exactly one of i, f and b is set, matching
// the kind of t.
type value struct {
	t     typ
	i     func(*frame) int64
	f     func(*frame) float64
	b     func(*frame) bool
	konst bool
}

func (v value) ok() bool {
	return v.t != tInvalid
}

func constInt(t typ, x int64) value {
	return value{t: t, i: func(*frame) int64 { return x }, konst: true}
}

func constFloat(t typ, x float64) value {
	return value{t: t, f: func(*frame) float64 { return x }, konst: true}
}

func constBool(x bool) value {
	return value{t: tBool, b: func(*frame) bool { return x }, konst: true}
}

type symKind uint8

const (
	symLocal symKind = iota
	symBuffer
	symConst
)

// bufRef identifies a buffer parameter of the entry being compiled.
type bufRef struct {
	name  string
	param int
	dtype buffer.DataType
	slot  int
}

type symbol struct {
	kind symKind
	t    typ
	slot int
	buf  *bufRef
	val  value
}

type scope map[string]*symbol
