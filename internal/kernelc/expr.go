package kernelc

import (
	"go/ast"
	"go/constant"
	"go/token"
	"go/types"
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/ndrange/internal/buffer"
)

func exprString(e ast.Expr) string {
	return types.ExprString(e)
}

// fnCompiler compiles the body of one entry together with every helper
// inlined into it. All of them share one frame layout.
type fnCompiler struct {
	*compiler
	lay    layout
	params []Param
	scopes []scope
	loops  int
	inline []*inlineFrame
}

type inlineFrame struct {
	name   string
	result typ
	slot   int
}

func (fc *fnCompiler) push() {
	fc.scopes = append(fc.scopes, make(scope))
}

func (fc *fnCompiler) pop() {
	fc.scopes = fc.scopes[:len(fc.scopes)-1]
}

func (fc *fnCompiler) declare(id *ast.Ident, sym *symbol) {
	if id.Name == "_" {
		return
	}
	top := fc.scopes[len(fc.scopes)-1]
	if _, dup := top[id.Name]; dup {
		fc.errs.Appendf(id, "%s redeclared in this block", id.Name)
		return
	}
	top[id.Name] = sym
}

func (fc *fnCompiler) lookup(name string) *symbol {
	for i := len(fc.scopes) - 1; i >= 0; i-- {
		if sym, ok := fc.scopes[i][name]; ok {
			return sym
		}
	}
	return fc.consts[name]
}

func (fc *fnCompiler) markRead(ref *bufRef) {
	if ref.param >= 0 {
		fc.params[ref.param].Reads = true
	}
}

func (fc *fnCompiler) markWrite(ref *bufRef) {
	if ref.param >= 0 {
		fc.params[ref.param].Writes = true
	}
}

func (fc *fnCompiler) expr(e ast.Expr) value {
	switch e := e.(type) {
	case *ast.BasicLit:
		return fc.literal(e)
	case *ast.Ident:
		return fc.ident(e)
	case *ast.ParenExpr:
		return fc.expr(e.X)
	case *ast.BinaryExpr:
		return fc.binop(e, e.Op, fc.expr(e.X), fc.expr(e.Y))
	case *ast.UnaryExpr:
		return fc.unary(e)
	case *ast.IndexExpr:
		return fc.load(e)
	case *ast.CallExpr:
		return fc.call(e)
	}
	fc.errs.Appendf(e, "unsupported expression %s", exprString(e))
	return value{}
}

func (fc *fnCompiler) literal(lit *ast.BasicLit) value {
	cv := constant.MakeFromLiteral(lit.Value, lit.Kind, 0)
	switch lit.Kind {
	case token.INT, token.CHAR:
		x, exact := constant.Int64Val(cv)
		if !exact {
			fc.errs.Appendf(lit, "constant %s overflows int64", lit.Value)
			return value{}
		}
		return constInt(tUntypedInt, x)
	case token.FLOAT:
		x, _ := constant.Float64Val(cv)
		return constFloat(tUntypedFloat, x)
	}
	fc.errs.Appendf(lit, "%s literals are not supported", lit.Kind)
	return value{}
}

func (fc *fnCompiler) ident(id *ast.Ident) value {
	if id.Name == "_" {
		fc.errs.Appendf(id, "cannot use _ as value")
		return value{}
	}
	sym := fc.lookup(id.Name)
	if sym == nil {
		switch id.Name {
		case "true":
			return constBool(true)
		case "false":
			return constBool(false)
		}
		if _, ok := fc.helpers[id.Name]; ok {
			fc.errs.Appendf(id, "function %s used as value", id.Name)
			return value{}
		}
		fc.errs.Appendf(id, "undefined: %s", id.Name)
		return value{}
	}
	switch sym.kind {
	case symConst:
		return sym.val
	case symBuffer:
		fc.errs.Appendf(id, "buffer %s used as value", id.Name)
		return value{}
	}
	return fc.localValue(sym.slot, sym.t)
}

func (fc *fnCompiler) localValue(slot int, t typ) value {
	switch {
	case t == tBool:
		return value{t: t, b: func(f *frame) bool { return f.ints[slot] != 0 }}
	case t.usesInts():
		return value{t: t, i: func(f *frame) int64 { return f.ints[slot] }}
	}
	return value{t: t, f: func(f *frame) float64 { return f.floats[slot] }}
}

// setLocal returns a closure storing v, converted to t, into a local slot.
func (fc *fnCompiler) setLocal(node ast.Node, slot int, t typ, v value) func(*frame) {
	v = fc.assignable(node, v, t)
	if !v.ok() {
		return nil
	}
	switch {
	case t == tBool:
		b := v.b
		return func(f *frame) {
			if b(f) {
				f.ints[slot] = 1
			} else {
				f.ints[slot] = 0
			}
		}
	case t.usesInts():
		i := v.i
		return func(f *frame) { f.ints[slot] = i(f) }
	}
	fl := v.f
	return func(f *frame) { f.floats[slot] = fl(f) }
}

// fold evaluates a value built from constants at compile time.
func (fc *fnCompiler) fold(node ast.Node, v value) (out value) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(trap)
			if !ok {
				panic(r)
			}
			fc.errs.Appendf(node, "%v", t.err)
			out = value{}
		}
	}()
	switch {
	case v.t == tBool:
		return constBool(v.b(nil))
	case v.t.isInt():
		return constInt(v.t, v.i(nil))
	}
	return constFloat(v.t, v.f(nil))
}

func (fc *fnCompiler) toFloat(v value) func(*frame) float64 {
	if v.t.isFloat() {
		return v.f
	}
	i := v.i
	return func(f *frame) float64 { return float64(i(f)) }
}

// assignable converts v for storage into a location of type t. Numeric types
// convert implicitly, as in C.
func (fc *fnCompiler) assignable(node ast.Node, v value, t typ) value {
	if !v.ok() {
		return v
	}
	if (v.t == tBool) != (t == tBool) {
		fc.errs.Appendf(node, "cannot use %s value as %s", v.t, t)
		return value{}
	}
	return fc.convert(node, v, t)
}

func (fc *fnCompiler) convert(node ast.Node, v value, to typ) value {
	if !v.ok() || v.t == to {
		return v
	}
	var out value
	switch {
	case to == tBool || v.t == tBool:
		fc.errs.Appendf(node, "cannot convert %s to %s", v.t, to)
		return value{}
	case to.isFloat():
		src := fc.toFloat(v)
		if to == tFloat32 {
			out = value{t: to, f: func(f *frame) float64 { return float64(float32(src(f))) }}
		} else {
			out = value{t: to, f: src}
		}
	default:
		src := v.i
		if v.t.isFloat() {
			fl := v.f
			src = func(f *frame) int64 { return int64(math.Trunc(fl(f))) }
		}
		switch to {
		case tInt32:
			out = value{t: to, i: func(f *frame) int64 { return int64(int32(src(f))) }}
		case tUint32:
			out = value{t: to, i: func(f *frame) int64 { return int64(uint32(src(f))) }}
		default:
			out = value{t: to, i: src}
		}
	}
	if v.konst {
		out.konst = true
		return fc.fold(node, out)
	}
	return out
}

func (fc *fnCompiler) unary(e *ast.UnaryExpr) value {
	x := fc.expr(e.X)
	if !x.ok() {
		return x
	}
	var out value
	switch e.Op {
	case token.ADD:
		if !x.t.isNumeric() {
			fc.errs.Appendf(e, "operator + not defined on %s", x.t)
			return value{}
		}
		return x
	case token.SUB:
		switch {
		case x.t.isFloat():
			xf := x.f
			out = value{t: x.t, f: func(f *frame) float64 { return -xf(f) }}
		case x.t.isInt():
			xi, t := x.i, x.t
			out = value{t: t, i: func(f *frame) int64 { return wrapInt(t, -xi(f)) }}
		default:
			fc.errs.Appendf(e, "operator - not defined on %s", x.t)
			return value{}
		}
	case token.NOT:
		if x.t != tBool {
			fc.errs.Appendf(e, "operator ! not defined on %s", x.t)
			return value{}
		}
		xb := x.b
		out = value{t: tBool, b: func(f *frame) bool { return !xb(f) }}
	case token.XOR:
		if !x.t.isInt() {
			fc.errs.Appendf(e, "operator ^ not defined on %s", x.t)
			return value{}
		}
		xi, t := x.i, x.t
		out = value{t: t, i: func(f *frame) int64 { return wrapInt(t, ^xi(f)) }}
	default:
		fc.errs.Appendf(e, "unary operator %s is not supported", e.Op)
		return value{}
	}
	if x.konst {
		out.konst = true
		return fc.fold(e, out)
	}
	return out
}

func (fc *fnCompiler) binop(node ast.Node, op token.Token, l, r value) value {
	if !l.ok() || !r.ok() {
		return value{}
	}
	var out value
	switch op {
	case token.LAND, token.LOR:
		if l.t != tBool || r.t != tBool {
			fc.errs.Appendf(node, "operator %s not defined on %s and %s", op, l.t, r.t)
			return value{}
		}
		lb, rb := l.b, r.b
		if op == token.LAND {
			out = value{t: tBool, b: func(f *frame) bool { return lb(f) && rb(f) }}
		} else {
			out = value{t: tBool, b: func(f *frame) bool { return lb(f) || rb(f) }}
		}
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		out = fc.compare(node, op, l, r)
	case token.SHL, token.SHR:
		out = fc.shift(node, op, l, r)
	default:
		out = fc.arith(node, op, l, r)
	}
	if !out.ok() {
		return out
	}
	if l.konst && r.konst {
		out.konst = true
		return fc.fold(node, out)
	}
	return out
}

func (fc *fnCompiler) compare(node ast.Node, op token.Token, l, r value) value {
	if l.t == tBool && r.t == tBool && (op == token.EQL || op == token.NEQ) {
		lb, rb := l.b, r.b
		if op == token.EQL {
			return value{t: tBool, b: func(f *frame) bool { return lb(f) == rb(f) }}
		}
		return value{t: tBool, b: func(f *frame) bool { return lb(f) != rb(f) }}
	}
	if !l.t.isNumeric() || !r.t.isNumeric() {
		fc.errs.Appendf(node, "cannot compare %s and %s", l.t, r.t)
		return value{}
	}
	if unify(l.t, r.t).isFloat() {
		lf, rf := fc.toFloat(l), fc.toFloat(r)
		var cmp func(a, b float64) bool
		switch op {
		case token.EQL:
			cmp = func(a, b float64) bool { return a == b }
		case token.NEQ:
			cmp = func(a, b float64) bool { return a != b }
		case token.LSS:
			cmp = func(a, b float64) bool { return a < b }
		case token.LEQ:
			cmp = func(a, b float64) bool { return a <= b }
		case token.GTR:
			cmp = func(a, b float64) bool { return a > b }
		default:
			cmp = func(a, b float64) bool { return a >= b }
		}
		return value{t: tBool, b: func(f *frame) bool { return cmp(lf(f), rf(f)) }}
	}
	li, ri := l.i, r.i
	switch op {
	case token.EQL:
		return value{t: tBool, b: func(f *frame) bool { return li(f) == ri(f) }}
	case token.NEQ:
		return value{t: tBool, b: func(f *frame) bool { return li(f) != ri(f) }}
	case token.LSS:
		return value{t: tBool, b: func(f *frame) bool { return li(f) < ri(f) }}
	case token.LEQ:
		return value{t: tBool, b: func(f *frame) bool { return li(f) <= ri(f) }}
	case token.GTR:
		return value{t: tBool, b: func(f *frame) bool { return li(f) > ri(f) }}
	}
	return value{t: tBool, b: func(f *frame) bool { return li(f) >= ri(f) }}
}

func (fc *fnCompiler) shift(node ast.Node, op token.Token, l, r value) value {
	if !l.t.isInt() || !r.t.isInt() {
		fc.errs.Appendf(node, "shift of %s by %s: integer operands required", l.t, r.t)
		return value{}
	}
	t := l.t
	if t.isUntyped() && !r.konst {
		t = tInt
	}
	li, ri := l.i, r.i
	pos := node.Pos()
	if op == token.SHL {
		return value{t: t, i: func(f *frame) int64 {
			x, s := li(f), ri(f)
			if s < 0 {
				raise(pos, ErrNegativeShift)
			}
			return wrapInt(t, x<<uint64(s))
		}}
	}
	return value{t: t, i: func(f *frame) int64 {
		x, s := li(f), ri(f)
		if s < 0 {
			raise(pos, ErrNegativeShift)
		}
		return wrapInt(t, x>>uint64(s))
	}}
}

func (fc *fnCompiler) arith(node ast.Node, op token.Token, l, r value) value {
	if !l.t.isNumeric() || !r.t.isNumeric() {
		fc.errs.Appendf(node, "operator %s not defined on %s and %s", op, l.t, r.t)
		return value{}
	}
	t := unify(l.t, r.t)
	if t.isFloat() {
		lf, rf := fc.toFloat(l), fc.toFloat(r)
		var fn func(f *frame) float64
		switch op {
		case token.ADD:
			fn = func(f *frame) float64 { return lf(f) + rf(f) }
		case token.SUB:
			fn = func(f *frame) float64 { return lf(f) - rf(f) }
		case token.MUL:
			fn = func(f *frame) float64 { return lf(f) * rf(f) }
		case token.QUO:
			fn = func(f *frame) float64 { return lf(f) / rf(f) }
		case token.REM:
			fc.errs.Appendf(node, "operator %% not defined on %s, use fmod", t)
			return value{}
		default:
			fc.errs.Appendf(node, "operator %s not defined on %s", op, t)
			return value{}
		}
		if t == tFloat32 {
			inner := fn
			fn = func(f *frame) float64 { return float64(float32(inner(f))) }
		}
		return value{t: t, f: fn}
	}

	li, ri := l.i, r.i
	pos := node.Pos()
	var fn func(f *frame) int64
	switch op {
	case token.ADD:
		fn = func(f *frame) int64 { return li(f) + ri(f) }
	case token.SUB:
		fn = func(f *frame) int64 { return li(f) - ri(f) }
	case token.MUL:
		fn = func(f *frame) int64 { return li(f) * ri(f) }
	case token.QUO:
		fn = func(f *frame) int64 {
			x, d := li(f), ri(f)
			if d == 0 {
				raise(pos, ErrDivideByZero)
			}
			return x / d
		}
	case token.REM:
		fn = func(f *frame) int64 {
			x, d := li(f), ri(f)
			if d == 0 {
				raise(pos, ErrDivideByZero)
			}
			return x % d
		}
	case token.AND:
		fn = func(f *frame) int64 { return li(f) & ri(f) }
	case token.OR:
		fn = func(f *frame) int64 { return li(f) | ri(f) }
	case token.XOR:
		fn = func(f *frame) int64 { return li(f) ^ ri(f) }
	case token.AND_NOT:
		fn = func(f *frame) int64 { return li(f) &^ ri(f) }
	default:
		fc.errs.Appendf(node, "operator %s not defined on %s", op, t)
		return value{}
	}
	if t == tInt32 || t == tUint32 {
		inner := fn
		fn = func(f *frame) int64 { return wrapInt(t, inner(f)) }
	}
	return value{t: t, i: fn}
}

// bufferOf resolves an expression naming a buffer parameter.
func (fc *fnCompiler) bufferOf(e ast.Expr) (*bufRef, bool) {
	id, ok := e.(*ast.Ident)
	if ok {
		if sym := fc.lookup(id.Name); sym != nil && sym.kind == symBuffer {
			return sym.buf, true
		}
		if fc.lookup(id.Name) == nil {
			return nil, fc.errs.Appendf(e, "undefined: %s", id.Name)
		}
	}
	return nil, fc.errs.Appendf(e, "%s is not a buffer", exprString(e))
}

func (fc *fnCompiler) index(e ast.Expr) func(*frame) int64 {
	v := fc.expr(e)
	if !v.ok() {
		return nil
	}
	if !v.t.isInt() {
		fc.errs.Appendf(e, "invalid index type %s", v.t)
		return nil
	}
	return v.i
}

func (fc *fnCompiler) load(e *ast.IndexExpr) value {
	ref, ok := fc.bufferOf(e.X)
	idx := fc.index(e.Index)
	if !ok || idx == nil {
		return value{}
	}
	fc.markRead(ref)
	return bufferLoad(ref, e.Lbrack, idx)
}

func outOfBounds(pos token.Pos, name string, i int64, n int) {
	raise(pos, errors.Wrapf(ErrOutOfBounds, "%s[%d] with length %d", name, i, n))
}

func bufferLoad(ref *bufRef, pos token.Pos, idx func(*frame) int64) value {
	k, name := ref.slot, ref.name
	t := fromDataType(ref.dtype)
	switch ref.dtype {
	case buffer.Float32:
		return value{t: t, f: func(f *frame) float64 {
			s, i := f.f32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			return float64(s[i])
		}}
	case buffer.Float64:
		return value{t: t, f: func(f *frame) float64 {
			s, i := f.f64[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			return s[i]
		}}
	case buffer.Int32:
		return value{t: t, i: func(f *frame) int64 {
			s, i := f.i32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			return int64(s[i])
		}}
	case buffer.Uint32:
		return value{t: t, i: func(f *frame) int64 {
			s, i := f.u32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			return int64(s[i])
		}}
	}
	return value{t: t, i: func(f *frame) int64 {
		s, i := f.i64[k], idx(f)
		if uint64(i) >= uint64(len(s)) {
			outOfBounds(pos, name, i, len(s))
		}
		return s[i]
	}}
}

// bufferStore returns a closure writing v, already converted to the element
// type, into the buffer.
func bufferStore(ref *bufRef, pos token.Pos, idx func(*frame) int64, v value) func(*frame) {
	k, name := ref.slot, ref.name
	switch ref.dtype {
	case buffer.Float32:
		fl := v.f
		return func(f *frame) {
			s, i := f.f32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			s[i] = float32(fl(f))
		}
	case buffer.Float64:
		fl := v.f
		return func(f *frame) {
			s, i := f.f64[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			s[i] = fl(f)
		}
	case buffer.Int32:
		in := v.i
		return func(f *frame) {
			s, i := f.i32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			s[i] = int32(in(f))
		}
	case buffer.Uint32:
		in := v.i
		return func(f *frame) {
			s, i := f.u32[k], idx(f)
			if uint64(i) >= uint64(len(s)) {
				outOfBounds(pos, name, i, len(s))
			}
			s[i] = uint32(in(f))
		}
	}
	in := v.i
	return func(f *frame) {
		s, i := f.i64[k], idx(f)
		if uint64(i) >= uint64(len(s)) {
			outOfBounds(pos, name, i, len(s))
		}
		s[i] = in(f)
	}
}

func bufferLen(ref *bufRef) value {
	k := ref.slot
	var fn func(f *frame) int64
	switch ref.dtype {
	case buffer.Float32:
		fn = func(f *frame) int64 { return int64(len(f.f32[k])) }
	case buffer.Float64:
		fn = func(f *frame) int64 { return int64(len(f.f64[k])) }
	case buffer.Int32:
		fn = func(f *frame) int64 { return int64(len(f.i32[k])) }
	case buffer.Uint32:
		fn = func(f *frame) int64 { return int64(len(f.u32[k])) }
	default:
		fn = func(f *frame) int64 { return int64(len(f.i64[k])) }
	}
	return value{t: tInt, i: fn}
}

// lvalue is an assignable location.
type lvalue struct {
	t typ
	// prep evaluates index operands once, before the right-hand side.
	prep    func(*frame)
	current value
	assign  func(v value) func(*frame)
}

func (fc *fnCompiler) lvalue(e ast.Expr, readModify bool) (lvalue, bool) {
	switch e := e.(type) {
	case *ast.ParenExpr:
		return fc.lvalue(e.X, readModify)
	case *ast.Ident:
		if e.Name == "_" {
			if readModify {
				return lvalue{}, fc.errs.Appendf(e, "cannot use _ as value")
			}
			return lvalue{assign: func(v value) func(*frame) { return discard(v) }}, true
		}
		sym := fc.lookup(e.Name)
		switch {
		case sym == nil:
			return lvalue{}, fc.errs.Appendf(e, "undefined: %s", e.Name)
		case sym.kind == symConst:
			return lvalue{}, fc.errs.Appendf(e, "cannot assign to %s (constant)", e.Name)
		case sym.kind == symBuffer:
			return lvalue{}, fc.errs.Appendf(e, "cannot assign to buffer %s", e.Name)
		}
		slot, t := sym.slot, sym.t
		return lvalue{
			t:       t,
			current: fc.localValue(slot, t),
			assign: func(v value) func(*frame) {
				return fc.setLocal(e, slot, t, v)
			},
		}, true
	case *ast.IndexExpr:
		ref, ok := fc.bufferOf(e.X)
		idx := fc.index(e.Index)
		if !ok || idx == nil {
			return lvalue{}, false
		}
		fc.markWrite(ref)
		if readModify {
			fc.markRead(ref)
		}
		tmp := fc.lay.alloc(tInt)
		at := func(f *frame) int64 { return f.ints[tmp] }
		t := fromDataType(ref.dtype)
		return lvalue{
			t:       t,
			prep:    func(f *frame) { f.ints[tmp] = idx(f) },
			current: bufferLoad(ref, e.Lbrack, at),
			assign: func(v value) func(*frame) {
				v = fc.assignable(e, v, t)
				if !v.ok() {
					return nil
				}
				return bufferStore(ref, e.Lbrack, at, v)
			},
		}, true
	}
	return lvalue{}, fc.errs.Appendf(e, "cannot assign to %s", exprString(e))
}

func discard(v value) func(*frame) {
	switch {
	case !v.ok():
		return nil
	case v.t == tBool:
		b := v.b
		return func(f *frame) { b(f) }
	case v.t.usesInts():
		i := v.i
		return func(f *frame) { i(f) }
	}
	fl := v.f
	return func(f *frame) { fl(f) }
}

func (fc *fnCompiler) call(e *ast.CallExpr) value {
	id, ok := e.Fun.(*ast.Ident)
	if !ok {
		fc.errs.Appendf(e.Fun, "cannot call %s", exprString(e.Fun))
		return value{}
	}
	if e.Ellipsis.IsValid() {
		fc.errs.Appendf(e, "variadic calls are not supported")
		return value{}
	}
	name := id.Name
	if sym := fc.lookup(name); sym != nil {
		fc.errs.Appendf(id, "cannot call non-function %s", name)
		return value{}
	}
	if t, isType := typeNames[name]; isType {
		if len(e.Args) != 1 {
			fc.errs.Appendf(e, "conversion to %s takes exactly one argument", t)
			return value{}
		}
		v := fc.expr(e.Args[0])
		if !v.ok() {
			return v
		}
		if (v.t == tBool) != (t == tBool) {
			fc.errs.Appendf(e, "cannot convert %s to %s", v.t, t)
			return value{}
		}
		return fc.convert(e, v, t)
	}
	if name == "len" {
		if len(e.Args) != 1 {
			fc.errs.Appendf(e, "len takes exactly one argument")
			return value{}
		}
		ref, ok := fc.bufferOf(e.Args[0])
		if !ok {
			return value{}
		}
		return bufferLen(ref)
	}
	if h, ok := fc.helpers[name]; ok {
		return fc.inlineCall(e, h)
	}
	if _, ok := fc.entries[name]; ok {
		fc.errs.Appendf(id, "cannot call kernel %s", name)
		return value{}
	}
	b, ok := builtins[name]
	if !ok {
		fc.errs.Appendf(id, "undefined: %s", name)
		return value{}
	}
	args := make([]value, len(e.Args))
	valid := true
	for i, arg := range e.Args {
		args[i] = fc.expr(arg)
		valid = valid && args[i].ok()
	}
	if !valid {
		return value{}
	}
	return b(fc, e, args)
}

func (fc *fnCompiler) inlineCall(e *ast.CallExpr, h *helper) value {
	name := h.decl.Name.Name
	for _, fr := range fc.inline {
		if fr.name == name {
			fc.errs.Appendf(e, "recursive call to %s is not supported", name)
			return value{}
		}
	}
	if len(e.Args) != len(h.params) {
		fc.errs.Appendf(e, "%s expects %d arguments, got %d", name, len(h.params), len(e.Args))
		return value{}
	}

	bind := make(scope)
	var sets []func(*frame)
	valid := true
	for i, p := range h.params {
		arg := e.Args[i]
		if p.buffer {
			ref, ok := fc.bufferOf(arg)
			if !ok {
				valid = false
				continue
			}
			if ref.dtype != p.dtype {
				fc.errs.Appendf(arg, "cannot use %s buffer %s as []%s", ref.dtype, ref.name, p.dtype)
				valid = false
				continue
			}
			bind[p.name.Name] = &symbol{kind: symBuffer, t: p.t, buf: ref}
			continue
		}
		slot := fc.lay.alloc(p.t)
		set := fc.setLocal(arg, slot, p.t, fc.expr(arg))
		if set == nil {
			valid = false
			continue
		}
		sets = append(sets, set)
		bind[p.name.Name] = &symbol{kind: symLocal, t: p.t, slot: slot}
	}
	if !valid {
		return value{}
	}

	body, res := fc.inlineBody(h, bind)
	run := func(f *frame) {
		for _, set := range sets {
			set(f)
		}
		body(f)
	}
	t := h.result
	switch {
	case t == tBool:
		return value{t: t, b: func(f *frame) bool { run(f); return f.ints[res] != 0 }}
	case t.usesInts():
		return value{t: t, i: func(f *frame) int64 { run(f); return f.ints[res] }}
	}
	return value{t: t, f: func(f *frame) float64 { run(f); return f.floats[res] }}
}

// inlineBody compiles the body of h against bind, its parameter scope. It
// returns the body and the slot its return statements store the result in.
func (fc *fnCompiler) inlineBody(h *helper, bind scope) (stmtFn, int) {
	savedScopes, savedLoops := fc.scopes, fc.loops
	fc.scopes, fc.loops = []scope{bind}, 0
	res := fc.lay.alloc(h.result)
	fc.inline = append(fc.inline, &inlineFrame{name: h.decl.Name.Name, result: h.result, slot: res})

	body := fc.stmts(h.decl.Body.List)

	fc.inline = fc.inline[:len(fc.inline)-1]
	fc.scopes, fc.loops = savedScopes, savedLoops
	return body, res
}
