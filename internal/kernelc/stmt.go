package kernelc

import (
	"go/ast"
	"go/token"
)

// ctl is the control flow outcome of a statement.
type ctl uint8

const (
	ctlNone ctl = iota
	ctlBreak
	ctlContinue
	ctlReturn
)

type stmtFn func(*frame) ctl

func nop(*frame) ctl { return ctlNone }

var assignOps = map[token.Token]token.Token{
	token.ADD_ASSIGN:     token.ADD,
	token.SUB_ASSIGN:     token.SUB,
	token.MUL_ASSIGN:     token.MUL,
	token.QUO_ASSIGN:     token.QUO,
	token.REM_ASSIGN:     token.REM,
	token.AND_ASSIGN:     token.AND,
	token.OR_ASSIGN:      token.OR,
	token.XOR_ASSIGN:     token.XOR,
	token.SHL_ASSIGN:     token.SHL,
	token.SHR_ASSIGN:     token.SHR,
	token.AND_NOT_ASSIGN: token.AND_NOT,
}

// stmts compiles a statement list in the current scope.
func (fc *fnCompiler) stmts(list []ast.Stmt) stmtFn {
	fns := make([]stmtFn, 0, len(list))
	for _, s := range list {
		if fn := fc.stmt(s); fn != nil {
			fns = append(fns, fn)
		}
	}
	switch len(fns) {
	case 0:
		return nop
	case 1:
		return fns[0]
	}
	return func(f *frame) ctl {
		for _, fn := range fns {
			if c := fn(f); c != ctlNone {
				return c
			}
		}
		return ctlNone
	}
}

func (fc *fnCompiler) block(b *ast.BlockStmt) stmtFn {
	fc.push()
	defer fc.pop()
	return fc.stmts(b.List)
}

func (fc *fnCompiler) stmt(s ast.Stmt) stmtFn {
	switch s := s.(type) {
	case *ast.BlockStmt:
		return fc.block(s)
	case *ast.EmptyStmt:
		return nil
	case *ast.ExprStmt:
		return fc.exprStmt(s)
	case *ast.AssignStmt:
		return fc.assignStmt(s)
	case *ast.IncDecStmt:
		return fc.incDec(s)
	case *ast.DeclStmt:
		return fc.declStmt(s)
	case *ast.IfStmt:
		return fc.ifStmt(s)
	case *ast.ForStmt:
		return fc.forStmt(s)
	case *ast.RangeStmt:
		return fc.rangeStmt(s)
	case *ast.BranchStmt:
		return fc.branch(s)
	case *ast.ReturnStmt:
		return fc.returnStmt(s)
	}
	fc.errs.Appendf(s, "unsupported statement")
	return nil
}

func wrap(set func(*frame)) stmtFn {
	if set == nil {
		return nil
	}
	return func(f *frame) ctl {
		set(f)
		return ctlNone
	}
}

func (fc *fnCompiler) exprStmt(s *ast.ExprStmt) stmtFn {
	if _, ok := s.X.(*ast.CallExpr); !ok {
		fc.errs.Appendf(s, "%s is not used", exprString(s.X))
		return nil
	}
	return wrap(discard(fc.expr(s.X)))
}

func (fc *fnCompiler) assignStmt(s *ast.AssignStmt) stmtFn {
	switch s.Tok {
	case token.DEFINE:
		return fc.define(s)
	case token.ASSIGN:
		if len(s.Lhs) != len(s.Rhs) {
			fc.errs.Appendf(s, "assignment mismatch: %d variables but %d values", len(s.Lhs), len(s.Rhs))
			return nil
		}
		lvs := make([]lvalue, len(s.Lhs))
		vals := make([]value, len(s.Rhs))
		valid := true
		for i := range s.Lhs {
			var ok bool
			lvs[i], ok = fc.lvalue(s.Lhs[i], false)
			vals[i] = fc.expr(s.Rhs[i])
			valid = valid && ok && vals[i].ok()
		}
		if !valid {
			return nil
		}
		return fc.assignPairs(s, lvs, vals)
	}

	op, ok := assignOps[s.Tok]
	if !ok || len(s.Lhs) != 1 || len(s.Rhs) != 1 {
		fc.errs.Appendf(s, "unsupported assignment %s", s.Tok)
		return nil
	}
	lv, ok := fc.lvalue(s.Lhs[0], true)
	rhs := fc.expr(s.Rhs[0])
	if !ok || !rhs.ok() {
		return nil
	}
	return fc.update(s, lv, op, rhs)
}

func (fc *fnCompiler) incDec(s *ast.IncDecStmt) stmtFn {
	lv, ok := fc.lvalue(s.X, true)
	if !ok {
		return nil
	}
	op := token.ADD
	if s.Tok == token.DEC {
		op = token.SUB
	}
	return fc.update(s, lv, op, constInt(tUntypedInt, 1))
}

// update compiles lv = lv op rhs with the location evaluated once.
func (fc *fnCompiler) update(node ast.Node, lv lvalue, op token.Token, rhs value) stmtFn {
	set := lv.assign(fc.binop(node, op, lv.current, rhs))
	if set == nil {
		return nil
	}
	prep := lv.prep
	if prep == nil {
		return wrap(set)
	}
	return func(f *frame) ctl {
		prep(f)
		set(f)
		return ctlNone
	}
}

// assignPairs assigns vals to lvs. With several pairs every value is computed
// before any location is written, so a, b = b, a swaps.
func (fc *fnCompiler) assignPairs(node ast.Node, lvs []lvalue, vals []value) stmtFn {
	var preps, sets []func(*frame)
	for _, lv := range lvs {
		if lv.prep != nil {
			preps = append(preps, lv.prep)
		}
	}
	if len(lvs) == 1 {
		set := lvs[0].assign(vals[0])
		if set == nil {
			return nil
		}
		sets = append(sets, set)
	} else {
		var finals []func(*frame)
		for i, lv := range lvs {
			t := vals[i].t.typed()
			slot := fc.lay.alloc(t)
			tmp := fc.setLocal(node, slot, t, vals[i])
			final := lv.assign(fc.localValue(slot, t))
			if tmp == nil || final == nil {
				return nil
			}
			sets = append(sets, tmp)
			finals = append(finals, final)
		}
		sets = append(sets, finals...)
	}
	all := append(preps, sets...)
	return func(f *frame) ctl {
		for _, fn := range all {
			fn(f)
		}
		return ctlNone
	}
}

func (fc *fnCompiler) define(s *ast.AssignStmt) stmtFn {
	if len(s.Lhs) != len(s.Rhs) {
		fc.errs.Appendf(s, "assignment mismatch: %d variables but %d values", len(s.Lhs), len(s.Rhs))
		return nil
	}
	vals := make([]value, len(s.Rhs))
	valid := true
	for i, rhs := range s.Rhs {
		vals[i] = fc.expr(rhs)
		valid = valid && vals[i].ok()
	}

	top := fc.scopes[len(fc.scopes)-1]
	lvs := make([]lvalue, len(s.Lhs))
	fresh := false
	type pending struct {
		id  *ast.Ident
		sym *symbol
	}
	var decls []pending
	for i, lhs := range s.Lhs {
		id, ok := lhs.(*ast.Ident)
		if !ok {
			fc.errs.Appendf(lhs, "non-name %s on left side of :=", exprString(lhs))
			valid = false
			continue
		}
		if id.Name == "_" {
			lvs[i], _ = fc.lvalue(id, false)
			continue
		}
		if sym, exists := top[id.Name]; exists {
			if sym.kind != symLocal {
				fc.errs.Appendf(id, "cannot assign to %s", id.Name)
				valid = false
				continue
			}
			lvs[i], _ = fc.lvalue(id, false)
			continue
		}
		fresh = true
		if !vals[i].ok() {
			continue
		}
		t := vals[i].t.typed()
		slot := fc.lay.alloc(t)
		decls = append(decls, pending{id: id, sym: &symbol{kind: symLocal, t: t, slot: slot}})
		lvs[i] = lvalue{
			t: t,
			assign: func(v value) func(*frame) {
				return fc.setLocal(id, slot, t, v)
			},
		}
	}
	if !fresh {
		fc.errs.Appendf(s, "no new variables on left side of :=")
	}
	// New names are visible only after the statement.
	for _, d := range decls {
		fc.declare(d.id, d.sym)
	}
	if !valid || !fresh {
		return nil
	}
	return fc.assignPairs(s, lvs, vals)
}

func (fc *fnCompiler) declStmt(s *ast.DeclStmt) stmtFn {
	gen, ok := s.Decl.(*ast.GenDecl)
	if !ok {
		fc.errs.Appendf(s, "unsupported declaration")
		return nil
	}
	switch gen.Tok {
	case token.CONST:
		fc.constSpecs(gen, fc.declare)
		return nil
	case token.VAR:
	default:
		fc.errs.Appendf(s, "%s declarations are not supported in functions", gen.Tok)
		return nil
	}

	var sets []func(*frame)
	for _, spec := range gen.Specs {
		vs := spec.(*ast.ValueSpec)
		declared := tInvalid
		if vs.Type != nil {
			t, ok := fc.scalarType(vs.Type)
			if !ok {
				fc.errs.Appendf(vs.Type, "unsupported variable type %s", exprString(vs.Type))
				continue
			}
			declared = t
		}
		if len(vs.Values) != 0 && len(vs.Values) != len(vs.Names) {
			fc.errs.Appendf(vs, "assignment mismatch: %d variables but %d values", len(vs.Names), len(vs.Values))
			continue
		}
		vals := make([]value, len(vs.Names))
		for i := range vs.Names {
			switch {
			case len(vs.Values) > 0:
				vals[i] = fc.expr(vs.Values[i])
			case declared == tBool:
				vals[i] = constBool(false)
			case declared.isFloat():
				vals[i] = constFloat(declared, 0)
			case declared != tInvalid:
				vals[i] = constInt(declared, 0)
			}
		}
		for i, name := range vs.Names {
			if !vals[i].ok() {
				continue
			}
			t := declared
			if t == tInvalid {
				t = vals[i].t.typed()
			}
			slot := fc.lay.alloc(t)
			if set := fc.setLocal(name, slot, t, vals[i]); set != nil {
				sets = append(sets, set)
			}
			fc.declare(name, &symbol{kind: symLocal, t: t, slot: slot})
		}
	}
	return func(f *frame) ctl {
		for _, set := range sets {
			set(f)
		}
		return ctlNone
	}
}

func (fc *fnCompiler) condition(e ast.Expr, what string) func(*frame) bool {
	v := fc.expr(e)
	if !v.ok() {
		return nil
	}
	if v.t != tBool {
		fc.errs.Appendf(e, "non-boolean condition in %s", what)
		return nil
	}
	return v.b
}

func (fc *fnCompiler) ifStmt(s *ast.IfStmt) stmtFn {
	fc.push()
	defer fc.pop()

	var init stmtFn
	if s.Init != nil {
		init = fc.stmt(s.Init)
	}
	cond := fc.condition(s.Cond, "if statement")
	then := fc.block(s.Body)
	var els stmtFn
	if s.Else != nil {
		els = fc.stmt(s.Else)
	}
	if cond == nil {
		return nil
	}
	return func(f *frame) ctl {
		if init != nil {
			init(f)
		}
		if cond(f) {
			return then(f)
		}
		if els != nil {
			return els(f)
		}
		return ctlNone
	}
}

func (fc *fnCompiler) forStmt(s *ast.ForStmt) stmtFn {
	fc.push()
	defer fc.pop()

	var init, post stmtFn
	if s.Init != nil {
		init = fc.stmt(s.Init)
	}
	var cond func(*frame) bool
	if s.Cond != nil {
		if cond = fc.condition(s.Cond, "for statement"); cond == nil {
			return nil
		}
	}
	if s.Post != nil {
		post = fc.stmt(s.Post)
	}
	fc.loops++
	body := fc.block(s.Body)
	fc.loops--

	return func(f *frame) ctl {
		if init != nil {
			init(f)
		}
		for cond == nil || cond(f) {
			f.tick()
			switch body(f) {
			case ctlBreak:
				return ctlNone
			case ctlReturn:
				return ctlReturn
			}
			if post != nil {
				post(f)
			}
		}
		return ctlNone
	}
}

// rangeStmt supports ranging over an integer count or over a buffer.
func (fc *fnCompiler) rangeStmt(s *ast.RangeStmt) stmtFn {
	fc.push()
	defer fc.pop()

	var count func(*frame) int64
	var ref *bufRef
	if id, ok := s.X.(*ast.Ident); ok {
		if sym := fc.lookup(id.Name); sym != nil && sym.kind == symBuffer {
			ref = sym.buf
			count = bufferLen(ref).i
		}
	}
	if ref == nil {
		n := fc.expr(s.X)
		if !n.ok() {
			return nil
		}
		if !n.t.isInt() {
			fc.errs.Appendf(s.X, "cannot range over %s", n.t)
			return nil
		}
		if s.Value != nil {
			fc.errs.Appendf(s.Value, "range over %s permits only one iteration variable", exprString(s.X))
			return nil
		}
		count = n.i
	}

	ctr := fc.lay.alloc(tInt)
	at := func(f *frame) int64 { return f.ints[ctr] }
	var sets []func(*frame)
	bindVar := func(e ast.Expr, v value) {
		if e == nil {
			return
		}
		if s.Tok == token.DEFINE {
			id, ok := e.(*ast.Ident)
			if !ok {
				fc.errs.Appendf(e, "non-name %s on left side of :=", exprString(e))
				return
			}
			if id.Name == "_" {
				return
			}
			t := v.t.typed()
			slot := fc.lay.alloc(t)
			if set := fc.setLocal(id, slot, t, v); set != nil {
				sets = append(sets, set)
			}
			fc.declare(id, &symbol{kind: symLocal, t: t, slot: slot})
			return
		}
		lv, ok := fc.lvalue(e, false)
		if !ok {
			return
		}
		if set := lv.assign(v); set != nil {
			if lv.prep != nil {
				sets = append(sets, lv.prep)
			}
			sets = append(sets, set)
		}
	}
	bindVar(s.Key, value{t: tInt, i: at})
	if s.Value != nil {
		fc.markRead(ref)
		bindVar(s.Value, bufferLoad(ref, s.Value.Pos(), at))
	}

	fc.loops++
	body := fc.block(s.Body)
	fc.loops--

	return func(f *frame) ctl {
		n := count(f)
		for i := int64(0); i < n; i++ {
			f.tick()
			f.ints[ctr] = i
			for _, set := range sets {
				set(f)
			}
			switch body(f) {
			case ctlBreak:
				return ctlNone
			case ctlReturn:
				return ctlReturn
			}
		}
		return ctlNone
	}
}

func (fc *fnCompiler) branch(s *ast.BranchStmt) stmtFn {
	if s.Label != nil {
		fc.errs.Appendf(s, "labels are not supported")
		return nil
	}
	switch s.Tok {
	case token.BREAK, token.CONTINUE:
		if fc.loops == 0 {
			fc.errs.Appendf(s, "%s is not in a loop", s.Tok)
			return nil
		}
		if s.Tok == token.BREAK {
			return func(*frame) ctl { return ctlBreak }
		}
		return func(*frame) ctl { return ctlContinue }
	}
	fc.errs.Appendf(s, "%s is not supported", s.Tok)
	return nil
}

func (fc *fnCompiler) returnStmt(s *ast.ReturnStmt) stmtFn {
	if len(fc.inline) == 0 {
		if len(s.Results) != 0 {
			fc.errs.Appendf(s, "too many return values: kernels return nothing")
			return nil
		}
		return func(*frame) ctl { return ctlReturn }
	}
	fr := fc.inline[len(fc.inline)-1]
	if len(s.Results) != 1 {
		fc.errs.Appendf(s, "%s returns exactly one value", fr.name)
		return nil
	}
	set := fc.setLocal(s.Results[0], fr.slot, fr.result, fc.expr(s.Results[0]))
	if set == nil {
		return nil
	}
	return func(f *frame) ctl {
		set(f)
		return ctlReturn
	}
}
