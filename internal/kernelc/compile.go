package kernelc

import (
	"go/ast"
	"go/parser"
	"go/token"

	"github.com/born-ml/ndrange/internal/buffer"
)

const implicitPackage = "package kernels; "

// Compile parses and type checks src and returns its entry points. Every
// problem found is reported in a *CompileError.
func Compile(filename, src string) (*Program, error) {
	text, shift := src, 0
	clauseFset := token.NewFileSet()
	if _, err := parser.ParseFile(clauseFset, filename, src, parser.PackageClauseOnly); err != nil {
		text, shift = implicitPackage+src, len(implicitPackage)
	}

	fset := token.NewFileSet()
	c := &compiler{
		src:     source{fset: fset, shift: shift},
		consts:  make(scope),
		helpers: make(map[string]*helper),
		entries: make(map[string]*ast.FuncDecl),
	}
	c.errs = &diagnostics{src: c.src}

	file, err := parser.ParseFile(fset, filename, text, parser.SkipObjectResolution|parser.AllErrors)
	if err != nil {
		c.errs.appendScanner(err)
		return nil, c.errs.toError()
	}

	c.declare(file)
	prog := &Program{name: filename, src: c.src, entries: make(map[string]*Entry)}
	for _, h := range c.order {
		c.checkHelper(h)
	}
	for _, decl := range c.entryOrder {
		prog.entries[decl.Name.Name] = c.compileEntry(decl)
	}
	if err := c.errs.toError(); err != nil {
		return nil, err
	}
	return prog, nil
}

type compiler struct {
	src    source
	errs   *diagnostics
	consts scope

	helpers    map[string]*helper
	order      []*helper
	entries    map[string]*ast.FuncDecl
	entryOrder []*ast.FuncDecl
}

// helper is a function with one scalar result, inlined where it is called.
type helper struct {
	decl   *ast.FuncDecl
	params []paramSig
	result typ
}

type paramSig struct {
	name   *ast.Ident
	t      typ
	buffer bool
	dtype  buffer.DataType
}

func (c *compiler) declare(file *ast.File) {
	for _, imp := range file.Imports {
		c.errs.Appendf(imp, "imports are not supported: math functions are builtins")
	}
	// Constants first so functions may use them regardless of order.
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		c.constDecl(gen)
	}
	for _, decl := range file.Decls {
		switch decl := decl.(type) {
		case *ast.GenDecl:
			switch decl.Tok {
			case token.CONST, token.IMPORT:
			case token.VAR:
				c.errs.Appendf(decl, "package-level variables are not supported")
			default:
				c.errs.Appendf(decl, "%s declarations are not supported", decl.Tok)
			}
		case *ast.FuncDecl:
			c.funcDecl(decl)
		}
	}
}

func (c *compiler) funcDecl(decl *ast.FuncDecl) {
	name := decl.Name.Name
	switch {
	case decl.Recv != nil:
		c.errs.Appendf(decl, "methods are not supported")
		return
	case decl.Type.TypeParams != nil:
		c.errs.Appendf(decl, "generic functions are not supported")
		return
	case decl.Body == nil:
		c.errs.Appendf(decl, "function %s has no body", name)
		return
	case name == "_":
		return
	}
	if c.defined(name) {
		c.errs.Appendf(decl.Name, "%s redeclared", name)
		return
	}
	if _, isBuiltin := builtins[name]; isBuiltin || name == "len" || typeNames[name] != tInvalid {
		c.errs.Appendf(decl.Name, "%s shadows a builtin", name)
		return
	}

	params, ok := c.params(decl.Type.Params)
	results := decl.Type.Results
	if results == nil || results.NumFields() == 0 {
		for _, p := range params {
			if p.t == tBool {
				c.errs.Appendf(p.name, "kernel parameter %s: bool is not supported", p.name.Name)
			}
		}
		c.entries[name] = decl
		c.entryOrder = append(c.entryOrder, decl)
		return
	}
	if results.NumFields() != 1 {
		c.errs.Appendf(results, "function %s: helpers return exactly one value", name)
		return
	}
	res := results.List[0]
	t, isType := c.scalarType(res.Type)
	if !isType {
		c.errs.Appendf(res.Type, "function %s: result must be a scalar type", name)
		return
	}
	if !ok {
		return
	}
	h := &helper{decl: decl, params: params, result: t}
	c.helpers[name] = h
	c.order = append(c.order, h)
}

func (c *compiler) defined(name string) bool {
	if _, ok := c.entries[name]; ok {
		return true
	}
	if _, ok := c.helpers[name]; ok {
		return true
	}
	_, ok := c.consts[name]
	return ok
}

func (c *compiler) params(fields *ast.FieldList) ([]paramSig, bool) {
	ok := true
	var out []paramSig
	for _, field := range fields.List {
		sig, valid := c.paramType(field.Type)
		if !valid {
			ok = false
			continue
		}
		if len(field.Names) == 0 {
			c.errs.Appendf(field, "parameters must be named")
			ok = false
			continue
		}
		for _, name := range field.Names {
			sig.name = name
			out = append(out, sig)
		}
	}
	return out, ok
}

func (c *compiler) paramType(expr ast.Expr) (paramSig, bool) {
	if arr, ok := expr.(*ast.ArrayType); ok {
		if arr.Len != nil {
			return paramSig{}, c.errs.Appendf(expr, "arrays are not supported, use a slice")
		}
		t, ok := c.scalarType(arr.Elt)
		dt, hasDT := t.dataType()
		if !ok || !hasDT || t == tInt {
			return paramSig{}, c.errs.Appendf(arr.Elt, "unsupported buffer element type %s", exprString(arr.Elt))
		}
		return paramSig{buffer: true, dtype: dt, t: t}, true
	}
	t, ok := c.scalarType(expr)
	if !ok {
		return paramSig{}, c.errs.Appendf(expr, "unsupported parameter type %s", exprString(expr))
	}
	return paramSig{t: t}, true
}

func (c *compiler) scalarType(expr ast.Expr) (typ, bool) {
	id, ok := expr.(*ast.Ident)
	if !ok {
		return tInvalid, false
	}
	t, ok := typeNames[id.Name]
	return t, ok
}

func (c *compiler) constDecl(gen *ast.GenDecl) {
	c.newFn().constSpecs(gen, func(id *ast.Ident, sym *symbol) {
		if id.Name == "_" {
			return
		}
		if c.defined(id.Name) {
			c.errs.Appendf(id, "%s redeclared", id.Name)
			return
		}
		c.consts[id.Name] = sym
	})
}

// constSpecs evaluates the constants of gen and passes each to declare.
func (fc *fnCompiler) constSpecs(gen *ast.GenDecl, declare func(*ast.Ident, *symbol)) {
	for _, spec := range gen.Specs {
		vs := spec.(*ast.ValueSpec)
		if len(vs.Values) != len(vs.Names) {
			fc.errs.Appendf(vs, "constants must be initialized explicitly, one value per name")
			continue
		}
		declared := tInvalid
		if vs.Type != nil {
			t, ok := fc.scalarType(vs.Type)
			if !ok {
				fc.errs.Appendf(vs.Type, "unsupported constant type %s", exprString(vs.Type))
				continue
			}
			declared = t
		}
		for i, name := range vs.Names {
			v := fc.expr(vs.Values[i])
			if !v.ok() {
				continue
			}
			if !v.konst {
				fc.errs.Appendf(vs.Values[i], "%s is not constant", exprString(vs.Values[i]))
				continue
			}
			if declared != tInvalid {
				if v = fc.assignable(vs.Values[i], v, declared); !v.ok() {
					continue
				}
			}
			declare(name, &symbol{kind: symConst, t: v.t, val: v})
		}
	}
}

func (c *compiler) newFn() *fnCompiler {
	return &fnCompiler{compiler: c}
}

func (c *compiler) compileEntry(decl *ast.FuncDecl) *Entry {
	fc := c.newFn()
	fc.push()
	e := &Entry{name: decl.Name.Name, pos: c.src.position(decl.Pos()), src: c.src}

	sigs, _ := c.params(decl.Type.Params)
	for _, sig := range sigs {
		idx := len(fc.params)
		p := Param{Name: sig.name.Name, Buffer: sig.buffer}
		if sig.buffer {
			p.Type = sig.dtype
			ref := &bufRef{name: sig.name.Name, param: idx, dtype: sig.dtype, slot: fc.lay.allocBuffer(sig.dtype)}
			fc.declare(sig.name, &symbol{kind: symBuffer, t: sig.t, buf: ref})
			e.slots = append(e.slots, ref.slot)
		} else {
			p.Type, _ = sig.t.dataType()
			p.Reads = true
			slot := fc.lay.alloc(sig.t)
			fc.declare(sig.name, &symbol{kind: symLocal, t: sig.t, slot: slot})
			e.slots = append(e.slots, slot)
			e.scalars = append(e.scalars, scalarInit{param: idx, slot: slot, t: sig.t})
		}
		fc.params = append(fc.params, p)
	}

	e.body = fc.stmts(decl.Body.List)
	fc.pop()
	e.params = fc.params
	e.layout = fc.lay
	return e
}

// checkHelper compiles a helper on its own so problems in helpers nobody
// calls are still reported.
func (c *compiler) checkHelper(h *helper) {
	fc := c.newFn()
	bind := make(scope)
	for _, p := range h.params {
		if p.buffer {
			ref := &bufRef{name: p.name.Name, param: -1, dtype: p.dtype, slot: fc.lay.allocBuffer(p.dtype)}
			bind[p.name.Name] = &symbol{kind: symBuffer, t: p.t, buf: ref}
			continue
		}
		bind[p.name.Name] = &symbol{kind: symLocal, t: p.t, slot: fc.lay.alloc(p.t)}
	}
	fc.inlineBody(h, bind)
	if !terminates(h.decl.Body) {
		c.errs.Appendf(closing(h.decl.Body), "missing return in %s", h.decl.Name.Name)
	}
}

type closingBrace struct{ pos token.Pos }

func (b closingBrace) Pos() token.Pos { return b.pos }
func (b closingBrace) End() token.Pos { return b.pos + 1 }

func closing(block *ast.BlockStmt) ast.Node {
	return closingBrace{pos: block.Rbrace}
}

// terminates reports whether a statement list always ends in a return.
func terminates(stmt ast.Stmt) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStmt:
		return true
	case *ast.BlockStmt:
		return len(s.List) > 0 && terminates(s.List[len(s.List)-1])
	case *ast.IfStmt:
		return s.Else != nil && terminates(s.Body) && terminates(s.Else)
	case *ast.ForStmt:
		return s.Cond == nil && !hasBreak(s.Body)
	}
	return false
}

func hasBreak(body *ast.BlockStmt) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.ForStmt, *ast.RangeStmt, *ast.FuncLit:
			return false
		case *ast.BranchStmt:
			if n.Tok == token.BREAK {
				found = true
			}
		}
		return !found
	})
	return found
}
