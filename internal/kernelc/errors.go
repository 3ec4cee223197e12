package kernelc

import (
	"context"
	"fmt"
	"go/ast"
	"go/scanner"
	"go/token"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfBounds is raised by a buffer access outside the bound buffer.
	ErrOutOfBounds = errors.New("index out of range")

	// ErrDivideByZero is raised by an integer division or remainder by zero.
	ErrDivideByZero = errors.New("integer divide by zero")

	// ErrNegativeShift is raised by a shift with a negative count.
	ErrNegativeShift = errors.New("negative shift amount")
)

// Diagnostic is a single problem found while compiling a program.
type Diagnostic struct {
	Pos token.Position
	Msg string
}

// String formats the diagnostic as file:line:col: message.
func (d Diagnostic) String() string {
	if !d.Pos.IsValid() {
		return d.Msg
	}
	return fmt.Sprintf("%s: %s", d.Pos, d.Msg)
}

// CompileError reports every diagnostic of a failed build.
type CompileError struct {
	Diagnostics []Diagnostic
}

// Error returns all diagnostics, one per line.
func (e *CompileError) Error() string {
	switch len(e.Diagnostics) {
	case 0:
		return "compile error"
	case 1:
		return "compile error: " + e.Diagnostics[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d compile errors:", len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		b.WriteString("\n\t")
		b.WriteString(d.String())
	}
	return b.String()
}

// RuntimeError is a fault raised by a work item while running an entry.
type RuntimeError struct {
	Entry    string
	GlobalID int
	Pos      token.Position
	Err      error
}

// Error describes the fault and the work item that raised it.
func (e *RuntimeError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: kernel %s: work item %d: %v", e.Pos, e.Entry, e.GlobalID, e.Err)
	}
	return fmt.Sprintf("kernel %s: work item %d: %v", e.Entry, e.GlobalID, e.Err)
}

// Unwrap returns the underlying fault.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// trap is the panic value used to abort a work item.
type trap struct {
	pos token.Pos
	err error
}

func raise(pos token.Pos, err error) {
	panic(trap{pos: pos, err: err})
}

func cancelled(ctx context.Context) {
	panic(trap{err: ctx.Err()})
}

// source maps positions of the parsed text back to the caller's text, which
// may lack the package clause prepended before parsing.
type source struct {
	fset  *token.FileSet
	shift int
}

func (s source) position(pos token.Pos) token.Position {
	if !pos.IsValid() {
		return token.Position{}
	}
	return s.adjust(s.fset.Position(pos))
}

func (s source) adjust(p token.Position) token.Position {
	if s.shift == 0 || !p.IsValid() {
		return p
	}
	p.Offset -= s.shift
	if p.Line == 1 {
		p.Column -= s.shift
	}
	return p
}

// diagnostics accumulates compile errors.
type diagnostics struct {
	src  source
	list []Diagnostic
	seen map[Diagnostic]bool
}

// Appendf appends an error at the position of node. It always returns false
// so callers can write `return c.errs.Appendf(...)` in boolean checks.
func (d *diagnostics) Appendf(node ast.Node, format string, a ...any) bool {
	var pos token.Pos
	if node != nil {
		pos = node.Pos()
	}
	d.add(Diagnostic{Pos: d.src.position(pos), Msg: errors.Errorf(format, a...).Error()})
	return false
}

func (d *diagnostics) add(diag Diagnostic) {
	if d.seen == nil {
		d.seen = make(map[Diagnostic]bool)
	}
	// Helpers are checked on their own and again at every call site.
	if d.seen[diag] {
		return
	}
	d.seen[diag] = true
	d.list = append(d.list, diag)
}

func (d *diagnostics) appendScanner(err error) {
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		d.add(Diagnostic{Msg: err.Error()})
		return
	}
	for _, e := range list {
		d.add(Diagnostic{Pos: d.src.adjust(e.Pos), Msg: e.Msg})
	}
}

func (d *diagnostics) Empty() bool {
	return len(d.list) == 0
}

func (d *diagnostics) toError() error {
	if d.Empty() {
		return nil
	}
	list := append([]Diagnostic(nil), d.list...)
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].Pos, list[j].Pos
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	return &CompileError{Diagnostics: list}
}
