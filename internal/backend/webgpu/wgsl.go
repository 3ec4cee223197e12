package webgpu

import (
	"fmt"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/kernelc"
)

// DefaultWorkgroupSize is the invocation limit WebGPU guarantees per
// workgroup.
const DefaultWorkgroupSize = 256

var (
	fnHeader  = regexp.MustCompile(`((?:@[A-Za-z_]\w*(?:\([^)]*\))?\s*)*)\bfn\s+([A-Za-z_]\w*)\s*\(`)
	attribute = regexp.MustCompile(`@([A-Za-z_]\w*)(?:\(([^)]*)\))?`)
	binding   = regexp.MustCompile(`((?:@[A-Za-z_]\w*\([^)]*\)\s*)+)var\s*<\s*(storage|uniform)\s*(?:,\s*(read|read_write)\s*)?>\s*([A-Za-z_]\w*)\s*:\s*([^;]+);`)
	ident     = regexp.MustCompile(`[A-Za-z_]\w*`)
)

// shader is the reflected interface of a WGSL module.
type shader struct {
	entries  map[string]*shaderEntry
	order    []string
	bindings []wgslBinding
}

type shaderEntry struct {
	name          string
	workgroupSize int
	params        []device.Param
	// bindings lists the binding index of each param.
	bindings []uint32
}

type wgslBinding struct {
	index   uint32
	name    string
	uniform bool
	access  string
	dtype   buffer.DataType
}

type wgslFunc struct {
	name   string
	body   string
	calls  map[string]bool
	idents map[string]bool
}

// reflectShader extracts entry points and bindings from WGSL source. It is not a
// WGSL compiler: it validates only what the device needs to bind arguments,
// and leaves the rest to shader module creation.
func reflectShader(filename, src string) (*shader, error) {
	text := stripComments(src)
	diags := &wgslDiagnostics{filename: filename, src: src}

	bindings := reflectBindings(text, diags)

	funcs := make(map[string]*wgslFunc)
	sh := &shader{entries: make(map[string]*shaderEntry), bindings: bindings}
	type pendingEntry struct {
		fn   *wgslFunc
		size int
	}
	var entries []pendingEntry

	for _, m := range fnHeader.FindAllStringSubmatchIndex(text, -1) {
		attrs := text[m[2]:m[3]]
		name := text[m[4]:m[5]]
		open := strings.IndexByte(text[m[1]:], '{')
		if open < 0 {
			diags.add(m[4], "function %s has no body", name)
			continue
		}
		start := m[1] + open
		end := matchBrace(text, start)
		if end < 0 {
			diags.add(start, "unterminated body of function %s", name)
			continue
		}
		fn := &wgslFunc{name: name, body: text[start+1 : end], calls: map[string]bool{}, idents: map[string]bool{}}
		for _, id := range ident.FindAllString(fn.body, -1) {
			fn.idents[id] = true
		}
		if _, dup := funcs[name]; dup {
			diags.add(m[4], "function %s redeclared", name)
			continue
		}
		funcs[name] = fn

		compute, size, ok := entryAttributes(attrs)
		switch {
		case !compute:
		case !ok:
			diags.add(m[4], "entry point %s: @workgroup_size must be a positive constant", name)
		default:
			entries = append(entries, pendingEntry{fn: fn, size: size})
		}
	}
	for _, fn := range funcs {
		for id := range fn.idents {
			if _, ok := funcs[id]; ok && id != fn.name {
				fn.calls[id] = true
			}
		}
	}

	for _, pe := range entries {
		used := usedIdents(pe.fn, funcs)
		e := &shaderEntry{name: pe.fn.name, workgroupSize: pe.size}
		for _, b := range bindings {
			if !used[b.name] {
				continue
			}
			p := device.Param{Name: b.name, Type: b.dtype, Reads: true}
			if !b.uniform {
				p.Buffer = true
				p.Writes = b.access == "read_write"
			}
			e.params = append(e.params, p)
			e.bindings = append(e.bindings, b.index)
		}
		sh.entries[e.name] = e
		sh.order = append(sh.order, e.name)
	}
	sort.Strings(sh.order)

	if err := diags.err(); err != nil {
		return nil, err
	}
	return sh, nil
}

func reflectBindings(text string, diags *wgslDiagnostics) []wgslBinding {
	var out []wgslBinding
	seen := make(map[uint32]string)
	for _, m := range binding.FindAllStringSubmatchIndex(text, -1) {
		attrs := text[m[2]:m[3]]
		space := text[m[4]:m[5]]
		access := "read"
		if m[6] >= 0 {
			access = text[m[6]:m[7]]
		}
		name := text[m[8]:m[9]]
		typ := strings.TrimSpace(text[m[10]:m[11]])

		group, index := -1, -1
		for _, a := range attribute.FindAllStringSubmatch(attrs, -1) {
			n, err := strconv.Atoi(strings.TrimSpace(a[2]))
			if err != nil {
				continue
			}
			switch a[1] {
			case "group":
				group = n
			case "binding":
				index = n
			}
		}
		if group != 0 || index < 0 {
			diags.add(m[8], "binding %s: only @group(0) with an explicit @binding is supported", name)
			continue
		}
		if other, dup := seen[uint32(index)]; dup {
			diags.add(m[8], "binding %d used by both %s and %s", index, other, name)
			continue
		}
		seen[uint32(index)] = name

		b := wgslBinding{index: uint32(index), name: name, uniform: space == "uniform", access: access}
		elem := typ
		if !b.uniform {
			inner, ok := strings.CutPrefix(typ, "array<")
			if !ok || !strings.HasSuffix(inner, ">") {
				diags.add(m[10], "storage binding %s: type %s is not a runtime-sized array", name, typ)
				continue
			}
			elem = strings.TrimSpace(strings.TrimSuffix(inner, ">"))
		}
		dt, ok := scalarType(elem)
		if !ok {
			diags.add(m[10], "binding %s: unsupported element type %s", name, elem)
			continue
		}
		b.dtype = dt
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func scalarType(s string) (buffer.DataType, bool) {
	switch s {
	case "f32":
		return buffer.Float32, true
	case "i32":
		return buffer.Int32, true
	case "u32":
		return buffer.Uint32, true
	}
	return 0, false
}

// entryAttributes reports whether attrs mark a compute entry and its
// workgroup size. Only the x dimension may exceed 1.
func entryAttributes(attrs string) (compute bool, size int, ok bool) {
	size = 1
	ok = true
	sawSize := false
	for _, a := range attribute.FindAllStringSubmatch(attrs, -1) {
		switch a[1] {
		case "compute":
			compute = true
		case "workgroup_size":
			sawSize = true
			dims := strings.Split(a[2], ",")
			for i, d := range dims {
				n, err := strconv.Atoi(strings.TrimSpace(d))
				if err != nil || n < 1 || (i > 0 && n != 1) {
					ok = false
					break
				}
				if i == 0 {
					size = n
				}
			}
		}
	}
	return compute, size, ok && (sawSize || !compute)
}

// usedIdents returns every identifier reachable from fn through calls.
func usedIdents(fn *wgslFunc, funcs map[string]*wgslFunc) map[string]bool {
	used := make(map[string]bool)
	visited := map[string]bool{fn.name: true}
	stack := []*wgslFunc{fn}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for id := range f.idents {
			used[id] = true
		}
		for callee := range f.calls {
			if !visited[callee] {
				visited[callee] = true
				stack = append(stack, funcs[callee])
			}
		}
	}
	return used
}

// matchBrace returns the offset of the brace closing the one at open.
func matchBrace(text string, open int) int {
	depth := 0
	for i := open; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripComments blanks out comments, keeping offsets and line breaks.
func stripComments(src string) string {
	b := []byte(src)
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '/':
			for ; i < len(b) && b[i] != '\n'; i++ {
				b[i] = ' '
			}
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			depth := 0
			for ; i < len(b); i++ {
				if b[i] == '/' && i+1 < len(b) && b[i+1] == '*' {
					depth++
					b[i], b[i+1] = ' ', ' '
					i++
					continue
				}
				if b[i] == '*' && i+1 < len(b) && b[i+1] == '/' {
					depth--
					b[i], b[i+1] = ' ', ' '
					i++
					if depth == 0 {
						break
					}
					continue
				}
				if b[i] != '\n' {
					b[i] = ' '
				}
			}
		}
	}
	return string(b)
}

// wgslDiagnostics collects reflection errors as kernelc diagnostics so both
// devices report build failures the same way.
type wgslDiagnostics struct {
	filename string
	src      string
	list     []kernelc.Diagnostic
}

func (d *wgslDiagnostics) add(offset int, format string, a ...any) {
	d.list = append(d.list, kernelc.Diagnostic{Pos: d.position(offset), Msg: fmt.Sprintf(format, a...)})
}

func (d *wgslDiagnostics) position(offset int) token.Position {
	line, col := 1, 1
	for i := 0; i < offset && i < len(d.src); i++ {
		if d.src[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return token.Position{Filename: d.filename, Offset: offset, Line: line, Column: col}
}

func (d *wgslDiagnostics) err() error {
	if len(d.list) == 0 {
		return nil
	}
	sort.SliceStable(d.list, func(i, j int) bool { return d.list[i].Pos.Offset < d.list[j].Pos.Offset })
	return &kernelc.CompileError{Diagnostics: d.list}
}
