package kernelc

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/workspace"
)

// alloc returns device-style memory holding data and a typed view over it.
func alloc[T buffer.Element](data ...T) ([]byte, []T) {
	raw := make([]byte, len(data)*buffer.TypeOf[T]().Size())
	view := buffer.View[T](raw)
	copy(view, data)
	return raw, view
}

func compile(t *testing.T, src string) *Program {
	t.Helper()
	prog, err := Compile("test.kern", src)
	require.NoError(t, err)
	return prog
}

func entry(t *testing.T, prog *Program, name string) *Entry {
	t.Helper()
	e, ok := prog.Entry(name)
	require.True(t, ok, "entry %s", name)
	return e
}

// launch runs every work item of ws in order on one invocation.
func launch(ctx context.Context, e *Entry, ws workspace.WorkSpace, args ...Arg) error {
	inv, err := e.NewInvocation(ctx, args)
	if err != nil {
		return err
	}
	for g := range ws.NumGroups() {
		var runErr error
		ws.Group(g, func(it workspace.Item) {
			if runErr == nil {
				runErr = inv.Run(it)
			}
		})
		if runErr != nil {
			return runErr
		}
	}
	return nil
}

func domain(t *testing.T, total, group int) workspace.WorkSpace {
	t.Helper()
	ws, err := workspace.New(total, group)
	require.NoError(t, err)
	return ws
}

const roundSource = `
func mod_round(input []float32, rint_out, round_out, ceil_out, floor_out []float32) {
	i := get_global_id(0)
	x := input[i]
	rint_out[i] = rint(x)
	round_out[i] = round(x)
	ceil_out[i] = ceil(x)
	floor_out[i] = floor(x)
}
`

func TestRounding(t *testing.T) {
	e := entry(t, compile(t, roundSource), "mod_round")

	in, _ := alloc[float32](-6.5, -3.5, 3.5, 6.5)
	rintMem, rint := alloc(make([]float32, 4)...)
	roundMem, round := alloc(make([]float32, 4)...)
	ceilMem, ceil := alloc(make([]float32, 4)...)
	floorMem, floor := alloc(make([]float32, 4)...)

	err := launch(context.Background(), e, domain(t, 4, 4),
		Arg{Mem: in}, Arg{Mem: rintMem}, Arg{Mem: roundMem}, Arg{Mem: ceilMem}, Arg{Mem: floorMem})
	require.NoError(t, err)

	assert.Equal(t, []float32{-6, -4, 4, 6}, rint)
	assert.Equal(t, []float32{-7, -4, 4, 7}, round)
	assert.Equal(t, []float32{-6, -3, 4, 7}, ceil)
	assert.Equal(t, []float32{-7, -4, 3, 6}, floor)
}

func TestWorkItemBuiltins(t *testing.T) {
	prog := compile(t, `package items

func items(global, local, group, gsize, lsize, ngroups []int32) {
	i := get_global_id(0)
	global[i] = int32(i)
	local[i] = int32(get_local_id(0))
	group[i] = int32(get_group_id(0))
	gsize[i] = int32(get_global_size(0))
	lsize[i] = int32(get_local_size(0))
	ngroups[i] = int32(get_num_groups(0) + get_global_size(1) - 1 + get_global_id(2))
}
`)
	e := entry(t, prog, "items")

	mems := make([]Arg, 6)
	views := make([][]int32, 6)
	for i := range mems {
		mems[i].Mem, views[i] = alloc(make([]int32, 8)...)
	}
	require.NoError(t, launch(context.Background(), e, domain(t, 8, 4), mems...))

	global, local, group, gsize, lsize, ngroups := views[0], views[1], views[2], views[3], views[4], views[5]
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, global)
	assert.Equal(t, []int32{0, 1, 2, 3, 0, 1, 2, 3}, local)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 1, 1}, group)

	// Item 5 of 8 with groups of 4.
	assert.Equal(t, int32(1), group[5])
	assert.Equal(t, int32(1), local[5])
	assert.Equal(t, int32(8), gsize[5])
	assert.Equal(t, int32(4), lsize[5])
	assert.Equal(t, int32(2), ngroups[5])
}

func TestEntryPointsAndParams(t *testing.T) {
	prog := compile(t, `
const scale = 2.5

func axpy(x []float32, y []float32, a float32, n int) {
	i := get_global_id(0)
	if i < n {
		y[i] += a * x[i]
	}
}

func clear(out []float64, unused []int64) {
	out[get_global_id(0)] = 0
}

func square(x float64) float64 {
	return x * x
}

func apply(data []float64) {
	i := get_global_id(0)
	data[i] = square(data[i]) * scale
}
`)
	assert.Equal(t, []string{"apply", "axpy", "clear"}, prog.EntryPoints())
	_, ok := prog.Entry("square")
	assert.False(t, ok, "helpers are not entry points")

	want := []Param{
		{Name: "x", Buffer: true, Type: buffer.Float32, Reads: true},
		{Name: "y", Buffer: true, Type: buffer.Float32, Reads: true, Writes: true},
		{Name: "a", Type: buffer.Float32, Reads: true},
		{Name: "n", Type: buffer.Int64, Reads: true},
	}
	if diff := cmp.Diff(want, entry(t, prog, "axpy").Params()); diff != "" {
		t.Errorf("axpy params (-want +got):\n%s", diff)
	}
	want = []Param{
		{Name: "out", Buffer: true, Type: buffer.Float64, Writes: true},
		{Name: "unused", Buffer: true, Type: buffer.Int64},
	}
	if diff := cmp.Diff(want, entry(t, prog, "clear").Params()); diff != "" {
		t.Errorf("clear params (-want +got):\n%s", diff)
	}

	mem, data := alloc(1.0, 2.0, 3.0)
	require.NoError(t, launch(context.Background(), entry(t, prog, "apply"), domain(t, 3, 1), Arg{Mem: mem}))
	assert.Equal(t, []float64{2.5, 10, 22.5}, data)
}

func TestCompile_Idempotent(t *testing.T) {
	a := compile(t, roundSource)
	b := compile(t, roundSource)
	assert.Equal(t, a.EntryPoints(), b.EntryPoints())
	if diff := cmp.Diff(entry(t, a, "mod_round").Params(), entry(t, b, "mod_round").Params()); diff != "" {
		t.Errorf("params differ between builds:\n%s", diff)
	}
}

func TestScalarArguments(t *testing.T) {
	prog := compile(t, `
func axpy(x []float32, y []float32, a float32, n int) {
	i := get_global_id(0)
	if i < n {
		y[i] += a * x[i]
	}
}
`)
	x, _ := alloc[float32](1, 2, 3, 4)
	yMem, y := alloc[float32](10, 10, 10, 10)
	err := launch(context.Background(), entry(t, prog, "axpy"), domain(t, 4, 2),
		Arg{Mem: x}, Arg{Mem: yMem}, Arg{Float: 0.5}, Arg{Int: 3})
	require.NoError(t, err)
	assert.Equal(t, []float32{10.5, 11, 11.5, 10}, y)
}

func TestControlFlow(t *testing.T) {
	prog := compile(t, `
func sumTo(n int) int {
	total := 0
	for i := 1; i <= n; i++ {
		if i%2 == 0 {
			continue
		}
		total += i
	}
	return total
}

func firstAbove(data []int32, limit int32) int {
	for i, v := range data {
		if v > limit {
			return i
		}
	}
	return -1
}

func flow(data []int32, out []int64) {
	out[0] = sumTo(10)
	out[1] = firstAbove(data, 4)
	out[2] = firstAbove(data, 100)

	a, b := 1, 2
	a, b = b, a
	out[3] = a*10 + b

	var n int64
	for range 5 {
		n++
	}
	for {
		n *= 2
		if n > 40 {
			break
		}
	}
	out[4] = n

	switched := false
	if x := len(data); x == 5 && !switched {
		switched = true
	} else {
		out[5] = -1
	}
	if switched {
		out[5] = 1
	}
	out[6] = min(max(int64(data[0]), 2), 3) + clamp(9, 0, 5)
}
`)
	data, _ := alloc[int32](1, 3, 5, 7, 9)
	outMem, out := alloc(make([]int64, 7)...)
	require.NoError(t, launch(context.Background(), entry(t, prog, "flow"), domain(t, 1, 1), Arg{Mem: data}, Arg{Mem: outMem}))
	assert.Equal(t, []int64{25, 2, -1, 21, 80, 1, 7}, out)
}

func TestNumericSemantics(t *testing.T) {
	prog := compile(t, `
func numeric(i32 []int32, u32 []uint32, f32 []float32, f64 []float64) {
	var x int32 = 2147483647
	x++
	i32[0] = x
	i32[1] = int32(7 / 2)
	i32[2] = int32(-7 % 3)

	var u uint32
	u--
	u32[0] = u
	u32[1] = uint32(1) << 31

	f32[0] = float32(1) / 3
	f64[0] = float64(float32(1) / 3)
	f64[1] = 7 / 2.0
	f64[2] = float64(int32(2.9))
	f64[3] = fmod(7.5, 2)
}
`)
	i32Mem, i32 := alloc(make([]int32, 3)...)
	u32Mem, u32 := alloc(make([]uint32, 2)...)
	f32Mem, f32 := alloc(make([]float32, 1)...)
	f64Mem, f64 := alloc(make([]float64, 4)...)
	err := launch(context.Background(), entry(t, prog, "numeric"), domain(t, 1, 1),
		Arg{Mem: i32Mem}, Arg{Mem: u32Mem}, Arg{Mem: f32Mem}, Arg{Mem: f64Mem})
	require.NoError(t, err)

	assert.Equal(t, []int32{-2147483648, 3, -1}, i32)
	assert.Equal(t, []uint32{4294967295, 1 << 31}, u32)
	assert.Equal(t, float32(1)/3, f32[0])
	assert.Equal(t, float64(float32(1)/3), f64[0])
	assert.Equal(t, []float64{3.5, 2, 1.5}, f64[1:])
}

func TestRuntimeError_OutOfBounds(t *testing.T) {
	prog := compile(t, `
func fill(out []float32) {
	out[get_global_id(0)] = 1
}
`)
	mem, out := alloc(make([]float32, 4)...)
	err := launch(context.Background(), entry(t, prog, "fill"), domain(t, 8, 4), Arg{Mem: mem})
	require.ErrorIs(t, err, ErrOutOfBounds)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "fill", rerr.Entry)
	assert.Equal(t, 4, rerr.GlobalID)
	assert.Equal(t, 3, rerr.Pos.Line)
	assert.Contains(t, err.Error(), "out[4] with length 4")
	assert.Equal(t, []float32{1, 1, 1, 1}, out, "items before the fault ran")
}

func TestRuntimeError_DivideByZero(t *testing.T) {
	prog := compile(t, `
func div(in []int32, out []int32) {
	out[0] = 10 / in[0]
}
`)
	in, _ := alloc[int32](0)
	out, _ := alloc[int32](0)
	err := launch(context.Background(), entry(t, prog, "div"), domain(t, 1, 1), Arg{Mem: in}, Arg{Mem: out})
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestRuntimeError_Cancelled(t *testing.T) {
	prog := compile(t, `
func spin(out []int32) {
	for {
		out[0]++
	}
}
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mem, _ := alloc[int32](0)
	err := launch(ctx, entry(t, prog, "spin"), domain(t, 1, 1), Arg{Mem: mem})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewInvocation_Validation(t *testing.T) {
	e := entry(t, compile(t, roundSource), "mod_round")

	_, err := e.NewInvocation(context.Background(), []Arg{{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes 5 arguments, got 1")

	args := []Arg{{Mem: make([]byte, 6)}, {}, {}, {}, {}}
	_, err = e.NewInvocation(context.Background(), args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a whole number of float32 elements")
}

func TestCompile_Diagnostics(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
		line int
	}{
		{
			name: "undefined",
			src:  "func k(out []float32) {\n\tout[0] = y\n}",
			want: "undefined: y",
			line: 2,
		},
		{
			name: "recursion",
			src:  "func fact(n int) int {\n\tif n <= 1 {\n\t\treturn 1\n\t}\n\treturn n * fact(n-1)\n}",
			want: "recursive call to fact is not supported",
			line: 5,
		},
		{
			name: "mutual recursion",
			src:  "func a(n int) int {\n\treturn b(n)\n}\nfunc b(n int) int {\n\treturn a(n)\n}",
			want: "recursive call to",
		},
		{
			name: "missing return",
			src:  "func half(x float32) float32 {\n\tif x > 0 {\n\t\treturn x / 2\n\t}\n}",
			want: "missing return in half",
			line: 5,
		},
		{
			name: "assign constant",
			src:  "const n = 4\nfunc k(out []int32) {\n\tn = 5\n}",
			want: "cannot assign to n (constant)",
			line: 3,
		},
		{
			name: "break outside loop",
			src:  "func k(out []int32) {\n\tbreak\n}",
			want: "break is not in a loop",
			line: 2,
		},
		{
			name: "non-boolean condition",
			src:  "func k(out []int32) {\n\tif out[0] {\n\t}\n}",
			want: "non-boolean condition in if statement",
			line: 2,
		},
		{
			name: "bool to number",
			src:  "func k(out []int32) {\n\tout[0] = true\n}",
			want: "cannot use bool value as int32",
			line: 2,
		},
		{
			name: "imports",
			src:  "package k\n\nimport \"math\"\n\nfunc k(out []float64) {\n\tout[0] = math.Pi\n}",
			want: "imports are not supported",
			line: 3,
		},
		{
			name: "kernel call",
			src:  "func a(out []int32) {}\nfunc b(out []int32) {\n\ta(out)\n}",
			want: "cannot call kernel a",
			line: 3,
		},
		{
			name: "constant divide by zero",
			src:  "func k(out []int32) {\n\tout[0] = 1 / 0\n}",
			want: "integer divide by zero",
			line: 2,
		},
		{
			name: "shadowed builtin",
			src:  "func sqrt(x float64) float64 {\n\treturn x\n}",
			want: "sqrt shadows a builtin",
			line: 1,
		},
		{
			name: "int buffer",
			src:  "func k(out []int) {}",
			want: "unsupported buffer element type int",
			line: 1,
		},
		{
			name: "foreign syntax",
			src:  "__kernel void k(__global float* a) { a[0] = 1; }",
			line: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("bad.kern", tt.src)
			require.Error(t, err)

			var cerr *CompileError
			require.True(t, errors.As(err, &cerr), "want *CompileError, got %T", err)
			require.NotEmpty(t, cerr.Diagnostics)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
			if tt.line == 0 {
				return
			}
			for _, d := range cerr.Diagnostics {
				if tt.want == "" || strings.Contains(d.Msg, tt.want) {
					assert.Equal(t, tt.line, d.Pos.Line, d.String())
					assert.Equal(t, "bad.kern", d.Pos.Filename)
					return
				}
			}
			t.Fatalf("no diagnostic matching %q in %v", tt.want, cerr.Diagnostics)
		})
	}
}

func TestCompile_PositionsWithoutPackageClause(t *testing.T) {
	_, err := Compile("k.kern", "func k(out []float32) { out[0] = y }")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Diagnostics, 1)

	pos := cerr.Diagnostics[0].Pos
	assert.Equal(t, 1, pos.Line)
	assert.Equal(t, 34, pos.Column)
	assert.Equal(t, 33, pos.Offset)
	assert.Equal(t, "k.kern:1:34: undefined: y", cerr.Diagnostics[0].String())
}

func TestCompile_DiagnosticsSorted(t *testing.T) {
	src := `
func helper(x float64) float64 {
	return x + undefinedA
}

func k(out []float64) {
	out[0] = helper(1) + undefinedB
	out[1] = helper(2)
}
`
	_, err := Compile("k.kern", src)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)

	var msgs []string
	for _, d := range cerr.Diagnostics {
		msgs = append(msgs, d.Msg)
	}
	// The helper is checked on its own and at two call sites; its problem is
	// reported once.
	assert.Equal(t, []string{"undefined: undefinedA", "undefined: undefinedB"}, msgs)
	assert.Contains(t, err.Error(), "2 compile errors:")
}
