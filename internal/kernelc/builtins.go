package kernelc

import (
	"go/ast"
	"math"

	"github.com/born-ml/ndrange/internal/workspace"
)

// builtinFn compiles a call to a builtin whose arguments are already valid.
type builtinFn func(fc *fnCompiler, call *ast.CallExpr, args []value) value

var builtins map[string]builtinFn

func init() {
	builtins = map[string]builtinFn{
		"get_work_dim":    workDim,
		"get_global_id":   workItem(func(it *workspace.Item) int { return it.GlobalID }, 0),
		"get_global_size": workItem(func(it *workspace.Item) int { return it.GlobalSize }, 1),
		"get_local_id":    workItem(func(it *workspace.Item) int { return it.LocalID }, 0),
		"get_local_size":  workItem(func(it *workspace.Item) int { return it.LocalSize }, 1),
		"get_group_id":    workItem(func(it *workspace.Item) int { return it.GroupID }, 0),
		"get_num_groups":  workItem(func(it *workspace.Item) int { return it.NumGroups }, 1),

		"rint":  mathFn(math.RoundToEven),
		"round": mathFn(math.Round),
		"ceil":  mathFn(math.Ceil),
		"floor": mathFn(math.Floor),
		"trunc": mathFn(math.Trunc),
		"sqrt":  mathFn(math.Sqrt),
		"rsqrt": mathFn(func(x float64) float64 { return 1 / math.Sqrt(x) }),
		"cbrt":  mathFn(math.Cbrt),
		"exp":   mathFn(math.Exp),
		"exp2":  mathFn(math.Exp2),
		"log":   mathFn(math.Log),
		"log2":  mathFn(math.Log2),
		"log10": mathFn(math.Log10),
		"sin":   mathFn(math.Sin),
		"cos":   mathFn(math.Cos),
		"tan":   mathFn(math.Tan),
		"asin":  mathFn(math.Asin),
		"acos":  mathFn(math.Acos),
		"atan":  mathFn(math.Atan),
		"sinh":  mathFn(math.Sinh),
		"cosh":  mathFn(math.Cosh),
		"tanh":  mathFn(math.Tanh),
		"fabs":  mathFn(math.Abs),

		"pow":      mathFn2(math.Pow),
		"atan2":    mathFn2(math.Atan2),
		"hypot":    mathFn2(math.Hypot),
		"fmod":     mathFn2(math.Mod),
		"fmin":     mathFn2(math.Min),
		"fmax":     mathFn2(math.Max),
		"copysign": mathFn2(math.Copysign),

		"fma": mathFn3(math.FMA),
		"mad": mathFn3(func(a, b, c float64) float64 { return a*b + c }),

		"abs":   absFn,
		"min":   minMax(false),
		"max":   minMax(true),
		"clamp": clampFn,
	}
}

func arity(fc *fnCompiler, call *ast.CallExpr, args []value, n int) bool {
	name := call.Fun.(*ast.Ident).Name
	if len(args) != n {
		return fc.errs.Appendf(call, "%s expects %d arguments, got %d", name, n, len(args))
	}
	for i, a := range args {
		if !a.t.isNumeric() {
			return fc.errs.Appendf(call.Args[i], "%s: argument %d has type %s, want a number", name, i+1, a.t)
		}
	}
	return true
}

func constArgs(args []value) bool {
	for _, a := range args {
		if !a.konst {
			return false
		}
	}
	return true
}

// finish rounds float32 results and folds calls over constants.
func finish(fc *fnCompiler, call *ast.CallExpr, v value, args []value) value {
	if v.t == tFloat32 {
		inner := v.f
		v.f = func(f *frame) float64 { return float64(float32(inner(f))) }
	}
	if constArgs(args) {
		v.konst = true
		return fc.fold(call, v)
	}
	return v
}

func workDim(fc *fnCompiler, call *ast.CallExpr, args []value) value {
	if len(args) != 0 {
		fc.errs.Appendf(call, "get_work_dim takes no arguments")
		return value{}
	}
	return constInt(tInt, 1)
}

// workItem returns a builtin reading one addressing value of the current work
// item. Dimensions other than 0 report outside.
func workItem(get func(*workspace.Item) int, outside int64) builtinFn {
	return func(fc *fnCompiler, call *ast.CallExpr, args []value) value {
		if !arity(fc, call, args, 1) {
			return value{}
		}
		if !args[0].t.isInt() {
			fc.errs.Appendf(call.Args[0], "dimension must be an integer, got %s", args[0].t)
			return value{}
		}
		dim := args[0].i
		if args[0].konst {
			if dim(nil) != 0 {
				return constInt(tInt, outside)
			}
			return value{t: tInt, i: func(f *frame) int64 { return int64(get(&f.item)) }}
		}
		return value{t: tInt, i: func(f *frame) int64 {
			if dim(f) != 0 {
				return outside
			}
			return int64(get(&f.item))
		}}
	}
}

func mathFn(fn func(float64) float64) builtinFn {
	return func(fc *fnCompiler, call *ast.CallExpr, args []value) value {
		if !arity(fc, call, args, 1) {
			return value{}
		}
		x := fc.toFloat(args[0])
		v := value{t: floatResult(args[0].t), f: func(f *frame) float64 { return fn(x(f)) }}
		return finish(fc, call, v, args)
	}
}

func mathFn2(fn func(a, b float64) float64) builtinFn {
	return func(fc *fnCompiler, call *ast.CallExpr, args []value) value {
		if !arity(fc, call, args, 2) {
			return value{}
		}
		a, b := fc.toFloat(args[0]), fc.toFloat(args[1])
		v := value{t: floatResult(args[0].t, args[1].t), f: func(f *frame) float64 { return fn(a(f), b(f)) }}
		return finish(fc, call, v, args)
	}
}

func mathFn3(fn func(a, b, c float64) float64) builtinFn {
	return func(fc *fnCompiler, call *ast.CallExpr, args []value) value {
		if !arity(fc, call, args, 3) {
			return value{}
		}
		a, b, c := fc.toFloat(args[0]), fc.toFloat(args[1]), fc.toFloat(args[2])
		v := value{
			t: floatResult(args[0].t, args[1].t, args[2].t),
			f: func(f *frame) float64 { return fn(a(f), b(f), c(f)) },
		}
		return finish(fc, call, v, args)
	}
}

func absFn(fc *fnCompiler, call *ast.CallExpr, args []value) value {
	if !arity(fc, call, args, 1) {
		return value{}
	}
	x := args[0]
	if x.t.isFloat() {
		xf := x.f
		return finish(fc, call, value{t: x.t, f: func(f *frame) float64 { return math.Abs(xf(f)) }}, args)
	}
	xi, t := x.i, x.t
	v := value{t: t, i: func(f *frame) int64 {
		n := xi(f)
		if n < 0 {
			return wrapInt(t, -n)
		}
		return n
	}}
	return finish(fc, call, v, args)
}

func minMax(isMax bool) builtinFn {
	return func(fc *fnCompiler, call *ast.CallExpr, args []value) value {
		if !arity(fc, call, args, 2) {
			return value{}
		}
		t := unify(args[0].t, args[1].t)
		if t.isFloat() {
			a, b := fc.toFloat(args[0]), fc.toFloat(args[1])
			pick := math.Min
			if isMax {
				pick = math.Max
			}
			return finish(fc, call, value{t: t, f: func(f *frame) float64 { return pick(a(f), b(f)) }}, args)
		}
		a, b := args[0].i, args[1].i
		v := value{t: t, i: func(f *frame) int64 {
			x, y := a(f), b(f)
			if (x > y) == isMax {
				return x
			}
			return y
		}}
		return finish(fc, call, v, args)
	}
}

func clampFn(fc *fnCompiler, call *ast.CallExpr, args []value) value {
	if !arity(fc, call, args, 3) {
		return value{}
	}
	t := unify(unify(args[0].t, args[1].t), args[2].t)
	if t.isFloat() {
		x, lo, hi := fc.toFloat(args[0]), fc.toFloat(args[1]), fc.toFloat(args[2])
		v := value{t: t, f: func(f *frame) float64 {
			return math.Min(math.Max(x(f), lo(f)), hi(f))
		}}
		return finish(fc, call, v, args)
	}
	x, lo, hi := args[0].i, args[1].i, args[2].i
	v := value{t: t, i: func(f *frame) int64 {
		return min(max(x(f), lo(f)), hi(f))
	}}
	return finish(fc, call, v, args)
}
