package kernelc

import (
	"github.com/born-ml/ndrange/internal/buffer"
)

// typ is the static type of a kernel expression.
type typ uint8

const (
	tInvalid typ = iota
	tBool
	tInt
	tInt32
	tInt64
	tUint32
	tFloat32
	tFloat64
	tUntypedInt
	tUntypedFloat
)

var typeNames = map[string]typ{
	"bool":    tBool,
	"int":     tInt,
	"int32":   tInt32,
	"int64":   tInt64,
	"uint32":  tUint32,
	"float32": tFloat32,
	"float64": tFloat64,
}

func (t typ) String() string {
	switch t {
	case tBool:
		return "bool"
	case tInt:
		return "int"
	case tInt32:
		return "int32"
	case tInt64:
		return "int64"
	case tUint32:
		return "uint32"
	case tFloat32:
		return "float32"
	case tFloat64:
		return "float64"
	case tUntypedInt:
		return "untyped int"
	case tUntypedFloat:
		return "untyped float"
	default:
		return "invalid type"
	}
}

func (t typ) isInt() bool {
	switch t {
	case tInt, tInt32, tInt64, tUint32, tUntypedInt:
		return true
	}
	return false
}

func (t typ) isFloat() bool {
	return t == tFloat32 || t == tFloat64 || t == tUntypedFloat
}

func (t typ) isNumeric() bool {
	return t.isInt() || t.isFloat()
}

func (t typ) isUntyped() bool {
	return t == tUntypedInt || t == tUntypedFloat
}

// typed returns the default type of an untyped constant.
func (t typ) typed() typ {
	switch t {
	case tUntypedInt:
		return tInt
	case tUntypedFloat:
		return tFloat64
	}
	return t
}

// usesInts reports whether values of t live in the integer slots of a frame.
func (t typ) usesInts() bool {
	return t == tBool || t.isInt()
}

func fromDataType(dt buffer.DataType) typ {
	switch dt {
	case buffer.Float32:
		return tFloat32
	case buffer.Float64:
		return tFloat64
	case buffer.Int32:
		return tInt32
	case buffer.Uint32:
		return tUint32
	case buffer.Int64:
		return tInt64
	}
	return tInvalid
}

func (t typ) dataType() (buffer.DataType, bool) {
	switch t {
	case tFloat32:
		return buffer.Float32, true
	case tFloat64:
		return buffer.Float64, true
	case tInt32:
		return buffer.Int32, true
	case tUint32:
		return buffer.Uint32, true
	case tInt, tInt64:
		return buffer.Int64, true
	}
	return 0, false
}

// unify returns the type of a binary arithmetic expression. Integers mixed
// with floating point promote to the floating point type.
func unify(l, r typ) typ {
	if l.isFloat() || r.isFloat() {
		switch {
		case l == r:
			return l
		case l.isFloat() && !l.isUntyped() && !r.isFloat():
			return l
		case r.isFloat() && !r.isUntyped() && !l.isFloat():
			return r
		case l == tFloat64 || r == tFloat64:
			return tFloat64
		case l == tFloat32 && r.isUntyped():
			return tFloat32
		case r == tFloat32 && l.isUntyped():
			return tFloat32
		case l.isUntyped() && r.isUntyped():
			return tUntypedFloat
		}
		return tFloat64
	}
	switch {
	case l == r:
		return l
	case l.isUntyped():
		return r
	case r.isUntyped():
		return l
	}
	return tInt64
}

// floatResult returns the result type of a math builtin over args.
func floatResult(args ...typ) typ {
	out := tInvalid
	for _, t := range args {
		switch {
		case t == tFloat64:
			return tFloat64
		case t == tFloat32:
			out = tFloat32
		}
	}
	if out == tInvalid {
		return tFloat64
	}
	return out
}

func wrapInt(t typ, x int64) int64 {
	switch t {
	case tInt32:
		return int64(int32(x))
	case tUint32:
		return int64(uint32(x))
	}
	return x
}

func roundFloat(t typ, x float64) float64 {
	if t == tFloat32 {
		return float64(float32(x))
	}
	return x
}
