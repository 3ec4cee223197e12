// Package buffer provides host-side storage for kernel arguments together with
// the bookkeeping that keeps host and device copies coherent.
package buffer

import (
	"fmt"
	"reflect"
	"strings"
)

// Element is a constraint for the element types a Buffer can hold.
type Element interface {
	~float32 | ~float64 | ~int32 | ~uint32 | ~int64
}

// DataType represents runtime type information for buffers.
type DataType int

// Supported element types.
const (
	Float32 DataType = iota
	Float64
	Int32
	Uint32
	Int64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64:
		return 8
	default:
		panic("unknown data type")
	}
}

// IsFloat reports whether dt is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

// Valid reports whether dt is one of the supported types.
func (dt DataType) Valid() bool {
	return dt >= Float32 && dt <= Int64
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// ParseDataType maps a type name to a DataType. It accepts the Go names and the
// short aliases f32, f64, i32, u32 and i64.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "float":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	case "int32", "i32", "int":
		return Int32, nil
	case "uint32", "u32", "uint":
		return Uint32, nil
	case "int64", "i64", "long":
		return Int64, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}

// TypeOf returns the DataType of T.
func TypeOf[T Element]() DataType {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Int32:
		return Int32
	case reflect.Uint32:
		return Uint32
	default:
		return Int64
	}
}
