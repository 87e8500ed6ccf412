package transport

import (
	"fmt"
	"reflect"
	"sync"
)

// LocalKey is the access token a transport hands out for locally registered
// memory. Transports without local keys return zero.
type LocalKey uint64

// RemoteKey is the token a peer presents when targeting an attached region.
// Zero disables key checking.
type RemoteKey uint64

// Registration describes a successfully attached region.
type Registration struct {
	Base      uintptr
	Size      uintptr
	LocalKey  LocalKey
	RemoteKey RemoteKey
}

// Status carries completion metadata filled in by Test.
type Status struct {
	// Source is the rank the operation targeted, or -1 for collectives.
	Source int
	// Count is the number of bytes moved by the operation.
	Count int
	// Code is the completion code.
	Code Errno
}

// Datatype identifies the element layout of atomic and reduction operands.
type Datatype uint8

const (
	Byte Datatype = iota + 1
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
)

var datatypeNames = [...]string{
	Byte:    "byte",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Float32: "float32",
	Float64: "float64",
}

var datatypeSizes = [...]int{
	Byte:    1,
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
	Uint16:  2,
	Uint32:  4,
	Uint64:  8,
	Float32: 4,
	Float64: 8,
}

func (d Datatype) String() string {
	if d.Valid() {
		return datatypeNames[d]
	}
	return fmt.Sprintf("datatype(%d)", uint8(d))
}

// Valid reports whether d is one of the defined datatypes.
func (d Datatype) Valid() bool {
	return d >= Byte && d <= Float64
}

// Size returns the element size in bytes, or zero for an invalid datatype.
func (d Datatype) Size() int {
	if !d.Valid() {
		return 0
	}
	return datatypeSizes[d]
}

// IsFloat reports whether d is a floating point type.
func (d Datatype) IsFloat() bool {
	return d == Float32 || d == Float64
}

// sizeDatatypes maps an element size to the signed integer datatype used for
// size-only operations such as compare-and-swap.
var sizeDatatypes = [9]Datatype{1: Int8, 2: Int16, 4: Int32, 8: Int64}

// DatatypeForSize returns the integer datatype of the given byte width. Only
// 1, 2, 4 and 8 are representable.
func DatatypeForSize(size uintptr) (Datatype, bool) {
	if size >= uintptr(len(sizeDatatypes)) {
		return 0, false
	}
	dt := sizeDatatypes[size]
	return dt, dt != 0
}

// DatatypeOf resolves the datatype matching the kind of T, so named numeric
// types map like their underlying type.
func DatatypeOf[T any]() (Datatype, bool) {
	dt, ok := kindDatatypes[reflect.TypeFor[T]().Kind()]
	return dt, ok
}

var kindDatatypes = map[reflect.Kind]Datatype{
	reflect.Int8:    Int8,
	reflect.Int16:   Int16,
	reflect.Int32:   Int32,
	reflect.Int64:   Int64,
	reflect.Int:     sizeDatatypes[intSize],
	reflect.Uint8:   Uint8,
	reflect.Uint16:  Uint16,
	reflect.Uint32:  Uint32,
	reflect.Uint64:  Uint64,
	reflect.Uint:    sizeDatatypes[intSize] + (Uint8 - Int8),
	reflect.Uintptr: sizeDatatypes[intSize] + (Uint8 - Int8),
	reflect.Float32: Float32,
	reflect.Float64: Float64,
}

const intSize = 4 << (^uint(0) >> 63)

var plainTypes sync.Map

// PointerFree reports whether values of T contain no Go pointers, so their
// bytes may be overwritten by a transport without the garbage collector
// seeing invalid references.
func PointerFree[T any]() bool {
	t := reflect.TypeFor[T]()
	if v, ok := plainTypes.Load(t); ok {
		return v.(bool)
	}
	plain := pointerFree(t)
	plainTypes.Store(t, plain)
	return plain
}

func pointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Array:
		return t.Len() == 0 || pointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !pointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan,
		reflect.Func, reflect.Interface, reflect.Slice, reflect.String:
		return false
	}
	return true
}

// Op is a reduction or fetch-and-op operator.
type Op uint8

const (
	OpSum Op = iota + 1
	OpProd
	OpMin
	OpMax
	OpLAnd
	OpLOr
	OpLXor
	OpBAnd
	OpBOr
	OpBXor
	// OpReplace stores the origin operand, returning the previous value.
	OpReplace
	// OpNoOp leaves the target unchanged, returning its value.
	OpNoOp
)

var opNames = [...]string{
	OpSum:     "sum",
	OpProd:    "prod",
	OpMin:     "min",
	OpMax:     "max",
	OpLAnd:    "land",
	OpLOr:     "lor",
	OpLXor:    "lxor",
	OpBAnd:    "band",
	OpBOr:     "bor",
	OpBXor:    "bxor",
	OpReplace: "replace",
	OpNoOp:    "no_op",
}

func (o Op) String() string {
	if o.Valid() {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is one of the defined operators.
func (o Op) Valid() bool {
	return o >= OpSum && o <= OpNoOp
}

// Bitwise reports whether o only applies to integer datatypes.
func (o Op) Bitwise() bool {
	return o >= OpBAnd && o <= OpBXor
}
