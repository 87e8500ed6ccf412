package transport

import (
	"encoding/binary"
	"math"
)

var ne = binary.NativeEndian

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// CheckReduction validates a datatype/operator pairing. Floating point types
// only accept arithmetic, min/max, replace and no-op.
func CheckReduction(dt Datatype, op Op) Errno {
	if !dt.Valid() {
		return ErrType
	}
	if !op.Valid() {
		return ErrOp
	}
	if dt.IsFloat() && op >= OpLAnd && op <= OpBXor {
		return ErrOp
	}
	return Success
}

// Reduce folds in into acc element-wise: acc[i] = acc[i] op in[i]. Both
// buffers hold native-endian elements of dt and must have equal length.
func Reduce(dt Datatype, op Op, acc, in []byte) Errno {
	if code := CheckReduction(dt, op); code != Success {
		return code
	}
	size := dt.Size()
	if len(acc) != len(in) || len(acc)%size != 0 {
		return ErrCount
	}
	switch op {
	case OpNoOp:
		return Success
	case OpReplace:
		copy(acc, in)
		return Success
	}
	for off := 0; off < len(acc); off += size {
		a, b := acc[off:off+size], in[off:off+size]
		switch dt {
		case Byte, Uint8:
			a[0] = reduceInt(op, a[0], b[0])
		case Int8:
			a[0] = byte(reduceInt(op, int8(a[0]), int8(b[0])))
		case Int16:
			ne.PutUint16(a, uint16(reduceInt(op, int16(ne.Uint16(a)), int16(ne.Uint16(b)))))
		case Uint16:
			ne.PutUint16(a, reduceInt(op, ne.Uint16(a), ne.Uint16(b)))
		case Int32:
			ne.PutUint32(a, uint32(reduceInt(op, int32(ne.Uint32(a)), int32(ne.Uint32(b)))))
		case Uint32:
			ne.PutUint32(a, reduceInt(op, ne.Uint32(a), ne.Uint32(b)))
		case Int64:
			ne.PutUint64(a, uint64(reduceInt(op, int64(ne.Uint64(a)), int64(ne.Uint64(b)))))
		case Uint64:
			ne.PutUint64(a, reduceInt(op, ne.Uint64(a), ne.Uint64(b)))
		case Float32:
			v := reduceFloat(op, math.Float32frombits(ne.Uint32(a)), math.Float32frombits(ne.Uint32(b)))
			ne.PutUint32(a, math.Float32bits(v))
		case Float64:
			v := reduceFloat(op, math.Float64frombits(ne.Uint64(a)), math.Float64frombits(ne.Uint64(b)))
			ne.PutUint64(a, math.Float64bits(v))
		}
	}
	return Success
}

func reduceInt[T integer](op Op, a, b T) T {
	switch op {
	case OpSum:
		return a + b
	case OpProd:
		return a * b
	case OpMin:
		return min(a, b)
	case OpMax:
		return max(a, b)
	case OpLAnd:
		return truth[T](a != 0 && b != 0)
	case OpLOr:
		return truth[T](a != 0 || b != 0)
	case OpLXor:
		return truth[T]((a != 0) != (b != 0))
	case OpBAnd:
		return a & b
	case OpBOr:
		return a | b
	case OpBXor:
		return a ^ b
	}
	return a
}

func reduceFloat[T float32 | float64](op Op, a, b T) T {
	switch op {
	case OpSum:
		return a + b
	case OpProd:
		return a * b
	case OpMin:
		return min(a, b)
	case OpMax:
		return max(a, b)
	}
	return a
}

func truth[T integer](v bool) T {
	if v {
		return 1
	}
	return 0
}
