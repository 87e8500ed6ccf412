package region

import (
	"bytes"

	"github.com/rocketbitz/rma-go/transport"
)

// CompareAndSwap stores origin into target when target equals compare and
// copies the prior target value into result. Callers serialize access to
// target.
func CompareAndSwap(target, origin, compare, result []byte) transport.Errno {
	if len(origin) != len(target) || len(compare) != len(target) || len(result) != len(target) {
		return transport.ErrCount
	}
	var buf [8]byte
	prior := append(buf[:0], target...)
	if bytes.Equal(prior, compare) {
		copy(target, origin)
	}
	copy(result, prior)
	return transport.Success
}

// FetchAndOp applies op with origin to target and copies the prior target
// value into result. Callers serialize access to target.
func FetchAndOp(dt transport.Datatype, op transport.Op, target, origin, result []byte) transport.Errno {
	if len(origin) != len(target) || len(result) != len(target) {
		return transport.ErrCount
	}
	var buf [8]byte
	prior := append(buf[:0], target...)
	if code := transport.Reduce(dt, op, target, origin); code != transport.Success {
		return code
	}
	copy(result, prior)
	return transport.Success
}
