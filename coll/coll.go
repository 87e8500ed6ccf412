// Package coll provides the blocking collectives every rank of a group takes
// part in: barrier, allgather and allreduce. Each call starts the transport's
// non-blocking collective and waits on it through the completion engine.
package coll

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/rma-go/completion"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
)

// Op is a reduction operation.
type Op = transport.Op

const (
	OpSum  = transport.OpSum
	OpProd = transport.OpProd
	OpMin  = transport.OpMin
	OpMax  = transport.OpMax
	OpLAnd = transport.OpLAnd
	OpLOr  = transport.OpLOr
	OpLXor = transport.OpLXor
	OpBAnd = transport.OpBAnd
	OpBOr  = transport.OpBOr
	OpBXor = transport.OpBXor
)

// Device runs collectives over a transport endpoint. Every rank must issue
// the same collectives in the same order.
type Device struct {
	tr  transport.Device
	eng *completion.Engine
	rec *telemetry.Recorder
}

// NewDevice wraps tr. rec may be nil.
func NewDevice(tr transport.Device, eng *completion.Engine, rec *telemetry.Recorder) *Device {
	return &Device{tr: tr, eng: eng, rec: rec}
}

// Rank returns this process's rank.
func (d *Device) Rank() int { return d.tr.Rank() }

// Size returns the number of ranks.
func (d *Device) Size() int { return d.tr.Size() }

// Barrier returns once every rank has entered it.
func (d *Device) Barrier() error {
	tok, err := d.tr.IBarrier()
	if err != nil {
		return err
	}
	d.rec.Event("collective", telemetry.KV("kind", "barrier"))
	return d.eng.Wait(tok)
}

// Allgather places every rank's send elements into recv in rank order. recv
// must hold at least len(send)*Size() elements; elements past that are left
// untouched.
func Allgather[T any](d *Device, send, recv []T) error {
	if !transport.PointerFree[T]() {
		panic(fmt.Sprintf("coll: allgather of %T, which contains Go pointers", recv))
	}
	need := len(send) * d.Size()
	if len(recv) < need {
		panic(fmt.Sprintf("coll: allgather receive buffer holds %d elements, need %d", len(recv), need))
	}
	tok, err := d.tr.IAllgather(bytesOf(send), bytesOf(recv[:need]))
	if err != nil {
		return err
	}
	d.rec.Event("collective", telemetry.KV("kind", "allgather"), telemetry.KV("count", len(send)))
	return d.eng.Wait(tok)
}

// Allreduce combines the send buffers of every rank element-wise with op and
// stores the result in recv on every rank. T must be a numeric type and both
// buffers must have the same length.
func Allreduce[T any](d *Device, send, recv []T, op Op) error {
	if len(send) != len(recv) {
		panic(fmt.Sprintf("coll: allreduce buffers differ in length: %d != %d", len(send), len(recv)))
	}
	dt, ok := transport.DatatypeOf[T]()
	if !ok {
		var zero T
		panic(fmt.Sprintf("coll: allreduce on non-numeric %T", zero))
	}
	tok, err := d.tr.IAllreduce(bytesOf(send), bytesOf(recv), dt, op)
	if err != nil {
		return err
	}
	d.rec.Event("collective", telemetry.KV("kind", "allreduce"), telemetry.KV("count", len(send)), telemetry.KV("op", op.String()))
	return d.eng.Wait(tok)
}

// AllreduceValue reduces a single value.
func AllreduceValue[T any](d *Device, v T, op Op) (T, error) {
	out := []T{v}
	err := Allreduce(d, []T{v}, out, op)
	return out[0], err
}

func bytesOf[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
