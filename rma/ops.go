package rma

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/rocketbitz/rma-go/completion"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
)

// Attach registers count elements starting at ptr for remote access by any
// rank. It is not collective; the remote pointer has to be published before
// others can use it. T must not contain Go pointers.
func Attach[T any](d *Device, ptr *T, count int) (*LocalAttach[T], error) {
	if count < 0 {
		panic(fmt.Sprintf("rma: negative attach count %d", count))
	}
	mustBePointerFree[T]("attach")
	size := uintptr(count) * sizeOf[T]()
	reg, err := d.win.Attach(unsafe.Pointer(ptr), size)
	if err != nil {
		return nil, err
	}
	d.rec.Attached(size, telemetry.KV("base", reg.Base))
	return newLocalAttach[T](unsafe.Pointer(ptr), count, reg), nil
}

// AttachSlice registers the elements of s.
func AttachSlice[T any](d *Device, s []T) (*LocalAttach[T], error) {
	if len(s) == 0 {
		return Attach[T](d, nil, 0)
	}
	return Attach(d, &s[0], len(s))
}

// Detach unregisters a and leaves it null. Detaching a null or already
// detached attachment panics.
func Detach[T any](d *Device, a *LocalAttach[T]) error {
	return detach(d, a)
}

// IWrite starts writing count elements from src to dst.
func IWrite[T any](d *Device, src LocalPtr[T], dst ProcRemotePtrMut[T], count int) (*completion.Request, error) {
	return d.IWriteBytes(CastLocal[byte](src), CastProcRemoteMut[byte](dst), scaled[T](count))
}

// IRead starts reading count elements from src into dst.
func IRead[T any](d *Device, src ProcRemotePtr[T], dst LocalPtrMut[T], count int) (*completion.Request, error) {
	mustBePointerFree[T]("read")
	return d.IReadBytes(CastProcRemote[byte](src), CastLocalMut[byte](dst), scaled[T](count))
}

// Write copies count elements from src to dst and waits for completion.
func Write[T any](d *Device, src LocalPtr[T], dst ProcRemotePtrMut[T], count int) error {
	return d.WriteBytes(CastLocal[byte](src), CastProcRemoteMut[byte](dst), scaled[T](count))
}

// BufWrite copies the elements of buf to dst and waits for completion.
func BufWrite[T any](d *Device, buf []T, dst ProcRemotePtrMut[T]) error {
	return Write(d, LocalPtrOf(buf), dst, len(buf))
}

// Read copies count elements from src into dst and waits for completion.
func Read[T any](d *Device, src ProcRemotePtr[T], dst LocalPtrMut[T], count int) error {
	mustBePointerFree[T]("read")
	return d.ReadBytes(CastProcRemote[byte](src), CastLocalMut[byte](dst), scaled[T](count))
}

// CompareAndSwap atomically replaces the element at dst with desired when it
// equals expected and returns the prior value; the swap happened when the
// result equals expected. T must be 1, 2, 4 or 8 bytes wide.
func CompareAndSwap[T any](d *Device, dst ProcRemotePtrMut[T], expected, desired T) (T, error) {
	dt := sizedDatatype[T]("compare_and_swap")
	var prior T
	err := d.compareAndSwapBytes(unsafe.Pointer(&desired), unsafe.Pointer(&expected), unsafe.Pointer(&prior), dt, CastProcRemoteMut[byte](dst))
	return prior, err
}

// FetchAndOp atomically applies op with operand to the element at dst and
// returns the prior value. T must be a numeric type.
func FetchAndOp[T any](d *Device, dst ProcRemotePtrMut[T], operand T, op transport.Op) (T, error) {
	dt, ok := transport.DatatypeOf[T]()
	if !ok {
		panic(fmt.Sprintf("rma: fetch_and_op on non-numeric %T", operand))
	}
	var prior T
	err := d.fetchAndOpBytes(unsafe.Pointer(&operand), unsafe.Pointer(&prior), dt, CastProcRemoteMut[byte](dst), op)
	return prior, err
}

// AtomicRead reads the element at src atomically with respect to other
// atomic operations on it.
func AtomicRead[T any](d *Device, src ProcRemotePtr[T]) (T, error) {
	dt := sizedDatatype[T]("atomic_read")
	var value T
	err := d.fetchAndOpBytes(nil, unsafe.Pointer(&value), dt, CastProcRemoteMut[byte](src.AsMut()), transport.OpNoOp)
	return value, err
}

// AtomicWrite stores value at dst atomically with respect to other atomic
// operations on it.
func AtomicWrite[T any](d *Device, dst ProcRemotePtrMut[T], value T) error {
	dt := sizedDatatype[T]("atomic_write")
	var prior T
	return d.fetchAndOpBytes(unsafe.Pointer(&value), unsafe.Pointer(&prior), dt, CastProcRemoteMut[byte](dst), transport.OpReplace)
}

// mustBePointerFree panics when remote bytes could overwrite Go pointers
// held in T.
func mustBePointerFree[T any](op string) {
	if !transport.PointerFree[T]() {
		panic(fmt.Sprintf("rma: %s of %s, which contains Go pointers", op, reflect.TypeFor[T]()))
	}
}

// sizedDatatype maps the width of T onto a transport datatype and panics for
// widths the transport's atomics cannot represent.
func sizedDatatype[T any](op string) transport.Datatype {
	size := sizeOf[T]()
	dt, ok := transport.DatatypeForSize(size)
	if !ok {
		var zero T
		panic(fmt.Sprintf("rma: %s on %T: unsupported element size %d", op, zero, size))
	}
	return dt
}

func scaled[T any](count int) uintptr {
	if count < 0 {
		panic(fmt.Sprintf("rma: negative element count %d", count))
	}
	return uintptr(count) * sizeOf[T]()
}
