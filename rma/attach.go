package rma

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/rocketbitz/rma-go/transport"
)

// LocalAttach owns the registration of count elements of this process's
// memory. It is produced by Attach and must be consumed by exactly one
// successful Detach. An attachment that becomes unreachable while still
// registered is reported to the leak handler, which panics by default.
type LocalAttach[T any] struct {
	ptr   unsafe.Pointer
	count int
	lkey  transport.LocalKey
	rkey  transport.RemoteKey
}

// Leak describes an attachment dropped without Detach.
type Leak struct {
	Addr uintptr
	Size uintptr
}

func (l Leak) String() string {
	return fmt.Sprintf("rma: attachment of %d bytes at %#x became unreachable without Detach", l.Size, l.Addr)
}

var (
	leakMu      sync.RWMutex
	leakHandler = func(l Leak) { panic(l.String()) }
)

// SetLeakHandler replaces the function run for leaked attachments and returns
// the previous one. The handler runs on the finalizer goroutine.
func SetLeakHandler(fn func(Leak)) func(Leak) {
	leakMu.Lock()
	defer leakMu.Unlock()
	prev := leakHandler
	leakHandler = fn
	return prev
}

func reportLeak(l Leak) {
	leakMu.RLock()
	fn := leakHandler
	leakMu.RUnlock()
	if fn != nil {
		fn(l)
	}
}

func newLocalAttach[T any](ptr unsafe.Pointer, count int, reg transport.Registration) *LocalAttach[T] {
	a := &LocalAttach[T]{ptr: ptr, count: count, lkey: reg.LocalKey, rkey: reg.RemoteKey}
	runtime.SetFinalizer(a, finalizeAttach[T])
	return a
}

func finalizeAttach[T any](a *LocalAttach[T]) {
	if a.ptr != nil {
		reportLeak(Leak{Addr: uintptr(a.ptr), Size: a.size()})
	}
}

// IsNull reports whether a holds no registration, either because it was never
// attached or because it has been detached.
func (a *LocalAttach[T]) IsNull() bool {
	return a == nil || a.ptr == nil
}

// Len returns the number of attached elements.
func (a *LocalAttach[T]) Len() int {
	if a == nil {
		return 0
	}
	return a.count
}

func (a *LocalAttach[T]) size() uintptr {
	return uintptr(a.count) * sizeOf[T]()
}

// LPtr returns a read-only pointer to the first attached element.
func (a *LocalAttach[T]) LPtr() LocalPtr[T] {
	return LocalPtr[T]{ptr: a.ptr, key: a.lkey}
}

// LPtrMut returns a writable pointer to the first attached element.
func (a *LocalAttach[T]) LPtrMut() LocalPtrMut[T] {
	return LocalPtrMut[T]{ptr: a.ptr, key: a.lkey}
}

// RPtr returns the remote view of the attached memory, ready to be published
// to other ranks.
func (a *LocalAttach[T]) RPtr() RemotePtr[T] {
	return RemotePtr[T]{addr: uintptr(a.ptr), key: a.rkey}
}

// RPtrMut returns the writable remote view of the attached memory.
func (a *LocalAttach[T]) RPtrMut() RemotePtrMut[T] {
	return RemotePtrMut[T]{addr: uintptr(a.ptr), key: a.rkey}
}

// release clears a after a successful detach.
func (a *LocalAttach[T]) release() {
	a.ptr = nil
	a.count = 0
	runtime.SetFinalizer(a, nil)
}

// CastAttach moves the registration held by a into an attachment of element
// type U covering the same bytes. a is left null and must not be detached.
func CastAttach[U, T any](a *LocalAttach[T]) *LocalAttach[U] {
	if a.IsNull() {
		panic("rma: cast of a null attachment")
	}
	mustBePointerFree[U]("cast")
	size := a.size()
	usize := sizeOf[U]()
	if usize == 0 || size%usize != 0 {
		panic(fmt.Sprintf("rma: %d attached bytes are not a whole number of %d-byte elements", size, usize))
	}
	out := newLocalAttach[U](a.ptr, int(size/usize), transport.Registration{LocalKey: a.lkey, RemoteKey: a.rkey})
	a.release()
	return out
}
