package rma

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/rma-go/transport"
)

// LocalPtr is a read-only reference to elements in this process's memory,
// tagged with the local key of its registration. The zero value is null.
type LocalPtr[T any] struct {
	ptr unsafe.Pointer
	key transport.LocalKey
}

// LocalPtrMut is the writable counterpart of LocalPtr.
type LocalPtrMut[T any] struct {
	ptr unsafe.Pointer
	key transport.LocalKey
}

// RemotePtr addresses elements on a process that is known from context. It
// cannot be dereferenced; only RMA operations accept it.
type RemotePtr[T any] struct {
	addr uintptr
	key  transport.RemoteKey
}

// RemotePtrMut is the writable counterpart of RemotePtr.
type RemotePtrMut[T any] struct {
	addr uintptr
	key  transport.RemoteKey
}

// ProcRemotePtr pairs a RemotePtr with the rank that owns the memory. It is
// the only pointer that identifies a location across the whole group.
type ProcRemotePtr[T any] struct {
	proc int
	rptr RemotePtr[T]
}

// ProcRemotePtrMut is the writable counterpart of ProcRemotePtr.
type ProcRemotePtrMut[T any] struct {
	proc int
	rptr RemotePtrMut[T]
}

func sizeOf[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// NewLocalPtr wraps p. The caller guarantees p stays valid for every access
// made through the result.
func NewLocalPtr[T any](p *T, key transport.LocalKey) LocalPtr[T] {
	return LocalPtr[T]{ptr: unsafe.Pointer(p), key: key}
}

// NewLocalPtrMut wraps p for writing.
func NewLocalPtrMut[T any](p *T, key transport.LocalKey) LocalPtrMut[T] {
	return LocalPtrMut[T]{ptr: unsafe.Pointer(p), key: key}
}

// LocalPtrOf points at the first element of s, or is null for an empty slice.
func LocalPtrOf[T any](s []T) LocalPtr[T] {
	if len(s) == 0 {
		return LocalPtr[T]{}
	}
	return NewLocalPtr(&s[0], 0)
}

// LocalPtrMutOf points at the first element of s, or is null for an empty
// slice.
func LocalPtrMutOf[T any](s []T) LocalPtrMut[T] {
	if len(s) == 0 {
		return LocalPtrMut[T]{}
	}
	return NewLocalPtrMut(&s[0], 0)
}

// NewRemotePtr builds a remote pointer from an address published by its
// owner.
func NewRemotePtr[T any](addr uintptr, key transport.RemoteKey) RemotePtr[T] {
	return RemotePtr[T]{addr: addr, key: key}
}

// NewRemotePtrMut builds a writable remote pointer.
func NewRemotePtrMut[T any](addr uintptr, key transport.RemoteKey) RemotePtrMut[T] {
	return RemotePtrMut[T]{addr: addr, key: key}
}

// NewProcRemotePtr qualifies rptr with its owning rank.
func NewProcRemotePtr[T any](proc int, rptr RemotePtr[T]) ProcRemotePtr[T] {
	return ProcRemotePtr[T]{proc: proc, rptr: rptr}
}

// NewProcRemotePtrMut qualifies rptr with its owning rank.
func NewProcRemotePtrMut[T any](proc int, rptr RemotePtrMut[T]) ProcRemotePtrMut[T] {
	return ProcRemotePtrMut[T]{proc: proc, rptr: rptr}
}

// Pointer returns the raw address of p.
func (p LocalPtr[T]) Pointer() unsafe.Pointer { return p.ptr }

// Addr returns the address of p as an integer.
func (p LocalPtr[T]) Addr() uintptr { return uintptr(p.ptr) }

// Key returns the local key of the registration p was derived from.
func (p LocalPtr[T]) Key() transport.LocalKey { return p.key }

// IsNull reports whether p points nowhere.
func (p LocalPtr[T]) IsNull() bool { return p.ptr == nil }

// Offset moves p by n elements. The result must stay inside the memory p was
// derived from.
func (p LocalPtr[T]) Offset(n int) LocalPtr[T] {
	return LocalPtr[T]{ptr: unsafe.Add(p.ptr, n*int(sizeOf[T]())), key: p.key}
}

// Add moves p forward by n elements.
func (p LocalPtr[T]) Add(n uint) LocalPtr[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p LocalPtr[T]) Sub(n uint) LocalPtr[T] { return p.Offset(-int(n)) }

// AsMut converts p to a writable view of the same memory.
func (p LocalPtr[T]) AsMut() LocalPtrMut[T] { return LocalPtrMut[T](p) }

// Load reads the element at p.
func (p LocalPtr[T]) Load() T {
	return *(*T)(p.ptr)
}

// Slice views n elements starting at p.
func (p LocalPtr[T]) Slice(n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(p.ptr), n)
}

// Pointer returns the raw address of p.
func (p LocalPtrMut[T]) Pointer() unsafe.Pointer { return p.ptr }

// Addr returns the address of p as an integer.
func (p LocalPtrMut[T]) Addr() uintptr { return uintptr(p.ptr) }

// Key returns the local key of the registration p was derived from.
func (p LocalPtrMut[T]) Key() transport.LocalKey { return p.key }

// IsNull reports whether p points nowhere.
func (p LocalPtrMut[T]) IsNull() bool { return p.ptr == nil }

// Offset moves p by n elements.
func (p LocalPtrMut[T]) Offset(n int) LocalPtrMut[T] {
	return LocalPtrMut[T]{ptr: unsafe.Add(p.ptr, n*int(sizeOf[T]())), key: p.key}
}

// Add moves p forward by n elements.
func (p LocalPtrMut[T]) Add(n uint) LocalPtrMut[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p LocalPtrMut[T]) Sub(n uint) LocalPtrMut[T] { return p.Offset(-int(n)) }

// AsConst converts p to a read-only view of the same memory.
func (p LocalPtrMut[T]) AsConst() LocalPtr[T] { return LocalPtr[T](p) }

// Load reads the element at p.
func (p LocalPtrMut[T]) Load() T { return *(*T)(p.ptr) }

// Store writes v to the element at p.
func (p LocalPtrMut[T]) Store(v T) {
	*(*T)(p.ptr) = v
}

// Slice views n elements starting at p.
func (p LocalPtrMut[T]) Slice(n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(p.ptr), n)
}

// Addr returns the address p refers to in its owner's memory.
func (p RemotePtr[T]) Addr() uintptr { return p.addr }

// Key returns the remote key the owner published with p.
func (p RemotePtr[T]) Key() transport.RemoteKey { return p.key }

// IsNull reports whether p points nowhere.
func (p RemotePtr[T]) IsNull() bool { return p.addr == 0 }

// Offset moves p by n elements.
func (p RemotePtr[T]) Offset(n int) RemotePtr[T] {
	return RemotePtr[T]{addr: p.addr + uintptr(n*int(sizeOf[T]())), key: p.key}
}

// Add moves p forward by n elements.
func (p RemotePtr[T]) Add(n uint) RemotePtr[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p RemotePtr[T]) Sub(n uint) RemotePtr[T] { return p.Offset(-int(n)) }

// AsMut converts p to a writable remote pointer.
func (p RemotePtr[T]) AsMut() RemotePtrMut[T] { return RemotePtrMut[T](p) }

// Addr returns the address p refers to in its owner's memory.
func (p RemotePtrMut[T]) Addr() uintptr { return p.addr }

// Key returns the remote key the owner published with p.
func (p RemotePtrMut[T]) Key() transport.RemoteKey { return p.key }

// IsNull reports whether p points nowhere.
func (p RemotePtrMut[T]) IsNull() bool { return p.addr == 0 }

// Offset moves p by n elements.
func (p RemotePtrMut[T]) Offset(n int) RemotePtrMut[T] {
	return RemotePtrMut[T]{addr: p.addr + uintptr(n*int(sizeOf[T]())), key: p.key}
}

// Add moves p forward by n elements.
func (p RemotePtrMut[T]) Add(n uint) RemotePtrMut[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p RemotePtrMut[T]) Sub(n uint) RemotePtrMut[T] { return p.Offset(-int(n)) }

// AsConst converts p to a read-only remote pointer.
func (p RemotePtrMut[T]) AsConst() RemotePtr[T] { return RemotePtr[T](p) }

// Proc returns the rank owning the memory.
func (p ProcRemotePtr[T]) Proc() int { return p.proc }

// RPtr drops the process identity.
func (p ProcRemotePtr[T]) RPtr() RemotePtr[T] { return p.rptr }

// IsNull reports whether the remote address is null.
func (p ProcRemotePtr[T]) IsNull() bool { return p.rptr.IsNull() }

// Offset moves p by n elements on the same rank.
func (p ProcRemotePtr[T]) Offset(n int) ProcRemotePtr[T] {
	return ProcRemotePtr[T]{proc: p.proc, rptr: p.rptr.Offset(n)}
}

// Add moves p forward by n elements.
func (p ProcRemotePtr[T]) Add(n uint) ProcRemotePtr[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p ProcRemotePtr[T]) Sub(n uint) ProcRemotePtr[T] { return p.Offset(-int(n)) }

// AsMut converts p to a writable pointer on the same rank.
func (p ProcRemotePtr[T]) AsMut() ProcRemotePtrMut[T] {
	return ProcRemotePtrMut[T]{proc: p.proc, rptr: p.rptr.AsMut()}
}

func (p ProcRemotePtr[T]) String() string {
	return fmt.Sprintf("rank %d @ %#x", p.proc, p.rptr.addr)
}

// Proc returns the rank owning the memory.
func (p ProcRemotePtrMut[T]) Proc() int { return p.proc }

// RPtr drops the process identity and write access.
func (p ProcRemotePtrMut[T]) RPtr() RemotePtr[T] { return p.rptr.AsConst() }

// RPtrMut drops the process identity.
func (p ProcRemotePtrMut[T]) RPtrMut() RemotePtrMut[T] { return p.rptr }

// IsNull reports whether the remote address is null.
func (p ProcRemotePtrMut[T]) IsNull() bool { return p.rptr.IsNull() }

// AsConst converts p to a read-only pointer on the same rank.
func (p ProcRemotePtrMut[T]) AsConst() ProcRemotePtr[T] {
	return ProcRemotePtr[T]{proc: p.proc, rptr: p.rptr.AsConst()}
}

// Offset moves p by n elements on the same rank.
func (p ProcRemotePtrMut[T]) Offset(n int) ProcRemotePtrMut[T] {
	return ProcRemotePtrMut[T]{proc: p.proc, rptr: p.rptr.Offset(n)}
}

// Add moves p forward by n elements.
func (p ProcRemotePtrMut[T]) Add(n uint) ProcRemotePtrMut[T] { return p.Offset(int(n)) }

// Sub moves p back by n elements.
func (p ProcRemotePtrMut[T]) Sub(n uint) ProcRemotePtrMut[T] { return p.Offset(-int(n)) }

func (p ProcRemotePtrMut[T]) String() string {
	return fmt.Sprintf("rank %d @ %#x", p.proc, p.rptr.addr)
}

// CastLocal reinterprets the element type of p. Address and key are kept.
func CastLocal[U, T any](p LocalPtr[T]) LocalPtr[U] {
	return LocalPtr[U]{ptr: p.ptr, key: p.key}
}

// CastLocalMut reinterprets the element type of p.
func CastLocalMut[U, T any](p LocalPtrMut[T]) LocalPtrMut[U] {
	return LocalPtrMut[U]{ptr: p.ptr, key: p.key}
}

// CastRemote reinterprets the element type of p.
func CastRemote[U, T any](p RemotePtr[T]) RemotePtr[U] {
	return RemotePtr[U]{addr: p.addr, key: p.key}
}

// CastRemoteMut reinterprets the element type of p.
func CastRemoteMut[U, T any](p RemotePtrMut[T]) RemotePtrMut[U] {
	return RemotePtrMut[U]{addr: p.addr, key: p.key}
}

// CastProcRemote reinterprets the element type of p.
func CastProcRemote[U, T any](p ProcRemotePtr[T]) ProcRemotePtr[U] {
	return ProcRemotePtr[U]{proc: p.proc, rptr: CastRemote[U](p.rptr)}
}

// CastProcRemoteMut reinterprets the element type of p.
func CastProcRemoteMut[U, T any](p ProcRemotePtrMut[T]) ProcRemotePtrMut[U] {
	return ProcRemotePtrMut[U]{proc: p.proc, rptr: CastRemoteMut[U](p.rptr)}
}
