// Package transport defines the contract between the RMA core and the wire
// transport that moves bytes between processes: non-blocking one-sided
// operations on dynamic windows, non-blocking collectives, and a poll
// primitive that consumes completion tokens.
//
// Implementations live in subpackages: loopback runs every rank inside one
// process, tcp connects ranks across processes.
package transport

import "unsafe"

// Device is a process-group endpoint. Rank and Size never change for the
// lifetime of the endpoint.
type Device interface {
	Rank() int
	Size() int

	// CreateWindow creates a dynamic window. It is collective.
	CreateWindow() (Window, error)

	// IBarrier starts a barrier across all ranks.
	IBarrier() (*Token, error)
	// IAllgather concatenates every rank's send buffer into recv in rank
	// order. len(recv) must equal len(send)*Size().
	IAllgather(send, recv []byte) (*Token, error)
	// IAllreduce reduces every rank's send buffer element-wise into recv.
	IAllreduce(send, recv []byte, dt Datatype, op Op) (*Token, error)

	// Test polls tok and consumes it on completion. st may be nil.
	Test(tok *Token, st *Status) (bool, error)

	// Close releases the endpoint and reports tokens that were never waited.
	Close() error
}

// Window is a dynamic window whose displacements are absolute addresses of
// attached regions on the target rank.
type Window interface {
	// LockAll opens a shared access epoch to every rank.
	LockAll() error
	// UnlockAll closes the epoch opened by LockAll, completing outstanding
	// operations first.
	UnlockAll() error

	// Attach exposes size bytes at ptr to remote access. ptr must stay valid
	// until Detach.
	Attach(ptr unsafe.Pointer, size uintptr) (Registration, error)
	// Detach removes the region starting at ptr.
	Detach(ptr unsafe.Pointer) error

	// Put copies n bytes from src into target's memory at disp.
	Put(src unsafe.Pointer, n uintptr, target int, disp uintptr, key RemoteKey) (*Token, error)
	// Get copies n bytes from target's memory at disp into dst.
	Get(dst unsafe.Pointer, n uintptr, target int, disp uintptr, key RemoteKey) (*Token, error)
	// CompareAndSwap atomically replaces the element at disp with *origin
	// when it equals *compare, storing the prior value in *result.
	CompareAndSwap(origin, compare, result unsafe.Pointer, dt Datatype, target int, disp uintptr, key RemoteKey) (*Token, error)
	// FetchAndOp atomically applies op with *origin to the element at disp,
	// storing the prior value in *result.
	FetchAndOp(origin, result unsafe.Pointer, dt Datatype, target int, disp uintptr, key RemoteKey, op Op) (*Token, error)
	// Flush completes every outstanding operation this rank issued to target.
	Flush(target int) error

	// Free releases the window. It is collective.
	Free() error
}
