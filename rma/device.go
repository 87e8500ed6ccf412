// Package rma is the one-sided access surface: typed local and remote
// pointers, attachment of local memory to the group's dynamic window, and
// put/get/atomic operations whose completion is driven by the cooperative
// completion engine.
//
// The Device implements the untyped byte primitives once; the generic
// functions in this package derive every typed operation from them by
// scaling counts with the element size.
package rma

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rma-go/completion"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
)

// Device issues one-sided operations on a dynamic window that spans the
// whole group.
type Device struct {
	tr     transport.Device
	win    transport.Window
	eng    *completion.Engine
	rec    *telemetry.Recorder
	closed atomic.Bool
}

// NewDevice creates the group's dynamic window and opens a shared access
// epoch to every rank. It is collective.
func NewDevice(tr transport.Device, eng *completion.Engine, rec *telemetry.Recorder) (*Device, error) {
	win, err := tr.CreateWindow()
	if err != nil {
		return nil, fmt.Errorf("rma: create window: %w", err)
	}
	if err := win.LockAll(); err != nil {
		return nil, multierr.Append(fmt.Errorf("rma: lock window: %w", err), win.Free())
	}
	return &Device{tr: tr, win: win, eng: eng, rec: rec}, nil
}

// Rank returns this process's rank.
func (d *Device) Rank() int { return d.tr.Rank() }

// Size returns the number of ranks.
func (d *Device) Size() int { return d.tr.Size() }

// Engine returns the completion engine the device waits with.
func (d *Device) Engine() *completion.Engine { return d.eng }

// Close ends the access epoch and frees the window. It is collective; every
// attachment should be detached first.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.win.UnlockAll()
	return multierr.Append(err, d.win.Free())
}

// AttachBytes registers size bytes at ptr for remote access.
func (d *Device) AttachBytes(ptr unsafe.Pointer, size uintptr) (*LocalAttach[byte], error) {
	return Attach(d, (*byte)(ptr), int(size))
}

// DetachBytes unregisters a. On success a becomes null; on failure it keeps
// its registration. Detaching a null attachment panics.
func (d *Device) DetachBytes(a *LocalAttach[byte]) error {
	return detach(d, a)
}

func detach[T any](d *Device, a *LocalAttach[T]) error {
	if a.IsNull() {
		panic("rma: detach of a null attachment")
	}
	size := a.size()
	base := uintptr(a.ptr)
	if err := d.win.Detach(a.ptr); err != nil {
		return err
	}
	a.release()
	d.rec.Detached(size, telemetry.KV("base", base))
	return nil
}

// IWriteBytes starts copying n bytes from src to dst.
func (d *Device) IWriteBytes(src LocalPtr[byte], dst ProcRemotePtrMut[byte], n uintptr) (*completion.Request, error) {
	tok, err := d.win.Put(src.ptr, n, dst.proc, dst.rptr.addr, dst.rptr.key)
	if err != nil {
		return nil, err
	}
	d.rec.Posted(n, 0)
	return completion.NewRequest(d.eng, tok), nil
}

// IReadBytes starts copying n bytes from src into dst.
func (d *Device) IReadBytes(src ProcRemotePtr[byte], dst LocalPtrMut[byte], n uintptr) (*completion.Request, error) {
	tok, err := d.win.Get(dst.ptr, n, src.proc, src.rptr.addr, src.rptr.key)
	if err != nil {
		return nil, err
	}
	d.rec.Posted(0, n)
	return completion.NewRequest(d.eng, tok), nil
}

// WriteBytes copies n bytes from src to dst and waits for completion. The
// data is visible to any read that starts after WriteBytes returns.
func (d *Device) WriteBytes(src LocalPtr[byte], dst ProcRemotePtrMut[byte], n uintptr) error {
	req, err := d.IWriteBytes(src, dst, n)
	if err != nil {
		return err
	}
	return req.Wait()
}

// BufWriteBytes copies buf to dst and waits for completion.
func (d *Device) BufWriteBytes(buf []byte, dst ProcRemotePtrMut[byte]) error {
	return d.WriteBytes(LocalPtrOf(buf), dst, uintptr(len(buf)))
}

// ReadBytes copies n bytes from src into dst and waits for completion.
func (d *Device) ReadBytes(src ProcRemotePtr[byte], dst LocalPtrMut[byte], n uintptr) error {
	req, err := d.IReadBytes(src, dst, n)
	if err != nil {
		return err
	}
	return req.Wait()
}

// Flush completes every operation this rank issued to proc.
func (d *Device) Flush(proc int) error {
	return d.win.Flush(proc)
}

func (d *Device) compareAndSwapBytes(origin, compare, result unsafe.Pointer, dt transport.Datatype, dst ProcRemotePtrMut[byte]) error {
	tok, err := d.win.CompareAndSwap(origin, compare, result, dt, dst.proc, dst.rptr.addr, dst.rptr.key)
	if err != nil {
		return err
	}
	d.rec.Posted(uintptr(dt.Size()), uintptr(dt.Size()))
	return d.eng.Wait(tok)
}

func (d *Device) fetchAndOpBytes(origin, result unsafe.Pointer, dt transport.Datatype, dst ProcRemotePtrMut[byte], op transport.Op) error {
	tok, err := d.win.FetchAndOp(origin, result, dt, dst.proc, dst.rptr.addr, dst.rptr.key, op)
	if err != nil {
		return err
	}
	var written uintptr
	if op != transport.OpNoOp {
		written = uintptr(dt.Size())
	}
	d.rec.Posted(written, uintptr(dt.Size()))
	return d.eng.Wait(tok)
}
