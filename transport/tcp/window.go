package tcp

import (
	"bytes"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/internal/region"
	"github.com/rocketbitz/rma-go/transport"
)

// Window is this rank's share of a dynamic window.
type Window struct {
	id    uint64
	ep    *Endpoint
	table *region.Table

	// mu serializes every access applied to this rank's memory.
	mu    sync.Mutex
	epoch atomic.Bool
	freed atomic.Bool
}

var _ transport.Window = (*Window)(nil)

func newWindow(ep *Endpoint, id uint64) *Window {
	return &Window{id: id, ep: ep, table: region.NewTable(ep.cfg.AttachLimit)}
}

// LockAll opens the access epoch to every rank.
func (w *Window) LockAll() error {
	if w.freed.Load() {
		return transport.ErrWin.WithOp("lock_all")
	}
	if !w.epoch.CompareAndSwap(false, true) {
		return transport.ErrRMASync.WithOp("lock_all")
	}
	return nil
}

// UnlockAll waits for every request this rank issued on the window and
// closes the epoch.
func (w *Window) UnlockAll() error {
	if !w.epoch.Load() {
		return transport.ErrRMASync.WithOp("unlock_all")
	}
	w.drain(-1)
	w.epoch.Store(false)
	return nil
}

// Attach exposes size bytes at ptr to remote access.
func (w *Window) Attach(ptr unsafe.Pointer, size uintptr) (transport.Registration, error) {
	if w.freed.Load() {
		return transport.Registration{}, transport.ErrWin.WithOp("attach")
	}
	reg, code := w.table.Attach(ptr, size)
	if code != transport.Success {
		return transport.Registration{}, code.WithOp("attach")
	}
	w.ep.log.Debug("region attached", zap.Uint64("window", w.id), zap.Uintptr("base", reg.Base), zap.Uintptr("size", reg.Size))
	return reg, nil
}

// Detach withdraws the region attached at ptr.
func (w *Window) Detach(ptr unsafe.Pointer) error {
	if code := w.table.Detach(ptr); code != transport.Success {
		return code.WithOp("detach")
	}
	w.ep.log.Debug("region detached", zap.Uint64("window", w.id), zap.Uintptr("base", uintptr(ptr)))
	return nil
}

// Put copies n bytes from src to target's memory at disp.
func (w *Window) Put(src unsafe.Pointer, n uintptr, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	if n > maxPayload {
		return nil, transport.ErrCount.WithOp("put")
	}
	f := &frame{kind: kindPut, disp: uint64(disp), key: uint64(key), data: bytes.Clone(bytesAt(src, n))}
	return w.request("put", target, f, func(ack *frame) (int, transport.Errno) {
		return int(ack.length), transport.Success
	})
}

// Get copies n bytes from target's memory at disp into dst.
func (w *Window) Get(dst unsafe.Pointer, n uintptr, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	if n > maxPayload {
		return nil, transport.ErrCount.WithOp("get")
	}
	f := &frame{kind: kindGet, disp: uint64(disp), key: uint64(key), length: uint64(n)}
	return w.request("get", target, f, func(ack *frame) (int, transport.Errno) {
		if uintptr(len(ack.data)) != n {
			return 0, transport.ErrTruncate
		}
		copy(bytesAt(dst, n), ack.data)
		return len(ack.data), transport.Success
	})
}

// CompareAndSwap replaces target memory with origin when it equals compare
// and returns the prior value in result.
func (w *Window) CompareAndSwap(origin, compare, result unsafe.Pointer, dt transport.Datatype, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	if !dt.Valid() {
		return nil, transport.ErrType.WithOp("compare_and_swap")
	}
	n := uintptr(dt.Size())
	f := &frame{
		kind:     kindCAS,
		disp:     uint64(disp),
		key:      uint64(key),
		datatype: dt,
		data:     bytes.Clone(bytesAt(origin, n)),
		compare:  bytes.Clone(bytesAt(compare, n)),
	}
	return w.request("compare_and_swap", target, f, fetchInto(result, n))
}

// FetchAndOp combines origin into target memory with op and returns the
// prior value in result.
func (w *Window) FetchAndOp(origin, result unsafe.Pointer, dt transport.Datatype, target int, disp uintptr, key transport.RemoteKey, op transport.Op) (*transport.Token, error) {
	if code := transport.CheckReduction(dt, op); code != transport.Success {
		return nil, code.WithOp("fetch_and_op")
	}
	n := uintptr(dt.Size())
	operand := make([]byte, n)
	if op != transport.OpNoOp {
		copy(operand, bytesAt(origin, n))
	}
	f := &frame{kind: kindFAO, disp: uint64(disp), key: uint64(key), datatype: dt, op: op, data: operand}
	return w.request("fetch_and_op", target, f, fetchInto(result, n))
}

// Flush waits until every request this rank issued to target on the window
// has been acknowledged.
func (w *Window) Flush(target int) error {
	if err := w.checkAccess("flush", target); err != nil {
		return err
	}
	w.drain(target)
	return nil
}

// Free releases the window on every rank. It blocks until all ranks have
// freed their share.
func (w *Window) Free() error {
	if w.freed.Swap(true) {
		return transport.ErrWin.WithOp("free")
	}
	w.drain(-1)
	err := w.ep.sync("free_window")
	w.ep.dropWindow(w.id)
	w.ep.log.Debug("window freed", zap.Uint64("window", w.id), zap.Int("regions", w.table.Len()))
	return err
}

func (w *Window) drain(target int) {
	for _, tok := range w.ep.outstanding(w.id, target) {
		<-tok.Done()
	}
}

func (w *Window) checkAccess(op string, target int) error {
	if w.freed.Load() {
		return transport.ErrWin.WithOp(op)
	}
	if !w.epoch.Load() {
		return transport.ErrRMASync.WithOp(op)
	}
	if target < 0 || target >= w.ep.size {
		return transport.ErrRank.WithOp(op)
	}
	return nil
}

func (w *Window) request(op string, target int, f *frame, finish func(*frame) (int, transport.Errno)) (*transport.Token, error) {
	if err := w.checkAccess(op, target); err != nil {
		return nil, err
	}
	tok := w.ep.reg.Issue(op, target)
	f.window = w.id
	if target == w.ep.rank {
		var ack frame
		ack.data, ack.length, ack.errno = w.serve(f)
		if ack.errno != transport.Success {
			tok.Fail(ack.errno)
			return tok, nil
		}
		count, code := finish(&ack)
		if code != transport.Success {
			tok.Fail(code)
			return tok, nil
		}
		tok.Complete(count)
		return tok, nil
	}
	w.ep.submit(tok, target, f, finish)
	return tok, nil
}

// serve applies a request frame to this rank's memory and returns the reply
// payload, the bytes moved and the completion code.
func (w *Window) serve(f *frame) ([]byte, uint64, transport.Errno) {
	switch f.kind {
	case kindPut:
		if len(f.data) == 0 {
			return nil, 0, transport.Success
		}
		mem, code := w.table.Resolve(uintptr(f.disp), uintptr(len(f.data)), transport.RemoteKey(f.key))
		if code != transport.Success {
			return nil, 0, code
		}
		w.mu.Lock()
		copy(mem, f.data)
		w.mu.Unlock()
		return nil, uint64(len(f.data)), transport.Success
	case kindGet:
		if f.length == 0 {
			return []byte{}, 0, transport.Success
		}
		if f.length > maxPayload {
			return nil, 0, transport.ErrCount
		}
		mem, code := w.table.Resolve(uintptr(f.disp), uintptr(f.length), transport.RemoteKey(f.key))
		if code != transport.Success {
			return nil, 0, code
		}
		w.mu.Lock()
		out := bytes.Clone(mem)
		w.mu.Unlock()
		return out, f.length, transport.Success
	case kindCAS, kindFAO:
		n := f.datatype.Size()
		if n == 0 {
			return nil, 0, transport.ErrType
		}
		mem, code := w.table.Resolve(uintptr(f.disp), uintptr(n), transport.RemoteKey(f.key))
		if code != transport.Success {
			return nil, 0, code
		}
		result := make([]byte, n)
		w.mu.Lock()
		if f.kind == kindCAS {
			code = region.CompareAndSwap(mem, f.data, f.compare, result)
		} else {
			code = region.FetchAndOp(f.datatype, f.op, mem, f.data, result)
		}
		w.mu.Unlock()
		if code != transport.Success {
			return nil, 0, code
		}
		return result, uint64(n), transport.Success
	}
	return nil, 0, transport.ErrProto
}

func fetchInto(result unsafe.Pointer, n uintptr) func(*frame) (int, transport.Errno) {
	return func(ack *frame) (int, transport.Errno) {
		if uintptr(len(ack.data)) != n {
			return 0, transport.ErrTruncate
		}
		copy(bytesAt(result, n), ack.data)
		return len(ack.data), transport.Success
	}
}

func bytesAt(p unsafe.Pointer, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}
