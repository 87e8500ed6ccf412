package loopback

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/internal/region"
	"github.com/rocketbitz/rma-go/transport"
)

// Window is one rank's share of a dynamic window.
type Window struct {
	id    uint64
	ep    *Endpoint
	group *windowGroup
	table *region.Table

	// mu serializes every access applied to this rank's memory.
	mu    sync.Mutex
	epoch atomic.Bool
	freed atomic.Bool
}

var _ transport.Window = (*Window)(nil)

func newWindow(ep *Endpoint, id uint64) *Window {
	return &Window{id: id, ep: ep, table: region.NewTable(ep.fabric.opts.attachLimit)}
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

// UnlockAll completes every operation this rank issued on the window and
// closes the epoch.
func (w *Window) UnlockAll() error {
	if !w.epoch.Load() {
		return transport.ErrRMASync.WithOp("unlock_all")
	}
	w.ep.progress(w, -1, true)
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

// Put queues a copy of n bytes from src to target's memory at disp.
func (w *Window) Put(src unsafe.Pointer, n uintptr, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	return w.issue("put", target, func(tw *Window) (int, transport.Errno) {
		if n == 0 {
			return 0, transport.Success
		}
		dst, code := tw.table.Resolve(disp, n, key)
		if code != transport.Success {
			return 0, code
		}
		tw.mu.Lock()
		copy(dst, unsafe.Slice((*byte)(src), n))
		tw.mu.Unlock()
		return int(n), transport.Success
	})
}

// Get queues a copy of n bytes from target's memory at disp into dst.
func (w *Window) Get(dst unsafe.Pointer, n uintptr, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	return w.issue("get", target, func(tw *Window) (int, transport.Errno) {
		if n == 0 {
			return 0, transport.Success
		}
		src, code := tw.table.Resolve(disp, n, key)
		if code != transport.Success {
			return 0, code
		}
		tw.mu.Lock()
		copy(unsafe.Slice((*byte)(dst), n), src)
		tw.mu.Unlock()
		return int(n), transport.Success
	})
}

// CompareAndSwap queues a single-element compare-and-swap on target.
func (w *Window) CompareAndSwap(origin, compare, result unsafe.Pointer, dt transport.Datatype, target int, disp uintptr, key transport.RemoteKey) (*transport.Token, error) {
	if !dt.Valid() {
		return nil, transport.ErrType.WithOp("compare_and_swap")
	}
	n := uintptr(dt.Size())
	return w.issue("compare_and_swap", target, func(tw *Window) (int, transport.Errno) {
		mem, code := tw.table.Resolve(disp, n, key)
		if code != transport.Success {
			return 0, code
		}
		tw.mu.Lock()
		defer tw.mu.Unlock()
		return int(n), region.CompareAndSwap(mem, bytesAt(origin, n), bytesAt(compare, n), bytesAt(result, n))
	})
}

// FetchAndOp queues a single-element fetch-and-op on target.
func (w *Window) FetchAndOp(origin, result unsafe.Pointer, dt transport.Datatype, target int, disp uintptr, key transport.RemoteKey, op transport.Op) (*transport.Token, error) {
	if code := transport.CheckReduction(dt, op); code != transport.Success {
		return nil, code.WithOp("fetch_and_op")
	}
	n := uintptr(dt.Size())
	return w.issue("fetch_and_op", target, func(tw *Window) (int, transport.Errno) {
		mem, code := tw.table.Resolve(disp, n, key)
		if code != transport.Success {
			return 0, code
		}
		tw.mu.Lock()
		defer tw.mu.Unlock()
		operand := make([]byte, n)
		if op != transport.OpNoOp {
			operand = bytesAt(origin, n)
		}
		return int(n), region.FetchAndOp(dt, op, mem, operand, bytesAt(result, n))
	})
}

// Flush applies every queued operation this rank issued to target on the
// window. The tokens still have to be waited.
func (w *Window) Flush(target int) error {
	if err := w.checkAccess("flush", target); err != nil {
		return err
	}
	w.ep.progress(w, target, true)
	return nil
}

// Free releases the window on every rank. It blocks until all ranks have
// freed their share.
func (w *Window) Free() error {
	if w.freed.Swap(true) {
		return transport.ErrWin.WithOp("free")
	}
	w.ep.progress(w, -1, true)
	err := w.ep.sync("free_window")
	w.ep.fabric.leaveWindow(w.id, w.ep.rank)
	w.ep.log.Debug("window freed", zap.Uint64("window", w.id), zap.Int("regions", w.table.Len()))
	return err
}

func (w *Window) checkAccess(op string, target int) error {
	if w.freed.Load() {
		return transport.ErrWin.WithOp(op)
	}
	if !w.epoch.Load() {
		return transport.ErrRMASync.WithOp(op)
	}
	if target < 0 || target >= w.ep.fabric.size {
		return transport.ErrRank.WithOp(op)
	}
	return nil
}

func (w *Window) issue(op string, target int, apply func(tw *Window) (int, transport.Errno)) (*transport.Token, error) {
	if err := w.checkAccess(op, target); err != nil {
		return nil, err
	}
	tok := w.ep.reg.Issue(op, target)
	w.ep.enqueue(&pendingOp{
		tok:    tok,
		win:    w,
		target: target,
		run: func() (int, transport.Errno) {
			tw := w.ep.fabric.target(w.group, target)
			if tw == nil {
				return 0, transport.ErrWin
			}
			return apply(tw)
		},
	})
	return tok, nil
}

func bytesAt(p unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(p), n)
}
