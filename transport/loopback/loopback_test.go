package loopback

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"

	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/rma-go/transport"
)

func wait(dev transport.Device, tok *transport.Token) error {
	for {
		done, err := dev.Test(tok, nil)
		if done || err != nil {
			return err
		}
		runtime.Gosched()
	}
}

type remoteSlot struct {
	base uintptr
	key  transport.RemoteKey
}

// exposeSlot attaches slot and gathers every rank's registration.
func exposeSlot(dev transport.Device, win transport.Window, slot *int64) ([]remoteSlot, error) {
	reg, err := win.Attach(unsafe.Pointer(slot), unsafe.Sizeof(*slot))
	if err != nil {
		return nil, err
	}
	send := make([]byte, 16)
	binary.NativeEndian.PutUint64(send, uint64(reg.Base))
	binary.NativeEndian.PutUint64(send[8:], uint64(reg.RemoteKey))
	recv := make([]byte, 16*dev.Size())
	tok, err := dev.IAllgather(send, recv)
	if err != nil {
		return nil, err
	}
	if err := wait(dev, tok); err != nil {
		return nil, err
	}
	out := make([]remoteSlot, dev.Size())
	for i := range out {
		out[i].base = uintptr(binary.NativeEndian.Uint64(recv[16*i:]))
		out[i].key = transport.RemoteKey(binary.NativeEndian.Uint64(recv[16*i+8:]))
	}
	return out, nil
}

func barrier(dev transport.Device) error {
	tok, err := dev.IBarrier()
	if err != nil {
		return err
	}
	return wait(dev, tok)
}

func TestRingPutGet(t *testing.T) {
	f, err := New(4, WithLogger(zaptest.NewLogger(t)), WithCompletionDelay(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := make([]int64, 4)
	err = f.Spawn(func(dev transport.Device) error {
		win, err := dev.CreateWindow()
		if err != nil {
			return err
		}
		if err := win.LockAll(); err != nil {
			return err
		}
		var slot int64
		slots, err := exposeSlot(dev, win, &slot)
		if err != nil {
			return err
		}
		next := (dev.Rank() + 1) % dev.Size()
		value := int64(dev.Rank()+1) * 100
		tok, err := win.Put(unsafe.Pointer(&value), 8, next, slots[next].base, slots[next].key)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); err != nil {
			return err
		}
		if err := barrier(dev); err != nil {
			return err
		}
		var fetched int64
		tok, err = win.Get(unsafe.Pointer(&fetched), 8, dev.Rank(), slots[dev.Rank()].base, slots[dev.Rank()].key)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); err != nil {
			return err
		}
		got[dev.Rank()] = fetched
		if err := barrier(dev); err != nil {
			return err
		}
		if err := win.Detach(unsafe.Pointer(&slot)); err != nil {
			return err
		}
		if err := win.UnlockAll(); err != nil {
			return err
		}
		if err := win.Free(); err != nil {
			return err
		}
		return dev.Close()
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	want := []int64{400, 100, 200, 300}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank %d read %d want %d", i, got[i], want[i])
		}
	}
}

func TestCompletionDelayCountsPolls(t *testing.T) {
	f, err := New(1, WithCompletionDelay(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ep := f.Endpoint(0)
	win, err := ep.CreateWindow()
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if err := win.LockAll(); err != nil {
		t.Fatalf("LockAll: %v", err)
	}
	var slot, value int64 = 0, 7
	reg, err := win.Attach(unsafe.Pointer(&slot), 8)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	tok, err := win.Put(unsafe.Pointer(&value), 8, 0, reg.Base, reg.RemoteKey)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	polls := 0
	for {
		polls++
		done, err := ep.Test(tok, nil)
		if err != nil {
			t.Fatalf("Test: %v", err)
		}
		if done {
			break
		}
	}
	if polls != 4 {
		t.Fatalf("expected 4 polls, got %d", polls)
	}
	if slot != 7 {
		t.Fatalf("put not applied, slot=%d", slot)
	}
	if done, err := ep.Test(tok, nil); !done || !errors.Is(err, transport.ErrTokenConsumed) {
		t.Fatalf("expected consumed token, got %v %v", done, err)
	}
}

func TestFlushAppliesQueuedOperations(t *testing.T) {
	f, _ := New(1, WithCompletionDelay(100))
	ep := f.Endpoint(0)
	win, _ := ep.CreateWindow()
	_ = win.LockAll()
	var slot, value int64 = 0, 11
	reg, _ := win.Attach(unsafe.Pointer(&slot), 8)
	tok, err := win.Put(unsafe.Pointer(&value), 8, 0, reg.Base, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := win.Flush(0); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if slot != 11 {
		t.Fatalf("flush did not apply put, slot=%d", slot)
	}
	if done, err := ep.Test(tok, nil); !done || err != nil {
		t.Fatalf("expected resolved token after flush, got %v %v", done, err)
	}
}

func TestAccessErrors(t *testing.T) {
	f, _ := New(2, WithAttachLimit(1))
	ep := f.Endpoint(0)
	err := f.Spawn(func(dev transport.Device) error {
		win, err := dev.CreateWindow()
		if err != nil {
			return err
		}
		if dev.Rank() != 0 {
			return nil
		}
		var slot, other, value int64
		if _, err := win.Put(unsafe.Pointer(&value), 8, 0, uintptr(unsafe.Pointer(&slot)), 0); transport.CodeOf(err) != transport.ErrRMASync {
			t.Errorf("expected ErrRMASync before LockAll, got %v", err)
		}
		if err := win.LockAll(); err != nil {
			return err
		}
		if err := win.LockAll(); transport.CodeOf(err) != transport.ErrRMASync {
			t.Errorf("expected ErrRMASync on nested LockAll, got %v", err)
		}
		reg, err := win.Attach(unsafe.Pointer(&slot), 8)
		if err != nil {
			return err
		}
		if _, err := win.Attach(unsafe.Pointer(&other), 8); transport.CodeOf(err) != transport.ErrNoMem {
			t.Errorf("expected ErrNoMem past the attach limit, got %v", err)
		}
		if _, err := win.Put(unsafe.Pointer(&value), 8, 5, reg.Base, 0); transport.CodeOf(err) != transport.ErrRank {
			t.Errorf("expected ErrRank, got %v", err)
		}

		tok, err := win.Put(unsafe.Pointer(&value), 8, 0, reg.Base+4, reg.RemoteKey)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); transport.CodeOf(err) != transport.ErrRMARange {
			t.Errorf("expected ErrRMARange, got %v", err)
		}
		tok, err = win.Get(unsafe.Pointer(&value), 8, 0, reg.Base, reg.RemoteKey+1)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); transport.CodeOf(err) != transport.ErrKey {
			t.Errorf("expected ErrKey, got %v", err)
		}
		if err := win.Detach(unsafe.Pointer(&other)); transport.CodeOf(err) != transport.ErrRMAAttach {
			t.Errorf("expected ErrRMAAttach for unknown detach, got %v", err)
		}
		return win.Detach(unsafe.Pointer(&slot))
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(ep.reg.Outstanding()) != 0 {
		t.Fatalf("unexpected outstanding tokens")
	}
}

func TestAllreduceAndMismatch(t *testing.T) {
	f, _ := New(3)
	err := f.Spawn(func(dev transport.Device) error {
		send := []int64{int64(dev.Rank()), 1}
		recv := make([]int64, 2)
		tok, err := dev.IAllreduce(int64Bytes(send), int64Bytes(recv), transport.Int64, transport.OpSum)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); err != nil {
			return err
		}
		if recv[0] != 3 || recv[1] != 3 {
			t.Errorf("rank %d: allreduce got %v", dev.Rank(), recv)
		}

		if dev.Rank() == 0 {
			tok, err = dev.IBarrier()
		} else {
			tok, err = dev.IAllgather([]byte{1}, make([]byte, 3))
		}
		if err != nil {
			return err
		}
		if err := wait(dev, tok); transport.CodeOf(err) != transport.ErrCollective {
			t.Errorf("rank %d: expected ErrCollective, got %v", dev.Rank(), err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
}

func TestAllreduceRejectsFloatBitwise(t *testing.T) {
	f, _ := New(1)
	ep := f.Endpoint(0)
	buf := make([]byte, 8)
	if _, err := ep.IAllreduce(buf, buf, transport.Float64, transport.OpBOr); transport.CodeOf(err) != transport.ErrOp {
		t.Fatalf("expected ErrOp, got %v", err)
	}
	if _, err := ep.IAllgather(buf, buf); transport.CodeOf(err) != transport.ErrCount {
		t.Fatalf("expected ErrCount, got %v", err)
	}
}

func TestCompareAndSwapSingleWinner(t *testing.T) {
	f, _ := New(4)
	var winners atomic.Int32
	err := f.Spawn(func(dev transport.Device) error {
		win, err := dev.CreateWindow()
		if err != nil {
			return err
		}
		if err := win.LockAll(); err != nil {
			return err
		}
		var counter int64
		slots, err := exposeSlot(dev, win, &counter)
		if err != nil {
			return err
		}
		origin, compare, result := int64(dev.Rank()+1), int64(0), int64(-1)
		tok, err := win.CompareAndSwap(unsafe.Pointer(&origin), unsafe.Pointer(&compare), unsafe.Pointer(&result), transport.Int64, 0, slots[0].base, slots[0].key)
		if err != nil {
			return err
		}
		if err := wait(dev, tok); err != nil {
			return err
		}
		if result == 0 {
			winners.Add(1)
		}
		if err := barrier(dev); err != nil {
			return err
		}
		if err := win.UnlockAll(); err != nil {
			return err
		}
		return win.Free()
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestCloseReportsLeakedTokens(t *testing.T) {
	f, _ := New(1)
	ep := f.Endpoint(0)
	if _, err := ep.IBarrier(); err != nil {
		t.Fatalf("IBarrier: %v", err)
	}
	err := ep.Close()
	if transport.CodeOf(err) != transport.ErrPending {
		t.Fatalf("expected ErrPending, got %v", err)
	}
	if err := ep.Close(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed on second close, got %v", err)
	}
}

func int64Bytes(v []int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
}
