package rma

import (
	"testing"

	"github.com/rocketbitz/rma-go/transport"
)

func TestLocalPtrArithmetic(t *testing.T) {
	buf := []int32{10, 20, 30, 40}
	p := NewLocalPtr(&buf[0], 7)

	if got := p.Add(2).Load(); got != 30 {
		t.Fatalf("Add(2).Load() = %d", got)
	}
	if got := p.Add(3).Sub(1).Load(); got != 30 {
		t.Fatalf("Add(3).Sub(1).Load() = %d", got)
	}
	if got := p.Offset(3).Offset(-2).Load(); got != 20 {
		t.Fatalf("Offset round trip = %d", got)
	}
	if diff := p.Add(1).Addr() - p.Addr(); diff != 4 {
		t.Fatalf("Add(1) moved %d bytes, want 4", diff)
	}
	if p.Add(2).Key() != 7 {
		t.Fatal("offset dropped the local key")
	}

	m := p.AsMut()
	m.Add(1).Store(99)
	if buf[1] != 99 {
		t.Fatalf("Store through AsMut not visible: %v", buf)
	}
	if m.AsConst() != p {
		t.Fatal("AsConst changed the pointer")
	}
	if got := m.Slice(4); len(got) != 4 || got[3] != 40 {
		t.Fatalf("Slice = %v", got)
	}
}

func TestCastKeepsAddressAndKey(t *testing.T) {
	buf := []uint64{0x0102030405060708}
	p := NewLocalPtrMut(&buf[0], 3)
	b := CastLocalMut[byte](p)
	if b.Addr() != p.Addr() || b.Key() != 3 {
		t.Fatalf("cast changed identity: %#x/%d", b.Addr(), b.Key())
	}
	if b.Add(1).Addr() != p.Addr()+1 {
		t.Fatal("byte pointer arithmetic not scaled by 1")
	}
	back := CastLocal[uint64](b.AsConst())
	if back.Load() != buf[0] {
		t.Fatal("cast round trip lost the value")
	}
}

func TestRemotePointers(t *testing.T) {
	r := NewRemotePtrMut[int64](0x1000, 42)
	if r.Add(2).Addr() != 0x1010 || r.Sub(1).Addr() != 0xff8 {
		t.Fatalf("remote arithmetic: %#x %#x", r.Add(2).Addr(), r.Sub(1).Addr())
	}
	if r.Offset(1).Key() != 42 {
		t.Fatal("offset dropped the remote key")
	}

	pr := NewProcRemotePtrMut(3, r)
	if pr.Proc() != 3 || pr.RPtrMut() != r || pr.RPtr() != r.AsConst() {
		t.Fatal("projection mismatch")
	}
	if pr.Add(1).Proc() != 3 || pr.Add(1).RPtr().Addr() != 0x1008 {
		t.Fatal("offset lost the process identity")
	}
	c := CastProcRemoteMut[int32](pr)
	if c.Add(1).RPtr().Addr() != 0x1004 || c.Proc() != 3 || c.RPtr().Key() != 42 {
		t.Fatal("cast proc pointer mismatch")
	}
	if pr.AsConst().AsMut() != pr {
		t.Fatal("const/mut round trip changed the pointer")
	}
	if got := pr.AsConst().String(); got != "rank 3 @ 0x1000" {
		t.Fatalf("String() = %q", got)
	}
}

func TestZeroValuesAreNull(t *testing.T) {
	var lp LocalPtr[float64]
	var rp RemotePtr[float64]
	var pp ProcRemotePtrMut[float64]
	var a *LocalAttach[float64]
	if !lp.IsNull() || !rp.IsNull() || !pp.IsNull() || !a.IsNull() {
		t.Fatal("zero values must be null")
	}
	if !LocalPtrOf[int]([]int{}).IsNull() {
		t.Fatal("pointer to an empty slice must be null")
	}
	if _, ok := transport.DatatypeForSize(sizeOf[ProcRemotePtr[byte]]()); ok {
		t.Fatal("process pointers must not be mistaken for atomic operands")
	}
}
