package collective

import (
	"testing"
	"unsafe"

	"github.com/rocketbitz/rma-go/transport"
)

func int64Bytes(v ...int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
}

func TestRoundAllgather(t *testing.T) {
	r := NewRound(1, 3)
	for rank := 0; rank < 3; rank++ {
		done := r.Add(rank, Contribution{Kind: Allgather, Data: []byte{byte(rank), byte(rank * 10)}})
		if done != (rank == 2) {
			t.Fatalf("rank %d: complete=%v", rank, done)
		}
	}
	recv := make([]byte, 6)
	if code := r.Result(Contribution{Kind: Allgather, Data: []byte{0, 0}}, recv); code != transport.Success {
		t.Fatalf("Result: %v", code)
	}
	want := []byte{0, 0, 1, 10, 2, 20}
	if string(recv) != string(want) {
		t.Fatalf("got %v want %v", recv, want)
	}
	if code := r.Result(Contribution{Kind: Allgather, Data: []byte{0, 0}}, make([]byte, 5)); code != transport.ErrCount {
		t.Fatalf("expected ErrCount, got %v", code)
	}
}

func TestRoundAllreduceInRankOrder(t *testing.T) {
	r := NewRound(7, 2)
	self := Contribution{Kind: Allreduce, Datatype: transport.Int64, Op: transport.OpSum, Data: int64Bytes(1, 2)}
	r.Add(1, Contribution{Kind: Allreduce, Datatype: transport.Int64, Op: transport.OpSum, Data: int64Bytes(10, 20)})
	r.Add(0, self)

	recv := make([]int64, 2)
	if code := r.Result(self, make([]byte, 8)); code != transport.ErrCount {
		t.Fatalf("expected ErrCount for short recv, got %v", code)
	}
	out := unsafe.Slice((*byte)(unsafe.Pointer(&recv[0])), 16)
	if code := r.Result(self, out); code != transport.Success {
		t.Fatalf("Result: %v", code)
	}
	if recv[0] != 11 || recv[1] != 22 {
		t.Fatalf("got %v", recv)
	}
}

func TestRoundMismatch(t *testing.T) {
	r := NewRound(2, 2)
	r.Add(0, Contribution{Kind: Barrier})
	r.Add(1, Contribution{Kind: Allgather, Data: []byte{1}})
	if code := r.Result(Contribution{Kind: Barrier}, nil); code != transport.ErrCollective {
		t.Fatalf("expected ErrCollective, got %v", code)
	}

	dup := NewRound(3, 2)
	dup.Add(0, Contribution{Kind: Barrier})
	dup.Add(0, Contribution{Kind: Barrier})
	if code := dup.Result(Contribution{Kind: Barrier}, nil); code != transport.ErrCollective {
		t.Fatalf("expected ErrCollective for duplicate, got %v", code)
	}

	ops := NewRound(4, 2)
	ops.Add(0, Contribution{Kind: Allreduce, Datatype: transport.Int64, Op: transport.OpSum, Data: int64Bytes(1)})
	ops.Add(1, Contribution{Kind: Allreduce, Datatype: transport.Int64, Op: transport.OpMax, Data: int64Bytes(1)})
	if code := ops.Result(Contribution{Kind: Allreduce, Datatype: transport.Int64, Op: transport.OpSum, Data: int64Bytes(1)}, make([]byte, 8)); code != transport.ErrCollective {
		t.Fatalf("expected ErrCollective for op mismatch, got %v", code)
	}
}
