package region

import (
	"encoding/binary"
	"testing"

	"github.com/rocketbitz/rma-go/transport"
)

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, v)
	return b
}

func TestCompareAndSwap(t *testing.T) {
	target := le64(5)
	result := make([]byte, 8)
	if code := CompareAndSwap(target, le64(9), le64(5), result); code != transport.Success {
		t.Fatalf("CompareAndSwap: %v", code)
	}
	if binary.NativeEndian.Uint64(target) != 9 || binary.NativeEndian.Uint64(result) != 5 {
		t.Fatalf("swap not applied: target=%v result=%v", target, result)
	}

	if code := CompareAndSwap(target, le64(1), le64(5), result); code != transport.Success {
		t.Fatalf("CompareAndSwap: %v", code)
	}
	if binary.NativeEndian.Uint64(target) != 9 || binary.NativeEndian.Uint64(result) != 9 {
		t.Fatalf("mismatched compare must not swap: target=%v result=%v", target, result)
	}

	if code := CompareAndSwap(target, le64(1)[:4], le64(5), result); code != transport.ErrCount {
		t.Fatalf("expected ErrCount, got %v", code)
	}
}

func TestFetchAndOp(t *testing.T) {
	target := le64(40)
	result := make([]byte, 8)
	if code := FetchAndOp(transport.Uint64, transport.OpSum, target, le64(2), result); code != transport.Success {
		t.Fatalf("FetchAndOp: %v", code)
	}
	if binary.NativeEndian.Uint64(target) != 42 || binary.NativeEndian.Uint64(result) != 40 {
		t.Fatalf("sum not applied: target=%v result=%v", target, result)
	}

	if code := FetchAndOp(transport.Uint64, transport.OpNoOp, target, le64(0), result); code != transport.Success {
		t.Fatalf("FetchAndOp no-op: %v", code)
	}
	if binary.NativeEndian.Uint64(target) != 42 || binary.NativeEndian.Uint64(result) != 42 {
		t.Fatalf("no-op changed target: target=%v result=%v", target, result)
	}

	if code := FetchAndOp(transport.Float64, transport.OpBXor, target, le64(1), result); code != transport.ErrOp {
		t.Fatalf("expected ErrOp for float bxor, got %v", code)
	}
}
