// Package alltoall allocates symmetric memory: every rank owns a buffer of the
// same length and holds a table addressing the analogous buffer on every
// other rank.
package alltoall

import (
	"fmt"

	"github.com/rocketbitz/rma-go/coll"
	"github.com/rocketbitz/rma-go/rma"
	"github.com/rocketbitz/rma-go/sched"
)

// Device supplies the devices a Mem is built on. *com.Com implements it.
type Device interface {
	RMA() *rma.Device
	Coll() *coll.Device
	Scheduler() sched.Scheduler
}

// Mem is a symmetric buffer of T. The pointer table is fixed at construction.
type Mem[T any] struct {
	dev   Device
	buf   []T
	local *rma.LocalAttach[T]
	ptrs  []rma.RemotePtrMut[T]
}

// New allocates size zeroed elements on every rank, attaches them and
// exchanges the remote pointers. It is collective. T must not contain Go
// pointers, since remote writes replace its bytes.
func New[T any](dev Device, size int) (*Mem[T], error) {
	if size <= 0 {
		panic(fmt.Sprintf("alltoall: invalid buffer size %d", size))
	}
	buf := make([]T, size)
	local, err := rma.AttachSlice(dev.RMA(), buf)
	if err != nil {
		return nil, fmt.Errorf("alltoall: attach: %w", err)
	}
	ptrs := make([]rma.RemotePtrMut[T], dev.Coll().Size())
	if err := coll.Allgather(dev.Coll(), []rma.RemotePtrMut[T]{local.RPtrMut()}, ptrs); err != nil {
		if derr := rma.Detach(dev.RMA(), local); derr != nil {
			panic(fmt.Sprintf("alltoall: detach after failed exchange: %v", derr))
		}
		return nil, fmt.Errorf("alltoall: exchange pointers: %w", err)
	}
	return &Mem[T]{dev: dev, buf: buf, local: local, ptrs: ptrs}, nil
}

// Len returns the number of elements in each rank's buffer.
func (m *Mem[T]) Len() int { return len(m.buf) }

// Local returns this rank's buffer. Remote ranks may write to it at any time;
// synchronize before reading.
func (m *Mem[T]) Local() []T { return m.buf }

// PRPtr addresses element i of proc's buffer.
func (m *Mem[T]) PRPtr(proc, i int) rma.ProcRemotePtrMut[T] {
	if proc < 0 || proc >= len(m.ptrs) {
		panic(fmt.Sprintf("alltoall: rank %d out of range [0, %d)", proc, len(m.ptrs)))
	}
	m.checkIndex(i)
	return rma.NewProcRemotePtrMut(proc, m.ptrs[proc]).Add(uint(i))
}

// LPtr addresses element i of this rank's buffer.
func (m *Mem[T]) LPtr(i int) rma.LocalPtrMut[T] {
	m.checkIndex(i)
	return m.local.LPtrMut().Add(uint(i))
}

func (m *Mem[T]) checkIndex(i int) {
	if i < 0 || i >= len(m.buf) {
		panic(fmt.Sprintf("alltoall: index %d out of range [0, %d)", i, len(m.buf)))
	}
}

// Close detaches the buffer, driving the detach to completion on the
// scheduler. A failed detach panics. Other ranks must have finished
// accessing the buffer.
func (m *Mem[T]) Close() {
	err := m.dev.Scheduler().BlockOn(func() error {
		return rma.Detach(m.dev.RMA(), m.local)
	})
	if err != nil {
		panic(fmt.Sprintf("alltoall: detach: %v", err))
	}
}
