// Package region tracks the memory a rank has attached to a dynamic window
// and resolves incoming displacements against it.
package region

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/rocketbitz/rma-go/transport"
)

// Region is one attached buffer. ptr keeps the memory reachable while the
// region is attached.
type Region struct {
	ptr       unsafe.Pointer
	base      uintptr
	size      uintptr
	localKey  transport.LocalKey
	remoteKey transport.RemoteKey
}

// Registration returns the transport view of the region.
func (r *Region) Registration() transport.Registration {
	return transport.Registration{Base: r.base, Size: r.size, LocalKey: r.localKey, RemoteKey: r.remoteKey}
}

// Table is a sorted, non-overlapping set of attached regions.
type Table struct {
	mu      sync.RWMutex
	regions []*Region
	nextKey uint64
	limit   int
}

// NewTable returns a table refusing registrations beyond limit regions. A
// limit of zero or less means unlimited.
func NewTable(limit int) *Table {
	return &Table{limit: limit}
}

// Attach registers size bytes at ptr.
func (t *Table) Attach(ptr unsafe.Pointer, size uintptr) (transport.Registration, transport.Errno) {
	if ptr == nil {
		return transport.Registration{}, transport.ErrBuffer
	}
	if size == 0 {
		return transport.Registration{}, transport.ErrSize
	}
	base := uintptr(ptr)
	if base+size < base {
		return transport.Registration{}, transport.ErrSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.regions) >= t.limit {
		return transport.Registration{}, transport.ErrNoMem
	}
	idx := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].base >= base })
	if idx > 0 {
		prev := t.regions[idx-1]
		if prev.base+prev.size > base {
			return transport.Registration{}, transport.ErrRMAAttach
		}
	}
	if idx < len(t.regions) && base+size > t.regions[idx].base {
		return transport.Registration{}, transport.ErrRMAAttach
	}

	t.nextKey++
	r := &Region{
		ptr:       ptr,
		base:      base,
		size:      size,
		localKey:  transport.LocalKey(t.nextKey),
		remoteKey: transport.RemoteKey(t.nextKey<<16 | uint64(base)&0xffff),
	}
	t.regions = append(t.regions, nil)
	copy(t.regions[idx+1:], t.regions[idx:])
	t.regions[idx] = r
	return r.Registration(), transport.Success
}

// Detach removes the region whose base is ptr.
func (t *Table) Detach(ptr unsafe.Pointer) transport.Errno {
	base := uintptr(ptr)
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].base >= base })
	if idx >= len(t.regions) || t.regions[idx].base != base {
		return transport.ErrRMAAttach
	}
	copy(t.regions[idx:], t.regions[idx+1:])
	t.regions[len(t.regions)-1] = nil
	t.regions = t.regions[:len(t.regions)-1]
	return transport.Success
}

// Resolve returns a view of n bytes at addr. The range must lie inside a
// single attached region, and key must match that region unless it is zero.
// The returned slice aliases attached memory; callers serialize access.
func (t *Table) Resolve(addr, n uintptr, key transport.RemoteKey) ([]byte, transport.Errno) {
	if n == 0 {
		return nil, transport.Success
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].base > addr }) - 1
	if idx < 0 {
		return nil, transport.ErrRMARange
	}
	r := t.regions[idx]
	off := addr - r.base
	if off >= r.size || n > r.size-off {
		return nil, transport.ErrRMARange
	}
	if key != 0 && key != r.remoteKey {
		return nil, transport.ErrKey
	}
	return unsafe.Slice((*byte)(unsafe.Add(r.ptr, off)), n), transport.Success
}

// Len returns the number of attached regions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions)
}
