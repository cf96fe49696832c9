package simplevisor

import (
	"sync"
	"unsafe"
)

// Allocator provides the physically contiguous, page-aligned memory the
// monitor hands to hardware: VMXON/VMCS regions, the MSR bitmap, host
// stacks, and every EPT table. Allocations are zeroed. AllocateContiguous
// returns nil on exhaustion; the caller maps that to ErrResourceExhausted.
//
// Implementations must keep returned memory pinned and its virtual to
// physical translation stable until FreeContiguous.
type Allocator interface {
	// AllocateContiguous returns size bytes of zeroed page-aligned memory,
	// or nil if the allocation cannot be satisfied.
	AllocateContiguous(size uintptr) unsafe.Pointer

	// FreeContiguous releases a prior allocation. Freeing nil is a no-op.
	FreeContiguous(p unsafe.Pointer)

	// PhysicalFor translates an allocated virtual address to physical.
	PhysicalFor(p unsafe.Pointer) uint64

	// VirtualFor is the inverse of PhysicalFor for live allocations.
	VirtualFor(phys uint64) unsafe.Pointer
}

// RuntimeAllocator is an Allocator backed by the Go heap. Physical
// addresses are the virtual ones, which is exactly what the Emulator
// backend wants; a bare-metal deployment substitutes an allocator that
// translates through the platform's physical map.
type RuntimeAllocator struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte // aligned base -> backing array, pins it
}

// NewRuntimeAllocator returns an empty runtime allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{blocks: make(map[uintptr][]byte)}
}

// AllocateContiguous implements Allocator.
func (a *RuntimeAllocator) AllocateContiguous(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	// Over-allocate one page so a page-aligned base always exists.
	buf := make([]byte, size+PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + PageSize - 1) &^ (PageSize - 1)

	a.mu.Lock()
	a.blocks[aligned] = buf
	a.mu.Unlock()
	return unsafe.Pointer(aligned)
}

// FreeContiguous implements Allocator.
func (a *RuntimeAllocator) FreeContiguous(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a.mu.Lock()
	delete(a.blocks, uintptr(p))
	a.mu.Unlock()
}

// PhysicalFor implements Allocator with the identity translation.
func (a *RuntimeAllocator) PhysicalFor(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p))
}

// VirtualFor implements Allocator with the identity translation.
func (a *RuntimeAllocator) VirtualFor(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys))
}
