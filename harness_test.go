package simplevisor

import (
	"testing"
	"unsafe"
)

// countingAllocator wraps an Allocator and tallies traffic.
type countingAllocator struct {
	Allocator
	allocs int
	frees  int
}

func (a *countingAllocator) AllocateContiguous(size uintptr) unsafe.Pointer {
	p := a.Allocator.AllocateContiguous(size)
	if p != nil {
		a.allocs++
	}
	return p
}

func (a *countingAllocator) FreeContiguous(p unsafe.Pointer) {
	if p != nil {
		a.frees++
	}
	a.Allocator.FreeContiguous(p)
}

// limitedAllocator fails after a fixed number of allocations.
type limitedAllocator struct {
	Allocator
	remaining int
}

func (a *limitedAllocator) AllocateContiguous(size uintptr) unsafe.Pointer {
	if a.remaining <= 0 {
		return nil
	}
	a.remaining--
	return a.Allocator.AllocateContiguous(size)
}

// newTestMonitor builds a monitor on an emulator with cpus processors.
func newTestMonitor(t *testing.T, cpus int) (*Monitor, *Emulator) {
	t.Helper()
	ResetMetrics()
	emu := NewEmulator(cpus)
	mon, err := New(emu, NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = mon.Close() })
	return mon, emu
}

// collectMappedPages walks an EPT hierarchy and returns the mapped
// guest-physical page addresses in walk order.
func collectMappedPages(e *EPT) []uint64 {
	var pages []uint64
	var walk func(table *[eptEntryCount]uint64, level int)
	walk = func(table *[eptEntryCount]uint64, level int) {
		for i := 0; i < eptEntryCount; i++ {
			entry := EPTEntry(table[i])
			if !entry.Present() {
				continue
			}
			if level == eptLevelCount-1 {
				pages = append(pages, EPTLeaf(table[i]).Physical())
				continue
			}
			walk((*[eptEntryCount]uint64)(e.alloc.VirtualFor(entry.Physical())), level+1)
		}
	}
	if e.root != nil {
		walk(e.root, 0)
	}
	return pages
}
