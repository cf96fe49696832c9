package simplevisor

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// EPT is the global identity-mapping engine. One instance serves every
// logical processor: all of them load the same root pointer, so a page
// mapped once is mapped for all. A single mutex guards every structural
// mutation; the hardware walker reads concurrently without it, which is
// safe because entries are published with single aligned 8-byte stores,
// leaves are write-once, and tables are never reclaimed while active.
type EPT struct {
	mu       sync.Mutex
	alloc    Allocator
	root     *[eptEntryCount]uint64
	rootPhys uint64
}

// NewEPT allocates the root table of an empty hierarchy.
func NewEPT(alloc Allocator) (*EPT, error) {
	page := alloc.AllocateContiguous(PageSize)
	if page == nil {
		return nil, ErrResourceExhausted
	}
	return &EPT{
		alloc:    alloc,
		root:     (*[eptEntryCount]uint64)(page),
		rootPhys: alloc.PhysicalFor(page),
	}, nil
}

// Pointer returns the EPTP value processors load to use this hierarchy.
func (e *EPT) Pointer() EPTP {
	return MakeEPTP(e.rootPhys, EPTMemoryTypeWriteBack, false)
}

// Initialize pre-populates identity mappings for every page of the given
// physical memory ranges plus the local APIC page, so the common case
// never faults. apicBase must already be masked to a page address.
func (e *EPT) Initialize(ranges []MemoryRange, apicBase uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range ranges {
		end := r.Base + r.Length
		for pa := r.Base &^ (PageSize - 1); pa < end; pa += PageSize {
			if err := e.mapPageLocked(pa); err != nil {
				return err
			}
		}
	}
	return e.mapPageLocked(apicBase)
}

// MapPage installs an identity mapping for the page containing pa.
// Remapping an already-mapped page is a no-op.
func (e *EPT) MapPage(pa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapPageLocked(pa)
}

func (e *EPT) mapPageLocked(pa uint64) error {
	table := e.root
	for level := 0; level < eptLevelCount-1; level++ {
		idx := eptLevelIndex(pa, level)
		entry := EPTEntry(atomic.LoadUint64(&table[idx]))
		if !entry.Present() {
			page := e.alloc.AllocateContiguous(PageSize)
			if page == nil {
				recordResourceError()
				return ErrResourceExhausted
			}
			entry = makeEPTEntry(e.alloc.PhysicalFor(page))
			// Child is fully built before this store makes it visible
			// to the hardware walker.
			atomic.StoreUint64(&table[idx], uint64(entry))
		}
		table = (*[eptEntryCount]uint64)(e.alloc.VirtualFor(entry.Physical()))
	}

	idx := eptLevelIndex(pa, eptLevelCount-1)
	if EPTLeaf(atomic.LoadUint64(&table[idx])).Present() {
		// Leaves are write-once; a racing processor got here first.
		return nil
	}
	leaf := makeEPTLeaf(pa&^(PageSize-1), EPTMemoryTypeWriteBack)
	atomic.StoreUint64(&table[idx], uint64(leaf))
	recordEPTPageMapped()
	return nil
}

// HandleViolation services an EPT-violation exit. The only violation this
// design can produce is an access through a missing entry, reported with
// the read/write/execute "was permitted" bits of the exit qualification
// all clear; anything else means corrupted tables and is fatal. On a
// missing entry the page is mapped and the cached translations dropped on
// the faulting processor. An allocation failure here cannot be surfaced
// to the guest, so it traps to the debugger and lets the access refault.
func (e *EPT) HandleViolation(hw Hardware, gpa, qualification uint64) error {
	recordEPTViolation()
	if qualification&0x7 != 0 {
		recordProtocolError()
		return ErrFatalProtocolViolation
	}

	if err := e.MapPage(gpa); err != nil {
		hw.Breakpoint()
		return nil
	}
	hw.InvalidateEPT(e.Pointer())
	recordEPTInvalidation()
	return nil
}

// Cleanup walks the hierarchy depth-first and returns every table to the
// allocator. Entries with bit 7 set map large pages rather than pointing
// at tables and are skipped. Cleanup is idempotent and must only run once
// no processor can still walk these tables.
func (e *EPT) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return
	}
	e.freeTableLocked(e.root, 0)
	e.root = nil
	e.rootPhys = 0
}

func (e *EPT) freeTableLocked(table *[eptEntryCount]uint64, level int) {
	if level < eptLevelCount-1 {
		for i := range table {
			entry := EPTEntry(table[i])
			if entry.Present() && !entry.MapsLargePage() {
				child := (*[eptEntryCount]uint64)(e.alloc.VirtualFor(entry.Physical()))
				e.freeTableLocked(child, level+1)
			}
		}
	}
	e.alloc.FreeContiguous(unsafe.Pointer(table))
}
