package simplevisor

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEPTMapPageFourLevelWalk(t *testing.T) {
	alloc := &countingAllocator{Allocator: NewRuntimeAllocator()}
	ept, err := NewEPT(alloc)
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	const gpa = 0xABCDE123
	if err := ept.MapPage(gpa); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	// Root plus one table per intermediate level.
	if alloc.allocs != 4 {
		t.Errorf("allocations = %d, want 4 (root + PDPT + PD + PT)", alloc.allocs)
	}

	// Walk the hierarchy by hand and check the leaf is an identity
	// write-back mapping of the containing page.
	table := ept.root
	for level := 0; level < eptLevelCount-1; level++ {
		entry := EPTEntry(table[eptLevelIndex(gpa, level)])
		if !entry.Present() {
			t.Fatalf("level %d entry not present", level)
		}
		table = (*[eptEntryCount]uint64)(alloc.VirtualFor(entry.Physical()))
	}
	leaf := EPTLeaf(table[eptLevelIndex(gpa, eptLevelCount-1)])
	if !leaf.Present() {
		t.Fatal("leaf not present")
	}
	if leaf.Physical() != gpa&^(PageSize-1) {
		t.Errorf("leaf maps %#x, want %#x", leaf.Physical(), uint64(gpa)&^uint64(PageSize-1))
	}
	if leaf.MemoryType() != EPTMemoryTypeWriteBack {
		t.Errorf("leaf memory type = %d, want write-back", leaf.MemoryType())
	}
}

func TestEPTMapPageIdempotent(t *testing.T) {
	alloc := &countingAllocator{Allocator: NewRuntimeAllocator()}
	ept, err := NewEPT(alloc)
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	if err := ept.MapPage(0x2000); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	before := alloc.allocs
	leafBefore := collectMappedPages(ept)

	// Same page, and another offset within it.
	if err := ept.MapPage(0x2000); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if err := ept.MapPage(0x2FFF); err != nil {
		t.Fatalf("remap offset: %v", err)
	}

	if alloc.allocs != before {
		t.Errorf("remap allocated %d new tables, want 0", alloc.allocs-before)
	}
	if diff := cmp.Diff(leafBefore, collectMappedPages(ept)); diff != "" {
		t.Errorf("mappings changed on remap (-before +after):\n%s", diff)
	}
}

func TestEPTInitialize(t *testing.T) {
	ept, err := NewEPT(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	ranges := []MemoryRange{
		{Base: 0x0, Length: 0x2000},
		{Base: 0x5000, Length: 0x1000},
	}
	if err := ept.Initialize(ranges, 0xFEE00000); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []uint64{0x0, 0x1000, 0x5000, 0xFEE00000}
	if diff := cmp.Diff(want, collectMappedPages(ept)); diff != "" {
		t.Errorf("mapped pages mismatch (-want +got):\n%s", diff)
	}
}

func TestEPTPointer(t *testing.T) {
	alloc := NewRuntimeAllocator()
	ept, err := NewEPT(alloc)
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	p := ept.Pointer()
	if p.RootPhysical() != ept.rootPhys {
		t.Errorf("RootPhysical = %#x, want %#x", p.RootPhysical(), ept.rootPhys)
	}
	if p.WalkLength() != 4 || p.MemoryType() != EPTMemoryTypeWriteBack {
		t.Errorf("EPTP walk/memtype = %d/%d, want 4/write-back", p.WalkLength(), p.MemoryType())
	}
}

func TestEPTMapPageExhaustion(t *testing.T) {
	ResetMetrics()
	alloc := &limitedAllocator{Allocator: NewRuntimeAllocator(), remaining: 3}
	ept, err := NewEPT(alloc) // consumes 1
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	// Needs 3 tables but only 2 remain.
	err = ept.MapPage(0x1000)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
	if GetMetrics().ResourceErrors == 0 {
		t.Error("resource error not counted")
	}
}

func TestEPTHandleViolation(t *testing.T) {
	t.Run("missing entry maps and invalidates", func(t *testing.T) {
		emu := NewEmulator(1)
		ept, err := NewEPT(NewRuntimeAllocator())
		if err != nil {
			t.Fatalf("NewEPT: %v", err)
		}
		defer ept.Cleanup()

		if err := ept.HandleViolation(emu, 0x7000, 0); err != nil {
			t.Fatalf("HandleViolation: %v", err)
		}
		if got := collectMappedPages(ept); len(got) != 1 || got[0] != 0x7000 {
			t.Errorf("mapped pages = %#x, want [0x7000]", got)
		}
		if emu.InveptCount() != 1 {
			t.Errorf("invept count = %d, want 1", emu.InveptCount())
		}
	})

	t.Run("permission bits set is fatal", func(t *testing.T) {
		emu := NewEmulator(1)
		ept, err := NewEPT(NewRuntimeAllocator())
		if err != nil {
			t.Fatalf("NewEPT: %v", err)
		}
		defer ept.Cleanup()

		for _, q := range []uint64{0x1, 0x2, 0x4, 0x7, 0x1F} {
			err := ept.HandleViolation(emu, 0x7000, q)
			if !errors.Is(err, ErrFatalProtocolViolation) {
				t.Errorf("qualification %#x: err = %v, want ErrFatalProtocolViolation", q, err)
			}
		}
		if emu.InveptCount() != 0 {
			t.Errorf("invept count = %d, want 0 on fatal path", emu.InveptCount())
		}
	})

	t.Run("allocation failure traps and retries", func(t *testing.T) {
		emu := NewEmulator(1)
		alloc := &limitedAllocator{Allocator: NewRuntimeAllocator(), remaining: 1}
		ept, err := NewEPT(alloc)
		if err != nil {
			t.Fatalf("NewEPT: %v", err)
		}
		defer ept.Cleanup()

		if err := ept.HandleViolation(emu, 0x7000, 0); err != nil {
			t.Fatalf("HandleViolation should swallow allocation failure, got %v", err)
		}
		if emu.BreakpointCount() != 1 {
			t.Errorf("breakpoint count = %d, want 1", emu.BreakpointCount())
		}
		if emu.InveptCount() != 0 {
			t.Error("no invalidation expected when nothing was mapped")
		}
	})
}

func TestEPTCleanup(t *testing.T) {
	alloc := &countingAllocator{Allocator: NewRuntimeAllocator()}
	ept, err := NewEPT(alloc)
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}

	// Spread mappings across several PML4/PDPT slots.
	for _, gpa := range []uint64{0x1000, 0x4000_0000, 0x80_0000_0000, 0xFEE00000} {
		if err := ept.MapPage(gpa); err != nil {
			t.Fatalf("MapPage(%#x): %v", gpa, err)
		}
	}

	ept.Cleanup()
	if alloc.frees != alloc.allocs {
		t.Errorf("freed %d of %d tables", alloc.frees, alloc.allocs)
	}

	ept.Cleanup() // idempotent
	if alloc.frees != alloc.allocs {
		t.Errorf("second Cleanup freed extra tables: %d of %d", alloc.frees, alloc.allocs)
	}
}

func TestEPTConcurrentMapPage(t *testing.T) {
	ept, err := NewEPT(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("NewEPT: %v", err)
	}
	defer ept.Cleanup()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 64; i++ {
				// Overlapping set across goroutines.
				if err := ept.MapPage(uint64(i%32) * PageSize); err != nil {
					t.Errorf("MapPage: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if got := len(collectMappedPages(ept)); got != 32 {
		t.Errorf("mapped %d pages, want 32", got)
	}
}
