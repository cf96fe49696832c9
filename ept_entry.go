package simplevisor

// EPT geometry. Every table in the 4-level hierarchy is one page of 512
// 8-byte entries; each level consumes 9 bits of the guest-physical address.
const (
	PageSize       = 4096
	PageShift      = 12
	eptEntryCount  = 512
	eptIndexBits   = 9
	eptIndexMask   = eptEntryCount - 1
	eptLevelCount  = 4
	eptWalkLength  = 4
	physAddrMask   = 0x000FFFFFFFFFF000
)

// EPTMemoryType is the effective memory type an EPT leaf assigns.
type EPTMemoryType uint64

const (
	EPTMemoryTypeUncacheable EPTMemoryType = 0
	EPTMemoryTypeWriteBack   EPTMemoryType = 6
)

// eptLevelIndex extracts the table index for a walk level, where level 0 is
// the PML4 and level 3 the page table.
func eptLevelIndex(gpa uint64, level int) int {
	shift := uint(PageShift + (eptLevelCount-1-level)*eptIndexBits)
	return int(gpa>>shift) & eptIndexMask
}

// EPTP is the extended-page-table pointer loaded into the VMCS.
type EPTP uint64

// MakeEPTP builds a pointer to a root table at rootPhys with the given
// memory type for the paging structures themselves.
func MakeEPTP(rootPhys uint64, memType EPTMemoryType, accessedDirty bool) EPTP {
	p := EPTP(memType) | EPTP(eptWalkLength-1)<<3 | EPTP(rootPhys&physAddrMask)
	if accessedDirty {
		p |= 1 << 6
	}
	return p
}

// MemoryType returns the paging-structure memory type from bits 2:0.
func (p EPTP) MemoryType() EPTMemoryType { return EPTMemoryType(p & 0x7) }

// WalkLength returns the page-walk length (levels, not levels-1).
func (p EPTP) WalkLength() int { return int(p>>3)&0x7 + 1 }

// AccessedDirtyEnabled reports whether accessed/dirty tracking is on.
func (p EPTP) AccessedDirtyEnabled() bool { return p&(1<<6) != 0 }

// RootPhysical returns the physical address of the PML4 table.
func (p EPTP) RootPhysical() uint64 { return uint64(p) & physAddrMask }

// EPTEntry is a non-leaf entry pointing at the next table level.
type EPTEntry uint64

const (
	eptRead       = 1 << 0
	eptWrite      = 1 << 1
	eptExecute    = 1 << 2
	eptRWX        = eptRead | eptWrite | eptExecute
	eptLargePage  = 1 << 7
	eptAccessed   = 1 << 8
	eptDirty      = 1 << 9
	eptSuppressVE = 1 << 63
)

// makeEPTEntry builds a fully permissive directory entry for the table at
// nextPhys.
func makeEPTEntry(nextPhys uint64) EPTEntry {
	return EPTEntry(eptRWX) | EPTEntry(nextPhys&physAddrMask)
}

// Present reports whether any of the read/write/execute bits are set; a
// zero entry is the only non-present form this engine ever stores.
func (e EPTEntry) Present() bool { return e&eptRWX != 0 }

// MapsLargePage reports bit 7, which distinguishes a huge-page leaf from a
// table pointer in PDPT and PD entries.
func (e EPTEntry) MapsLargePage() bool { return e&eptLargePage != 0 }

// Physical returns the next-level table physical address.
func (e EPTEntry) Physical() uint64 { return uint64(e) & physAddrMask }

// EPTLeaf is a final-level entry mapping one 4 KiB guest-physical page.
type EPTLeaf uint64

// makeEPTLeaf builds an identity leaf for the frame at pagePhys with the
// given effective memory type.
func makeEPTLeaf(pagePhys uint64, memType EPTMemoryType) EPTLeaf {
	return EPTLeaf(eptRWX) | EPTLeaf(memType)<<3 | EPTLeaf(pagePhys&physAddrMask)
}

// Present reports whether the leaf grants any access.
func (l EPTLeaf) Present() bool { return l&eptRWX != 0 }

// MemoryType returns the effective memory type from bits 5:3.
func (l EPTLeaf) MemoryType() EPTMemoryType { return EPTMemoryType(l>>3) & 0x7 }

// Physical returns the mapped frame address.
func (l EPTLeaf) Physical() uint64 { return uint64(l) & physAddrMask }
