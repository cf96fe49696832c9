package simplevisor

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// Synthetic entry points the Emulator programs into the VMCS. They are
// never jumped to; they only need to be distinguishable and non-zero.
const (
	emuExitHandlerEntry uintptr = 0xFFFF_8000_0000_1000
	emuResumeEntry      uintptr = 0xFFFF_8000_0000_2000
)

// emuCPU is one emulated logical processor.
type emuCPU struct {
	regs    Context
	special SpecialRegisters

	inRoot  bool
	inGuest bool

	vmxOnPhys   uint64
	currentVMCS uint64
	vmcs        map[uint64]map[VMCSField]uint64 // phys -> fields
}

// Emulator implements Hardware in software: it models just enough of VMX
// root operation for the monitor's full lifecycle to run end to end on
// any machine, with no privileges. Lifecycle operations are serialized by
// BindProcessor, which admits one bound thread at a time.
//
// A RestoreContext or successful VMLaunch cannot rewind a Go thread, so
// the Emulator signals resumption with a resumeSignal panic that the
// lifecycle loop converts into re-entry at the capture point.
type Emulator struct {
	runMu   sync.Mutex
	current int

	cpus    []*emuCPU
	ranges  []MemoryRange
	msrs    map[uint32]uint64
	gdt     []byte
	gdtr    DescriptorTableRegister
	idtr    DescriptorTableRegister
	handler ExitHandler

	cpuidOverrides map[uint32]CPUIDResult

	// Fault injection for tests: the processor number whose VMXON or
	// VMLAUNCH should fail, or -1 for none.
	FailVMXOnCPU    int
	FailVMLaunchCPU int

	inveptCount     int
	wbinvdCount     int
	breakpointCount int
	xsetbvLog       []uint64
	loadedSelectors [][2]uint16
	loadedGDTs      []DescriptorTableRegister
	loadedIDTs      []DescriptorTableRegister
}

// makeGDTEntry encodes a legacy 8-byte descriptor.
func makeGDTEntry(base uint32, limit uint32, access, gran byte) [8]byte {
	var e [8]byte
	binary.LittleEndian.PutUint16(e[0:], uint16(limit))
	binary.LittleEndian.PutUint16(e[2:], uint16(base))
	e[4] = byte(base >> 16)
	e[5] = access
	e[6] = gran | byte(limit>>16)&0x0F
	e[7] = byte(base >> 24)
	return e
}

// NewEmulator builds an emulator with cpuCount processors, a flat
// long-mode GDT, and capability MSRs that pass every probe.
func NewEmulator(cpuCount int) *Emulator {
	e := &Emulator{
		FailVMXOnCPU:    -1,
		FailVMLaunchCPU: -1,
		ranges: []MemoryRange{
			{Base: 0x0, Length: 0x4000},
			{Base: 0x100000, Length: 0x4000},
		},
		msrs: map[uint32]uint64{
			MSRFeatureControl: featureControlLock | featureControlVMXOnOutsideSMX,
			MSRAPICBase:       0xFEE00900,
			MSRSysenterCS:     0x10,
			MSRSysenterESP:    0xFFFF_8000_0040_0000,
			MSRSysenterEIP:    0xFFFF_8000_0040_1000,
			MSRFSBase:         0xFFFF_8000_0100_0000,
			MSRGSBase:         0xFFFF_8000_0200_0000,

			// Revision 1, 4 KiB regions, write-back, true controls.
			MSRVMXBasic: 1 | 0x1000<<32 | 6<<50 | vmxBasicTrueControls,

			// Fixed CR bits: PE/NE/PG must be set, CR4.VMXE must be set.
			MSRVMXBasic + msrIdxCr0Fixed0: 0x80000021,
			MSRVMXBasic + msrIdxCr0Fixed1: 0xFFFFFFFF,
			MSRVMXBasic + msrIdxCr4Fixed0: 0x2000,
			MSRVMXBasic + msrIdxCr4Fixed1: 0x3767FF,

			// Primary controls advertise the secondary set; secondary
			// advertises everything the monitor asks for.
			MSRVMXProcBasedCtls:               0xFFFFFFFF_0401E172,
			MSRVMXBasic + msrIdxProcBased2:    0xFFFFFFFF_00000000,
			MSRVMXBasic + msrIdxTruePinBased:  0xFFFFFFFF_00000016,
			MSRVMXBasic + msrIdxTrueProcBased: 0xFFFFFFFF_04006172,
			MSRVMXBasic + msrIdxTrueExit:      0xFFFFFFFF_00036DFF,
			MSRVMXBasic + msrIdxTrueEntry:     0xFFFFFFFF_000011FF,
		},
	}

	// Flat GDT: null, kernel code 0x08, kernel data 0x10, spare slots,
	// then a 16-byte TSS descriptor at 0x28.
	gdt := make([]byte, 0x38)
	put := func(off int, e [8]byte) { copy(gdt[off:], e[:]) }
	put(0x08, makeGDTEntry(0, 0xFFFFF, 0x9B, 0xA0))
	put(0x10, makeGDTEntry(0, 0xFFFFF, 0x93, 0xC0))
	put(0x28, makeGDTEntry(0x00100000, 0x67, 0x8B, 0x00))
	binary.LittleEndian.PutUint32(gdt[0x30:], 0) // TSS base upper half
	e.gdt = gdt
	e.gdtr = DescriptorTableRegister{Limit: uint16(len(gdt) - 1), Base: 0xFFFF_8000_0300_0000}
	e.idtr = DescriptorTableRegister{Limit: 0xFFF, Base: 0xFFFF_8000_0301_0000}

	for i := 0; i < cpuCount; i++ {
		c := &emuCPU{vmcs: make(map[uint64]map[VMCSField]uint64)}
		c.special = SpecialRegisters{
			Cr0:       0x80050033,
			Cr3:       0x1AB000,
			Cr4:       0x406F8 &^ 0x2000, // VMXE off until root entry forces it
			KernelDr7: 0x400,
			Tr:        0x28,
			Gdtr:      e.gdtr,
			Idtr:      e.idtr,
		}
		c.regs = Context{
			Rsp:    0xFFFF_8000_0500_0000 - uint64(i)*0x10000,
			Rip:    0xFFFF_8000_0010_0000,
			Rflags: 0x202,
			SegCs:  0x08,
			SegSs:  0x10,
			SegDs:  0x10,
			SegEs:  0x10,
			SegFs:  0x10,
			SegGs:  0x10,
		}
		e.cpus = append(e.cpus, c)
	}
	return e
}

func (e *Emulator) cpu() *emuCPU { return e.cpus[e.current] }

// ProcessorID implements Hardware.
func (e *Emulator) ProcessorID() int { return e.current }

// ProcessorCount implements Hardware.
func (e *Emulator) ProcessorCount() int { return len(e.cpus) }

// BindProcessor implements Hardware by admitting one bound thread at a
// time, which stands in for processor affinity.
func (e *Emulator) BindProcessor(cpu int) (func(), error) {
	if cpu < 0 || cpu >= len(e.cpus) {
		return nil, ErrInvalidArgument
	}
	e.runMu.Lock()
	e.current = cpu
	return e.runMu.Unlock, nil
}

// PhysicalMemoryRanges implements Hardware.
func (e *Emulator) PhysicalMemoryRanges() ([]MemoryRange, error) {
	return e.ranges, nil
}

// SetMSR overrides an emulated MSR value.
func (e *Emulator) SetMSR(msr uint32, value uint64) { e.msrs[msr] = value }

// OverrideCPUID overrides the raw result for one CPUID leaf.
func (e *Emulator) OverrideCPUID(leaf uint32, result CPUIDResult) {
	if e.cpuidOverrides == nil {
		e.cpuidOverrides = make(map[uint32]CPUIDResult)
	}
	e.cpuidOverrides[leaf] = result
}

func (e *Emulator) rawCPUID(leaf, subleaf uint32) CPUIDResult {
	if r, ok := e.cpuidOverrides[leaf]; ok {
		return r
	}
	switch leaf {
	case 0:
		return CPUIDResult{EAX: 0xD, EBX: vendorIntelEBX, ECX: vendorIntelECX, EDX: vendorIntelEDX}
	case 1:
		return CPUIDResult{EAX: 0x000906EA, ECX: cpuidFeatureVMX}
	default:
		return CPUIDResult{}
	}
}

// CPUID implements Hardware. On a processor running as the guest it does
// what hardware does: delivers a CPUID exit to the installed handler and
// returns whatever register state the handler left behind.
func (e *Emulator) CPUID(leaf, subleaf uint32) CPUIDResult {
	c := e.cpu()
	if c.inGuest && e.handler != nil {
		c.regs.Rax = uint64(leaf)
		c.regs.Rcx = uint64(subleaf)
		e.deliverExit(c, exitReasonCPUID, 0, 0)
		return CPUIDResult{
			EAX: uint32(c.regs.Rax),
			EBX: uint32(c.regs.Rbx),
			ECX: uint32(c.regs.Rcx),
			EDX: uint32(c.regs.Rdx),
		}
	}
	return e.rawCPUID(leaf, subleaf)
}

// TouchMemory emulates a guest access to unmapped guest-physical memory:
// it delivers an EPT-violation exit for gpa on the current processor.
// Only meaningful while the processor runs as the guest.
func (e *Emulator) TouchMemory(gpa uint64) {
	c := e.cpu()
	if c.inGuest && e.handler != nil {
		e.deliverExit(c, exitReasonEPTViolation, 0, gpa)
	}
}

// InjectEPTViolation delivers an EPT-violation exit with an arbitrary
// exit qualification, for exercising the fatal classification.
func (e *Emulator) InjectEPTViolation(gpa, qualification uint64) {
	c := e.cpu()
	if c.inGuest && e.handler != nil {
		e.deliverExit(c, exitReasonEPTViolation, qualification, gpa)
	}
}

// InjectExit delivers an arbitrary exit reason with current registers.
func (e *Emulator) InjectExit(reason uint32) {
	c := e.cpu()
	if c.inGuest && e.handler != nil {
		e.deliverExit(c, reason, 0, 0)
	}
}

// deliverExit models a VM exit: latch the exit fields into the current
// VMCS, run the handler in root mode, then either re-enter the guest or
// complete the teardown the handler performed.
func (e *Emulator) deliverExit(c *emuCPU, reason uint32, qualification, gpa uint64) {
	fields := c.vmcs[c.currentVMCS]
	fields[VMExitReason] = uint64(reason)
	fields[ExitQualification] = qualification
	fields[GuestPhysicalAddress] = gpa
	fields[VMExitInstructionLen] = 2

	c.inGuest = false // handler runs in root mode
	ctx := c.regs
	exitVM := e.handler(&ctx)
	c.regs = ctx
	if !exitVM {
		c.inGuest = true
	}
}

// ReadMSR implements Hardware.
func (e *Emulator) ReadMSR(msr uint32) uint64 { return e.msrs[msr] }

// SaveProcessorState implements Hardware.
func (e *Emulator) SaveProcessorState(state *ProcessorState) {
	state.Special = e.cpu().special
}

// DescriptorTable implements Hardware.
func (e *Emulator) DescriptorTable(dtr DescriptorTableRegister) []byte {
	if dtr.Base == e.gdtr.Base {
		return e.gdt
	}
	return nil
}

// Control-register writes update the emulated specials.
func (e *Emulator) WriteCR0(value uint64) { e.cpu().special.Cr0 = value }
func (e *Emulator) WriteCR3(value uint64) { e.cpu().special.Cr3 = value }
func (e *Emulator) WriteCR4(value uint64) { e.cpu().special.Cr4 = value }

// LoadGDT implements Hardware.
func (e *Emulator) LoadGDT(dtr DescriptorTableRegister) {
	e.loadedGDTs = append(e.loadedGDTs, dtr)
}

// LoadIDT implements Hardware.
func (e *Emulator) LoadIDT(dtr DescriptorTableRegister) {
	e.loadedIDTs = append(e.loadedIDTs, dtr)
}

// LoadSegmentSelectors implements Hardware.
func (e *Emulator) LoadSegmentSelectors(data, tls uint16) {
	e.loadedSelectors = append(e.loadedSelectors, [2]uint16{data, tls})
}

// WriteBackInvalidate implements Hardware.
func (e *Emulator) WriteBackInvalidate() { e.wbinvdCount++ }

// XSetBV implements Hardware.
func (e *Emulator) XSetBV(index uint32, value uint64) {
	e.xsetbvLog = append(e.xsetbvLog, uint64(index)<<32|value&0xFFFFFFFF)
}

// VMXOn implements Hardware, including the revision and CR4.VMXE checks
// real hardware performs.
func (e *Emulator) VMXOn(phys *uint64) error {
	c := e.cpu()
	if e.FailVMXOnCPU == e.current {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMXON failed"}
	}
	if c.special.Cr4&0x2000 == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMXON with CR4.VMXE clear"}
	}
	region := (*VMCSRegion)(unsafe.Pointer(uintptr(*phys)))
	if region.RevisionID != vmxBasicRevision(e.msrs[MSRVMXBasic]) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMXON region revision mismatch"}
	}
	c.inRoot = true
	c.vmxOnPhys = *phys
	return nil
}

// VMXOff implements Hardware.
func (e *Emulator) VMXOff() {
	c := e.cpu()
	c.inRoot = false
	c.currentVMCS = 0
}

// VMClear implements Hardware.
func (e *Emulator) VMClear(phys *uint64) error {
	c := e.cpu()
	if !c.inRoot {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMCLEAR outside root operation"}
	}
	delete(c.vmcs, *phys)
	if c.currentVMCS == *phys {
		c.currentVMCS = 0
	}
	return nil
}

// VMPtrLd implements Hardware.
func (e *Emulator) VMPtrLd(phys *uint64) error {
	c := e.cpu()
	if !c.inRoot {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMPTRLD outside root operation"}
	}
	region := (*VMCSRegion)(unsafe.Pointer(uintptr(*phys)))
	if region.RevisionID != vmxBasicRevision(e.msrs[MSRVMXBasic]) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMCS region revision mismatch"}
	}
	if c.vmcs[*phys] == nil {
		c.vmcs[*phys] = make(map[VMCSField]uint64)
	}
	c.currentVMCS = *phys
	return nil
}

// VMRead implements Hardware.
func (e *Emulator) VMRead(field VMCSField) uint64 {
	c := e.cpu()
	return c.vmcs[c.currentVMCS][field]
}

// VMWrite implements Hardware.
func (e *Emulator) VMWrite(field VMCSField, value uint64) error {
	c := e.cpu()
	fields := c.vmcs[c.currentVMCS]
	if fields == nil {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMWRITE with no current VMCS"}
	}
	fields[field] = value
	return nil
}

// VMLaunch implements Hardware. A successful launch never returns:
// control reappears at the capture point, which the Emulator expresses
// with a resumeSignal.
func (e *Emulator) VMLaunch() error {
	c := e.cpu()
	if e.FailVMLaunchCPU == e.current {
		return ErrLaunchFailed
	}
	if !c.inRoot || c.currentVMCS == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMLAUNCH with no current VMCS"}
	}
	c.inGuest = true
	panic(resumeSignal{})
}

// InvalidateEPT implements Hardware.
func (e *Emulator) InvalidateEPT(ptr EPTP) { e.inveptCount++ }

// CaptureContext implements Hardware. The emulated register file is
// stable across re-entries, so repeated captures are idempotent.
func (e *Emulator) CaptureContext(ctx *Context) {
	*ctx = e.cpu().regs
}

// RestoreContext implements Hardware.
func (e *Emulator) RestoreContext(ctx *Context) {
	e.cpu().regs = *ctx
	panic(resumeSignal{})
}

// Breakpoint implements Hardware.
func (e *Emulator) Breakpoint() { e.breakpointCount++ }

// ExitHandlerEntry implements Hardware.
func (e *Emulator) ExitHandlerEntry() uintptr { return emuExitHandlerEntry }

// ResumeEntry implements Hardware.
func (e *Emulator) ResumeEntry() uintptr { return emuResumeEntry }

// SetExitHandler implements Hardware.
func (e *Emulator) SetExitHandler(handler ExitHandler) { e.handler = handler }

// Inspection hooks for tests and the demo tool.

// InGuest reports whether processor cpu currently runs as the guest.
func (e *Emulator) InGuest(cpu int) bool { return e.cpus[cpu].inGuest }

// InRootMode reports whether processor cpu is in VMX root operation.
func (e *Emulator) InRootMode(cpu int) bool { return e.cpus[cpu].inRoot }

// InveptCount returns how many EPT invalidations were issued.
func (e *Emulator) InveptCount() int { return e.inveptCount }

// WbinvdCount returns how many write-back-invalidates were issued.
func (e *Emulator) WbinvdCount() int { return e.wbinvdCount }

// BreakpointCount returns how many debugger traps were raised.
func (e *Emulator) BreakpointCount() int { return e.breakpointCount }

// LoadedSelectors returns the data/TLS selector pairs reloaded at
// teardown.
func (e *Emulator) LoadedSelectors() [][2]uint16 { return e.loadedSelectors }

// LoadedGDTs returns the descriptor tables reloaded at teardown.
func (e *Emulator) LoadedGDTs() []DescriptorTableRegister { return e.loadedGDTs }

// XSetBVLog returns index<<32|value32 records of emulated XSETBVs.
func (e *Emulator) XSetBVLog() []uint64 { return e.xsetbvLog }
