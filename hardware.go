package simplevisor

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ExitHandler is invoked in VMX root mode with the guest's general-purpose
// registers each time the processor exits the guest. A false return means
// resume the guest with the (possibly modified) registers in ctx; true
// means the handler has unloaded VMX and ctx now holds the continuation
// the backend must restore instead.
type ExitHandler func(ctx *Context) (exitVM bool)

// CPUIDResult holds the four output registers of a CPUID invocation.
type CPUIDResult struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// MemoryRange describes one region of installed physical memory.
type MemoryRange struct {
	Base   uint64
	Length uint64
}

// DescriptorTableRegister mirrors the GDTR/IDTR format.
type DescriptorTableRegister struct {
	Limit uint16
	Base  uint64
}

// SpecialRegisters is the control and descriptor-table state captured on a
// processor just before it is placed under the monitor, and consumed by
// the VMCS builder as guest state.
type SpecialRegisters struct {
	Cr0          uint64
	Cr3          uint64
	Cr4          uint64
	DebugControl uint64
	KernelDr7    uint64
	Tr           uint16
	Ldtr         uint16
	Gdtr         DescriptorTableRegister
	Idtr         DescriptorTableRegister
}

// ProcessorState is everything captured on a processor at arm time: the
// special registers plus the full register-file continuation.
type ProcessorState struct {
	Special      SpecialRegisters
	ContextFrame Context
}

// Hardware is the port through which the monitor touches the processor.
// The amd64 backend implements it with assembly intrinsics; the Emulator
// implements it in software so the lifecycle can run in tests and on
// machines without VMX privileges.
//
// The VMX instruction wrappers return ErrUnsupportedPlatform when the
// instruction faults or reports VMfail, mirroring the CF/ZF protocol.
type Hardware interface {
	// ProcessorID identifies the calling logical processor.
	ProcessorID() int

	// ProcessorCount returns the number of logical processors to arm.
	ProcessorCount() int

	// BindProcessor pins the calling thread to logical processor cpu for
	// the duration of a lifecycle operation and returns the undo.
	BindProcessor(cpu int) (func(), error)

	// PhysicalMemoryRanges enumerates installed physical memory.
	PhysicalMemoryRanges() ([]MemoryRange, error)

	// CPUID executes CPUID with the given leaf and subleaf.
	CPUID(leaf, subleaf uint32) CPUIDResult

	// ReadMSR reads a model-specific register.
	ReadMSR(msr uint32) uint64

	// SaveProcessorState captures the calling processor's special
	// registers into state.Special.
	SaveProcessorState(state *ProcessorState)

	// DescriptorTable returns the raw bytes of the descriptor table that
	// dtr describes.
	DescriptorTable(dtr DescriptorTableRegister) []byte

	// Control-register writes, used when entering root mode and when
	// restoring guest state at teardown.
	WriteCR0(value uint64)
	WriteCR3(value uint64)
	WriteCR4(value uint64)

	// LoadGDT and LoadIDT reload the descriptor-table registers, which
	// VMX resets to artificial values on teardown.
	LoadGDT(dtr DescriptorTableRegister)
	LoadIDT(dtr DescriptorTableRegister)

	// LoadSegmentSelectors reloads the data segment selectors (DS, ES,
	// and FS) after teardown; data is loaded into DS/ES and tls into FS.
	LoadSegmentSelectors(data, tls uint16)

	// WriteBackInvalidate executes WBINVD on behalf of the guest.
	WriteBackInvalidate()

	// XSetBV loads an extended control register on behalf of the guest.
	XSetBV(index uint32, value uint64)

	// VMX lifecycle instructions. VMXOn, VMClear, and VMPtrLd take the
	// physical address of the respective 4 KiB region.
	VMXOn(phys *uint64) error
	VMXOff()
	VMClear(phys *uint64) error
	VMPtrLd(phys *uint64) error

	// VMRead and VMWrite access the current VMCS.
	VMRead(field VMCSField) uint64
	VMWrite(field VMCSField, value uint64) error

	// VMLaunch enters the guest. On success it does not return through
	// the normal path: control reappears either at the captured
	// continuation or in the exit handler.
	VMLaunch() error

	// InvalidateEPT drops cached translations derived from ptr.
	InvalidateEPT(ptr EPTP)

	// CaptureContext snapshots the caller's register file such that
	// RestoreContext resumes execution at the capture point, making the
	// capture call appear to return a second time.
	CaptureContext(ctx *Context)
	RestoreContext(ctx *Context)

	// Breakpoint traps to the debugger.
	Breakpoint()

	// ExitHandlerEntry returns the host RIP to program into the VMCS,
	// and SetExitHandler installs the Go function that entry stub calls.
	ExitHandlerEntry() uintptr
	SetExitHandler(handler ExitHandler)

	// ResumeEntry returns the guest RIP to program into the VMCS: a stub
	// that restores the Context copy found at the guest RSP, landing the
	// processor back at its capture point.
	ResumeEntry() uintptr
}

// parsePhysicalMemoryRanges extracts "System RAM" regions from an iomem
// resource listing of "start-end : name" lines.
func parsePhysicalMemoryRanges(r io.Reader) ([]MemoryRange, error) {
	var ranges []MemoryRange
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		addrs, name, ok := strings.Cut(line, " : ")
		if !ok || strings.TrimSpace(name) != "System RAM" {
			continue
		}
		// Nested resources are indented; only top-level RAM counts.
		if strings.HasPrefix(addrs, " ") {
			continue
		}
		startStr, endStr, ok := strings.Cut(strings.TrimSpace(addrs), "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(startStr, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(endStr, 16, 64)
		if err != nil || end < start {
			continue
		}
		ranges = append(ranges, MemoryRange{Base: start, Length: end - start + 1})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ranges, nil
}
