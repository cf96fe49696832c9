package simplevisor

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Per-processor launch states. At rest a processor is either NotLaunched
// or Launched; TornDown exists only transiently inside the state machine
// below and is never observable between calls.
const (
	vpNotLaunched uint32 = 0
	vpLaunched    uint32 = 1
	vpTornDown    uint32 = 2
)

// hostStackSize is the size of the per-processor host stack the exit
// handler runs on. The launch path parks a Context copy at its top, so
// the usable stack must keep the remainder 16-byte aligned.
const hostStackSize = 6 * PageSize

// vpControl is the scalar head of a VPData block: everything the launch
// path computes before handing the rest of the block to hardware.
type vpControl struct {
	// LaunchState is accessed atomically; it is the only field shared
	// between the arming goroutine and the exit handler.
	LaunchState uint32
	_           uint32

	// SystemCr3 is the OS page-table root programmed as host CR3, so the
	// exit handler always sees the full system address space.
	SystemCr3 uint64

	// MsrData caches IA32_VMX_BASIC..IA32_VMX_VMFUNC, read once at
	// launch. All capability decisions derive from this snapshot.
	MsrData [vmxCapabilityMSRCount]MSRPair

	VmxOnPhys     uint64
	VmcsPhys      uint64
	MsrBitmapPhys uint64

	Special      SpecialRegisters
	ContextFrame Context
}

// vpControlPad rounds the control head out to a page boundary so the
// VMXON/VMCS regions that follow are page-aligned.
const vpControlPad = (PageSize - unsafe.Sizeof(vpControl{})%PageSize) % PageSize

// VMCSRegion is the hardware-defined layout of a VMXON or VMCS page.
type VMCSRegion struct {
	RevisionID     uint32
	AbortIndicator uint32
	Data           [PageSize - 8]byte
}

// VPData is the raw per-processor block handed to hardware. It lives in
// allocator memory, never the Go heap, and must therefore contain no Go
// pointers. Each region sits on its own page.
type VPData struct {
	vpControl
	_     [vpControlPad]byte
	VmxOn VMCSRegion
	Vmcs  VMCSRegion
	Stack [hostStackSize]byte
}

const vpDataSize = unsafe.Sizeof(VPData{})

// Layout invariants.
const (
	_ = -(vpDataSize % PageSize)
	_ = -(unsafe.Offsetof(VPData{}.VmxOn) % PageSize)
	_ = -(unsafe.Offsetof(VPData{}.Vmcs) % PageSize)
	_ = -((hostStackSize - contextSize) % 16)
	_ = -(unsafe.Sizeof(VMCSRegion{}) - PageSize)
	_ = PageSize - unsafe.Sizeof(VMCSRegion{})
)

// GlobalData owns the single contiguous allocation shared by all
// processors: one MSR-bitmap page (all zero, so no MSR access exits)
// followed by one VPData block per processor.
type GlobalData struct {
	alloc Allocator
	base  unsafe.Pointer
	count int
}

// AllocateGlobalData carves out the shared block for count processors.
func AllocateGlobalData(alloc Allocator, count int) (*GlobalData, error) {
	if count <= 0 {
		return nil, ErrInvalidArgument
	}
	size := PageSize + uintptr(count)*vpDataSize
	base := alloc.AllocateContiguous(size)
	if base == nil {
		recordResourceError()
		return nil, ErrResourceExhausted
	}
	return &GlobalData{alloc: alloc, base: base, count: count}, nil
}

// VP returns the block for logical processor i.
func (g *GlobalData) VP(i int) *VPData {
	if i < 0 || i >= g.count {
		return nil
	}
	return (*VPData)(unsafe.Add(g.base, PageSize+uintptr(i)*vpDataSize))
}

// Count returns the number of per-processor blocks.
func (g *GlobalData) Count() int { return g.count }

// MsrBitmapPhysical returns the physical address of the shared bitmap.
func (g *GlobalData) MsrBitmapPhysical() uint64 {
	return g.alloc.PhysicalFor(g.base)
}

// Free releases the block. The caller guarantees no processor still
// references it.
func (g *GlobalData) Free() {
	if g.base != nil {
		g.alloc.FreeContiguous(g.base)
		g.base = nil
	}
}

// initializeProcessor arms the monitor on the calling processor. The
// context capture makes this function return more than once: the first
// return is the launch path, and after a successful VMLAUNCH the
// processor reappears at the capture point as the guest, walks the
// Launched arm to scrub its registers, and finally settles through the
// TornDown arm back to a nil return. The caller observes a single call
// that comes back with the OS now running under the monitor.
func (m *Monitor) initializeProcessor(vp *VPData, systemCr3 uint64) error {
	vp.SystemCr3 = systemCr3

	var state ProcessorState
	m.hw.SaveProcessorState(&state)
	vp.Special = state.Special

	m.hw.CaptureContext(&vp.ContextFrame)

	switch atomic.LoadUint32(&vp.LaunchState) {
	case vpLaunched:
		// Second return: this processor is now the guest. Restore the
		// frame once more so no launch-path register state survives
		// into guest execution.
		atomic.StoreUint32(&vp.LaunchState, vpTornDown)
		m.hw.RestoreContext(&vp.ContextFrame)
		panic("shv: RestoreContext returned")
	case vpTornDown:
		// Third visit, registers pristine. Settle at rest.
		atomic.StoreUint32(&vp.LaunchState, vpLaunched)
		debugf("processor %d armed", m.hw.ProcessorID())
		return nil
	}
	return m.launchProcessor(vp)
}

// launchProcessor performs the one-shot VMX root entry and VMLAUNCH.
// Reaching the code after VMLaunch means the instruction failed to enter
// the guest; the entry is rolled back so the processor is left exactly as
// found.
func (m *Monitor) launchProcessor(vp *VPData) error {
	start := time.Now()

	for i := range vp.MsrData {
		vp.MsrData[i] = MSRPair(m.hw.ReadMSR(MSRVMXBasic + uint32(i)))
	}
	vp.VmxOnPhys = m.alloc.PhysicalFor(unsafe.Pointer(&vp.VmxOn))
	vp.VmcsPhys = m.alloc.PhysicalFor(unsafe.Pointer(&vp.Vmcs))
	vp.MsrBitmapPhys = m.global.MsrBitmapPhysical()

	if err := m.enterRootMode(vp); err != nil {
		recordLaunchFailure()
		return err
	}
	if err := m.setupVMCS(vp); err != nil {
		m.hw.VMXOff()
		recordLaunchFailure()
		return err
	}

	atomic.StoreUint32(&vp.LaunchState, vpLaunched)
	recordLaunch(time.Since(start))
	err := m.hw.VMLaunch()

	// Only a failed VMLAUNCH falls through to here.
	atomic.StoreUint32(&vp.LaunchState, vpNotLaunched)
	m.hw.VMXOff()
	recordLaunchFailure()
	if err == nil {
		err = ErrLaunchFailed
	}
	return err
}

// uninitializeProcessor disengages the monitor on the calling processor
// by executing the reserved CPUID leaf. The exit handler recognizes it,
// unloads VMX, and resumes execution at the instruction after the CPUID;
// only the data-segment selector reloads remain to be done here, since
// hardware resets them to null on the way out.
func (m *Monitor) uninitializeProcessor(vp *VPData) error {
	if atomic.LoadUint32(&vp.LaunchState) != vpLaunched {
		return ErrNotLaunched
	}

	m.hw.CPUID(teardownLeaf, teardownSubleaf)

	// VMX is now off and GDTR/IDTR/CR3 are restored.
	m.hw.LoadSegmentSelectors(vp.ContextFrame.SegDs, vp.ContextFrame.SegFs)
	recordTeardown()
	debugf("processor %d disengaged", m.hw.ProcessorID())
	return nil
}
