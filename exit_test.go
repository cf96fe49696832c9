package simplevisor

import (
	"testing"
)

// installed binds processor 0 of an installed monitor so exits can be
// injected at it.
func installed(t *testing.T) (*Monitor, *Emulator, func()) {
	t.Helper()
	mon, emu := newTestMonitor(t, 1)
	if err := mon.Install(testSystemCr3); err != nil {
		t.Fatalf("Install: %v", err)
	}
	unbind, err := emu.BindProcessor(0)
	if err != nil {
		t.Fatalf("BindProcessor: %v", err)
	}
	return mon, emu, unbind
}

func TestExitCPUIDHypervisorPresent(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	r := emu.CPUID(1, 0)
	if r.ECX&cpuidHypervisorPresent == 0 {
		t.Errorf("CPUID.1 ECX = %#x, hypervisor-present bit not set", r.ECX)
	}
	if r.ECX&cpuidFeatureVMX == 0 {
		t.Errorf("CPUID.1 ECX = %#x, passthrough bits lost", r.ECX)
	}
	if !emu.InGuest(0) {
		t.Error("processor left the guest on a plain CPUID")
	}
}

func TestExitCPUIDPassthroughOtherLeaves(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	r := emu.CPUID(0, 0)
	if r.EBX != vendorIntelEBX || r.ECX != vendorIntelECX || r.EDX != vendorIntelEDX {
		t.Errorf("CPUID.0 vendor = %#x/%#x/%#x, want passthrough", r.EBX, r.ECX, r.EDX)
	}
	if !emu.InGuest(0) {
		t.Error("processor left the guest")
	}
}

func TestExitTeardownCPUIDRequiresCPL0(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	// Fake a CPL 3 guest by rewriting the CS selector's RPL.
	if err := emu.VMWrite(GuestCSSelector, 0x0B); err != nil {
		t.Fatalf("VMWrite: %v", err)
	}
	emu.CPUID(teardownLeaf, teardownSubleaf)
	if !emu.InGuest(0) {
		t.Error("unprivileged teardown CPUID disengaged the monitor")
	}

	// At CPL 0 the same leaf tears the processor down.
	if err := emu.VMWrite(GuestCSSelector, 0x08); err != nil {
		t.Fatalf("VMWrite: %v", err)
	}
	emu.CPUID(teardownLeaf, teardownSubleaf)
	if emu.InGuest(0) || emu.InRootMode(0) {
		t.Error("privileged teardown CPUID did not disengage the monitor")
	}
}

func TestExitINVD(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	emu.InjectExit(exitReasonINVD)
	if emu.WbinvdCount() != 1 {
		t.Errorf("wbinvd count = %d, want 1", emu.WbinvdCount())
	}
	if !emu.InGuest(0) {
		t.Error("processor left the guest")
	}
}

func TestExitXSETBV(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	emu.InjectExit(exitReasonXSETBV)
	if got := len(emu.XSetBVLog()); got != 1 {
		t.Errorf("xsetbv executions = %d, want 1", got)
	}
}

func TestExitVMXInstructionsFail(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	for _, reason := range []uint32{
		exitReasonVMCALL, exitReasonVMCLEAR, exitReasonVMLAUNCH,
		exitReasonVMPTRLD, exitReasonVMPTRST, exitReasonVMREAD,
		exitReasonVMRESUME, exitReasonVMWRITE, exitReasonVMXOFF,
		exitReasonVMXON,
	} {
		emu.VMWrite(GuestRFlags, 0x202)
		emu.InjectExit(reason)
		if emu.VMRead(GuestRFlags)&rflagsCarry == 0 {
			t.Errorf("exit reason %d: carry flag not set for nested VMX attempt", reason)
		}
		if !emu.InGuest(0) {
			t.Fatalf("exit reason %d: processor left the guest", reason)
		}
	}
}

func TestExitEPTViolationMapsPage(t *testing.T) {
	mon, emu, unbind := installed(t)
	defer unbind()

	before := len(collectMappedPages(mon.ept))
	invept := emu.InveptCount()

	emu.TouchMemory(0xCAFE1000)
	if got := len(collectMappedPages(mon.ept)); got != before+1 {
		t.Errorf("mapped pages = %d, want %d", got, before+1)
	}
	if emu.InveptCount() != invept+1 {
		t.Errorf("invept count = %d, want %d", emu.InveptCount(), invept+1)
	}
	if !emu.InGuest(0) {
		t.Error("processor left the guest")
	}

	// Faulting on the same page again is harmless.
	emu.TouchMemory(0xCAFE1FFF)
	if got := len(collectMappedPages(mon.ept)); got != before+1 {
		t.Errorf("refault mapped extra pages: %d", got)
	}
}

func TestExitEPTViolationFatal(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	emu.InjectEPTViolation(0xCAFE1000, 0x3)
	if emu.BreakpointCount() == 0 {
		t.Error("fatal violation did not trap to the debugger")
	}
	if GetMetrics().ProtocolErrors == 0 {
		t.Error("protocol error not counted")
	}
}

func TestExitUnexpectedReasonTraps(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	emu.InjectExit(57) // reserved reason this monitor never configures
	if emu.BreakpointCount() != 1 {
		t.Errorf("breakpoint count = %d, want 1", emu.BreakpointCount())
	}
}

func TestExitCountsMetrics(t *testing.T) {
	_, emu, unbind := installed(t)
	defer unbind()

	base := GetMetrics().VMExits
	emu.CPUID(1, 0)
	emu.InjectExit(exitReasonINVD)
	emu.TouchMemory(0xB000_0000)
	if got := GetMetrics().VMExits; got != base+3 {
		t.Errorf("VMExits = %d, want %d", got, base+3)
	}
}
