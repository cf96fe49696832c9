package simplevisor

import "sync/atomic"

// vpState carries the per-exit scratch state through the dispatch.
type vpState struct {
	regs       *Context
	guestRip   uint64
	guestRsp   uint64
	guestFlags uint64
	exitReason uint32
	advanceRip bool
	exitVM     bool
}

// handleExit is the installed ExitHandler. It runs in VMX root mode on
// the per-processor host stack with interrupts disabled, so it must not
// log or touch pageable state; memory comes only from the Allocator.
func (m *Monitor) handleExit(ctx *Context) bool {
	recordVMExit()
	hw := m.hw

	state := vpState{
		regs:       ctx,
		guestRip:   hw.VMRead(GuestRIP),
		guestRsp:   hw.VMRead(GuestRSP),
		guestFlags: hw.VMRead(GuestRFlags),
		exitReason: uint32(hw.VMRead(VMExitReason)) & 0xFFFF,
		advanceRip: true,
	}

	m.handleExitReason(&state)

	if state.exitVM {
		vp := m.global.VP(hw.ProcessorID())

		// VMX resets the descriptor-table registers to artificial
		// values on teardown, and host CR3 only covers the system
		// address space; put back what the guest was really using.
		hw.LoadGDT(vp.Special.Gdtr)
		hw.LoadIDT(vp.Special.Idtr)
		hw.WriteCR3(hw.VMRead(GuestCR3))

		// Resume past the instruction that requested the teardown,
		// on the guest's own stack, with VMX fully off.
		ctx.Rsp = state.guestRsp
		ctx.Rip = state.guestRip + hw.VMRead(VMExitInstructionLen)
		hw.VMXOff()
		atomic.StoreUint32(&vp.LaunchState, vpNotLaunched)
		return true
	}

	if state.advanceRip {
		hw.VMWrite(GuestRIP, state.guestRip+hw.VMRead(VMExitInstructionLen))
	}
	return false
}

func (m *Monitor) handleExitReason(state *vpState) {
	switch state.exitReason {
	case exitReasonCPUID:
		m.handleCPUID(state)

	case exitReasonINVD:
		// INVD unconditionally exits and cannot be reflected; execute
		// the closest thing on the guest's behalf.
		m.hw.WriteBackInvalidate()

	case exitReasonXSETBV:
		m.hw.XSetBV(uint32(state.regs.Rcx),
			state.regs.Rdx<<32|state.regs.Rax&0xFFFFFFFF)

	case exitReasonVMCALL, exitReasonVMCLEAR, exitReasonVMLAUNCH,
		exitReasonVMPTRLD, exitReasonVMPTRST, exitReasonVMREAD,
		exitReasonVMRESUME, exitReasonVMWRITE, exitReasonVMXOFF,
		exitReasonVMXON:
		// Nested virtualization is not offered: report VMfailInvalid.
		m.hw.VMWrite(GuestRFlags, state.guestFlags|rflagsCarry)

	case exitReasonEPTViolation:
		gpa := m.hw.VMRead(GuestPhysicalAddress)
		qualification := m.hw.VMRead(ExitQualification)
		if err := m.ept.HandleViolation(m.hw, gpa, qualification); err != nil {
			m.hw.Breakpoint()
		}
		// The faulting access must re-execute against the new mapping.
		state.advanceRip = false

	default:
		m.hw.Breakpoint()
	}
}

// handleCPUID emulates CPUID for the guest. The reserved leaf/subleaf
// pair, executed at CPL 0, is the teardown request; everything else is
// passed through with the hypervisor-present bit patched into leaf 1.
func (m *Monitor) handleCPUID(state *vpState) {
	leaf := uint32(state.regs.Rax)
	subleaf := uint32(state.regs.Rcx)

	if leaf == teardownLeaf && subleaf == teardownSubleaf {
		cs := uint16(m.hw.VMRead(GuestCSSelector))
		if cs&selectorRPLMask == 0 {
			state.exitVM = true
			return
		}
	}

	r := m.hw.CPUID(leaf, subleaf)
	if leaf == 1 {
		r.ECX |= cpuidHypervisorPresent
	}
	state.regs.Rax = uint64(r.EAX)
	state.regs.Rbx = uint64(r.EBX)
	state.regs.Rcx = uint64(r.ECX)
	state.regs.Rdx = uint64(r.EDX)
}
