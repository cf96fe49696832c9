package simplevisor

import "unsafe"

// vmcsWriter accumulates the first VMWRITE failure so the builder reads
// as straight-line field assignments.
type vmcsWriter struct {
	hw  Hardware
	err error
}

func (w *vmcsWriter) write(field VMCSField, value uint64) {
	if w.err != nil {
		return
	}
	w.err = w.hw.VMWrite(field, value)
}

func (w *vmcsWriter) write32(field VMCSField, value uint32) {
	w.write(field, uint64(value))
}

// setupVMCS populates the current VMCS so that VMLAUNCH continues the OS
// exactly where it was captured, now as the guest, and routes every
// VM exit onto this processor's private host stack. Guest state comes
// from the captured context and special registers; host state mirrors the
// guest where the architecture allows, except CR3, which is pinned to the
// full system address space.
func (m *Monitor) setupVMCS(vp *VPData) error {
	hw := m.hw
	w := &vmcsWriter{hw: hw}
	ctx := &vp.ContextFrame
	special := &vp.Special

	w.write(VMCSLinkPointer, ^uint64(0))
	w.write(MSRBitmapAddress, vp.MsrBitmapPhys)
	w.write(EPTPointer, uint64(m.ept.Pointer()))
	w.write(VirtualProcessorID, 1)

	// Execution controls, each clamped against its true capability MSR.
	w.write32(SecondaryControls, AdjustCapability(vp.MsrData[msrIdxProcBased2],
		secondaryEnableEPT|secondaryEnableRDTSCP|secondaryEnableVPID|secondaryEnableXSAVES))
	w.write32(PinBasedControls, AdjustCapability(vp.MsrData[msrIdxTruePinBased], 0))
	w.write32(CPUBasedControls, AdjustCapability(vp.MsrData[msrIdxTrueProcBased],
		cpuBasedActivateMSRBitmap|cpuBasedActivateSecondary))
	w.write32(VMExitControls, AdjustCapability(vp.MsrData[msrIdxTrueExit],
		exitControlHostAddressSpace|exitControlAckInterrupt))
	w.write32(VMEntryControls, AdjustCapability(vp.MsrData[msrIdxTrueEntry],
		entryControlIA32eGuest))

	// Segment state, decoded from the live GDT.
	gdt := hw.DescriptorTable(special.Gdtr)
	segments := []struct {
		selector                  uint16
		sel, limit, rights, base  VMCSField
		hostSel                   VMCSField // 0 when the segment has no host field
	}{
		{ctx.SegEs, GuestESSelector, GuestESLimit, GuestESAccessRights, GuestESBase, HostESSelector},
		{ctx.SegCs, GuestCSSelector, GuestCSLimit, GuestCSAccessRights, GuestCSBase, HostCSSelector},
		{ctx.SegSs, GuestSSSelector, GuestSSLimit, GuestSSAccessRights, GuestSSBase, HostSSSelector},
		{ctx.SegDs, GuestDSSelector, GuestDSLimit, GuestDSAccessRights, GuestDSBase, HostDSSelector},
		{ctx.SegFs, GuestFSSelector, GuestFSLimit, GuestFSAccessRights, GuestFSBase, HostFSSelector},
		{ctx.SegGs, GuestGSSelector, GuestGSLimit, GuestGSAccessRights, GuestGSBase, HostGSSelector},
		{special.Tr, GuestTRSelector, GuestTRLimit, GuestTRAccessRights, GuestTRBase, HostTRSelector},
		{special.Ldtr, GuestLDTRSelector, GuestLDTRLimit, GuestLDTRAccessRights, GuestLDTRBase, 0},
	}
	var trBase uint64
	for _, s := range segments {
		d, err := DecodeDescriptor(gdt, s.selector)
		if err != nil {
			return err
		}
		w.write(s.sel, uint64(d.Selector))
		w.write32(s.limit, d.Limit)
		w.write32(s.rights, d.AccessRights)
		w.write(s.base, d.Base)
		if s.hostSel != 0 {
			w.write(s.hostSel, uint64(s.selector&^7))
		}
		if s.sel == GuestTRSelector {
			trBase = d.Base
		}
	}

	// The segment-register images of FS and GS are stale on 64-bit
	// systems; the live bases come from the MSRs.
	fsBase := hw.ReadMSR(MSRFSBase)
	gsBase := hw.ReadMSR(MSRGSBase)
	w.write(GuestFSBase, fsBase)
	w.write(GuestGSBase, gsBase)

	w.write(GuestGDTRBase, special.Gdtr.Base)
	w.write32(GuestGDTRLimit, uint32(special.Gdtr.Limit))
	w.write(GuestIDTRBase, special.Idtr.Base)
	w.write32(GuestIDTRLimit, uint32(special.Idtr.Limit))

	w.write(GuestCR0, special.Cr0)
	w.write(GuestCR3, special.Cr3)
	w.write(GuestCR4, special.Cr4)
	w.write(CR0ReadShadow, special.Cr0)
	w.write(CR4ReadShadow, special.Cr4)
	w.write(GuestDebugCtl, special.DebugControl)
	w.write(GuestDR7, special.KernelDr7)
	w.write(GuestRFlags, ctx.Rflags)

	w.write32(GuestSysenterCS, uint32(hw.ReadMSR(MSRSysenterCS)))
	w.write(GuestSysenterESP, hw.ReadMSR(MSRSysenterESP))
	w.write(GuestSysenterEIP, hw.ReadMSR(MSRSysenterEIP))

	// The guest resumes through a stub that restores the context copy
	// parked at the top of the host stack, landing back at the capture
	// point. Exits reuse the same stack top: the entry stub materializes
	// a fresh Context there before calling into Go.
	stackTop := unsafe.Pointer(&vp.Stack[uintptr(hostStackSize)-contextSize])
	*(*Context)(stackTop) = *ctx
	w.write(GuestRSP, uint64(uintptr(stackTop)))
	w.write(GuestRIP, uint64(hw.ResumeEntry()))

	w.write(HostCR0, special.Cr0)
	w.write(HostCR3, vp.SystemCr3)
	w.write(HostCR4, special.Cr4)
	w.write(HostFSBase, fsBase)
	w.write(HostGSBase, gsBase)
	w.write(HostTRBase, trBase)
	w.write(HostGDTRBase, special.Gdtr.Base)
	w.write(HostIDTRBase, special.Idtr.Base)
	w.write32(HostSysenterCS, uint32(hw.ReadMSR(MSRSysenterCS)))
	w.write(HostSysenterESP, hw.ReadMSR(MSRSysenterESP))
	w.write(HostSysenterEIP, hw.ReadMSR(MSRSysenterEIP))
	w.write(HostRSP, uint64(uintptr(stackTop)))
	w.write(HostRIP, uint64(hw.ExitHandlerEntry()))

	return w.err
}
