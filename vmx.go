package simplevisor

// ProbeVMX performs the read-only capability checks that must pass before
// any processor attempts root entry: an Intel processor advertising VMX,
// with firmware that locked the feature-control MSR while permitting
// VMXON outside SMX. It changes no processor state.
func ProbeVMX(hw Hardware) error {
	vendor := hw.CPUID(0, 0)
	if vendor.EBX != vendorIntelEBX || vendor.EDX != vendorIntelEDX || vendor.ECX != vendorIntelECX {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: not an Intel processor"}
	}

	features := hw.CPUID(1, 0)
	if features.ECX&cpuidFeatureVMX == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: processor does not advertise VMX"}
	}

	control := hw.ReadMSR(MSRFeatureControl)
	if control&featureControlLock == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: firmware left IA32_FEATURE_CONTROL unlocked"}
	}
	if control&featureControlVMXOnOutsideSMX == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMXON outside SMX is disabled by firmware"}
	}
	return nil
}

// ProbeEPT checks that secondary execution controls exist and that they
// can enable EPT, which this monitor requires unconditionally.
func ProbeEPT(hw Hardware) error {
	primary := MSRPair(hw.ReadMSR(MSRVMXProcBasedCtls))
	if primary.High()&cpuBasedActivateSecondary == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: secondary execution controls unavailable"}
	}
	secondary := MSRPair(hw.ReadMSR(MSRVMXProcBased2))
	if secondary.High()&secondaryCapabilityEPT == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: extended page tables unavailable"}
	}
	return nil
}

// enterRootMode takes the calling processor into VMX root operation and
// makes its VMCS current: stamp the revision into both regions, force the
// CR0/CR4 fixed bits, then VMXON, VMCLEAR, VMPTRLD. Any VMfail along the
// way unwinds so the processor is left out of VMX operation.
func (m *Monitor) enterRootMode(vp *VPData) error {
	basic := uint64(vp.MsrData[msrIdxBasic])
	if vmxBasicVMCSSize(basic) > PageSize {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMCS region larger than a page"}
	}
	if vmxBasicMemoryType(basic) != uint64(EPTMemoryTypeWriteBack) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMCS requires a non-write-back memory type"}
	}
	if basic&vmxBasicTrueControls == 0 {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: true capability MSRs unavailable"}
	}

	revision := vmxBasicRevision(basic)
	vp.VmxOn.RevisionID = revision
	vp.Vmcs.RevisionID = revision

	// Force the fixed CR bits; this is also what sets CR4.VMXE.
	cr0 := vp.Special.Cr0
	cr0 &= uint64(vp.MsrData[msrIdxCr0Fixed1])
	cr0 |= uint64(vp.MsrData[msrIdxCr0Fixed0])
	cr4 := vp.Special.Cr4
	cr4 &= uint64(vp.MsrData[msrIdxCr4Fixed1])
	cr4 |= uint64(vp.MsrData[msrIdxCr4Fixed0])
	vp.Special.Cr0 = cr0
	vp.Special.Cr4 = cr4
	m.hw.WriteCR0(cr0)
	m.hw.WriteCR4(cr4)

	if err := m.hw.VMXOn(&vp.VmxOnPhys); err != nil {
		return err
	}
	if err := m.hw.VMClear(&vp.VmcsPhys); err != nil {
		m.hw.VMXOff()
		return err
	}
	if err := m.hw.VMPtrLd(&vp.VmcsPhys); err != nil {
		m.hw.VMXOff()
		return err
	}
	return nil
}
