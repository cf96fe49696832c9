package simplevisor

// Model-specific registers the monitor reads.
const (
	MSRAPICBase       uint32 = 0x1B
	MSRFeatureControl uint32 = 0x3A
	MSRSysenterCS     uint32 = 0x174
	MSRSysenterESP    uint32 = 0x175
	MSRSysenterEIP    uint32 = 0x176
	MSRDebugCtl       uint32 = 0x1D9
	MSRFSBase         uint32 = 0xC0000100
	MSRGSBase         uint32 = 0xC0000101

	// MSRVMXBasic is the first of the contiguous block of VMX capability
	// MSRs (IA32_VMX_BASIC through IA32_VMX_VMFUNC) captured at init.
	MSRVMXBasic         uint32 = 0x480
	MSRVMXProcBasedCtls uint32 = 0x482
	MSRVMXProcBased2    uint32 = 0x48B
)

// Indexes into VPData.MsrData, relative to MSRVMXBasic.
const (
	msrIdxBasic         = 0  // IA32_VMX_BASIC
	msrIdxCr0Fixed0     = 6  // IA32_VMX_CR0_FIXED0
	msrIdxCr0Fixed1     = 7  // IA32_VMX_CR0_FIXED1
	msrIdxCr4Fixed0     = 8  // IA32_VMX_CR4_FIXED0
	msrIdxCr4Fixed1     = 9  // IA32_VMX_CR4_FIXED1
	msrIdxProcBased2    = 11 // IA32_VMX_PROCBASED_CTLS2
	msrIdxTruePinBased  = 13 // IA32_VMX_TRUE_PINBASED_CTLS
	msrIdxTrueProcBased = 14 // IA32_VMX_TRUE_PROCBASED_CTLS
	msrIdxTrueExit      = 15 // IA32_VMX_TRUE_EXIT_CTLS
	msrIdxTrueEntry     = 16 // IA32_VMX_TRUE_ENTRY_CTLS

	// vmxCapabilityMSRCount covers IA32_VMX_BASIC..IA32_VMX_VMFUNC.
	vmxCapabilityMSRCount = 17
)

// IA32_FEATURE_CONTROL bits.
const (
	featureControlLock            uint64 = 1 << 0
	featureControlVMXOnOutsideSMX uint64 = 1 << 2
	apicBaseAddressMask           uint64 = 0xFFFFFF000
	cpuidFeatureVMX               uint32 = 1 << 5
	cpuidHypervisorPresent        uint32 = 1 << 31
	secondaryCapabilityEPT        uint32 = 1 << 1 // high word of IA32_VMX_PROCBASED_CTLS2
	vmxBasicTrueControls          uint64 = 1 << 55
)

// GenuineIntel vendor triple as returned by CPUID leaf 0.
const (
	vendorIntelEBX uint32 = 0x756E6547 // "Genu"
	vendorIntelEDX uint32 = 0x49656E69 // "ineI"
	vendorIntelECX uint32 = 0x6C65746E // "ntel"
)

// MSRPair views a 64-bit capability MSR as its two 32-bit halves. VMX
// capability MSRs encode the "allowed to be 1" bits in the high word and
// the "must be 1" bits in the low word.
type MSRPair uint64

// Low returns the must-be-one half.
func (p MSRPair) Low() uint32 { return uint32(p) }

// High returns the allowed-to-be-one half.
func (p MSRPair) High() uint32 { return uint32(p >> 32) }

// AdjustCapability clamps a desired control value to what the capability
// MSR permits: any bit the MSR marks must-be-zero is cleared, any bit it
// marks must-be-one is forced on, independent of the request.
func AdjustCapability(pair MSRPair, desired uint32) uint32 {
	desired &= pair.High()
	desired |= pair.Low()
	return desired
}

// IA32_VMX_BASIC field accessors.

// vmxBasicVMCSSize extracts the VMXON/VMCS region size from bits 44:32.
func vmxBasicVMCSSize(basic uint64) uint64 {
	return (basic >> 32) & 0x1FFF
}

// vmxBasicMemoryType extracts the required VMCS memory type from bits 53:50.
func vmxBasicMemoryType(basic uint64) uint64 {
	return (basic >> 50) & 0xF
}

// vmxBasicRevision extracts the revision identifier stamped into the VMXON
// and VMCS regions.
func vmxBasicRevision(basic uint64) uint32 {
	return uint32(basic) & 0x7FFFFFFF
}
