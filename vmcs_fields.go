package simplevisor

// VMCSField is a VMCS component encoding as consumed by VMREAD/VMWRITE.
type VMCSField uint32

// 16-bit fields.
const (
	VirtualProcessorID VMCSField = 0x0000

	GuestESSelector   VMCSField = 0x0800
	GuestCSSelector   VMCSField = 0x0802
	GuestSSSelector   VMCSField = 0x0804
	GuestDSSelector   VMCSField = 0x0806
	GuestFSSelector   VMCSField = 0x0808
	GuestGSSelector   VMCSField = 0x080A
	GuestLDTRSelector VMCSField = 0x080C
	GuestTRSelector   VMCSField = 0x080E

	HostESSelector VMCSField = 0x0C00
	HostCSSelector VMCSField = 0x0C02
	HostSSSelector VMCSField = 0x0C04
	HostDSSelector VMCSField = 0x0C06
	HostFSSelector VMCSField = 0x0C08
	HostGSSelector VMCSField = 0x0C0A
	HostTRSelector VMCSField = 0x0C0C
)

// 64-bit fields.
const (
	MSRBitmapAddress     VMCSField = 0x2004
	EPTPointer           VMCSField = 0x201A
	GuestPhysicalAddress VMCSField = 0x2400
	VMCSLinkPointer      VMCSField = 0x2800
	GuestDebugCtl        VMCSField = 0x2802
)

// 32-bit fields.
const (
	PinBasedControls      VMCSField = 0x4000
	CPUBasedControls      VMCSField = 0x4002
	VMExitControls        VMCSField = 0x400C
	VMEntryControls       VMCSField = 0x4012
	SecondaryControls     VMCSField = 0x401E
	VMInstructionError    VMCSField = 0x4400
	VMExitReason          VMCSField = 0x4402
	VMExitInstructionLen  VMCSField = 0x440C
	GuestESLimit          VMCSField = 0x4800
	GuestCSLimit          VMCSField = 0x4802
	GuestSSLimit          VMCSField = 0x4804
	GuestDSLimit          VMCSField = 0x4806
	GuestFSLimit          VMCSField = 0x4808
	GuestGSLimit          VMCSField = 0x480A
	GuestLDTRLimit        VMCSField = 0x480C
	GuestTRLimit          VMCSField = 0x480E
	GuestGDTRLimit        VMCSField = 0x4810
	GuestIDTRLimit        VMCSField = 0x4812
	GuestESAccessRights   VMCSField = 0x4814
	GuestCSAccessRights   VMCSField = 0x4816
	GuestSSAccessRights   VMCSField = 0x4818
	GuestDSAccessRights   VMCSField = 0x481A
	GuestFSAccessRights   VMCSField = 0x481C
	GuestGSAccessRights   VMCSField = 0x481E
	GuestLDTRAccessRights VMCSField = 0x4820
	GuestTRAccessRights   VMCSField = 0x4822
	GuestSysenterCS       VMCSField = 0x482A
	HostSysenterCS        VMCSField = 0x4C00
)

// Natural-width fields.
const (
	CR0ReadShadow VMCSField = 0x6004
	CR4ReadShadow VMCSField = 0x6006

	ExitQualification VMCSField = 0x6400

	GuestCR0         VMCSField = 0x6800
	GuestCR3         VMCSField = 0x6802
	GuestCR4         VMCSField = 0x6804
	GuestESBase      VMCSField = 0x6806
	GuestCSBase      VMCSField = 0x6808
	GuestSSBase      VMCSField = 0x680A
	GuestDSBase      VMCSField = 0x680C
	GuestFSBase      VMCSField = 0x680E
	GuestGSBase      VMCSField = 0x6810
	GuestLDTRBase    VMCSField = 0x6812
	GuestTRBase      VMCSField = 0x6814
	GuestGDTRBase    VMCSField = 0x6816
	GuestIDTRBase    VMCSField = 0x6818
	GuestDR7         VMCSField = 0x681A
	GuestRSP         VMCSField = 0x681C
	GuestRIP         VMCSField = 0x681E
	GuestRFlags      VMCSField = 0x6820
	GuestSysenterESP VMCSField = 0x6824
	GuestSysenterEIP VMCSField = 0x6826

	HostCR0         VMCSField = 0x6C00
	HostCR3         VMCSField = 0x6C02
	HostCR4         VMCSField = 0x6C04
	HostFSBase      VMCSField = 0x6C06
	HostGSBase      VMCSField = 0x6C08
	HostTRBase      VMCSField = 0x6C0A
	HostGDTRBase    VMCSField = 0x6C0C
	HostIDTRBase    VMCSField = 0x6C0E
	HostSysenterESP VMCSField = 0x6C10
	HostSysenterEIP VMCSField = 0x6C12
	HostRSP         VMCSField = 0x6C14
	HostRIP         VMCSField = 0x6C16
)

// Execution-control bits the monitor requests; each value is clamped
// against the matching capability MSR before being written.
const (
	cpuBasedActivateMSRBitmap uint32 = 1 << 28
	cpuBasedActivateSecondary uint32 = 1 << 31

	secondaryEnableEPT    uint32 = 1 << 1
	secondaryEnableRDTSCP uint32 = 1 << 3
	secondaryEnableVPID   uint32 = 1 << 5
	secondaryEnableXSAVES uint32 = 1 << 20

	exitControlHostAddressSpace uint32 = 1 << 9
	exitControlAckInterrupt     uint32 = 1 << 15

	entryControlIA32eGuest uint32 = 1 << 9
)

// VM-exit basic reasons the handler dispatches on.
const (
	exitReasonCPUID        uint32 = 10
	exitReasonINVD         uint32 = 13
	exitReasonVMCALL       uint32 = 18
	exitReasonVMCLEAR      uint32 = 19
	exitReasonVMLAUNCH     uint32 = 20
	exitReasonVMPTRLD      uint32 = 21
	exitReasonVMPTRST      uint32 = 22
	exitReasonVMREAD       uint32 = 23
	exitReasonVMRESUME     uint32 = 24
	exitReasonVMWRITE      uint32 = 25
	exitReasonVMXOFF       uint32 = 26
	exitReasonVMXON        uint32 = 27
	exitReasonEPTViolation uint32 = 48
	exitReasonXSETBV       uint32 = 55
)

// The reserved CPUID leaf/subleaf pair a privileged guest executes to ask
// the monitor to disengage from the current processor.
const (
	teardownLeaf    uint32 = 0x41414141
	teardownSubleaf uint32 = 0x42424242
)

// Segment selector bit layout.
const (
	selectorRPLMask        uint16 = 0x3
	selectorTableIndicator uint16 = 0x4
)

// RFLAGS bits the exit handler manipulates.
const rflagsCarry uint64 = 1 << 0
