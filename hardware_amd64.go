//go:build amd64 && linux

package simplevisor

import (
	"encoding/binary"
	"os"
	"reflect"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// hostHardware is the real Hardware backend: thin Go wrappers around the
// privileged instructions, implemented in hardware_amd64.s. Everything
// except CPUID and the memory-map enumeration requires CPL 0, so this
// backend is only fully functional when the module is embedded in a
// ring-0 deployment; the probes and the Emulator work from user space.
type hostHardware struct {
	handler ExitHandler
}

// NewHostHardware returns the amd64 backend.
func NewHostHardware() (Hardware, error) {
	return &hostHardware{}, nil
}

// Supported reports whether this machine can host the monitor. A false
// return with a nil error means the hardware or firmware says no.
//
// RDMSR is privileged, so from user space the MSR-backed checks go
// through the msr driver; when /dev/cpu is unavailable the CPUID checks
// alone decide. The full ProbeVMX/ProbeEPT run again at install time.
func Supported() (bool, error) {
	hw, err := NewHostHardware()
	if err != nil {
		return false, err
	}
	vendor := hw.CPUID(0, 0)
	if vendor.EBX != vendorIntelEBX || vendor.EDX != vendorIntelEDX || vendor.ECX != vendorIntelECX {
		debugf("not an Intel processor")
		return false, nil
	}
	if hw.CPUID(1, 0).ECX&cpuidFeatureVMX == 0 {
		debugf("VMX feature bit clear")
		return false, nil
	}

	control, err := ReadMSRDevice(0, MSRFeatureControl)
	if err != nil {
		debugf("msr driver unavailable (%v); trusting CPUID", err)
		return true, nil
	}
	if control&featureControlLock == 0 || control&featureControlVMXOnOutsideSMX == 0 {
		debugf("feature control %#x forbids VMXON", control)
		return false, nil
	}
	if ctls2, err := ReadMSRDevice(0, MSRVMXProcBased2); err == nil {
		if MSRPair(ctls2).High()&secondaryCapabilityEPT == 0 {
			debugf("EPT capability missing")
			return false, nil
		}
	}
	return true, nil
}

// ReadMSRDevice reads an MSR on the given processor through the Linux
// msr driver, which works without CPL 0.
func ReadMSRDevice(cpu int, msr uint32) (uint64, error) {
	fd, err := unix.Open("/dev/cpu/"+strconv.Itoa(cpu)+"/msr", unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var buf [8]byte
	if _, err := unix.Pread(fd, buf[:], int64(msr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// The installed exit handler, reached from the assembly entry stub.
var installedHandler ExitHandler

// vmxExitTrampoline is called by vmxEntry with the guest register file
// materialized on the host stack.
func vmxExitTrampoline(ctx *Context) bool {
	if installedHandler == nil {
		return false
	}
	return installedHandler(ctx)
}

func (h *hostHardware) ProcessorID() int {
	cpu, _, err := unix.Getcpu()
	if err != nil {
		return 0
	}
	return cpu
}

func (h *hostHardware) ProcessorCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 1
	}
	return set.Count()
}

func (h *hostHardware) BindProcessor(cpu int) (func(), error) {
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return nil, &Error{Code: CodeNotSupported, message: "shv: cannot read processor affinity: " + err.Error()}
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, &Error{Code: CodeNotSupported, message: "shv: cannot bind to processor: " + err.Error()}
	}
	return func() { _ = unix.SchedSetaffinity(0, &old) }, nil
}

func (h *hostHardware) PhysicalMemoryRanges() ([]MemoryRange, error) {
	f, err := os.Open("/proc/iomem")
	if err != nil {
		return nil, &Error{Code: CodeNotSupported, message: "shv: cannot read physical memory map: " + err.Error()}
	}
	defer f.Close()
	return parsePhysicalMemoryRanges(f)
}

func (h *hostHardware) CPUID(leaf, subleaf uint32) CPUIDResult {
	eax, ebx, ecx, edx := cpuidRaw(leaf, subleaf)
	return CPUIDResult{EAX: eax, EBX: ebx, ECX: ecx, EDX: edx}
}

func (h *hostHardware) ReadMSR(msr uint32) uint64 { return rdmsr(msr) }

func (h *hostHardware) SaveProcessorState(state *ProcessorState) {
	var gdtr, idtr [10]byte
	storeGDT(&gdtr)
	storeIDT(&idtr)
	state.Special = SpecialRegisters{
		Cr0:          readCR0(),
		Cr3:          readCR3(),
		Cr4:          readCR4(),
		DebugControl: rdmsr(MSRDebugCtl),
		KernelDr7:    readDR7(),
		Tr:           storeTR(),
		Ldtr:         storeLDT(),
		Gdtr:         unpackDTR(gdtr),
		Idtr:         unpackDTR(idtr),
	}
}

// unpackDTR converts the packed 10-byte SGDT/SIDT image.
func unpackDTR(raw [10]byte) DescriptorTableRegister {
	return DescriptorTableRegister{
		Limit: uint16(raw[0]) | uint16(raw[1])<<8,
		Base:  *(*uint64)(unsafe.Pointer(&raw[2])),
	}
}

// packDTR is the inverse, for LGDT/LIDT.
func packDTR(dtr DescriptorTableRegister) [10]byte {
	var raw [10]byte
	raw[0] = byte(dtr.Limit)
	raw[1] = byte(dtr.Limit >> 8)
	*(*uint64)(unsafe.Pointer(&raw[2])) = dtr.Base
	return raw
}

func (h *hostHardware) DescriptorTable(dtr DescriptorTableRegister) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dtr.Base))), int(dtr.Limit)+1)
}

func (h *hostHardware) WriteCR0(value uint64) { writeCR0(value) }
func (h *hostHardware) WriteCR3(value uint64) { writeCR3(value) }
func (h *hostHardware) WriteCR4(value uint64) { writeCR4(value) }

func (h *hostHardware) LoadGDT(dtr DescriptorTableRegister) {
	raw := packDTR(dtr)
	lgdt(&raw)
}

func (h *hostHardware) LoadIDT(dtr DescriptorTableRegister) {
	raw := packDTR(dtr)
	lidt(&raw)
}

func (h *hostHardware) LoadSegmentSelectors(data, tls uint16) {
	loadSelectors(data, tls)
}

func (h *hostHardware) WriteBackInvalidate() { wbinvd() }

func (h *hostHardware) XSetBV(index uint32, value uint64) { xsetbv(index, value) }

func (h *hostHardware) VMXOn(phys *uint64) error {
	if vmxon(phys) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMXON failed"}
	}
	return nil
}

func (h *hostHardware) VMXOff() { vmxoff() }

func (h *hostHardware) VMClear(phys *uint64) error {
	if vmclear(phys) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMCLEAR failed"}
	}
	return nil
}

func (h *hostHardware) VMPtrLd(phys *uint64) error {
	if vmptrld(phys) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMPTRLD failed"}
	}
	return nil
}

func (h *hostHardware) VMRead(field VMCSField) uint64 {
	return vmread(uint64(field))
}

func (h *hostHardware) VMWrite(field VMCSField, value uint64) error {
	if vmwrite(uint64(field), value) {
		return &Error{Code: CodeUnsupportedPlatform, message: "shv: VMWRITE failed"}
	}
	return nil
}

func (h *hostHardware) VMLaunch() error {
	if vmlaunch() {
		return ErrLaunchFailed
	}
	return nil
}

func (h *hostHardware) InvalidateEPT(ptr EPTP) {
	desc := [2]uint64{uint64(ptr), 0}
	invept(1, &desc) // single-context
}

func (h *hostHardware) CaptureContext(ctx *Context) { captureContext(ctx) }

func (h *hostHardware) RestoreContext(ctx *Context) {
	restoreContext(ctx)
	panic("shv: restoreContext returned")
}

func (h *hostHardware) Breakpoint() { breakpoint() }

func (h *hostHardware) ExitHandlerEntry() uintptr {
	return reflect.ValueOf(vmxEntry).Pointer()
}

func (h *hostHardware) ResumeEntry() uintptr {
	return reflect.ValueOf(resumeContextStub).Pointer()
}

func (h *hostHardware) SetExitHandler(handler ExitHandler) {
	h.handler = handler
	installedHandler = handler
}

// Implemented in hardware_amd64.s.
func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
func rdmsr(msr uint32) uint64
func readCR0() uint64
func readCR3() uint64
func readCR4() uint64
func writeCR0(value uint64)
func writeCR3(value uint64)
func writeCR4(value uint64)
func readDR7() uint64
func storeGDT(raw *[10]byte)
func storeIDT(raw *[10]byte)
func lgdt(raw *[10]byte)
func lidt(raw *[10]byte)
func storeTR() uint16
func storeLDT() uint16
func loadSelectors(data, tls uint16)
func wbinvd()
func xsetbv(index uint32, value uint64)
func vmxon(phys *uint64) (failed bool)
func vmxoff()
func vmclear(phys *uint64) (failed bool)
func vmptrld(phys *uint64) (failed bool)
func vmread(field uint64) uint64
func vmwrite(field, value uint64) (failed bool)
func vmlaunch() (failed bool)
func invept(kind uint64, desc *[2]uint64)
func captureContext(ctx *Context)
func restoreContext(ctx *Context)
func resumeContextStub()
func vmxEntry()
func breakpoint()
