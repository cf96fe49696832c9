// Package simplevisor implements a minimal thin hypervisor for Intel VT-x.
//
// The monitor is installed on every logical processor of a running machine
// and transparently interposes between the hardware and the operating
// system that is already executing: the running OS becomes the one and only
// guest, without being relocated, paused, or told. Guest-physical memory is
// kept fully and transparently mapped through a lazily populated identity
// EPT (extended page table) hierarchy that is extended on demand from the
// EPT-violation exit path.
//
// # Architecture
//
//   - Capability probing: read-only VMX/EPT hardware feature checks.
//   - EPT engine: a global 4-level identity page-table builder guarded by a
//     single lock, extended lazily from the violation handler.
//   - VMX root entry: enters VMX root operation and activates the
//     per-processor VMCS.
//   - VMCS builder: populates guest/host VMCS fields from captured state.
//   - VP lifecycle: the per-logical-processor state machine, including the
//     "returns twice" continuation capture that makes a single call site
//     serve as both the point where the monitor is armed and the point
//     where control returns once it later disengages.
//
// Hardware access goes through the Hardware port so the whole lifecycle can
// be exercised without VMX privileges. Two backends are provided: the real
// amd64 backend built on assembly intrinsics, and a software Emulator that
// models just enough of VMX root operation to run the monitor end to end.
//
// # Basic Usage
//
// Check whether the processor can host the monitor:
//
//	supported, err := simplevisor.Supported()
//	if err != nil || !supported {
//		log.Fatal("VT-x not available on this system")
//	}
//
// Install the monitor on every logical processor:
//
//	hw, err := simplevisor.NewHostHardware()
//	if err != nil {
//		log.Fatal(err)
//	}
//	mon, err := simplevisor.New(hw, simplevisor.NewRuntimeAllocator())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mon.Close()
//
//	if err := mon.Install(systemCr3); err != nil {
//		log.Fatal("failed to start monitor:", err)
//	}
//
// Tear it down again; each processor resumes exactly where it was armed:
//
//	if err := mon.Uninstall(); err != nil {
//		log.Fatal(err)
//	}
//
// # Error Handling
//
// All errors implement the standard Go error interface. Monitor-specific
// failures are *Error values carrying an ErrorCode from the taxonomy
// (unsupported platform, resource exhaustion, fatal protocol violation) and
// match the exported sentinels under errors.Is.
//
// # Resource Management
//
// A Monitor must be released with Close(). A finalizer provides safety-net
// cleanup. Only one Monitor can be active per process.
//
// # Platform Support
//
// The host hardware backend is amd64 only; other platforms return "not
// supported" errors. The Emulator backend works everywhere.
package simplevisor
