package simplevisor

import "unsafe"

// Context is the full register file captured when a processor arms the
// monitor and restored when it later disengages. The layout is fixed: the
// assembly capture/restore routines and the VM-exit entry stub address
// fields by the ctx* offsets below, and the exit stub builds one of these
// on the host stack, so the struct must stay 16-byte aligned in size and
// FxSave must sit on a 16-byte boundary for FXSAVE64.
type Context struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip    uint64
	Rflags uint64

	SegCs uint16
	SegSs uint16
	SegDs uint16
	SegEs uint16
	SegFs uint16
	SegGs uint16
	_     [4]byte

	FxSave [512]byte
}

// Field offsets, exported to the assembly via go_asm.h.
const (
	ctxRax    = unsafe.Offsetof(Context{}.Rax)
	ctxRcx    = unsafe.Offsetof(Context{}.Rcx)
	ctxRdx    = unsafe.Offsetof(Context{}.Rdx)
	ctxRbx    = unsafe.Offsetof(Context{}.Rbx)
	ctxRsp    = unsafe.Offsetof(Context{}.Rsp)
	ctxRbp    = unsafe.Offsetof(Context{}.Rbp)
	ctxRsi    = unsafe.Offsetof(Context{}.Rsi)
	ctxRdi    = unsafe.Offsetof(Context{}.Rdi)
	ctxR8     = unsafe.Offsetof(Context{}.R8)
	ctxR9     = unsafe.Offsetof(Context{}.R9)
	ctxR10    = unsafe.Offsetof(Context{}.R10)
	ctxR11    = unsafe.Offsetof(Context{}.R11)
	ctxR12    = unsafe.Offsetof(Context{}.R12)
	ctxR13    = unsafe.Offsetof(Context{}.R13)
	ctxR14    = unsafe.Offsetof(Context{}.R14)
	ctxR15    = unsafe.Offsetof(Context{}.R15)
	ctxRip    = unsafe.Offsetof(Context{}.Rip)
	ctxRflags = unsafe.Offsetof(Context{}.Rflags)
	ctxSegCs  = unsafe.Offsetof(Context{}.SegCs)
	ctxSegSs  = unsafe.Offsetof(Context{}.SegSs)
	ctxSegDs  = unsafe.Offsetof(Context{}.SegDs)
	ctxSegEs  = unsafe.Offsetof(Context{}.SegEs)
	ctxSegFs  = unsafe.Offsetof(Context{}.SegFs)
	ctxSegGs  = unsafe.Offsetof(Context{}.SegGs)
	ctxFxSave = unsafe.Offsetof(Context{}.FxSave)

	contextSize = unsafe.Sizeof(Context{})
)

// Layout invariants the assembly depends on. Each line fails to compile
// (unsigned constant overflow) if the invariant breaks.
const (
	_ = -(contextSize % 16) // size stays 16-byte aligned
	_ = -(ctxFxSave % 16)   // FXSAVE64 area sits on a 16-byte boundary
	_ = -(ctxRip - 16*8)    // Rip immediately follows the 16 GPR slots
	_ = ctxRip - 16*8
)
