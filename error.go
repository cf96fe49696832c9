package simplevisor

import (
	"fmt"
	"os"
	"strconv"
)

// ErrorCode classifies monitor failures.
type ErrorCode uint32

const (
	CodeSuccess ErrorCode = iota
	// CodeUnsupportedPlatform means a capability check failed: wrong CPU
	// vendor, VMX not available, firmware left the feature-control MSR
	// unlocked, or a VMX basic-information precondition did not hold.
	CodeUnsupportedPlatform
	// CodeResourceExhausted means a physically contiguous allocation failed
	// while building or extending the EPT tables or the global data region.
	CodeResourceExhausted
	// CodeFatalProtocolViolation means the hardware reported something the
	// design's invariants say cannot happen, such as an EPT violation that
	// is not a missing-entry fault.
	CodeFatalProtocolViolation
	// CodeInvalidArgument means a caller-supplied value failed validation.
	CodeInvalidArgument
	// CodeAlreadyActive means a monitor is already installed in this process.
	CodeAlreadyActive
	// CodeNotLaunched means an operation required an armed monitor.
	CodeNotLaunched
	// CodeNotSupported means the host hardware backend does not exist on
	// this platform.
	CodeNotSupported
)

// Error wraps an ErrorCode with an optional call-site message.
type Error struct {
	Code    ErrorCode
	message string // Optional custom message for specific errors
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is reports code equality, so wrapped and custom-message errors still
// match the exported sentinels under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// detailedError provides full error context for development.
func (e *Error) detailedError() string {
	switch e.Code {
	case CodeSuccess:
		return "shv: success"
	case CodeUnsupportedPlatform:
		return "shv: unsupported platform (UNSUPPORTED_PLATFORM) - VMX/EPT capability or firmware feature-control check failed"
	case CodeResourceExhausted:
		return "shv: insufficient resources (RESOURCE_EXHAUSTED) - contiguous memory allocation failed"
	case CodeFatalProtocolViolation:
		return "shv: fatal protocol violation (FATAL_PROTOCOL_VIOLATION) - hardware reported a state the design forbids"
	case CodeInvalidArgument:
		return "shv: invalid argument (INVALID_ARGUMENT) - check parameter values and alignment"
	case CodeAlreadyActive:
		return "shv: monitor already active (ALREADY_ACTIVE) - only one monitor per process"
	case CodeNotLaunched:
		return "shv: monitor not launched (NOT_LAUNCHED) - operation requires an armed monitor"
	case CodeNotSupported:
		return "shv: operation unsupported (NOT_SUPPORTED) - host hardware backend unavailable on this platform"
	default:
		return fmt.Sprintf("shv: unknown error code 0x%08x", uint32(e.Code))
	}
}

// sanitizedError provides minimal error information for production.
func (e *Error) sanitizedError() string {
	switch e.Code {
	case CodeSuccess:
		return "shv: success"
	case CodeUnsupportedPlatform:
		return "shv: unsupported platform"
	case CodeResourceExhausted:
		return "shv: insufficient resources"
	case CodeFatalProtocolViolation:
		return "shv: fatal protocol violation"
	case CodeInvalidArgument:
		return "shv: invalid argument"
	case CodeAlreadyActive:
		return "shv: monitor already active"
	case CodeNotLaunched:
		return "shv: monitor not launched"
	case CodeNotSupported:
		return "shv: operation unsupported"
	default:
		return "shv: monitor error"
	}
}

// isProductionEnv checks if we're running in a production environment.
func isProductionEnv() bool {
	env := os.Getenv("SHV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("SHV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers.
var (
	ErrUnsupportedPlatform    = &Error{Code: CodeUnsupportedPlatform}
	ErrResourceExhausted      = &Error{Code: CodeResourceExhausted}
	ErrFatalProtocolViolation = &Error{Code: CodeFatalProtocolViolation}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument}
	ErrAlreadyActive          = &Error{Code: CodeAlreadyActive, message: "shv: monitor already active in this process"}
	ErrNotLaunched            = &Error{Code: CodeNotLaunched, message: "shv: monitor is not launched on this processor"}
	ErrNotSupported           = &Error{Code: CodeNotSupported, message: "shv: not supported on this platform"}
	ErrAlternateTable         = &Error{Code: CodeInvalidArgument, message: "shv: selector references the local descriptor table"}
	ErrClosed                 = &Error{Code: CodeInvalidArgument, message: "shv: monitor is closed"}
	ErrLaunchFailed           = &Error{Code: CodeUnsupportedPlatform, message: "shv: VMLAUNCH did not enter the guest"}
)
