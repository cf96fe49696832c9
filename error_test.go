package simplevisor

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name     string
		code     ErrorCode
		expected string
	}{
		{
			name:     "Success",
			code:     CodeSuccess,
			expected: "shv: success",
		},
		{
			name:     "UnsupportedPlatform",
			code:     CodeUnsupportedPlatform,
			expected: "shv: unsupported platform (UNSUPPORTED_PLATFORM) - VMX/EPT capability or firmware feature-control check failed",
		},
		{
			name:     "ResourceExhausted",
			code:     CodeResourceExhausted,
			expected: "shv: insufficient resources (RESOURCE_EXHAUSTED) - contiguous memory allocation failed",
		},
		{
			name:     "FatalProtocolViolation",
			code:     CodeFatalProtocolViolation,
			expected: "shv: fatal protocol violation (FATAL_PROTOCOL_VIOLATION) - hardware reported a state the design forbids",
		},
		{
			name:     "InvalidArgument",
			code:     CodeInvalidArgument,
			expected: "shv: invalid argument (INVALID_ARGUMENT) - check parameter values and alignment",
		},
		{
			name:     "AlreadyActive",
			code:     CodeAlreadyActive,
			expected: "shv: monitor already active (ALREADY_ACTIVE) - only one monitor per process",
		},
		{
			name:     "NotLaunched",
			code:     CodeNotLaunched,
			expected: "shv: monitor not launched (NOT_LAUNCHED) - operation requires an armed monitor",
		},
		{
			name:     "NotSupported",
			code:     CodeNotSupported,
			expected: "shv: operation unsupported (NOT_SUPPORTED) - host hardware backend unavailable on this platform",
		},
		{
			name:     "Unknown error code",
			code:     ErrorCode(0x12345678),
			expected: "shv: unknown error code 0x12345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &Error{Code: tt.code}
			got := err.Error()
			if got != tt.expected {
				t.Errorf("Error{Code: %d}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Run("custom message still matches sentinel", func(t *testing.T) {
		err := &Error{Code: CodeResourceExhausted, message: "shv: EPT table allocation failed"}
		if !errors.Is(err, ErrResourceExhausted) {
			t.Error("custom-message error should match ErrResourceExhausted")
		}
	})

	t.Run("wrapped error matches sentinel", func(t *testing.T) {
		err := fmt.Errorf("failed to map page 0x1000: %w", ErrResourceExhausted)
		if !errors.Is(err, ErrResourceExhausted) {
			t.Error("wrapped error should match ErrResourceExhausted")
		}
	})

	t.Run("different codes do not match", func(t *testing.T) {
		if errors.Is(ErrUnsupportedPlatform, ErrFatalProtocolViolation) {
			t.Error("different codes should not match")
		}
	})

	t.Run("different codes produce different messages", func(t *testing.T) {
		if ErrUnsupportedPlatform.Error() == ErrResourceExhausted.Error() {
			t.Error("different error codes should produce different messages")
		}
	})
}

func TestErrorSentinelContents(t *testing.T) {
	if !strings.Contains(ErrAlternateTable.Error(), "local descriptor table") {
		t.Errorf("ErrAlternateTable message %q should mention the local descriptor table", ErrAlternateTable.Error())
	}
	if ErrNotSupported.Code != CodeNotSupported {
		t.Errorf("ErrNotSupported.Code = %d, want %d", ErrNotSupported.Code, CodeNotSupported)
	}
	if ErrLaunchFailed.Code != CodeUnsupportedPlatform {
		t.Errorf("ErrLaunchFailed.Code = %d, want %d", ErrLaunchFailed.Code, CodeUnsupportedPlatform)
	}
}
