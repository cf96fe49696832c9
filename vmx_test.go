package simplevisor

import (
	"errors"
	"strings"
	"testing"
)

func TestProbeVMX(t *testing.T) {
	t.Run("capable processor passes", func(t *testing.T) {
		if err := ProbeVMX(NewEmulator(1)); err != nil {
			t.Errorf("ProbeVMX: %v", err)
		}
	})

	t.Run("non-Intel vendor", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.OverrideCPUID(0, CPUIDResult{EAX: 0xD, EBX: 0x68747541, ECX: 0x444D4163, EDX: 0x69746E65})
		err := ProbeVMX(emu)
		if !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("err = %v, want ErrUnsupportedPlatform", err)
		}
	})

	t.Run("VMX feature bit clear", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.OverrideCPUID(1, CPUIDResult{EAX: 0x000906EA})
		if err := ProbeVMX(emu); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("err = %v, want ErrUnsupportedPlatform", err)
		}
	})

	t.Run("feature control unlocked", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.SetMSR(MSRFeatureControl, featureControlVMXOnOutsideSMX)
		err := ProbeVMX(emu)
		if !errors.Is(err, ErrUnsupportedPlatform) {
			t.Fatalf("err = %v, want ErrUnsupportedPlatform", err)
		}
		if !strings.Contains(err.Error(), "unlocked") {
			t.Errorf("err %q should name the unlocked MSR", err)
		}
	})

	t.Run("VMXON outside SMX disabled", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.SetMSR(MSRFeatureControl, featureControlLock)
		if err := ProbeVMX(emu); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("err = %v, want ErrUnsupportedPlatform", err)
		}
	})
}

func TestProbeEPT(t *testing.T) {
	t.Run("capable processor passes", func(t *testing.T) {
		if err := ProbeEPT(NewEmulator(1)); err != nil {
			t.Errorf("ProbeEPT: %v", err)
		}
	})

	t.Run("no secondary controls", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.SetMSR(MSRVMXProcBasedCtls, 0x0401E172)
		if err := ProbeEPT(emu); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("err = %v, want ErrUnsupportedPlatform", err)
		}
	})

	t.Run("no EPT capability", func(t *testing.T) {
		emu := NewEmulator(1)
		emu.SetMSR(MSRVMXBasic+msrIdxProcBased2, (0xFFFFFFFF&^uint64(secondaryCapabilityEPT))<<32)
		if err := ProbeEPT(emu); !errors.Is(err, ErrUnsupportedPlatform) {
			t.Errorf("err = %v, want ErrUnsupportedPlatform", err)
		}
	})
}

func TestEnterRootModePreconditions(t *testing.T) {
	tests := []struct {
		name  string
		basic uint64
	}{
		{"oversized VMCS", 1 | 0x1001<<32 | 6<<50 | vmxBasicTrueControls},
		{"non-write-back VMCS", 1 | 0x1000<<32 | 0<<50 | vmxBasicTrueControls},
		{"no true controls", 1 | 0x1000<<32 | 6<<50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emu := NewEmulator(1)
			emu.SetMSR(MSRVMXBasic, tt.basic)
			mon, err := New(emu, NewRuntimeAllocator())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer mon.Close()

			err = mon.Install(0x1AB000)
			if !errors.Is(err, ErrUnsupportedPlatform) {
				t.Errorf("Install err = %v, want ErrUnsupportedPlatform", err)
			}
			if emu.InRootMode(0) {
				t.Error("processor left in root mode after failed precondition")
			}
		})
	}
}

func TestEnterRootModeRollsBackOnVMXOnFailure(t *testing.T) {
	ResetMetrics()
	emu := NewEmulator(1)
	emu.FailVMXOnCPU = 0
	mon, err := New(emu, NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mon.Close()

	if err := mon.Install(0x1AB000); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("Install err = %v, want ErrUnsupportedPlatform", err)
	}
	if emu.InRootMode(0) || emu.InGuest(0) {
		t.Error("processor state not rolled back")
	}
	if GetMetrics().LaunchFailures == 0 {
		t.Error("launch failure not counted")
	}
}
