package simplevisor

import (
	"errors"
	"runtime"
	"sync"
)

// Only one monitor may be active per process: the EPT hierarchy, the MSR
// bitmap, and the per-processor blocks are global hardware state.
var (
	activeMu      sync.Mutex
	activeMonitor *Monitor
)

// Monitor owns the full lifecycle of the thin hypervisor: capability
// probing, the shared EPT hierarchy, the per-processor data blocks, and
// installing or removing the monitor on every logical processor.
type Monitor struct {
	hw     Hardware
	alloc  Allocator
	ept    *EPT
	global *GlobalData

	mu        sync.Mutex
	installed bool
	closed    bool
}

// New probes the hardware and allocates everything the monitor needs.
// It fails fast with ErrUnsupportedPlatform when the processor cannot
// host the monitor, and with ErrAlreadyActive when this process already
// has one.
func New(hw Hardware, alloc Allocator) (*Monitor, error) {
	if hw == nil || alloc == nil {
		return nil, ErrInvalidArgument
	}
	if err := ProbeVMX(hw); err != nil {
		return nil, err
	}
	if err := ProbeEPT(hw); err != nil {
		return nil, err
	}

	activeMu.Lock()
	if activeMonitor != nil {
		activeMu.Unlock()
		return nil, ErrAlreadyActive
	}

	global, err := AllocateGlobalData(alloc, hw.ProcessorCount())
	if err != nil {
		activeMu.Unlock()
		return nil, err
	}
	ept, err := NewEPT(alloc)
	if err != nil {
		global.Free()
		activeMu.Unlock()
		return nil, err
	}

	m := &Monitor{hw: hw, alloc: alloc, ept: ept, global: global}
	activeMonitor = m
	activeMu.Unlock()

	// Safety net for callers that forget Close.
	runtime.SetFinalizer(m, func(m *Monitor) { _ = m.Close() })
	debugf("monitor created for %d processors", global.Count())
	return m, nil
}

// Install places every logical processor under the monitor. systemCr3 is
// the OS page-table root to pin as host CR3. On partial failure every
// processor that was armed is disengaged before the error returns, so
// the machine is never left half-monitored.
func (m *Monitor) Install(systemCr3 uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.installed {
		return ErrAlreadyActive
	}

	ranges, err := m.hw.PhysicalMemoryRanges()
	if err != nil {
		return err
	}
	apicBase := m.hw.ReadMSR(MSRAPICBase) & apicBaseAddressMask
	if err := m.ept.Initialize(ranges, apicBase); err != nil {
		return err
	}

	m.hw.SetExitHandler(m.handleExit)

	if err := m.broadcast(func(cpu int) error {
		return m.armProcessor(cpu, systemCr3)
	}); err != nil {
		_ = m.disengageAll()
		return err
	}

	m.installed = true
	debugf("monitor installed on %d processors", m.global.Count())
	return nil
}

// Uninstall disengages the monitor from every processor. Each one resumes
// at its own capture point with its original register state.
func (m *Monitor) Uninstall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.installed {
		return ErrNotLaunched
	}

	err := m.disengageAll()
	m.installed = false
	return err
}

func (m *Monitor) disengageAll() error {
	return m.broadcast(func(cpu int) error {
		err := m.uninitializeProcessor(m.global.VP(cpu))
		if errors.Is(err, ErrNotLaunched) {
			// This processor never armed; nothing to undo.
			return nil
		}
		return err
	})
}

// Close releases the monitor's resources, uninstalling first if needed.
// Close is idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var err error
	if m.installed {
		err = m.disengageAll()
		m.installed = false
	}

	m.ept.Cleanup()
	m.global.Free()
	m.closed = true

	activeMu.Lock()
	if activeMonitor == m {
		activeMonitor = nil
	}
	activeMu.Unlock()

	runtime.SetFinalizer(m, nil)
	return err
}
