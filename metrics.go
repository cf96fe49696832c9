package simplevisor

import (
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of monitor activity counters.
type Metrics struct {
	Launches         uint64 `json:"launches"`
	LaunchFailures   uint64 `json:"launch_failures"`
	Teardowns        uint64 `json:"teardowns"`
	VMExits          uint64 `json:"vm_exits"`
	EPTPagesMapped   uint64 `json:"ept_pages_mapped"`
	EPTViolations    uint64 `json:"ept_violations"`
	EPTInvalidations uint64 `json:"ept_invalidations"`
	ResourceErrors   uint64 `json:"resource_errors"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
	AvgLaunchTimeNs  uint64 `json:"avg_launch_time_ns"`
}

// Process-wide counters, updated atomically. The exit counters are bumped
// from the VM-exit path, so they stay plain atomics rather than anything
// that could allocate or lock.
var (
	metricLaunches         uint64
	metricLaunchFailures   uint64
	metricTeardowns        uint64
	metricVMExits          uint64
	metricEPTPagesMapped   uint64
	metricEPTViolations    uint64
	metricEPTInvalidations uint64
	metricResourceErrors   uint64
	metricProtocolErrors   uint64
	metricLaunchTimeNs     uint64
)

// GetMetrics returns a snapshot of the current counters.
func GetMetrics() Metrics {
	m := Metrics{
		Launches:         atomic.LoadUint64(&metricLaunches),
		LaunchFailures:   atomic.LoadUint64(&metricLaunchFailures),
		Teardowns:        atomic.LoadUint64(&metricTeardowns),
		VMExits:          atomic.LoadUint64(&metricVMExits),
		EPTPagesMapped:   atomic.LoadUint64(&metricEPTPagesMapped),
		EPTViolations:    atomic.LoadUint64(&metricEPTViolations),
		EPTInvalidations: atomic.LoadUint64(&metricEPTInvalidations),
		ResourceErrors:   atomic.LoadUint64(&metricResourceErrors),
		ProtocolErrors:   atomic.LoadUint64(&metricProtocolErrors),
	}
	if m.Launches > 0 {
		m.AvgLaunchTimeNs = atomic.LoadUint64(&metricLaunchTimeNs) / m.Launches
	}
	return m
}

// ResetMetrics zeroes all counters. Intended for tests and benchmarks.
func ResetMetrics() {
	atomic.StoreUint64(&metricLaunches, 0)
	atomic.StoreUint64(&metricLaunchFailures, 0)
	atomic.StoreUint64(&metricTeardowns, 0)
	atomic.StoreUint64(&metricVMExits, 0)
	atomic.StoreUint64(&metricEPTPagesMapped, 0)
	atomic.StoreUint64(&metricEPTViolations, 0)
	atomic.StoreUint64(&metricEPTInvalidations, 0)
	atomic.StoreUint64(&metricResourceErrors, 0)
	atomic.StoreUint64(&metricProtocolErrors, 0)
	atomic.StoreUint64(&metricLaunchTimeNs, 0)
}

func recordLaunch(elapsed time.Duration) {
	atomic.AddUint64(&metricLaunches, 1)
	atomic.AddUint64(&metricLaunchTimeNs, uint64(elapsed.Nanoseconds()))
}

func recordLaunchFailure()   { atomic.AddUint64(&metricLaunchFailures, 1) }
func recordTeardown()        { atomic.AddUint64(&metricTeardowns, 1) }
func recordVMExit()          { atomic.AddUint64(&metricVMExits, 1) }
func recordEPTPageMapped()   { atomic.AddUint64(&metricEPTPagesMapped, 1) }
func recordEPTViolation()    { atomic.AddUint64(&metricEPTViolations, 1) }
func recordEPTInvalidation() { atomic.AddUint64(&metricEPTInvalidations, 1) }
func recordResourceError()   { atomic.AddUint64(&metricResourceErrors, 1) }
func recordProtocolError()   { atomic.AddUint64(&metricProtocolErrors, 1) }
