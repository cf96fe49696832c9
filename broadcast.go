package simplevisor

import (
	"runtime"
	"sync"
)

// resumeSignal is panicked by backends whose RestoreContext and VMLaunch
// cannot literally rewind the thread (the Emulator). The lifecycle loop
// in armProcessor recovers it and re-enters the capture point from the
// top of initializeProcessor, which is equivalent because everything up
// to the capture is idempotent. The amd64 backend never raises it: there
// the hardware really does reappear at the captured instruction.
type resumeSignal struct{}

// errResume is internal to the armProcessor retry loop.
var errResume = &Error{Code: CodeSuccess, message: "shv: resume at capture point"}

// broadcast runs fn once per logical processor, each invocation on its
// own OS thread bound to that processor. All invocations rendezvous at a
// barrier after binding so the processors move through the lifecycle
// together, then the first error (if any) is reported.
func (m *Monitor) broadcast(fn func(cpu int) error) error {
	count := m.hw.ProcessorCount()

	var gate sync.WaitGroup
	gate.Add(count)
	errs := make(chan error, count)

	for cpu := 0; cpu < count; cpu++ {
		go func(cpu int) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			gate.Done()
			gate.Wait()

			unbind, err := m.hw.BindProcessor(cpu)
			if err != nil {
				errs <- err
				return
			}
			defer unbind()
			errs <- fn(cpu)
		}(cpu)
	}

	var first error
	for i := 0; i < count; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// armProcessor drives initializeProcessor on one processor, re-entering
// the capture point whenever the backend signals a resumption instead of
// performing one in place.
func (m *Monitor) armProcessor(cpu int, systemCr3 uint64) error {
	vp := m.global.VP(cpu)
	for {
		err := m.initializeOnce(vp, systemCr3)
		if err != errResume {
			return err
		}
	}
}

func (m *Monitor) initializeOnce(vp *VPData, systemCr3 uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(resumeSignal); ok {
				err = errResume
				return
			}
			panic(r)
		}
	}()
	return m.initializeProcessor(vp, systemCr3)
}
