//go:build !amd64 || !linux

package simplevisor

// NewHostHardware reports that no real backend exists on this platform.
// The Emulator remains available everywhere.
func NewHostHardware() (Hardware, error) {
	return nil, ErrNotSupported
}

// Supported always reports false where there is no host backend.
func Supported() (bool, error) {
	return false, nil
}

// ReadMSRDevice requires the Linux msr driver on an x86 processor.
func ReadMSRDevice(cpu int, msr uint32) (uint64, error) {
	return 0, ErrNotSupported
}
