package gsusb

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when no device could be discovered, or
	// the user lacks permission to access it.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTimeout is returned when a device operation exceeded its time budget.
	ErrTimeout = errors.New("timeout communicating with device")
	// ErrRunning is returned by configuration calls that are only allowed
	// while the device is off bus.
	ErrRunning = errors.New("device is running")
	// ErrNotRunning is returned by calls that require a started device.
	ErrNotRunning = errors.New("device is not running")
	// ErrInvalidChannel is returned when a channel index is out of range.
	ErrInvalidChannel = errors.New("invalid channel")
)

// DeviceError wraps a transport level failure with the operation that
// caused it.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Op + ": device error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// InvalidBitrateError is returned when no bit timing solution exists for
// the requested bitrate within an acceptable tolerance.
type InvalidBitrateError struct {
	Bitrate uint32
}

func (e *InvalidBitrateError) Error() string {
	return fmt.Sprintf("no bit timing found for bitrate %d", e.Bitrate)
}
