package types

import "errors"

// Registry and configuration errors. These surface synchronously in command
// responses; transport and protocol errors are handled per poll tick and are
// never fatal to the process.
var (
	// ErrDuplicateAddress is returned when adding a device whose address is
	// already registered. The existing record is left untouched.
	ErrDuplicateAddress = errors.New("device address already registered")

	// ErrDeviceNotFound is returned for operations on an unknown address.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnknownDeviceType is returned when no driver constructor is
	// registered for a device type tag.
	ErrUnknownDeviceType = errors.New("unknown device type")

	// ErrDriverConfig is returned when a driver rejects its configuration.
	ErrDriverConfig = errors.New("invalid driver config")

	// ErrUnreachable is returned when the connectivity probe during
	// add_device cannot reach the device.
	ErrUnreachable = errors.New("device unreachable")
)
