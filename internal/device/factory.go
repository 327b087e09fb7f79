package device

import (
	"fmt"
	"sync"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// Constructor builds a driver from a registry record.
type Constructor func(record types.DeviceRecord) (Driver, error)

// Factory maps device type tags to driver constructors. New device families
// register a constructor here; the scheduler and registry never learn about
// concrete driver types.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns a factory with the built-in device families registered.
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[string]Constructor)}
	registerBuiltins(f)
	return f
}

// Register adds a constructor for a device type tag, replacing any previous
// registration for the same tag.
func (f *Factory) Register(deviceType string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[deviceType] = ctor
}

// Create builds a driver for the record's device type.
func (f *Factory) Create(record types.DeviceRecord) (Driver, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[record.DeviceType]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDeviceType, record.DeviceType)
	}
	return ctor(record)
}

// Types returns the registered device type tags, for command responses.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		out = append(out, t)
	}
	return out
}

// registerBuiltins wires the fixed-protocol families plus the
// configuration-driven generic driver.
func registerBuiltins(f *Factory) {
	f.Register(TypeRenogyRover, NewRoverDriver)
	f.Register(TypeSRNEInverter, NewSRNEDriver)
	f.Register(TypeGenericModbus, NewGenericDriver)
}
