// Package device defines the driver contract for polled BLE devices and the
// factory that builds drivers from registry records.
package device

import (
	"context"
	"fmt"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// Driver is the capability contract every device family implements. The
// scheduler knows nothing beyond this interface.
type Driver interface {
	// Identity returns the device type tag and display name.
	Identity() (deviceType, displayName string)

	// Sensors returns the ordered, immutable sensor definitions.
	Sensors() []types.SensorDefinition

	// Poll connects to the device, reads and decodes all sensors, and
	// disconnects. Disconnection is guaranteed on every exit path. The
	// caller holds the BLE gate and bounds ctx with the poll timeout.
	Poll(ctx context.Context, transport ble.Transport) (map[string]interface{}, error)
}

// RegisterWriter is implemented by drivers whose device accepts set-point
// writes (function 0x06).
type RegisterWriter interface {
	WriteRegister(ctx context.Context, transport ble.Transport, register, value uint16) error
}

// pollRetries is the bounded in-call retry count for a failed exchange.
// The steady-state retry unit beyond this is the next scheduled tick.
const pollRetries = 2

// modbusLink carries the per-device framing parameters and implements the
// write-request/await-notification exchange shared by all drivers.
type modbusLink struct {
	address    string
	deviceID   byte
	writeUUID  string
	notifyUUID string
}

// readRegisters performs one register read exchange with bounded retries.
func (l modbusLink) readRegisters(ctx context.Context, conn ble.Conn, start, words uint16) ([]byte, error) {
	request := protocol.BuildReadRequest(l.deviceID, protocol.FuncReadHolding, start, words)

	var lastErr error
	for attempt := 0; attempt <= pollRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.WriteCharacteristic(ctx, l.writeUUID, request); err != nil {
			lastErr = err
			continue
		}
		frame, err := conn.ReadCharacteristic(ctx, l.notifyUUID)
		if err != nil {
			lastErr = err
			continue
		}
		payload, err := protocol.ParseReadResponse(frame, int(words), l.deviceID, protocol.FuncReadHolding)
		if err != nil {
			lastErr = err
			continue
		}
		return payload, nil
	}
	return nil, fmt.Errorf("reading %d words at 0x%04X from %s: %w", words, start, l.address, lastErr)
}

// writeRegister performs a single-register write exchange. The device echoes
// the request frame on success.
func (l modbusLink) writeRegister(ctx context.Context, conn ble.Conn, register, value uint16) error {
	request := protocol.BuildWriteRequest(l.deviceID, register, value)

	if err := conn.WriteCharacteristic(ctx, l.writeUUID, request); err != nil {
		return fmt.Errorf("writing register 0x%04X on %s: %w", register, l.address, err)
	}
	echo, err := conn.ReadCharacteristic(ctx, l.notifyUUID)
	if err != nil {
		return fmt.Errorf("awaiting write echo from %s: %w", l.address, err)
	}
	if len(echo) < 2 || echo[0] != l.deviceID || echo[1] != protocol.FuncWriteRegister {
		return fmt.Errorf("%w: device %s rejected write to 0x%04X", protocol.ErrUnexpectedFunction, l.address, register)
	}
	return nil
}
