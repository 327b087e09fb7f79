package device

import (
	"context"
	"fmt"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// TypeRenogyRover is the type tag for Renogy Rover solar charge controllers
// reached through a BT-1/BT-2 Bluetooth module.
const TypeRenogyRover = "renogy_rover"

// BT-1/BT-2 GATT characteristics: requests are written to 0xffd1, responses
// arrive as notifications on 0xfff1.
const (
	roverWriteCharacteristic  = "ffd1"
	roverNotifyCharacteristic = "fff1"

	// The BT module answers on the broadcast id regardless of the wired
	// controller address.
	roverDeviceID byte = 0xFF
)

// Dynamic status block: registers 0x0100..0x0109 in one read.
const (
	roverBlockStart uint16 = 0x0100
	roverBlockWords uint16 = 10
)

var roverSensors = []types.SensorDefinition{
	{Key: "battery_soc", Name: "Battery SOC", Unit: "%", DeviceClass: "battery", StateClass: "measurement", Register: 0x0100, Words: 1, ValueType: types.ValueTypeInt},
	{Key: "battery_voltage", Name: "Battery Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Register: 0x0101, Words: 1, Scale: 0.1, ValueType: types.ValueTypeScaled, Precision: 1},
	{Key: "battery_current", Name: "Battery Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Register: 0x0102, Words: 1, Scale: 0.01, ValueType: types.ValueTypeScaled, Precision: 2},
	{Key: "controller_temperature", Name: "Controller Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Register: 0x0103, Words: 1, ValueType: types.ValueTypeBitfield},
	{Key: "battery_temperature", Name: "Battery Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Register: 0x0103, Words: 1, ValueType: types.ValueTypeBitfield},
	{Key: "load_voltage", Name: "Load Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Register: 0x0104, Words: 1, Scale: 0.1, ValueType: types.ValueTypeScaled, Precision: 1},
	{Key: "load_current", Name: "Load Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Register: 0x0105, Words: 1, Scale: 0.01, ValueType: types.ValueTypeScaled, Precision: 2},
	{Key: "load_power", Name: "Load Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Register: 0x0106, Words: 1, ValueType: types.ValueTypeInt},
	{Key: "pv_voltage", Name: "Solar Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Register: 0x0107, Words: 1, Scale: 0.1, ValueType: types.ValueTypeScaled, Precision: 1},
	{Key: "pv_current", Name: "Solar Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Register: 0x0108, Words: 1, Scale: 0.01, ValueType: types.ValueTypeScaled, Precision: 2},
	{Key: "pv_power", Name: "Solar Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Register: 0x0109, Words: 1, ValueType: types.ValueTypeInt},
}

// RoverDriver polls a Renogy Rover charge controller.
type RoverDriver struct {
	link modbusLink
	name string
}

// NewRoverDriver builds the fixed-protocol Rover driver. DriverConfig is
// ignored; the register map is part of the family.
func NewRoverDriver(record types.DeviceRecord) (Driver, error) {
	name := record.DisplayName
	if name == "" {
		name = "Renogy Rover " + record.Address
	}
	return &RoverDriver{
		link: modbusLink{
			address:    record.Address,
			deviceID:   roverDeviceID,
			writeUUID:  roverWriteCharacteristic,
			notifyUUID: roverNotifyCharacteristic,
		},
		name: name,
	}, nil
}

func (d *RoverDriver) Identity() (string, string) {
	return TypeRenogyRover, d.name
}

func (d *RoverDriver) Sensors() []types.SensorDefinition {
	return roverSensors
}

func (d *RoverDriver) Poll(ctx context.Context, transport ble.Transport) (map[string]interface{}, error) {
	conn, err := transport.Connect(ctx, d.link.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.link.address, err)
	}
	defer conn.Disconnect()

	payload, err := d.link.readRegisters(ctx, conn, roverBlockStart, roverBlockWords)
	if err != nil {
		return nil, err
	}

	values := protocol.DecodeRegisters(payload, roverSensors)
	decodeRoverTemperature(values)
	return values, nil
}

// decodeRoverTemperature splits register 0x0103 (exposed twice in the sensor
// list): high byte is the controller temperature, low byte the battery sensor
// temperature. Both are sign-bit encoded (bit 7 set means negative).
func decodeRoverTemperature(values map[string]interface{}) {
	raw, ok := values["controller_temperature"].(uint64)
	if !ok {
		return
	}
	values["controller_temperature"] = signBitTemp(byte(raw >> 8))
	values["battery_temperature"] = signBitTemp(byte(raw & 0xFF))
}

func signBitTemp(b byte) int {
	if b&0x80 != 0 {
		return -int(b & 0x7F)
	}
	return int(b)
}
