package device

import (
	"context"
	"fmt"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// TypeSRNEInverter is the type tag for SRNE hybrid inverter/chargers with the
// vendor Bluetooth dongle.
const TypeSRNEInverter = "srne_inverter"

const (
	srneWriteCharacteristic  = "ffd1"
	srneNotifyCharacteristic = "fff1"
	srneDeviceID             byte = 0x01
)

// The inverter's state is spread over two register blocks, so a poll issues
// two reads over the same connection.
const (
	srneBatteryStart uint16 = 0x0100
	srneBatteryWords uint16 = 3

	srneOutputStart uint16 = 0x0213
	srneOutputWords uint16 = 4
)

var srneBatterySensors = []types.SensorDefinition{
	{Key: "battery_soc", Name: "Battery SOC", Unit: "%", DeviceClass: "battery", StateClass: "measurement", Register: 0x0100, Words: 1, ValueType: types.ValueTypeInt},
	{Key: "battery_voltage", Name: "Battery Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Register: 0x0101, Words: 1, Scale: 0.1, ValueType: types.ValueTypeScaled, Precision: 1},
	{Key: "battery_current", Name: "Battery Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Register: 0x0102, Words: 1, Scale: 0.01, ValueType: types.ValueTypeScaled, Precision: 2},
}

var srneOutputSensors = []types.SensorDefinition{
	{Key: "output_voltage", Name: "Output Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Register: 0x0213, Words: 1, Scale: 0.1, ValueType: types.ValueTypeScaled, Precision: 1},
	{Key: "output_current", Name: "Output Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Register: 0x0214, Words: 1, Scale: 0.01, ValueType: types.ValueTypeScaled, Precision: 2},
	{Key: "output_power", Name: "Output Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Register: 0x0215, Words: 1, ValueType: types.ValueTypeInt},
	{Key: "load_ratio", Name: "Load Ratio", Unit: "%", StateClass: "measurement", Register: 0x0216, Words: 1, ValueType: types.ValueTypeInt},
}

// SRNEDriver polls an SRNE hybrid inverter.
type SRNEDriver struct {
	link    modbusLink
	name    string
	sensors []types.SensorDefinition
}

// NewSRNEDriver builds the fixed-protocol inverter driver.
func NewSRNEDriver(record types.DeviceRecord) (Driver, error) {
	name := record.DisplayName
	if name == "" {
		name = "SRNE Inverter " + record.Address
	}
	sensors := make([]types.SensorDefinition, 0, len(srneBatterySensors)+len(srneOutputSensors))
	sensors = append(sensors, srneBatterySensors...)
	sensors = append(sensors, srneOutputSensors...)

	return &SRNEDriver{
		link: modbusLink{
			address:    record.Address,
			deviceID:   srneDeviceID,
			writeUUID:  srneWriteCharacteristic,
			notifyUUID: srneNotifyCharacteristic,
		},
		name:    name,
		sensors: sensors,
	}, nil
}

func (d *SRNEDriver) Identity() (string, string) {
	return TypeSRNEInverter, d.name
}

func (d *SRNEDriver) Sensors() []types.SensorDefinition {
	return d.sensors
}

func (d *SRNEDriver) Poll(ctx context.Context, transport ble.Transport) (map[string]interface{}, error) {
	conn, err := transport.Connect(ctx, d.link.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.link.address, err)
	}
	defer conn.Disconnect()

	values := make(map[string]interface{}, len(d.sensors))

	batteryPayload, err := d.link.readRegisters(ctx, conn, srneBatteryStart, srneBatteryWords)
	if err != nil {
		return nil, err
	}
	for k, v := range protocol.DecodeRegisters(batteryPayload, srneBatterySensors) {
		values[k] = v
	}

	outputPayload, err := d.link.readRegisters(ctx, conn, srneOutputStart, srneOutputWords)
	if err != nil {
		return nil, err
	}
	for k, v := range protocol.DecodeRegisters(outputPayload, srneOutputSensors) {
		values[k] = v
	}

	return values, nil
}

// WriteRegister exposes set-point writes (output priority, charge current
// limits) for the write_register command.
func (d *SRNEDriver) WriteRegister(ctx context.Context, transport ble.Transport, register, value uint16) error {
	conn, err := transport.Connect(ctx, d.link.address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.link.address, err)
	}
	defer conn.Disconnect()

	return d.link.writeRegister(ctx, conn, register, value)
}
