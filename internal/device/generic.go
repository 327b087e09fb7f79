package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// TypeGenericModbus is the type tag for the configuration-driven driver.
// Simple Modbus-over-BLE devices are supported with zero new code: the whole
// register map, scaling and characteristic UUIDs come from the record's
// DriverConfig.
const TypeGenericModbus = "generic_modbus"

// GenericConfig is the DriverConfig schema of the generic driver.
type GenericConfig struct {
	DeviceID             int                      `json:"device_id"`
	WriteCharacteristic  string                   `json:"write_characteristic"`
	NotifyCharacteristic string                   `json:"notify_characteristic"`
	Sensors              []types.SensorDefinition `json:"sensors"`
}

// GenericDriver polls a device described entirely by configuration. Each
// sensor is read with its own request, so the register map does not need to
// be contiguous.
type GenericDriver struct {
	link    modbusLink
	name    string
	sensors []types.SensorDefinition
}

// NewGenericDriver parses and validates the record's DriverConfig.
func NewGenericDriver(record types.DeviceRecord) (Driver, error) {
	cfg, err := parseGenericConfig(record.DriverConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDriverConfig, err)
	}

	name := record.DisplayName
	if name == "" {
		name = "Modbus Device " + record.Address
	}

	return &GenericDriver{
		link: modbusLink{
			address:    record.Address,
			deviceID:   byte(cfg.DeviceID),
			writeUUID:  cfg.WriteCharacteristic,
			notifyUUID: cfg.NotifyCharacteristic,
		},
		name:    name,
		sensors: cfg.Sensors,
	}, nil
}

// parseGenericConfig round-trips the opaque config map through JSON into the
// typed schema and validates it.
func parseGenericConfig(raw map[string]interface{}) (GenericConfig, error) {
	var cfg GenericConfig

	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("encoding driver config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding driver config: %w", err)
	}

	if cfg.DeviceID < 0 || cfg.DeviceID > 0xFF {
		return cfg, fmt.Errorf("device_id %d out of range", cfg.DeviceID)
	}
	if cfg.WriteCharacteristic == "" || cfg.NotifyCharacteristic == "" {
		return cfg, fmt.Errorf("write_characteristic and notify_characteristic are required")
	}
	if len(cfg.Sensors) == 0 {
		return cfg, fmt.Errorf("at least one sensor is required")
	}

	keys := make(map[string]bool, len(cfg.Sensors))
	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		if s.Key == "" {
			return cfg, fmt.Errorf("sensor %d has no key", i)
		}
		if keys[s.Key] {
			return cfg, fmt.Errorf("duplicate sensor key %q", s.Key)
		}
		keys[s.Key] = true
		if s.Words == 0 {
			s.Words = 1
		}
		if s.ValueType == "" {
			s.ValueType = types.ValueTypeInt
		}
	}
	return cfg, nil
}

func (d *GenericDriver) Identity() (string, string) {
	return TypeGenericModbus, d.name
}

func (d *GenericDriver) Sensors() []types.SensorDefinition {
	return d.sensors
}

func (d *GenericDriver) Poll(ctx context.Context, transport ble.Transport) (map[string]interface{}, error) {
	conn, err := transport.Connect(ctx, d.link.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.link.address, err)
	}
	defer conn.Disconnect()

	values := make(map[string]interface{}, len(d.sensors))
	var lastErr error
	for _, def := range d.sensors {
		payload, err := d.link.readRegisters(ctx, conn, def.Register, def.Words)
		if err != nil {
			// One bad register does not void the rest of the poll, but a
			// poll where nothing decoded is reported as failed.
			lastErr = err
			continue
		}
		if v, ok := protocol.DecodeSingle(payload, def); ok {
			values[def.Key] = v
		}
	}

	if len(values) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return values, nil
}

// WriteRegister exposes raw set-point writes for the write_register command.
func (d *GenericDriver) WriteRegister(ctx context.Context, transport ble.Transport, register, value uint16) error {
	conn, err := transport.Connect(ctx, d.link.address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.link.address, err)
	}
	defer conn.Disconnect()

	return d.link.writeRegister(ctx, conn, register, value)
}
