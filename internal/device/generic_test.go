package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/protocol"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// respond frames a read response the way the devices do.
func respond(deviceID, function byte, payload []byte) []byte {
	frame := []byte{deviceID, function, byte(len(payload))}
	frame = append(frame, payload...)
	crc := protocol.CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// fakeModbusConn emulates a Modbus-over-BLE peripheral: requests written to
// the write characteristic produce a response on the notify characteristic.
type fakeModbusConn struct {
	deviceID  byte
	registers map[uint16]uint16
	// failRegisters answers reads starting at these registers with a frame
	// whose checksum is wrong.
	failRegisters map[uint16]bool
	badWriteEcho  bool

	pending      []byte
	disconnected bool
}

func (c *fakeModbusConn) WriteCharacteristic(ctx context.Context, uuid string, data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("short request: % X", data)
	}
	function := data[1]
	start := binary.BigEndian.Uint16(data[2:4])

	switch function {
	case protocol.FuncReadHolding:
		count := binary.BigEndian.Uint16(data[4:6])
		payload := make([]byte, count*2)
		for i := uint16(0); i < count; i++ {
			binary.BigEndian.PutUint16(payload[i*2:], c.registers[start+i])
		}
		c.pending = respond(c.deviceID, function, payload)
		if c.failRegisters[start] {
			c.pending[len(c.pending)-1] ^= 0xFF
		}
	case protocol.FuncWriteRegister:
		echo := make([]byte, len(data))
		copy(echo, data)
		if c.badWriteEcho {
			echo[1] = 0x83
		} else {
			c.registers[start] = binary.BigEndian.Uint16(data[4:6])
		}
		c.pending = echo
	default:
		return fmt.Errorf("unsupported function 0x%02X", function)
	}
	return nil
}

func (c *fakeModbusConn) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	if c.pending == nil {
		return nil, errors.New("no pending response")
	}
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *fakeModbusConn) Disconnect() error {
	c.disconnected = true
	return nil
}

type fakeModbusTransport struct {
	conn       *fakeModbusConn
	connectErr error
}

func (f *fakeModbusTransport) Scan(ctx context.Context) ([]ble.Advertisement, error) {
	return nil, nil
}

func (f *fakeModbusTransport) Connect(ctx context.Context, address string) (ble.Conn, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

func genericRecord(config map[string]interface{}) types.DeviceRecord {
	return types.DeviceRecord{
		Address:      "AA:BB:CC:DD:EE:01",
		DeviceType:   TypeGenericModbus,
		DriverConfig: config,
	}
}

func validGenericConfig() map[string]interface{} {
	return map[string]interface{}{
		"device_id":             1,
		"write_characteristic":  "ffd1",
		"notify_characteristic": "fff1",
		"sensors": []interface{}{
			map[string]interface{}{
				"key": "voltage", "name": "Voltage", "register": 0x0010,
				"scale": 0.1, "value_type": "scaled", "precision": 1,
			},
			map[string]interface{}{
				"key": "status", "name": "Status", "register": 0x0100,
			},
		},
	}
}

func TestGenericDriverRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing write characteristic", func(m map[string]interface{}) { delete(m, "write_characteristic") }},
		{"missing notify characteristic", func(m map[string]interface{}) { delete(m, "notify_characteristic") }},
		{"no sensors", func(m map[string]interface{}) { m["sensors"] = []interface{}{} }},
		{"device id out of range", func(m map[string]interface{}) { m["device_id"] = 300 }},
		{"duplicate sensor keys", func(m map[string]interface{}) {
			m["sensors"] = []interface{}{
				map[string]interface{}{"key": "x", "register": 1},
				map[string]interface{}{"key": "x", "register": 2},
			}
		}},
		{"sensor without key", func(m map[string]interface{}) {
			m["sensors"] = []interface{}{map[string]interface{}{"register": 1}}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validGenericConfig()
			c.mutate(cfg)
			if _, err := NewGenericDriver(genericRecord(cfg)); !errors.Is(err, types.ErrDriverConfig) {
				t.Errorf("got %v, want ErrDriverConfig", err)
			}
		})
	}
}

func TestGenericDriverConfigDefaults(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}

	sensors := drv.Sensors()
	if len(sensors) != 2 {
		t.Fatalf("got %d sensors, want 2", len(sensors))
	}
	for _, s := range sensors {
		if s.Words != 1 {
			t.Errorf("sensor %s Words = %d, want default 1", s.Key, s.Words)
		}
	}
	if sensors[1].ValueType != types.ValueTypeInt {
		t.Errorf("sensor %s ValueType = %s, want default int", sensors[1].Key, sensors[1].ValueType)
	}
}

func TestGenericDriverPoll(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}

	conn := &fakeModbusConn{
		deviceID: 0x01,
		registers: map[uint16]uint16{
			0x0010: 231, // 23.1 after scaling
			0x0100: 2,
		},
	}
	transport := &fakeModbusTransport{conn: conn}

	values, err := drv.Poll(context.Background(), transport)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if v := values["voltage"].(float64); math.Abs(v-23.1) > 1e-9 {
		t.Errorf("voltage = %v, want 23.1", v)
	}
	if values["status"] != uint64(2) {
		t.Errorf("status = %v, want 2", values["status"])
	}
	if !conn.disconnected {
		t.Error("connection not closed after poll")
	}
}

// One unreadable register does not void the poll; the remaining sensors still
// report.
func TestGenericDriverPollPartialFailure(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}

	conn := &fakeModbusConn{
		deviceID:      0x01,
		registers:     map[uint16]uint16{0x0100: 7},
		failRegisters: map[uint16]bool{0x0010: true},
	}

	values, err := drv.Poll(context.Background(), &fakeModbusTransport{conn: conn})
	if err != nil {
		t.Fatalf("Poll failed despite one decodable sensor: %v", err)
	}
	if _, ok := values["voltage"]; ok {
		t.Error("corrupted sensor produced a value")
	}
	if values["status"] != uint64(7) {
		t.Errorf("status = %v, want 7", values["status"])
	}
}

func TestGenericDriverPollAllFailed(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}

	conn := &fakeModbusConn{
		deviceID:      0x01,
		failRegisters: map[uint16]bool{0x0010: true, 0x0100: true},
	}

	if _, err := drv.Poll(context.Background(), &fakeModbusTransport{conn: conn}); err == nil {
		t.Fatal("Poll succeeded with every read corrupted")
	}
}

func TestGenericDriverWriteRegister(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}
	writer := drv.(RegisterWriter)

	conn := &fakeModbusConn{deviceID: 0x01, registers: map[uint16]uint16{}}
	if err := writer.WriteRegister(context.Background(), &fakeModbusTransport{conn: conn}, 0x010A, 55); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if conn.registers[0x010A] != 55 {
		t.Errorf("register not written: %v", conn.registers)
	}
}

func TestGenericDriverWriteRegisterRejectedEcho(t *testing.T) {
	drv, err := NewGenericDriver(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("NewGenericDriver failed: %v", err)
	}
	writer := drv.(RegisterWriter)

	conn := &fakeModbusConn{deviceID: 0x01, registers: map[uint16]uint16{}, badWriteEcho: true}
	if err := writer.WriteRegister(context.Background(), &fakeModbusTransport{conn: conn}, 0x010A, 55); err == nil {
		t.Fatal("WriteRegister accepted an exception echo")
	}
}

func TestFactoryCreate(t *testing.T) {
	f := NewFactory()

	drv, err := f.Create(genericRecord(validGenericConfig()))
	if err != nil {
		t.Fatalf("Create(generic_modbus) failed: %v", err)
	}
	if deviceType, _ := drv.Identity(); deviceType != TypeGenericModbus {
		t.Errorf("Identity type = %s", deviceType)
	}

	if _, err := f.Create(types.DeviceRecord{DeviceType: "toaster"}); !errors.Is(err, types.ErrUnknownDeviceType) {
		t.Errorf("got %v, want ErrUnknownDeviceType", err)
	}
}
