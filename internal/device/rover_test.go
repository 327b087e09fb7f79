package device

import (
	"context"
	"math"
	"testing"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

func TestRoverDriverPoll(t *testing.T) {
	drv, err := NewRoverDriver(types.DeviceRecord{Address: "AA:BB:CC:DD:EE:01", DeviceType: TypeRenogyRover})
	if err != nil {
		t.Fatalf("NewRoverDriver failed: %v", err)
	}

	conn := &fakeModbusConn{
		deviceID: roverDeviceID,
		registers: map[uint16]uint16{
			0x0100: 85,     // SOC %
			0x0101: 148,    // 14.8 V
			0x0102: 312,    // 3.12 A
			0x0103: 0x1990, // controller 25 C, battery -16 C
			0x0107: 210,    // 21.0 V
			0x0109: 65,     // 65 W
		},
	}

	values, err := drv.Poll(context.Background(), &fakeModbusTransport{conn: conn})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if values["battery_soc"] != uint64(85) {
		t.Errorf("battery_soc = %v, want 85", values["battery_soc"])
	}
	if v := values["battery_voltage"].(float64); math.Abs(v-14.8) > 1e-9 {
		t.Errorf("battery_voltage = %v, want 14.8", v)
	}
	if v := values["battery_current"].(float64); math.Abs(v-3.12) > 1e-9 {
		t.Errorf("battery_current = %v, want 3.12", v)
	}
	if values["controller_temperature"] != 25 {
		t.Errorf("controller_temperature = %v, want 25", values["controller_temperature"])
	}
	if values["battery_temperature"] != -16 {
		t.Errorf("battery_temperature = %v, want -16", values["battery_temperature"])
	}
	if values["pv_power"] != uint64(65) {
		t.Errorf("pv_power = %v, want 65", values["pv_power"])
	}
	if !conn.disconnected {
		t.Error("connection not closed after poll")
	}
}

func TestSignBitTemp(t *testing.T) {
	cases := []struct {
		in   byte
		want int
	}{
		{0x00, 0},
		{0x19, 25},
		{0x7F, 127},
		{0x90, -16},
		{0x81, -1},
	}
	for _, c := range cases {
		if got := signBitTemp(c.in); got != c.want {
			t.Errorf("signBitTemp(0x%02X) = %d, want %d", c.in, got, c.want)
		}
	}
}

// Every value a poll produces must correspond to an announced sensor, or Home
// Assistant shows orphan telemetry.
func TestRoverSensorsCoverPollKeys(t *testing.T) {
	drv, err := NewRoverDriver(types.DeviceRecord{Address: "AA:BB:CC:DD:EE:01"})
	if err != nil {
		t.Fatalf("NewRoverDriver failed: %v", err)
	}

	conn := &fakeModbusConn{deviceID: roverDeviceID, registers: map[uint16]uint16{}}
	values, err := drv.Poll(context.Background(), &fakeModbusTransport{conn: conn})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	announced := make(map[string]bool)
	for _, def := range drv.Sensors() {
		announced[def.Key] = true
	}
	for key := range values {
		if !announced[key] {
			t.Errorf("poll produced %q without a matching sensor definition", key)
		}
	}
}
