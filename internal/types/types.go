// Package types contains the central data model shared between the
// registry, scheduler, drivers and the MQTT layer.
package types

import "time"

// DeviceRecord is the persisted description of one configured device.
// Address is the BLE hardware address and the unique key in the registry.
type DeviceRecord struct {
	Address             string                 `json:"address"`
	DeviceType          string                 `json:"device_type"`
	DisplayName         string                 `json:"display_name"`
	DriverConfig        map[string]interface{} `json:"driver_config,omitempty"`
	PollIntervalSeconds int                    `json:"poll_interval_seconds"`
}

// PollInterval returns the configured poll cadence, falling back to the
// given default when the record carries none.
func (r DeviceRecord) PollInterval(def time.Duration) time.Duration {
	if r.PollIntervalSeconds <= 0 {
		return def
	}
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// ValueType describes how a sensor's registers are decoded.
type ValueType string

const (
	ValueTypeInt      ValueType = "int"
	ValueTypeScaled   ValueType = "scaled"
	ValueTypeString   ValueType = "string"
	ValueTypeBitfield ValueType = "bitfield"
)

// SensorDefinition describes one value a driver exposes: where it lives in
// the device's register space and how to present it downstream.
// Definitions are produced once per driver instance and never mutated.
type SensorDefinition struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Unit        string    `json:"unit,omitempty"`
	DeviceClass string    `json:"device_class,omitempty"`
	StateClass  string    `json:"state_class,omitempty"`
	Register    uint16    `json:"register"`
	Words       uint16    `json:"words"`
	Scale       float64   `json:"scale,omitempty"`
	ValueType   ValueType `json:"value_type"`
	Precision   int       `json:"precision,omitempty"`
}

// ConnectionOutcome classifies how a poll cycle ended.
type ConnectionOutcome string

const (
	OutcomeSuccess       ConnectionOutcome = "success"
	OutcomeTimeout       ConnectionOutcome = "timeout"
	OutcomeRefused       ConnectionOutcome = "refused"
	OutcomeProtocolError ConnectionOutcome = "protocol_error"
)

// PollResult carries the decoded values of one poll cycle. It is handed to
// the publisher and then discarded; nothing persists it.
type PollResult struct {
	Address   string
	Timestamp time.Time
	Values    map[string]interface{}
	Outcome   ConnectionOutcome
}

// DiscoveredDevice is a device seen during the last BLE scan. It lives only
// in the discovery cache and expires after the cache TTL.
type DiscoveredDevice struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RSSI         int       `json:"rssi"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
