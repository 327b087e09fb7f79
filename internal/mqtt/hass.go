package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/MadGoatHaz/blupow-gateway/internal/device"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// hassSensorConfig is the Home Assistant MQTT discovery payload for one
// sensor entity, using the abbreviated keys HA documents.
type hassSensorConfig struct {
	Name              string     `json:"name"`
	DeviceClass       string     `json:"dev_cla,omitempty"`
	StateClass        string     `json:"stat_cla,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_meas,omitempty"`
	StateTopic        string     `json:"stat_t"`
	AvailabilityTopic string     `json:"avty_t"`
	ValueTemplate     string     `json:"val_tpl"`
	UniqueID          string     `json:"uniq_id"`
	Device            hassDevice `json:"dev"`
}

// hassDevice groups all of one BLE device's entities under a single HA
// device entry.
type hassDevice struct {
	Identifiers []string `json:"ids"`
	Name        string   `json:"name"`
	Model       string   `json:"mdl,omitempty"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// AnnounceDevice publishes one retained discovery config per sensor, so Home
// Assistant creates the entities before the first telemetry arrives.
func (c *Client) AnnounceDevice(record types.DeviceRecord, drv device.Driver) {
	if !c.IsConnected() {
		c.logger.Printf("Cannot announce %s: not connected", record.Address)
		return
	}

	deviceType, displayName := drv.Identity()
	node := nodeID(record.Address)
	dev := hassDevice{
		Identifiers: []string{"blupow_" + node},
		Name:        displayName,
		Model:       deviceType,
		ViaDevice:   "blupow_gateway",
	}

	for _, def := range drv.Sensors() {
		cfg := hassSensorConfig{
			Name:              def.Name,
			DeviceClass:       def.DeviceClass,
			StateClass:        def.StateClass,
			UnitOfMeasurement: def.Unit,
			StateTopic:        fmt.Sprintf("%s/%s/state", c.cfg.TopicPrefix, node),
			AvailabilityTopic: c.statusTopic(),
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", def.Key),
			UniqueID:          fmt.Sprintf("blupow_%s_%s", node, def.Key),
			Device:            dev,
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			c.logger.Printf("Encoding discovery config for %s/%s failed: %v", record.Address, def.Key, err)
			continue
		}

		topic := c.discoveryTopic(node, def.Key)
		token := c.mqttClient.Publish(topic, 1, true, payload)
		if token.Wait() && token.Error() != nil {
			c.logger.Printf("Publishing discovery config %s failed: %v", topic, token.Error())
		}
	}

	c.logger.Printf("Announced %d sensors for %s", len(drv.Sensors()), record.Address)
}

// WithdrawDevice clears the retained discovery configs, which removes the
// entities from Home Assistant.
func (c *Client) WithdrawDevice(record types.DeviceRecord, drv device.Driver) {
	if !c.IsConnected() {
		c.logger.Printf("Cannot withdraw %s: not connected", record.Address)
		return
	}

	node := nodeID(record.Address)
	for _, def := range drv.Sensors() {
		topic := c.discoveryTopic(node, def.Key)
		token := c.mqttClient.Publish(topic, 1, true, []byte{})
		if token.Wait() && token.Error() != nil {
			c.logger.Printf("Clearing discovery config %s failed: %v", topic, token.Error())
		}
	}

	c.logger.Printf("Withdrew %d sensors for %s", len(drv.Sensors()), record.Address)
}

func (c *Client) discoveryTopic(node, key string) string {
	return fmt.Sprintf("%s/sensor/blupow_%s/%s/config", c.cfg.DiscoveryPrefix, node, key)
}
