// Package mqtt is the gateway's message bus surface: telemetry out, commands
// in, correlated responses out, and retained Home Assistant discovery
// announcements.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MadGoatHaz/blupow-gateway/internal/config"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// CommandHandler executes one inbound command and returns the response to
// publish. The payload is the raw JSON from the command topic.
type CommandHandler func(payload []byte) interface{}

// Client wraps the paho MQTT connection and owns the gateway topic layout:
//
//	<prefix>/gateway/status    availability (retained, LWT)
//	<prefix>/gateway/command   inbound commands
//	<prefix>/gateway/response  command responses
//	<prefix>/<address>/state   per-device telemetry
type Client struct {
	mqttClient pahomqtt.Client
	logger     *log.Logger
	cfg        config.MQTTConfig

	commandHandler CommandHandler
}

// NewClient creates the client. Connect must be called before publishing.
func NewClient(cfg config.MQTTConfig, handler CommandHandler) *Client {
	return &Client{
		logger:         log.New(os.Stdout, "[MQTT] ", log.LstdFlags),
		cfg:            cfg,
		commandHandler: handler,
	}
}

// Connect establishes the broker session. The last-will marks the gateway
// offline if the session dies without a clean Stop, and every reconnect
// republishes the online status and re-subscribes the command topic.
func (c *Client) Connect() error {
	opts := pahomqtt.NewClientOptions()
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)
	opts.AddBroker(broker)

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("blupow-gateway-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetResumeSubs(true)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetWill(c.statusTopic(), "offline", 1, true)

	opts.OnConnect = func(client pahomqtt.Client) {
		c.logger.Printf("Connected to MQTT broker (Client-ID: %s)", clientID)
		c.publishStatus("online")
		c.subscribeCommands()
	}
	opts.OnConnectionLost = func(client pahomqtt.Client, err error) {
		c.logger.Printf("Connection to broker lost: %v", err)
	}
	opts.OnReconnecting = func(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
		c.logger.Println("Reconnecting to broker...")
	}

	c.mqttClient = pahomqtt.NewClient(opts)

	c.logger.Printf("Connecting to MQTT broker: %s", broker)
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// Stop marks the gateway offline and closes the session. The explicit offline
// publish replaces the last-will, which only fires on unclean exits.
func (c *Client) Stop() {
	c.logger.Println("Shutting down MQTT client...")
	if c.IsConnected() {
		c.publishStatus("offline")
		c.mqttClient.Disconnect(250)
	}
	c.logger.Println("MQTT client stopped.")
}

// PublishTelemetry publishes one poll result on the device's state topic.
// Failed polls publish too, carrying only the connection outcome, so the bus
// always reflects the last attempt.
func (c *Client) PublishTelemetry(result types.PollResult) {
	if !c.IsConnected() {
		c.logger.Printf("Dropping telemetry for %s: not connected", result.Address)
		return
	}

	payload := make(map[string]interface{}, len(result.Values)+2)
	for k, v := range result.Values {
		payload[k] = v
	}
	payload["connection"] = result.Outcome
	payload["ts"] = result.Timestamp.UnixMilli()

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Printf("Encoding telemetry for %s failed: %v", result.Address, err)
		return
	}

	topic := fmt.Sprintf("%s/%s/state", c.cfg.TopicPrefix, nodeID(result.Address))
	token := c.mqttClient.Publish(topic, 1, false, data)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Publishing telemetry for %s failed: %v", result.Address, token.Error())
	}
}

func (c *Client) subscribeCommands() {
	topic := c.cfg.TopicPrefix + "/gateway/command"
	token := c.mqttClient.Subscribe(topic, 1, c.handleCommand)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Subscribing to %s failed: %v", topic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic %s", topic)
}

// handleCommand runs on paho's callback goroutine. Commands are executed one
// at a time in arrival order.
func (c *Client) handleCommand(client pahomqtt.Client, msg pahomqtt.Message) {
	if c.commandHandler == nil {
		return
	}

	response := c.commandHandler(msg.Payload())
	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Printf("Encoding command response failed: %v", err)
		return
	}

	topic := c.cfg.TopicPrefix + "/gateway/response"
	token := c.mqttClient.Publish(topic, 1, false, data)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Publishing command response failed: %v", token.Error())
	}
}

func (c *Client) publishStatus(status string) {
	token := c.mqttClient.Publish(c.statusTopic(), 1, true, status)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Publishing gateway status failed: %v", token.Error())
	}
}

func (c *Client) statusTopic() string {
	return c.cfg.TopicPrefix + "/gateway/status"
}

// nodeID turns a BLE address into a topic-safe node identifier.
// "AA:BB:CC:DD:EE:FF" becomes "aa-bb-cc-dd-ee-ff".
func nodeID(address string) string {
	return strings.ToLower(strings.ReplaceAll(address, ":", "-"))
}
