// Package config loads the gateway configuration from a JSON file and
// applies environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ClientID        string `json:"client_id"`
	TopicPrefix     string `json:"topic_prefix"`
	DiscoveryPrefix string `json:"discovery_prefix"`
}

// BluetoothConfig defines the BLE behaviour of the gateway.
type BluetoothConfig struct {
	ScanTimeoutSeconds  int `json:"scan_timeout_seconds"`
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds"`
}

// AppConfig is the top-level configuration structure.
type AppConfig struct {
	MQTT                       MQTTConfig      `json:"mqtt_settings"`
	Bluetooth                  BluetoothConfig `json:"bluetooth_settings"`
	DevicesPath                string          `json:"devices_path"`
	DefaultPollIntervalSeconds int             `json:"default_poll_interval_seconds"`
	PollTimeoutSeconds         int             `json:"poll_timeout_seconds"`
}

// ScanTimeout returns the discovery scan duration.
func (c *AppConfig) ScanTimeout() time.Duration {
	return time.Duration(c.Bluetooth.ScanTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the add-device connectivity probe deadline.
func (c *AppConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.Bluetooth.ProbeTimeoutSeconds) * time.Second
}

// DefaultPollInterval returns the poll cadence for records without one.
func (c *AppConfig) DefaultPollInterval() time.Duration {
	return time.Duration(c.DefaultPollIntervalSeconds) * time.Second
}

// PollTimeout returns the per-poll deadline.
func (c *AppConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// LoadAppConfig loads configuration from a JSON file and overrides with .env
// values. A missing JSON file is a warning, not an error; defaults plus
// environment variables are enough to run.
func LoadAppConfig(configFilePath string) (*AppConfig, error) {
	logger := log.New(os.Stdout, "[ConfigLoader] ", log.LstdFlags)

	appConfig := &AppConfig{
		MQTT: MQTTConfig{
			Host:            "localhost",
			Port:            1883,
			TopicPrefix:     "blupow",
			DiscoveryPrefix: "homeassistant",
		},
		Bluetooth: BluetoothConfig{
			ScanTimeoutSeconds:  10,
			ProbeTimeoutSeconds: 15,
		},
		DevicesPath:                "/var/lib/blupow/devices.json",
		DefaultPollIntervalSeconds: 60,
		PollTimeoutSeconds:         30,
	}

	if configFilePath != "" {
		data, err := os.ReadFile(configFilePath)
		if err != nil {
			logger.Printf("Warning: Could not read JSON config file %s: %v. Using defaults and .env values.", configFilePath, err)
		} else {
			if err := json.Unmarshal(data, appConfig); err != nil {
				return nil, fmt.Errorf("error unmarshalling JSON config file %s: %w", configFilePath, err)
			}
			logger.Printf("Loaded configuration from JSON file: %s", configFilePath)
		}
	}

	envPath := "/etc/blupow/gateway.env"
	if os.Getenv("BLUPOW_ENV_PATH") != "" {
		envPath = os.Getenv("BLUPOW_ENV_PATH")
	}

	if err := godotenv.Load(envPath); err != nil {
		logger.Printf("Warning: Could not load .env file from %s: %v. Using JSON or default values.", envPath, err)
	} else {
		logger.Printf("Successfully loaded .env file from %s", envPath)
	}

	overrideString(logger, "BLUPOW_MQTT_HOST", &appConfig.MQTT.Host)
	overrideInt(logger, "BLUPOW_MQTT_PORT", &appConfig.MQTT.Port)
	overrideString(logger, "BLUPOW_MQTT_USERNAME", &appConfig.MQTT.Username)
	overrideSecret(logger, "BLUPOW_MQTT_PASSWORD", &appConfig.MQTT.Password)
	overrideString(logger, "BLUPOW_MQTT_CLIENT_ID", &appConfig.MQTT.ClientID)
	overrideString(logger, "BLUPOW_MQTT_TOPIC_PREFIX", &appConfig.MQTT.TopicPrefix)
	overrideString(logger, "BLUPOW_MQTT_DISCOVERY_PREFIX", &appConfig.MQTT.DiscoveryPrefix)
	overrideInt(logger, "BLUPOW_SCAN_TIMEOUT_SECONDS", &appConfig.Bluetooth.ScanTimeoutSeconds)
	overrideInt(logger, "BLUPOW_PROBE_TIMEOUT_SECONDS", &appConfig.Bluetooth.ProbeTimeoutSeconds)
	overrideString(logger, "BLUPOW_DEVICES_PATH", &appConfig.DevicesPath)
	overrideInt(logger, "BLUPOW_DEFAULT_POLL_INTERVAL_SECONDS", &appConfig.DefaultPollIntervalSeconds)
	overrideInt(logger, "BLUPOW_POLL_TIMEOUT_SECONDS", &appConfig.PollTimeoutSeconds)

	if err := appConfig.validate(); err != nil {
		return nil, err
	}
	return appConfig, nil
}

func (c *AppConfig) validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt host must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix must not be empty")
	}
	if c.DevicesPath == "" {
		return fmt.Errorf("devices path must not be empty")
	}
	if c.DefaultPollIntervalSeconds <= 0 {
		return fmt.Errorf("default poll interval must be positive, got %d", c.DefaultPollIntervalSeconds)
	}
	if c.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %d", c.PollTimeoutSeconds)
	}
	return nil
}

func overrideString(logger *log.Logger, key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
		logger.Printf("ENV Override: %s=%s", key, val)
	}
}

// overrideSecret applies the value but never echoes it.
func overrideSecret(logger *log.Logger, key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
		logger.Printf("ENV Override: %s=***", key)
	}
}

func overrideInt(logger *log.Logger, key string, target *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		logger.Printf("Warning: Could not parse %s from env ('%s'): %v. Using value %d", key, val, err, *target)
		return
	}
	*target = n
	logger.Printf("ENV Override: %s=%d", key, n)
}
