package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/config"
	"github.com/MadGoatHaz/blupow-gateway/internal/device"
	"github.com/MadGoatHaz/blupow-gateway/internal/gateway"
	"github.com/MadGoatHaz/blupow-gateway/internal/mqtt"
	"github.com/MadGoatHaz/blupow-gateway/internal/registry"
	"github.com/MadGoatHaz/blupow-gateway/internal/scheduler"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

const defaultConfigPath = "/etc/blupow/gateway.json"

func main() {
	logger := log.New(os.Stdout, "[MainApp] ", log.LstdFlags)
	logger.Println("Starting BluPow BLE Gateway...")

	configPath := flag.String("config", defaultConfigPath, "path to the gateway JSON configuration")
	flag.Parse()

	appCfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load application configuration from %s: %v", *configPath, err)
	}
	logger.Printf("Configuration loaded. MQTT broker: %s:%d, device list: %s",
		appCfg.MQTT.Host, appCfg.MQTT.Port, appCfg.DevicesPath)

	transport := ble.NewAdapter()
	gate := ble.NewGate()
	cache := ble.NewDiscoveryCache(transport, gate, 0)
	factory := device.NewFactory()
	store := registry.NewStore(appCfg.DevicesPath)

	// The scheduler's publish hook is bound after the MQTT client exists.
	var mqttClient *mqtt.Client
	sched := scheduler.New(transport, gate, func(result types.PollResult) {
		mqttClient.PublishTelemetry(result)
	}, appCfg.PollTimeout(), appCfg.DefaultPollInterval())

	manager := registry.NewManager(store, factory, sched, transport, gate, cache, appCfg.ProbeTimeout())

	dispatcher := gateway.NewDispatcher(manager, cache, transport, gate)
	mqttClient = mqtt.NewClient(appCfg.MQTT, func(payload []byte) interface{} {
		return dispatcher.Handle(payload)
	})

	manager.Announce = mqttClient.AnnounceDevice
	manager.Withdraw = mqttClient.WithdrawDevice

	if err := mqttClient.Connect(); err != nil {
		logger.Printf("Warning: Failed to connect to MQTT broker: %v. Proceeding, the client will keep reconnecting.", err)
	}

	if err := manager.Start(); err != nil {
		logger.Fatalf("Failed to start device registry: %v", err)
	}

	logger.Println("Gateway started. Press Ctrl+C to exit.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Println("Shutdown signal received. Stopping services...")

	manager.Stop()
	mqttClient.Stop()

	time.Sleep(1 * time.Second)
	logger.Println("Gateway shut down gracefully.")
}
