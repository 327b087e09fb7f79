// Package gateway translates inbound management commands into registry,
// discovery and scheduler operations and produces correlated responses.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/device"
	"github.com/MadGoatHaz/blupow-gateway/internal/registry"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// Command is the JSON shape arriving on the command topic.
type Command struct {
	Command   string        `json:"command"`
	RequestID string        `json:"request_id"`
	Params    CommandParams `json:"params"`
}

// CommandParams carries the command-specific arguments. Which fields matter
// depends on the command.
type CommandParams struct {
	Address             string                 `json:"address,omitempty"`
	DeviceType          string                 `json:"device_type,omitempty"`
	DisplayName         string                 `json:"display_name,omitempty"`
	DriverConfig        map[string]interface{} `json:"driver_config,omitempty"`
	PollIntervalSeconds int                    `json:"poll_interval_seconds,omitempty"`

	// discover_devices
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// write_register
	Register int `json:"register,omitempty"`
	Value    int `json:"value,omitempty"`
}

// Response is the correlated reply published on the response topic.
type Response struct {
	RequestID string      `json:"request_id"`
	Success   bool        `json:"success"`
	Reason    string      `json:"reason,omitempty"`
	Error     string      `json:"error,omitempty"`
	Warning   string      `json:"warning,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Machine-readable failure reasons for command responses.
const (
	ReasonBadRequest    = "bad_request"
	ReasonDuplicate     = "duplicate_address"
	ReasonNotFound      = "not_found"
	ReasonUnknownType   = "unknown_device_type"
	ReasonBadConfig     = "invalid_driver_config"
	ReasonUnreachable   = "unreachable"
	ReasonNotWritable   = "not_writable"
	ReasonInternalError = "internal_error"
)

// DefaultScanTimeout is used when discover_devices carries no timeout.
const DefaultScanTimeout = 10 * time.Second

// Dispatcher handles one command at a time; the MQTT layer feeds it from a
// single subscription callback.
type Dispatcher struct {
	manager   *registry.Manager
	cache     *ble.DiscoveryCache
	transport ble.Transport
	gate      *ble.Gate
	logger    *log.Logger

	writeTimeout time.Duration
}

// NewDispatcher wires the dispatcher against the registry and BLE layers.
func NewDispatcher(manager *registry.Manager, cache *ble.DiscoveryCache, transport ble.Transport, gate *ble.Gate) *Dispatcher {
	return &Dispatcher{
		manager:      manager,
		cache:        cache,
		transport:    transport,
		gate:         gate,
		logger:       log.New(os.Stdout, "[Dispatcher] ", log.LstdFlags),
		writeTimeout: 20 * time.Second,
	}
}

// Handle decodes and executes one command, always returning a correlated
// response. It never panics the process over a malformed payload.
func (d *Dispatcher) Handle(payload []byte) Response {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Response{Success: false, Reason: ReasonBadRequest, Error: fmt.Sprintf("malformed command: %v", err)}
	}

	d.logger.Printf("Command %q (request %s)", cmd.Command, cmd.RequestID)

	var resp Response
	switch cmd.Command {
	case "discover_devices":
		resp = d.discover(cmd)
	case "add_device":
		resp = d.addDevice(cmd)
	case "remove_device":
		resp = d.removeDevice(cmd)
	case "get_devices":
		resp = d.getDevices(cmd)
	case "write_register":
		resp = d.writeRegister(cmd)
	case "restart_gateway":
		resp = d.restart(cmd)
	default:
		resp = Response{Success: false, Reason: ReasonBadRequest, Error: fmt.Sprintf("unknown command %q", cmd.Command)}
	}

	resp.RequestID = cmd.RequestID
	return resp
}

func (d *Dispatcher) discover(cmd Command) Response {
	timeout := DefaultScanTimeout
	if cmd.Params.TimeoutSeconds > 0 {
		timeout = time.Duration(cmd.Params.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()

	found, err := d.cache.Discover(ctx, timeout, d.manager.Has)
	if err != nil {
		return Response{Success: false, Reason: ReasonInternalError, Error: fmt.Sprintf("scan failed: %v", err)}
	}
	return Response{Success: true, Payload: map[string]interface{}{"devices": found}}
}

func (d *Dispatcher) addDevice(cmd Command) Response {
	if cmd.Params.Address == "" || cmd.Params.DeviceType == "" {
		return Response{Success: false, Reason: ReasonBadRequest, Error: "address and device_type are required"}
	}

	record := types.DeviceRecord{
		Address:             cmd.Params.Address,
		DeviceType:          cmd.Params.DeviceType,
		DisplayName:         cmd.Params.DisplayName,
		DriverConfig:        cmd.Params.DriverConfig,
		PollIntervalSeconds: cmd.Params.PollIntervalSeconds,
	}

	added, warning, err := d.manager.AddDevice(record)
	if err != nil {
		return Response{Success: false, Reason: reasonFor(err), Error: err.Error()}
	}
	return Response{Success: true, Warning: warning, Payload: map[string]interface{}{"device": added}}
}

func (d *Dispatcher) removeDevice(cmd Command) Response {
	if cmd.Params.Address == "" {
		return Response{Success: false, Reason: ReasonBadRequest, Error: "address is required"}
	}

	warning, err := d.manager.RemoveDevice(cmd.Params.Address)
	if err != nil {
		return Response{Success: false, Reason: reasonFor(err), Error: err.Error()}
	}
	return Response{Success: true, Warning: warning}
}

func (d *Dispatcher) getDevices(cmd Command) Response {
	return Response{Success: true, Payload: map[string]interface{}{
		"devices":         d.manager.ListDevices(),
		"supported_types": d.manager.DeviceTypes(),
	}}
}

func (d *Dispatcher) writeRegister(cmd Command) Response {
	if cmd.Params.Address == "" {
		return Response{Success: false, Reason: ReasonBadRequest, Error: "address is required"}
	}
	if cmd.Params.Register < 0 || cmd.Params.Register > 0xFFFF || cmd.Params.Value < 0 || cmd.Params.Value > 0xFFFF {
		return Response{Success: false, Reason: ReasonBadRequest, Error: "register and value must fit in 16 bits"}
	}

	drv, ok := d.manager.Driver(cmd.Params.Address)
	if !ok {
		return Response{Success: false, Reason: ReasonNotFound, Error: fmt.Sprintf("device %s not registered", cmd.Params.Address)}
	}
	writer, ok := drv.(device.RegisterWriter)
	if !ok {
		return Response{Success: false, Reason: ReasonNotWritable, Error: "device type does not accept register writes"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	if err := d.gate.Acquire(ctx); err != nil {
		return Response{Success: false, Reason: ReasonUnreachable, Error: fmt.Sprintf("radio busy: %v", err)}
	}
	defer d.gate.Release()

	if err := writer.WriteRegister(ctx, d.transport, uint16(cmd.Params.Register), uint16(cmd.Params.Value)); err != nil {
		return Response{Success: false, Reason: ReasonUnreachable, Error: err.Error()}
	}
	return Response{Success: true}
}

func (d *Dispatcher) restart(cmd Command) Response {
	d.manager.Restart()
	return Response{Success: true}
}

// reasonFor maps registry and configuration errors to their machine-readable
// response reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, types.ErrDuplicateAddress):
		return ReasonDuplicate
	case errors.Is(err, types.ErrDeviceNotFound):
		return ReasonNotFound
	case errors.Is(err, types.ErrUnknownDeviceType):
		return ReasonUnknownType
	case errors.Is(err, types.ErrDriverConfig):
		return ReasonBadConfig
	case errors.Is(err, types.ErrUnreachable):
		return ReasonUnreachable
	default:
		return ReasonInternalError
	}
}
