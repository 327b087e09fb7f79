package ble

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Adapter is the production Transport backed by the system Bluetooth
// controller via tinygo.org/x/bluetooth (BlueZ on Linux).
type Adapter struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	enableOnce sync.Once
	enableErr  error
}

// NewAdapter wraps the default system adapter. Enable happens lazily on the
// first transport operation.
func NewAdapter() *Adapter {
	return &Adapter{
		adapter: bluetooth.DefaultAdapter,
		logger:  log.New(os.Stdout, "[BLE] ", log.LstdFlags),
	}
}

func (a *Adapter) enable() error {
	a.enableOnce.Do(func() {
		a.enableErr = a.adapter.Enable()
		if a.enableErr == nil {
			a.logger.Println("Bluetooth adapter enabled")
		}
	})
	return a.enableErr
}

// Scan collects advertisements until ctx expires, deduplicated by address.
// The strongest RSSI and the first non-empty name win per address.
func (a *Adapter) Scan(ctx context.Context) ([]Advertisement, error) {
	if err := a.enable(); err != nil {
		return nil, fmt.Errorf("enabling adapter: %w", err)
	}

	var mu sync.Mutex
	seen := make(map[string]Advertisement)

	scanDone := make(chan error, 1)
	go func() {
		scanDone <- a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			mu.Lock()
			defer mu.Unlock()

			addr := strings.ToUpper(result.Address.String())
			adv, known := seen[addr]
			if !known {
				adv = Advertisement{Address: addr, RSSI: int(result.RSSI)}
			}
			if int(result.RSSI) > adv.RSSI || !known {
				adv.RSSI = int(result.RSSI)
			}
			if adv.Name == "" {
				adv.Name = result.LocalName()
			}
			seen[addr] = adv
		})
	}()

	<-ctx.Done()
	if err := a.adapter.StopScan(); err != nil {
		a.logger.Printf("StopScan: %v", err)
	}
	if err := <-scanDone; err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Advertisement, 0, len(seen))
	for _, adv := range seen {
		out = append(out, adv)
	}
	return out, nil
}

// Connect opens a GATT connection to the given address.
func (a *Adapter) Connect(ctx context.Context, address string) (Conn, error) {
	if err := a.enable(); err != nil {
		return nil, fmt.Errorf("enabling adapter: %w", err)
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(address))
	if err != nil {
		return nil, fmt.Errorf("invalid BLE address %q: %w", address, err)
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	dev, err := a.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, params)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	return &gattConn{
		device:  dev,
		address: address,
		logger:  a.logger,
		notify:  make(map[string]chan []byte),
	}, nil
}

// gattConn is an open connection to one peripheral with lazily discovered
// characteristics.
type gattConn struct {
	device  bluetooth.Device
	address string
	logger  *log.Logger

	mu     sync.Mutex
	chars  map[string]bluetooth.DeviceCharacteristic
	notify map[string]chan []byte
	closed bool
}

// characteristic resolves a UUID to a discovered characteristic, running full
// service discovery once per connection.
func (c *gattConn) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := CanonicalUUID(uuid)
	if c.chars == nil {
		c.chars = make(map[string]bluetooth.DeviceCharacteristic)
		services, err := c.device.DiscoverServices(nil)
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service discovery on %s: %w", c.address, err)
		}
		for _, svc := range services {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				continue
			}
			for _, char := range chars {
				c.chars[CanonicalUUID(char.UUID().String())] = char
			}
		}
	}

	char, ok := c.chars[want]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s on %s", ErrCharacteristicMissing, uuid, c.address)
	}
	return char, nil
}

// ReadCharacteristic reads the characteristic's value. If a direct read is
// not supported (notify-only response characteristics on most power
// monitors), it waits for the next notification instead.
func (c *gattConn) ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error) {
	char, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	if n, err := char.Read(buf); err == nil && n > 0 {
		return buf[:n], nil
	}

	ch, err := c.notifications(uuid, char)
	if err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *gattConn) notifications(uuid string, char bluetooth.DeviceCharacteristic) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := CanonicalUUID(uuid)
	if ch, ok := c.notify[key]; ok {
		return ch, nil
	}

	ch := make(chan []byte, 8)
	err := char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case ch <- data:
		default:
			// Drop when the reader is behind; stale frames are useless.
		}
	})
	if err != nil {
		return nil, fmt.Errorf("enabling notifications for %s: %w", uuid, err)
	}
	c.notify[key] = ch
	return ch, nil
}

// WriteCharacteristic writes data to the characteristic.
func (c *gattConn) WriteCharacteristic(ctx context.Context, uuid string, data []byte) error {
	char, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write %s: %w", uuid, err)
	}
	return nil
}

// Disconnect closes the connection. Safe to call more than once.
func (c *gattConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", c.address, err)
	}
	return nil
}

// CanonicalUUID normalizes a characteristic UUID: lowercased, and short
// 16-bit forms like "ffd1" expanded to the Bluetooth base UUID.
func CanonicalUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	if len(u) == 4 {
		return "0000" + u + "-0000-1000-8000-00805f9b34fb"
	}
	return u
}
