// Package ble abstracts the Bluetooth transport and guards it behind a FIFO
// gate. The radio cannot interleave scan/connect operations, so every
// transport call in the process goes through one Gate.
package ble

import (
	"context"
	"errors"
)

// Advertisement is one device seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// Conn is an open connection to one peripheral. Characteristics are addressed
// by their UUID string.
type Conn interface {
	// ReadCharacteristic returns the current value of a characteristic. For
	// notify-only characteristics the implementation delivers the next
	// notification instead.
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)

	// WriteCharacteristic writes data to a characteristic.
	WriteCharacteristic(ctx context.Context, uuid string, data []byte) error

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect() error
}

// Transport is the BLE capability supplied by the host environment. The
// production implementation lives in adapter.go; tests substitute fakes.
type Transport interface {
	// Scan runs a scan until ctx expires and returns everything seen,
	// deduplicated by address.
	Scan(ctx context.Context) ([]Advertisement, error)

	// Connect opens a connection to the peripheral with the given address.
	Connect(ctx context.Context, address string) (Conn, error)
}

// ErrCharacteristicMissing is returned when a required GATT characteristic is
// not present on the connected peripheral.
var ErrCharacteristicMissing = errors.New("characteristic not found")
