package ble

import "context"

// Gate serializes access to the Bluetooth hardware. Only one transport
// operation (scan, connect, read, write, disconnect sequence) may be in
// flight at a time; waiters are served in arrival order.
//
// A channel of capacity one is used instead of sync.Mutex so acquisition can
// be abandoned when the caller's context expires.
type Gate struct {
	slot chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done. On success the caller
// must Release, on all exit paths.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Calling Release without holding the gate is a
// programming error and panics.
func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
		panic("ble: Release of unheld gate")
	}
}
