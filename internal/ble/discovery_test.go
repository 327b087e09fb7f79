package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeTransport serves canned scan results and refuses connections.
type fakeTransport struct {
	adverts []Advertisement
	scanErr error
	scans   int
}

func (f *fakeTransport) Scan(ctx context.Context) ([]Advertisement, error) {
	f.scans++
	return f.adverts, f.scanErr
}

func (f *fakeTransport) Connect(ctx context.Context, address string) (Conn, error) {
	return nil, errors.New("no connections in this test")
}

func TestDiscoverFiltersRegisteredDevices(t *testing.T) {
	transport := &fakeTransport{adverts: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", Name: "BT-TH-1", RSSI: -60},
		{Address: "AA:AA:AA:AA:AA:02", Name: "BT-TH-2", RSSI: -40},
		{Address: "AA:AA:AA:AA:AA:03", Name: "BT-TH-3", RSSI: -80},
	}}
	cache := NewDiscoveryCache(transport, NewGate(), 0)

	registered := func(address string) bool { return address == "AA:AA:AA:AA:AA:01" }

	found, err := cache.Discover(context.Background(), 100*time.Millisecond, registered)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if len(found) != 2 {
		t.Fatalf("got %d devices, want 2: %v", len(found), found)
	}
	// Strongest signal first.
	if found[0].Address != "AA:AA:AA:AA:AA:02" || found[1].Address != "AA:AA:AA:AA:AA:03" {
		t.Errorf("wrong order: %v", found)
	}

	// The registered device is still cached for probe shortcuts.
	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:01"); !ok {
		t.Error("excluded device missing from cache")
	}
}

func TestDiscoverReplacesCache(t *testing.T) {
	transport := &fakeTransport{adverts: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", RSSI: -50},
	}}
	cache := NewDiscoveryCache(transport, NewGate(), 0)

	if _, err := cache.Discover(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatalf("first Discover failed: %v", err)
	}

	transport.adverts = []Advertisement{{Address: "AA:AA:AA:AA:AA:02", RSSI: -50}}
	if _, err := cache.Discover(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatalf("second Discover failed: %v", err)
	}

	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:01"); ok {
		t.Error("stale entry survived a rescan")
	}
	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:02"); !ok {
		t.Error("fresh entry missing")
	}
}

func TestLookupExpires(t *testing.T) {
	transport := &fakeTransport{adverts: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", RSSI: -50},
	}}
	cache := NewDiscoveryCache(transport, NewGate(), 20*time.Millisecond)

	if _, err := cache.Discover(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:01"); !ok {
		t.Fatal("entry missing right after scan")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:01"); ok {
		t.Error("entry still served after TTL")
	}
}

func TestConsumeRemovesEntry(t *testing.T) {
	transport := &fakeTransport{adverts: []Advertisement{
		{Address: "AA:AA:AA:AA:AA:01", RSSI: -50},
	}}
	cache := NewDiscoveryCache(transport, NewGate(), 0)

	if _, err := cache.Discover(context.Background(), time.Millisecond, nil); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	cache.Consume("AA:AA:AA:AA:AA:01")
	if _, ok := cache.Lookup("AA:AA:AA:AA:AA:01"); ok {
		t.Error("entry still present after Consume")
	}
}

func TestDiscoverReleasesGateOnScanError(t *testing.T) {
	transport := &fakeTransport{scanErr: errors.New("adapter gone")}
	gate := NewGate()
	cache := NewDiscoveryCache(transport, gate, 0)

	if _, err := cache.Discover(context.Background(), time.Millisecond, nil); err == nil {
		t.Fatal("Discover did not surface the scan error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("gate still held after failed Discover: %v", err)
	}
	gate.Release()
}
