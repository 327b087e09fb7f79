package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/MadGoatHaz/blupow-gateway/internal/ble"
	"github.com/MadGoatHaz/blupow-gateway/internal/device"
	"github.com/MadGoatHaz/blupow-gateway/internal/scheduler"
	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// AnnounceFunc publishes or withdraws the discovery announcements for a
// device's sensors. Wired to the MQTT layer at startup.
type AnnounceFunc func(record types.DeviceRecord, drv device.Driver)

// Manager is the device registry and lifecycle owner. It is the only writer
// of the persisted device list and the only component that starts or stops
// polling tasks.
type Manager struct {
	store        *Store
	factory      *device.Factory
	sched        *scheduler.Scheduler
	transport    ble.Transport
	gate         *ble.Gate
	cache        *ble.DiscoveryCache
	probeTimeout time.Duration
	logger       *log.Logger

	// Announce is called after a device is added (or re-announced on
	// restart); Withdraw after removal. Either may be nil.
	Announce AnnounceFunc
	Withdraw AnnounceFunc

	mu      sync.RWMutex
	records map[string]types.DeviceRecord
	drivers map[string]device.Driver
}

// NewManager wires the registry. Load and task start-up happen in Start.
func NewManager(store *Store, factory *device.Factory, sched *scheduler.Scheduler,
	transport ble.Transport, gate *ble.Gate, cache *ble.DiscoveryCache, probeTimeout time.Duration) *Manager {
	if probeTimeout <= 0 {
		probeTimeout = 15 * time.Second
	}
	return &Manager{
		store:        store,
		factory:      factory,
		sched:        sched,
		transport:    transport,
		gate:         gate,
		cache:        cache,
		probeTimeout: probeTimeout,
		logger:       log.New(os.Stdout, "[Registry] ", log.LstdFlags),
		records:      make(map[string]types.DeviceRecord),
		drivers:      make(map[string]device.Driver),
	}
}

// Start loads the persisted device list and starts a polling task per
// record. A record whose driver no longer constructs is skipped with a log
// line, not dropped from the store.
func (m *Manager) Start() error {
	records, err := m.store.Load()
	if err != nil {
		m.logger.Printf("Device list unreadable, starting empty: %v", err)
	}

	for addr, rec := range records {
		drv, err := m.factory.Create(rec)
		if err != nil {
			m.logger.Printf("Skipping persisted device %s: %v", addr, err)
			continue
		}
		m.mu.Lock()
		m.records[addr] = rec
		m.drivers[addr] = drv
		m.mu.Unlock()

		m.sched.Add(rec, drv)
		if m.Announce != nil {
			m.Announce(rec, drv)
		}
	}

	m.logger.Printf("Loaded %d devices", len(m.records))
	return nil
}

// Stop stops all polling tasks. Records stay persisted.
func (m *Manager) Stop() {
	m.sched.Stop()
}

// AddDevice validates, probes, commits and persists a new device, then
// starts its polling task. The returned warning is non-empty when the
// in-memory add succeeded but persisting the device list failed; the add is
// not rolled back for that.
func (m *Manager) AddDevice(record types.DeviceRecord) (types.DeviceRecord, string, error) {
	m.mu.RLock()
	_, exists := m.records[record.Address]
	m.mu.RUnlock()
	if exists {
		return types.DeviceRecord{}, "", fmt.Errorf("%w: %s", types.ErrDuplicateAddress, record.Address)
	}

	drv, err := m.factory.Create(record)
	if err != nil {
		return types.DeviceRecord{}, "", err
	}

	if err := m.probe(record.Address); err != nil {
		return types.DeviceRecord{}, "", fmt.Errorf("%w: %v", types.ErrUnreachable, err)
	}

	m.mu.Lock()
	if _, exists := m.records[record.Address]; exists {
		m.mu.Unlock()
		return types.DeviceRecord{}, "", fmt.Errorf("%w: %s", types.ErrDuplicateAddress, record.Address)
	}
	m.records[record.Address] = record
	m.drivers[record.Address] = drv
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	var warning string
	if err := m.store.Save(snapshot); err != nil {
		// Durability lag is preferred over losing a validated device.
		warning = fmt.Sprintf("device added but not persisted: %v", err)
		m.logger.Printf("Persisting device list failed: %v", err)
	}

	m.cache.Consume(record.Address)
	m.sched.Add(record, drv)
	if m.Announce != nil {
		m.Announce(record, drv)
	}

	m.logger.Printf("Added device %s (%s)", record.Address, record.DeviceType)
	return record, warning, nil
}

// RemoveDevice stops the device's task, removes the record and persists.
func (m *Manager) RemoveDevice(address string) (string, error) {
	m.mu.Lock()
	rec, exists := m.records[address]
	if !exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", types.ErrDeviceNotFound, address)
	}
	drv := m.drivers[address]
	delete(m.records, address)
	delete(m.drivers, address)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.sched.Remove(address)

	var warning string
	if err := m.store.Save(snapshot); err != nil {
		warning = fmt.Sprintf("device removed but not persisted: %v", err)
		m.logger.Printf("Persisting device list failed: %v", err)
	}

	if m.Withdraw != nil {
		m.Withdraw(rec, drv)
	}

	m.logger.Printf("Removed device %s", address)
	return warning, nil
}

// ListDevices returns a snapshot of the registry, sorted by address.
func (m *Manager) ListDevices() []types.DeviceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.DeviceRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Has reports whether an address is registered. Used by discovery to filter
// scan results.
func (m *Manager) Has(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[address]
	return ok
}

// DeviceTypes returns the device type tags the factory can build, sorted.
func (m *Manager) DeviceTypes() []string {
	out := m.factory.Types()
	sort.Strings(out)
	return out
}

// Driver returns the live driver instance for an address.
func (m *Manager) Driver(address string) (device.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	drv, ok := m.drivers[address]
	return drv, ok
}

// Restart stops every polling task and starts them again from the in-memory
// records, re-announcing each device.
func (m *Manager) Restart() {
	m.sched.Stop()

	m.mu.RLock()
	records := make([]types.DeviceRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	for _, rec := range records {
		m.mu.RLock()
		drv := m.drivers[rec.Address]
		m.mu.RUnlock()

		m.sched.Add(rec, drv)
		if m.Announce != nil {
			m.Announce(rec, drv)
		}
	}
	m.logger.Printf("Restarted %d poll tasks", len(records))
}

// probe performs one gate-scoped connect/disconnect so an unreachable device
// is rejected instead of being added in a permanently failing state. A fresh
// discovery-cache entry means the address was just seen, so a direct connect
// is attempted first; without one, a failed connect falls back to a short
// scan before the final attempt.
func (m *Manager) probe(address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()

	if err := m.gate.Acquire(ctx); err != nil {
		return err
	}
	defer m.gate.Release()

	conn, err := m.transport.Connect(ctx, address)
	if err == nil {
		return conn.Disconnect()
	}

	if _, cached := m.cache.Lookup(address); cached {
		return err
	}

	// Not seen recently: one scan can wake the peripheral's advertiser and
	// prime the controller before the retry.
	scanCtx, scanCancel := context.WithTimeout(ctx, 5*time.Second)
	if _, scanErr := m.transport.Scan(scanCtx); scanErr != nil {
		scanCancel()
		return err
	}
	scanCancel()

	conn, err = m.transport.Connect(ctx, address)
	if err != nil {
		return err
	}
	return conn.Disconnect()
}

func (m *Manager) snapshotLocked() map[string]types.DeviceRecord {
	snapshot := make(map[string]types.DeviceRecord, len(m.records))
	for addr, rec := range m.records {
		snapshot[addr] = rec
	}
	return snapshot
}
