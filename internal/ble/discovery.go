package ble

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// DefaultCacheTTL is how long a scan result stays usable for a follow-up
// add_device without a second scan.
const DefaultCacheTTL = 2 * time.Minute

// DiscoveryCache remembers devices seen during the last scan so that
// "discover, then add" costs a single BLE scan.
type DiscoveryCache struct {
	transport Transport
	gate      *Gate
	ttl       time.Duration
	logger    *log.Logger

	mu      sync.RWMutex
	entries map[string]types.DiscoveredDevice
}

// NewDiscoveryCache creates a cache over the given transport and gate.
// A ttl of zero selects DefaultCacheTTL.
func NewDiscoveryCache(transport Transport, gate *Gate, ttl time.Duration) *DiscoveryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DiscoveryCache{
		transport: transport,
		gate:      gate,
		ttl:       ttl,
		logger:    log.New(os.Stdout, "[Discovery] ", log.LstdFlags),
		entries:   make(map[string]types.DiscoveredDevice),
	}
}

// Discover runs a gate-scoped scan for the given duration and replaces the
// cache with the results. Devices for which exclude returns true (already
// registered addresses) are cached but not returned, so the caller never
// offers a duplicate add. Results are sorted by signal strength.
func (c *DiscoveryCache) Discover(ctx context.Context, timeout time.Duration, exclude func(address string) bool) ([]types.DiscoveredDevice, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	adverts, err := c.transport.Scan(scanCtx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fresh := make(map[string]types.DiscoveredDevice, len(adverts))
	var visible []types.DiscoveredDevice
	for _, adv := range adverts {
		d := types.DiscoveredDevice{
			Address:      adv.Address,
			Name:         adv.Name,
			RSSI:         adv.RSSI,
			DiscoveredAt: now,
		}
		fresh[d.Address] = d
		if exclude == nil || !exclude(d.Address) {
			visible = append(visible, d)
		}
	}

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()

	sort.Slice(visible, func(i, j int) bool { return visible[i].RSSI > visible[j].RSSI })
	c.logger.Printf("Scan finished: %d devices seen, %d offered", len(fresh), len(visible))
	return visible, nil
}

// Lookup returns the cached entry for an address if it has not expired.
func (c *DiscoveryCache) Lookup(address string) (types.DiscoveredDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.entries[address]
	if !ok || time.Since(d.DiscoveredAt) > c.ttl {
		return types.DiscoveredDevice{}, false
	}
	return d, true
}

// Consume removes an address from the cache, typically after a successful
// add_device has used it.
func (c *DiscoveryCache) Consume(address string) {
	c.mu.Lock()
	delete(c.entries, address)
	c.mu.Unlock()
}
