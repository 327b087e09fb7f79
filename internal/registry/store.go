// Package registry owns the authoritative set of configured devices, their
// drivers and polling tasks, and the durable device list.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// Store persists the device list as a JSON file mapping address to record.
// The file is rewritten after every successful mutation and read once at
// startup. A corrupt or missing file loads as zero devices.
type Store struct {
	path string
}

// NewStore creates a store at the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted device list. Missing or unreadable files are not
// errors; the gateway starts empty and rebuilds the file on the first add.
func (s *Store) Load() (map[string]types.DeviceRecord, error) {
	records := make(map[string]types.DeviceRecord)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return records, fmt.Errorf("reading device list %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, &records); err != nil {
		return make(map[string]types.DeviceRecord), fmt.Errorf("parsing device list %s: %w", s.path, err)
	}

	// The map key is authoritative for the address.
	for addr, rec := range records {
		rec.Address = addr
		records[addr] = rec
	}
	return records, nil
}

// Save atomically rewrites the device list: write to a temp file in the same
// directory, then rename over the old one.
func (s *Store) Save(records map[string]types.DeviceRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding device list: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".devices-*.json")
	if err != nil {
		return fmt.Errorf("creating temp device list: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing device list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing device list: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing device list %s: %w", s.path, err)
	}
	return nil
}
