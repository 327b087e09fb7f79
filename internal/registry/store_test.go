package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	store := NewStore(path)

	records := map[string]types.DeviceRecord{
		"AA:BB:CC:DD:EE:01": {
			Address:             "AA:BB:CC:DD:EE:01",
			DeviceType:          "renogy_rover",
			DisplayName:         "Solar Controller",
			PollIntervalSeconds: 30,
		},
		"AA:BB:CC:DD:EE:02": {
			Address:    "AA:BB:CC:DD:EE:02",
			DeviceType: "generic_modbus",
			DriverConfig: map[string]interface{}{
				"device_id": float64(1),
			},
		},
	}

	if err := store.Save(records); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded))
	}
	if loaded["AA:BB:CC:DD:EE:01"].DisplayName != "Solar Controller" {
		t.Errorf("record did not survive round trip: %+v", loaded["AA:BB:CC:DD:EE:01"])
	}
	if loaded["AA:BB:CC:DD:EE:01"].PollIntervalSeconds != 30 {
		t.Errorf("poll interval lost: %+v", loaded["AA:BB:CC:DD:EE:01"])
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"))

	records, err := store.Load()
	if err != nil {
		t.Fatalf("missing file must not be an error, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("loaded %d records from a missing file", len(records))
	}
}

func TestStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := NewStore(path).Load()
	if err == nil {
		t.Error("corrupt file loaded without error")
	}
	if len(records) != 0 {
		t.Errorf("corrupt file produced %d records, want 0", len(records))
	}
}

// The map key is the authoritative address; a record body that disagrees is
// corrected on load.
func TestStoreLoadAddressFromKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	data := `{"AA:BB:CC:DD:EE:01": {"address": "FF:FF:FF:FF:FF:FF", "device_type": "renogy_rover"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := records["AA:BB:CC:DD:EE:01"].Address; got != "AA:BB:CC:DD:EE:01" {
		t.Errorf("address = %s, want the map key", got)
	}
}

func TestStoreSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "devices.json")
	store := NewStore(path)

	if err := store.Save(map[string]types.DeviceRecord{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("device list not written: %v", err)
	}
}
