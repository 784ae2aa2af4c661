package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustTrustDevice(t *testing.T, store *Store, deviceID, name, fingerprint string) {
	t.Helper()

	err := store.SaveTrustedDevice(TrustedDevice{
		DeviceID:    deviceID,
		DeviceName:  name,
		DeviceType:  "phone",
		Fingerprint: fingerprint,
	})
	if err != nil {
		t.Fatalf("trust device %q: %v", deviceID, err)
	}
}
