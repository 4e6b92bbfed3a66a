package storage

import (
	"testing"

	"filehub/models"
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

func mustAddClient(t *testing.T, store *Store, clientID string, capacity int64) {
	t.Helper()

	err := store.AddClient(models.Client{
		ClientID:     clientID,
		PasswordHash: "hash-" + clientID,
		CapacityMax:  capacity,
		OwnerID:      "owner-" + clientID,
	})
	if err != nil {
		t.Fatalf("add client %q: %v", clientID, err)
	}
}

func mustCreateFile(t *testing.T, store *Store, clientID, name string, size int64) *models.File {
	t.Helper()

	file, err := store.CreateFile(clientID, name, size)
	if err != nil {
		t.Fatalf("create file %q: %v", name, err)
	}
	return file
}
