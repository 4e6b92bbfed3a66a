package network

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"filehub/crypto"
	"filehub/models"
	"filehub/storage"
)

const testPassword = "s3cret"

var (
	testHashOnce sync.Once
	testHash     string
	testHashErr  error
)

// testPasswordHash hashes testPassword once per test binary.
func testPasswordHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		testHash, testHashErr = crypto.HashPassword(testPassword)
	})
	if testHashErr != nil {
		t.Fatalf("HashPassword failed: %v", testHashErr)
	}
	return testHash
}

type testEnv struct {
	store      *storage.Store
	server     *Server
	storageDir string
	clientTLS  *tls.Config
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "filehub.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestEnv(t *testing.T, configure ...func(*ServerOptions)) *testEnv {
	t.Helper()

	store := newTestStore(t)
	dir := t.TempDir()
	identity, err := crypto.EnsureServerIdentity(
		filepath.Join(dir, "tls", "server.crt"),
		filepath.Join(dir, "tls", "server.key"),
		[]string{"127.0.0.1", "localhost"},
		true,
	)
	if err != nil {
		t.Fatalf("EnsureServerIdentity failed: %v", err)
	}

	options := ServerOptions{
		TLSConfig:    crypto.ServerTLSConfig(identity),
		Gateway:      store,
		StorageDir:   filepath.Join(dir, "storage"),
		ChunkSize:    4,
		IdleTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		LoginTimeout: 2 * time.Second,
		EvictWait:    2 * time.Second,
		Logger:       zaptest.NewLogger(t),
	}
	for _, fn := range configure {
		fn(&options)
	}

	server, err := Listen("127.0.0.1:0", options)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testEnv{
		store:      store,
		server:     server,
		storageDir: options.StorageDir,
		clientTLS:  crypto.PinnedClientTLSConfig(identity.Fingerprint),
	}
}

func (env *testEnv) addClient(t *testing.T, clientID string, capacity int64) {
	t.Helper()

	err := env.store.AddClient(models.Client{
		ClientID:     clientID,
		PasswordHash: testPasswordHash(t),
		CapacityMax:  capacity,
		OwnerID:      "owner-" + clientID,
	})
	if err != nil {
		t.Fatalf("AddClient(%q) failed: %v", clientID, err)
	}
}

func (env *testEnv) dial(t *testing.T) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, env.server.Addr().String(), env.clientTLS)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client.Timeout = 5 * time.Second
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func (env *testEnv) login(t *testing.T, clientID string) *Client {
	t.Helper()

	client := env.dial(t)
	if err := client.Login(clientID, testPassword); err != nil {
		t.Fatalf("Login(%q) failed: %v", clientID, err)
	}
	return client
}

func (env *testEnv) queue(t *testing.T, clientID string, kind models.ActionKind, fileID *int64) *models.Action {
	t.Helper()

	action, err := env.store.CreateAction(clientID, kind, fileID)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	return action
}

func expectPrompt(t *testing.T, client *Client, want PromptKind) *Prompt {
	t.Helper()

	prompt, err := client.NextPrompt(5 * time.Second)
	if err != nil {
		t.Fatalf("NextPrompt failed: %v", err)
	}
	if prompt.Kind != want {
		t.Fatalf("unexpected prompt %q: got kind %d want %d", prompt.Line, prompt.Kind, want)
	}
	return prompt
}

func waitForActionStatus(t *testing.T, store *storage.Store, actionID int64, want models.ActionStatus) *models.Action {
	t.Helper()

	var last *models.Action
	waitFor(t, 5*time.Second, func() bool {
		action, err := store.GetAction(actionID)
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		last = action
		return action.Status == want
	}, func() string {
		return "action " + string(last.Status) + ", want " + string(want)
	})
	return last
}

func waitForClientStatus(t *testing.T, store *storage.Store, clientID string, want models.ClientStatus) {
	t.Helper()

	var last models.ClientStatus
	waitFor(t, 5*time.Second, func() bool {
		client, err := store.GetClient(clientID)
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		last = client.Status
		return last == want
	}, func() string {
		return "client " + string(last) + ", want " + string(want)
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, describe func() string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", describe())
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
