package crypto

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureServerIdentityIsStable(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "server.crt")
	keyPath := filepath.Join(tempDir, "server.key")

	first, err := EnsureServerIdentity(certPath, keyPath, []string{"localhost", "127.0.0.1"}, true)
	if err != nil {
		t.Fatalf("first EnsureServerIdentity failed: %v", err)
	}
	if !first.Generated {
		t.Fatal("expected first call to generate an identity")
	}
	if len(first.Fingerprint) != 64 {
		t.Fatalf("expected 64-char fingerprint, got %q", first.Fingerprint)
	}

	second, err := EnsureServerIdentity(certPath, keyPath, nil, true)
	if err != nil {
		t.Fatalf("second EnsureServerIdentity failed: %v", err)
	}
	if second.Generated {
		t.Fatal("expected second call to load the existing identity")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("expected stable fingerprint, got %q then %q", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsureServerIdentityCreatesParentDirectories(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "tls", "certs", "server.crt")
	keyPath := filepath.Join(tempDir, "tls", "private", "server.key")

	identity, err := EnsureServerIdentity(certPath, keyPath, []string{"localhost"}, true)
	if err != nil {
		t.Fatalf("EnsureServerIdentity failed: %v", err)
	}
	if !identity.Generated {
		t.Fatal("expected identity to be generated")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected key mode 0600, got %o", perm)
	}
	if _, err := os.Stat(certPath); err != nil {
		t.Fatalf("stat certificate failed: %v", err)
	}
}

func TestEnsureServerIdentityWithoutAutoGenerateFails(t *testing.T) {
	tempDir := t.TempDir()

	_, err := EnsureServerIdentity(filepath.Join(tempDir, "a.crt"), filepath.Join(tempDir, "a.key"), nil, false)
	if err == nil {
		t.Fatal("expected missing identity to fail when generation is disabled")
	}
}

func TestGeneratedCertificateCoversHosts(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"files.local", "10.0.0.7", " "}, DefaultCertificateLifetime)
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair failed: %v", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if err := leaf.VerifyHostname("files.local"); err != nil {
		t.Fatalf("expected DNS name in certificate: %v", err)
	}
	if err := leaf.VerifyHostname("10.0.0.7"); err != nil {
		t.Fatalf("expected IP address in certificate: %v", err)
	}
}

func TestPinnedClientTLSConfigHandshake(t *testing.T) {
	tempDir := t.TempDir()
	identity, err := EnsureServerIdentity(
		filepath.Join(tempDir, "server.crt"),
		filepath.Join(tempDir, "server.key"),
		[]string{"127.0.0.1"},
		true,
	)
	if err != nil {
		t.Fatalf("EnsureServerIdentity failed: %v", err)
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", ServerTLSConfig(identity))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	dial := func(fingerprint string) error {
		conn, err := tls.Dial("tcp", listener.Addr().String(), PinnedClientTLSConfig(fingerprint))
		if err != nil {
			return err
		}
		return conn.Close()
	}

	if err := dial(FormatFingerprint(identity.Fingerprint)); err != nil {
		t.Fatalf("expected pinned handshake to succeed: %v", err)
	}
	wrong := strings.Repeat("0", 64)
	if err := dial(wrong); err == nil {
		t.Fatal("expected handshake with wrong fingerprint to fail")
	}

}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	if got != "ABCD 1234 EF" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if FormatFingerprint(got) != got {
		t.Fatal("expected formatting to be idempotent")
	}
	if FormatFingerprint("") != "" {
		t.Fatal("expected empty fingerprint to stay empty")
	}
}
