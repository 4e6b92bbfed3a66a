package network

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestUniqueFilename(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"report.pdf", "report (1).pdf", ".bashrc", "archive.tar.gz"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	cases := map[string]string{
		"fresh.txt":      "fresh.txt",
		"report.pdf":     "report (2).pdf",
		".bashrc":        ".bashrc (1)",
		"archive.tar.gz": "archive.tar (1).gz",
	}
	for name, want := range cases {
		got, err := uniqueFilename(dir, name)
		if err != nil {
			t.Fatalf("uniqueFilename(%q) failed: %v", name, err)
		}
		if got != want {
			t.Fatalf("uniqueFilename(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRehydrateTrimsToRecordedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.bin")
	if err := os.WriteFile(path, []byte("hello world!"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	out, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer out.Close()

	offset, hasher, err := rehydrate(out, 6)
	if err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}
	if offset != 6 {
		t.Fatalf("unexpected offset: %d", offset)
	}
	if _, err := out.Write([]byte("there!")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	hasher.Write([]byte("there!"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello there!" {
		t.Fatalf("unexpected file content: %q", data)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != sha256Hex(data) {
		t.Fatalf("rebuilt digest does not match file")
	}
}

func TestRehydrateClampsToDiskLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	out, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer out.Close()

	offset, _, err := rehydrate(out, 10)
	if err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}
	if offset != 3 {
		t.Fatalf("expected offset clamped to 3, got %d", offset)
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeInterrupted.String() != "interrupted" {
		t.Fatalf("unexpected outcome name: %s", OutcomeInterrupted)
	}
	if Outcome(99).String() != "unknown" {
		t.Fatalf("unexpected name for unknown outcome")
	}
}
