package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"filehub/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected unknown level to fail")
	}
}

func TestNewWritesJSONToFileSink(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "filehub.log")

	logger, err := New(config.LogConfig{
		Level: "info",
		File:  logPath,
		Rotation: config.LogRotationConfig{
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("client online", zap.String("client_id", "c1"))
	_ = logger.Sync()

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one entry above debug, got %d: %q", len(lines), raw)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["msg"] != "client online" || entry["client_id"] != "c1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
