package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func TestLoadAppliesDefaultsUnderDataDir(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfg, err := Load(LoadOptions{SkipEnvFiles: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, cfg.DataDir)
	}
	if cfg.ListenAddress != ":8000" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.StorageDir != filepath.Join(tempDir, "storage") {
		t.Fatalf("unexpected storage dir %q", cfg.StorageDir)
	}
	if cfg.DatabasePath != filepath.Join(tempDir, "filehub.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.TLS.CertFile != filepath.Join(tempDir, "tls", "server.crt") || cfg.TLS.KeyFile != filepath.Join(tempDir, "tls", "server.key") {
		t.Fatalf("unexpected tls paths %q %q", cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	if !cfg.TLS.AutoGenerate {
		t.Fatal("expected tls.auto_generate to default to true")
	}
	if cfg.Liveness.IdleTimeout != 12*time.Second || cfg.Liveness.PollInterval != time.Second {
		t.Fatalf("unexpected liveness defaults: %+v", cfg.Liveness)
	}
	if cfg.Transfer.ChunkSize != 4096 || cfg.Transfer.StallTimeout != 0 {
		t.Fatalf("unexpected transfer defaults: %+v", cfg.Transfer)
	}
	if cfg.Auth.LoginTimeout != 30*time.Second {
		t.Fatalf("unexpected login timeout %s", cfg.Auth.LoginTimeout)
	}
	if cfg.Limits.ConnectionsPerIP != 30 || cfg.Limits.Window != time.Minute {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Rotation.MaxSize != 128 {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadReadsConfigFileThenEnvThenFlags(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "filehub.yaml")
	raw := `
listen_address: "127.0.0.1:9000"
liveness:
  idle_timeout: 20s
transfer:
  chunk_size: 1024
log:
  level: debug
`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("FILEHUB_TRANSFER_CHUNK_SIZE", "2048")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--log-level=warn"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(LoadOptions{Path: cfgPath, Flags: flags, SkipEnvFiles: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("expected file listen address, got %q", cfg.ListenAddress)
	}
	if cfg.Liveness.IdleTimeout != 20*time.Second {
		t.Fatalf("expected file idle timeout, got %s", cfg.Liveness.IdleTimeout)
	}
	if cfg.Transfer.ChunkSize != 2048 {
		t.Fatalf("expected env to override chunk size, got %d", cfg.Transfer.ChunkSize)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected flag to override log level, got %q", cfg.Log.Level)
	}
}

func TestLoadFailsOnMissingExplicitConfig(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	if _, err := Load(LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml"), SkipEnvFiles: true}); err == nil {
		t.Fatal("expected missing explicit config file to fail")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())

	base, err := Load(LoadOptions{SkipEnvFiles: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cases := map[string]func(*Config){
		"empty listen":         func(c *Config) { c.ListenAddress = "" },
		"zero chunk":           func(c *Config) { c.Transfer.ChunkSize = 0 },
		"huge chunk":           func(c *Config) { c.Transfer.ChunkSize = MaxChunkSize + 1 },
		"zero idle":            func(c *Config) { c.Liveness.IdleTimeout = 0 },
		"poll beyond idle":     func(c *Config) { c.Liveness.PollInterval = c.Liveness.IdleTimeout + time.Second },
		"negative stall":       func(c *Config) { c.Transfer.StallTimeout = -time.Second },
		"limit without window": func(c *Config) { c.Limits.ConnectionsPerIP = 5; c.Limits.Window = 0 },
		"bad log level":        func(c *Config) { c.Log.Level = "loud" },
		"discovery no name":    func(c *Config) { c.Discovery.Enabled = true; c.Discovery.Instance = " " },
	}
	for name, mutate := range cases {
		cfg := *base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected Validate to fail", name)
		}
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnsureDataDirectoriesCreatesLayout(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfg, err := Load(LoadOptions{SkipEnvFiles: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := EnsureDataDirectories(cfg); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.StorageDir, filepath.Dir(cfg.TLS.CertFile)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be a directory", dir)
		}
	}
}

func TestDefaultsRenderAsYAML(t *testing.T) {
	raw, err := yaml.Marshal(Defaults())
	if err != nil {
		t.Fatalf("marshal defaults: %v", err)
	}
	text := string(raw)

	for _, want := range []string{"listen_address:", "idle_timeout: 12s", "chunk_size: 4096"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected generated config to contain %q, got:\n%s", want, text)
		}
	}
}
